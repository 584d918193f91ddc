package fundcore

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// NativeEscrowEngine uses the ledger's built-in conditional-release object.
// Works for the base asset only; amounts are in drops. The ledger addresses
// the escrow by (creator, sequence), so the sequence assigned at submission
// is retained and mandatory for finish/cancel.
type NativeEscrowEngine struct {
	cfg  Config
	conn *ConnectionManager
	book *EscrowBook
}

func NewNativeEscrowEngine(conn *ConnectionManager, book *EscrowBook, cfg Config) *NativeEscrowEngine {
	return &NativeEscrowEngine{cfg: cfg, conn: conn, book: book}
}

func (e *NativeEscrowEngine) Create(ctx context.Context, donor *Wallet, recipient string, amount decimal.Decimal, finishAfter, cancelAfter time.Time, campaignTag uint32) (*Escrow, error) {
	if err := e.book.validateWindow(finishAfter, cancelAfter); err != nil {
		return nil, err
	}

	if !amount.IsPositive() {
		return nil, &ValidationError{Field: "amount", Reason: "must be positive"}
	}

	// the donor must cover the amount plus base and owner reserves, since
	// the escrow object itself raises the owner requirement
	res, err := e.conn.Reserves(ctx)
	if err != nil {
		return nil, fmt.Errorf("query reserves: %w", err)
	}

	info, err := e.conn.AccountInfo(ctx, donor.Address)
	if err != nil {
		return nil, err
	}

	required := amount.Add(res.Base).Add(res.Owner)
	if info.Balance.LessThan(required) {
		return nil, &InsufficientBalanceError{
			Account:   donor.Address,
			Required:  required,
			Available: info.Balance,
		}
	}

	escrow := &Escrow{
		ID:               uuid.New(),
		DonorAddress:     donor.Address,
		RecipientAddress: recipient,
		Amount:           amount,
		FinishAfter:      finishAfter,
		CancelAfter:      cancelAfter,
		CampaignTag:      campaignTag,
		Status:           EscrowPending,
		Strategy:         "native",
		CreatedAt:        e.book.now(),
	}

	var submitted *SubmitResult
	if err := retry(ctx, e.cfg, func() error {
		var err error
		submitted, err = e.conn.Client().SubmitAndWait(ctx, EscrowCreate{
			Account:        donor.Address,
			Destination:    recipient,
			Amount:         DropsAmount(amount),
			FinishAfter:    finishAfter,
			CancelAfter:    cancelAfter,
			DestinationTag: campaignTag,
		}, donor)
		return err
	}); err != nil {
		return nil, fmt.Errorf("submit escrow create: %w", err)
	}

	if submitted.ResultCode != ResultSuccess {
		return nil, &LedgerRejectionError{TxType: "EscrowCreate", Code: submitted.ResultCode}
	}

	escrow.Sequence = submitted.Sequence
	e.book.add(escrow)

	slog.Info("native escrow created",
		"escrow", escrow.ID,
		"sequence", escrow.Sequence,
		"amount_drops", amount,
		"finish_after", finishAfter,
		"cancel_after", cancelAfter,
	)

	return escrow, nil
}

func (e *NativeEscrowEngine) Finish(ctx context.Context, id uuid.UUID, finisher *Wallet) error {
	escrow, err := e.book.Get(id)
	if err != nil {
		return err
	}

	if err := checkSettleable(escrow); err != nil {
		return err
	}

	if escrow.Sequence == 0 {
		return &ValidationError{Field: "sequence", Reason: "escrow sequence not recorded"}
	}

	if err := e.book.checkFinishWindow(escrow); err != nil {
		return err
	}

	// local clocks skew; re-validate against the validated ledger close
	// time before acting
	state, err := e.conn.LedgerTime(ctx)
	if err != nil {
		return err
	}

	if state.LedgerTime.Before(escrow.FinishAfter) {
		return &TimingError{Op: "finish", Now: state.LedgerTime, Bound: escrow.FinishAfter}
	}

	if err := retry(ctx, e.cfg, func() error {
		res, err := e.conn.Client().SubmitAndWait(ctx, EscrowFinish{
			Account:       finisher.Address,
			Owner:         escrow.DonorAddress,
			OfferSequence: escrow.Sequence,
		}, finisher)
		if err != nil {
			return err
		}

		if res.ResultCode != ResultSuccess {
			return &LedgerRejectionError{TxType: "EscrowFinish", Code: res.ResultCode}
		}

		return nil
	}); err != nil {
		return fmt.Errorf("submit escrow finish: %w", err)
	}

	e.book.setStatus(id, EscrowCompleted)

	slog.Info("native escrow finished", "escrow", id, "recipient", escrow.RecipientAddress)
	return nil
}

func (e *NativeEscrowEngine) Cancel(ctx context.Context, id uuid.UUID, canceller *Wallet) error {
	escrow, err := e.book.Get(id)
	if err != nil {
		return err
	}

	if err := checkSettleable(escrow); err != nil {
		return err
	}

	if escrow.Sequence == 0 {
		return &ValidationError{Field: "sequence", Reason: "escrow sequence not recorded"}
	}

	if err := e.book.checkCancelWindow(escrow); err != nil {
		return err
	}

	if canceller.Address != escrow.DonorAddress {
		return &AuthorizationError{Account: canceller.Address, Reason: "only the donor can cancel an escrow"}
	}

	state, err := e.conn.LedgerTime(ctx)
	if err != nil {
		return err
	}

	if state.LedgerTime.Before(escrow.CancelAfter) {
		return &TimingError{Op: "cancel", Now: state.LedgerTime, Bound: escrow.CancelAfter}
	}

	if err := retry(ctx, e.cfg, func() error {
		res, err := e.conn.Client().SubmitAndWait(ctx, EscrowCancel{
			Account:       canceller.Address,
			Owner:         escrow.DonorAddress,
			OfferSequence: escrow.Sequence,
		}, canceller)
		if err != nil {
			return err
		}

		if res.ResultCode != ResultSuccess {
			return &LedgerRejectionError{TxType: "EscrowCancel", Code: res.ResultCode}
		}

		return nil
	}); err != nil {
		return fmt.Errorf("submit escrow cancel: %w", err)
	}

	e.book.setStatus(id, EscrowCancelled)

	slog.Info("native escrow cancelled", "escrow", id, "donor", escrow.DonorAddress)
	return nil
}

func (e *NativeEscrowEngine) Tick() {
	e.book.Tick()
}
