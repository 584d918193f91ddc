package fundcore

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// SyntheticEscrowEngine emulates conditional release for issued tokens,
// which have no native escrow primitive. Funds route through the issuer's
// holding account as plain payments: hold on create, release to the
// recipient on finish, refund to the donor on cancel. This is a
// compensating-transaction pattern, not a ledger-enforced guarantee.
//
// Every leg carries the campaign tag for attribution plus an InvoiceID
// derived from the escrow id, so concurrent escrows sharing the holding
// account and tag stay distinguishable.
type SyntheticEscrowEngine struct {
	cfg  Config
	conn *ConnectionManager
	book *EscrowBook
}

func NewSyntheticEscrowEngine(conn *ConnectionManager, book *EscrowBook, cfg Config) *SyntheticEscrowEngine {
	return &SyntheticEscrowEngine{cfg: cfg, conn: conn, book: book}
}

func (e *SyntheticEscrowEngine) Create(ctx context.Context, donor *Wallet, recipient string, amount decimal.Decimal, finishAfter, cancelAfter time.Time, campaignTag uint32) (*Escrow, error) {
	if err := e.book.validateWindow(finishAfter, cancelAfter); err != nil {
		return nil, err
	}

	if !amount.IsPositive() {
		return nil, &ValidationError{Field: "amount", Reason: "must be positive"}
	}

	balance, err := e.conn.TokenBalance(ctx, donor.Address)
	if err != nil {
		return nil, err
	}

	if balance.LessThan(amount) {
		return nil, &InsufficientBalanceError{
			Account:   donor.Address,
			Required:  amount,
			Available: balance,
		}
	}

	issuer, err := e.conn.Issuer()
	if err != nil {
		return nil, err
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
		Strategy:         "synthetic",
		CreatedAt:        e.book.now(),
	}

	if err := e.pay(ctx, Payment{
		Account:        donor.Address,
		Destination:    issuer.Address,
		Amount:         IssuedAmount(e.cfg.Currency, issuer.Address, amount),
		DestinationTag: campaignTag,
		InvoiceID:      invoiceID(escrow.ID),
	}, donor); err != nil {
		return nil, fmt.Errorf("hold payment: %w", err)
	}

	e.book.add(escrow)

	slog.Info("synthetic escrow created",
		"escrow", escrow.ID,
		"amount", amount,
		"currency", e.cfg.Currency,
		"holding_account", issuer.Address,
	)

	return escrow, nil
}

func (e *SyntheticEscrowEngine) Finish(ctx context.Context, id uuid.UUID, finisher *Wallet) error {
	escrow, err := e.book.Get(id)
	if err != nil {
		return err
	}

	if err := checkSettleable(escrow); err != nil {
		return err
	}

	if err := e.book.checkFinishWindow(escrow); err != nil {
		return err
	}

	issuer, err := e.conn.Issuer()
	if err != nil {
		return err
	}

	if err := e.pay(ctx, Payment{
		Account:     issuer.Address,
		Destination: escrow.RecipientAddress,
		Amount:      IssuedAmount(e.cfg.Currency, issuer.Address, escrow.Amount),
		SourceTag:   escrow.CampaignTag,
		InvoiceID:   invoiceID(escrow.ID),
	}, issuer); err != nil {
		return fmt.Errorf("release payment: %w", err)
	}

	e.book.setStatus(id, EscrowCompleted)

	slog.Info("synthetic escrow finished", "escrow", id, "recipient", escrow.RecipientAddress)
	return nil
}

func (e *SyntheticEscrowEngine) Cancel(ctx context.Context, id uuid.UUID, canceller *Wallet) error {
	escrow, err := e.book.Get(id)
	if err != nil {
		return err
	}

	if err := checkSettleable(escrow); err != nil {
		return err
	}

	if err := e.book.checkCancelWindow(escrow); err != nil {
		return err
	}

	if canceller.Address != escrow.DonorAddress {
		return &AuthorizationError{Account: canceller.Address, Reason: "only the donor can cancel an escrow"}
	}

	issuer, err := e.conn.Issuer()
	if err != nil {
		return err
	}

	if err := e.pay(ctx, Payment{
		Account:     issuer.Address,
		Destination: escrow.DonorAddress,
		Amount:      IssuedAmount(e.cfg.Currency, issuer.Address, escrow.Amount),
		SourceTag:   escrow.CampaignTag,
		InvoiceID:   invoiceID(escrow.ID),
	}, issuer); err != nil {
		return fmt.Errorf("refund payment: %w", err)
	}

	e.book.setStatus(id, EscrowCancelled)

	slog.Info("synthetic escrow cancelled", "escrow", id, "donor", escrow.DonorAddress)
	return nil
}

func (e *SyntheticEscrowEngine) Tick() {
	e.book.Tick()
}

func (e *SyntheticEscrowEngine) pay(ctx context.Context, payment Payment, signer *Wallet) error {
	return retry(ctx, e.cfg, func() error {
		res, err := e.conn.Client().SubmitAndWait(ctx, payment, signer)
		if err != nil {
			return err
		}

		if res.ResultCode != ResultSuccess {
			return &LedgerRejectionError{TxType: "Payment", Code: res.ResultCode}
		}

		return nil
	})
}
