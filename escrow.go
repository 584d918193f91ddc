package fundcore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type EscrowStatus string

const (
	EscrowPending   EscrowStatus = "pending"
	EscrowReady     EscrowStatus = "ready"
	EscrowCompleted EscrowStatus = "completed"
	EscrowExpired   EscrowStatus = "expired"
	EscrowCancelled EscrowStatus = "cancelled"
)

// Escrow is a conditional, time-gated transfer. The local id is a caller
// handle only; the native strategy addresses the ledger object by
// (DonorAddress, Sequence).
type Escrow struct {
	ID               uuid.UUID       `json:"id"`
	DonorAddress     string          `json:"donor_address"`
	RecipientAddress string          `json:"recipient_address"`
	Amount           decimal.Decimal `json:"amount"`
	FinishAfter      time.Time       `json:"finish_after"`
	CancelAfter      time.Time       `json:"cancel_after"`
	CampaignTag      uint32          `json:"campaign_tag"`
	Sequence         uint32          `json:"sequence,omitempty"`
	Status           EscrowStatus    `json:"status"`
	Strategy         string          `json:"strategy"`
	CreatedAt        time.Time       `json:"created_at"`
}

// EscrowLifecycle is the contract both release strategies implement.
type EscrowLifecycle interface {
	Create(ctx context.Context, donor *Wallet, recipient string, amount decimal.Decimal, finishAfter, cancelAfter time.Time, campaignTag uint32) (*Escrow, error)

	// Finish releases the funds to the recipient once the window is open.
	// Any wallet may finish.
	Finish(ctx context.Context, id uuid.UUID, finisher *Wallet) error

	// Cancel returns the funds to the donor after the window closes. Only
	// the original donor may cancel.
	Cancel(ctx context.Context, id uuid.UUID, canceller *Wallet) error

	// Tick promotes pending escrows by local wall-clock time only.
	Tick()
}

// EscrowBook is the shared, mutex-guarded escrow registry. Both strategies
// write into one book so ids stay unique across them.
type EscrowBook struct {
	mu      sync.Mutex
	escrows map[uuid.UUID]*Escrow

	now func() time.Time
}

func NewEscrowBook() *EscrowBook {
	return &EscrowBook{
		escrows: map[uuid.UUID]*Escrow{},
		now:     time.Now,
	}
}

func (b *EscrowBook) add(e *Escrow) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.escrows[e.ID] = e
}

func (b *EscrowBook) Get(id uuid.UUID) (*Escrow, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.escrows[id]
	if !ok {
		return nil, ErrEscrowNotFound
	}

	snapshot := *e
	return &snapshot, nil
}

func (b *EscrowBook) List() []*Escrow {
	b.mu.Lock()
	defer b.mu.Unlock()

	list := make([]*Escrow, 0, len(b.escrows))
	for _, e := range b.escrows {
		snapshot := *e
		list = append(list, &snapshot)
	}

	return list
}

func (b *EscrowBook) setStatus(id uuid.UUID, status EscrowStatus) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if e, ok := b.escrows[id]; ok {
		e.Status = status
	}
}

// Tick promotes pending escrows against local wall-clock time:
// pending->ready inside [finishAfter, cancelAfter), pending->expired past
// cancelAfter. Never touches the network.
func (b *EscrowBook) Tick() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	for _, e := range b.escrows {
		if e.Status != EscrowPending {
			continue
		}

		switch {
		case !now.Before(e.CancelAfter):
			e.Status = EscrowExpired
			slog.Info("escrow expired", "escrow", e.ID)
		case !now.Before(e.FinishAfter):
			e.Status = EscrowReady
			slog.Info("escrow ready to finish", "escrow", e.ID)
		}
	}
}

func (b *EscrowBook) validateWindow(finishAfter, cancelAfter time.Time) error {
	now := b.now()

	if !finishAfter.After(now) {
		return &ValidationError{Field: "finish_after", Reason: "must be in the future"}
	}

	if !cancelAfter.After(finishAfter) {
		return &ValidationError{Field: "cancel_after", Reason: "must be after finish_after"}
	}

	return nil
}

// checkFinishWindow enforces finishAfter <= now < cancelAfter, marking the
// escrow expired when the window has closed.
func (b *EscrowBook) checkFinishWindow(e *Escrow) error {
	now := b.now()

	if now.Before(e.FinishAfter) {
		return &TimingError{Op: "finish", Now: now, Bound: e.FinishAfter}
	}

	if now.After(e.CancelAfter) {
		b.setStatus(e.ID, EscrowExpired)
		return &TimingError{Op: "finish", Now: now, Bound: e.CancelAfter}
	}

	return nil
}

func (b *EscrowBook) checkCancelWindow(e *Escrow) error {
	now := b.now()

	if now.Before(e.CancelAfter) {
		return &TimingError{Op: "cancel", Now: now, Bound: e.CancelAfter}
	}

	return nil
}

func checkSettleable(e *Escrow) error {
	switch e.Status {
	case EscrowCompleted, EscrowCancelled:
		return &ValidationError{Field: "escrow", Reason: fmt.Sprintf("escrow is %s", e.Status)}
	default:
		return nil
	}
}

// invoiceID derives the unique correlation key carried on every leg of a
// synthetic escrow. A bare campaign tag cannot distinguish concurrent
// escrows sharing the holding account; the hashed escrow id can.
func invoiceID(id uuid.UUID) string {
	sum := sha256.Sum256([]byte(id.String()))
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}
