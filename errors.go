package fundcore

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrCampaignNotFound = errors.New("campaign not found")
	ErrEscrowNotFound   = errors.New("escrow not found")
	ErrNotConnected     = errors.New("not connected to ledger network")
)

// ValidationError reports bad campaign or escrow parameters. Never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

type InsufficientBalanceError struct {
	Account   string
	Required  decimal.Decimal
	Available decimal.Decimal
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance on %s: required %s, available %s",
		e.Account, e.Required, e.Available)
}

type TrustLineMissingError struct {
	Account  string
	Issuer   string
	Currency string
}

func (e *TrustLineMissingError) Error() string {
	return fmt.Sprintf("no %s trust line between %s and issuer %s", e.Currency, e.Account, e.Issuer)
}

// NetworkError marks a transient transport failure. It is the only class the
// retry policy will replay.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network: %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// LedgerRejectionError reports a confirmed transaction whose result code is
// not the network's success sentinel.
type LedgerRejectionError struct {
	TxType string
	Code   string
}

func (e *LedgerRejectionError) Error() string {
	return fmt.Sprintf("%s rejected by ledger: %s", e.TxType, e.Code)
}

// TimingError reports an escrow finish or cancel attempted outside its
// valid window.
type TimingError struct {
	Op    string
	Now   time.Time
	Bound time.Time
}

func (e *TimingError) Error() string {
	if e.Now.Before(e.Bound) {
		return fmt.Sprintf("%s not available yet, ready in %s", e.Op, e.Bound.Sub(e.Now).Round(time.Second))
	}

	return fmt.Sprintf("%s window passed at %s", e.Op, e.Bound.Format(time.RFC3339))
}

type AuthorizationError struct {
	Account string
	Reason  string
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Account, e.Reason)
}

func isRetryable(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne)
}
