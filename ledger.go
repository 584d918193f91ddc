package fundcore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ResultSuccess is the ledger's success sentinel. Any other confirmed result
// code is a rejection.
const ResultSuccess = "tesSUCCESS"

// tfNoRippleDirect forces a direct payment path for issued assets.
const tfNoRippleDirect uint32 = 131072

// LedgerClient is the narrow surface this module consumes from the ledger
// network. Production code talks to xrplClient; tests script a fake.
type LedgerClient interface {
	Connect(ctx context.Context) error
	Close() error
	Ping(ctx context.Context) error

	// FundWallet requests a funded wallet from the testnet faucet and
	// returns it with its initial balance.
	FundWallet(ctx context.Context) (*Wallet, decimal.Decimal, error)

	// WalletFromSeed recovers the wallet addressed by a known seed.
	WalletFromSeed(ctx context.Context, seed string) (*Wallet, error)

	// SubmitAndWait signs and submits a transaction, then waits for the
	// ledger to confirm it. The returned result code must be compared
	// against ResultSuccess by the caller.
	SubmitAndWait(ctx context.Context, tx Transaction, signer *Wallet) (*SubmitResult, error)

	AccountLines(ctx context.Context, account, peer string) ([]TrustLine, error)
	AccountInfo(ctx context.Context, account string) (*AccountInfo, error)
	ServerInfo(ctx context.Context) (*ServerInfo, error)

	Subscribe(ctx context.Context, req SubscribeRequest) error
	Unsubscribe(ctx context.Context, req SubscribeRequest) error

	// Events yields stream messages for subscribed accounts and streams.
	// The channel closes when the connection does.
	Events() <-chan Event
}

type SubscribeRequest struct {
	Accounts []string `json:"accounts,omitempty"`
	Streams  []string `json:"streams,omitempty"`
}

type Transaction interface {
	TxType() string
}

// Amount is either the network's base asset, expressed in drops with an
// empty currency, or an issued asset balance.
type Amount struct {
	Currency string
	Issuer   string
	Value    decimal.Decimal
}

func DropsAmount(drops decimal.Decimal) Amount {
	return Amount{Value: drops}
}

func IssuedAmount(currency, issuer string, value decimal.Decimal) Amount {
	return Amount{Currency: currency, Issuer: issuer, Value: value}
}

func (a Amount) IsNative() bool { return a.Currency == "" }

func (a Amount) MarshalJSON() ([]byte, error) {
	if a.IsNative() {
		return json.Marshal(a.Value.String())
	}

	return json.Marshal(map[string]string{
		"currency": a.Currency,
		"issuer":   a.Issuer,
		"value":    a.Value.String(),
	})
}

func (a *Amount) UnmarshalJSON(b []byte) error {
	var drops string
	if err := json.Unmarshal(b, &drops); err == nil {
		v, err := decimal.NewFromString(drops)
		if err != nil {
			return fmt.Errorf("parse drops amount: %w", err)
		}

		*a = Amount{Value: v}
		return nil
	}

	var issued struct {
		Currency string `json:"currency"`
		Issuer   string `json:"issuer"`
		Value    string `json:"value"`
	}
	if err := json.Unmarshal(b, &issued); err != nil {
		return fmt.Errorf("parse issued amount: %w", err)
	}

	v, err := decimal.NewFromString(issued.Value)
	if err != nil {
		return fmt.Errorf("parse issued amount value: %w", err)
	}

	*a = Amount{Currency: issued.Currency, Issuer: issued.Issuer, Value: v}
	return nil
}

type TrustLine struct {
	Account  string          `json:"account"`
	Currency string          `json:"currency"`
	Balance  decimal.Decimal `json:"balance"`
	Limit    decimal.Decimal `json:"limit"`
}

type AccountInfo struct {
	Address    string
	Balance    decimal.Decimal // drops
	Sequence   uint32
	OwnerCount uint32
	Flags      uint32
}

type ServerInfo struct {
	BaseReserve  decimal.Decimal // drops
	OwnerReserve decimal.Decimal // drops
	LedgerIndex  uint32
	LedgerTime   time.Time // close time of the last validated ledger
}

type SubmitResult struct {
	Hash       string
	Sequence   uint32
	ResultCode string
	Validated  bool
}

type EventKind string

const (
	EventTransaction  EventKind = "transaction"
	EventLedgerClosed EventKind = "ledgerClosed"
)

type Event struct {
	Kind        EventKind
	LedgerIndex uint32
	CloseTime   time.Time
	Tx          *TxEvent
}

// TxEvent is a validated transaction observed on a subscribed stream.
type TxEvent struct {
	Hash            string `json:"hash"`
	TransactionType string `json:"transaction_type"`
	Account         string `json:"account"`
	Destination     string `json:"destination,omitempty"`
	Amount          Amount `json:"amount"`
	DestinationTag  uint32 `json:"destination_tag,omitempty"`
	SourceTag       uint32 `json:"source_tag,omitempty"`
	InvoiceID       string `json:"invoice_id,omitempty"`
	Result          string `json:"result"`
	LedgerIndex     uint32 `json:"ledger_index"`
}

type Memo struct {
	Type string `json:"MemoType,omitempty"`
	Data string `json:"MemoData,omitempty"`
}

type memoWrapper struct {
	Memo Memo `json:"Memo"`
}

// Payment moves native drops or issued tokens between accounts.
type Payment struct {
	Account        string
	Destination    string
	Amount         Amount
	DestinationTag uint32
	SourceTag      uint32
	InvoiceID      string
	Flags          uint32
	Memos          []Memo
}

func (Payment) TxType() string { return "Payment" }

func (p Payment) MarshalJSON() ([]byte, error) {
	m := map[string]any{
		"TransactionType": p.TxType(),
		"Account":         p.Account,
		"Destination":     p.Destination,
		"Amount":          p.Amount,
	}
	if p.DestinationTag != 0 {
		m["DestinationTag"] = p.DestinationTag
	}
	if p.SourceTag != 0 {
		m["SourceTag"] = p.SourceTag
	}
	if p.InvoiceID != "" {
		m["InvoiceID"] = p.InvoiceID
	}
	if p.Flags != 0 {
		m["Flags"] = p.Flags
	}
	if len(p.Memos) > 0 {
		wrapped := make([]memoWrapper, len(p.Memos))
		for i, memo := range p.Memos {
			wrapped[i] = memoWrapper{Memo: memo}
		}
		m["Memos"] = wrapped
	}

	return json.Marshal(m)
}

// TrustSet authorizes the account to hold up to Limit of the issuer's asset.
type TrustSet struct {
	Account string
	Limit   Amount
}

func (TrustSet) TxType() string { return "TrustSet" }

func (t TrustSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]any{
		"TransactionType": t.TxType(),
		"Account":         t.Account,
		"LimitAmount":     t.Limit,
	})
}

// AccountSet toggles account-level flags, e.g. default rippling on the
// issuer.
type AccountSet struct {
	Account string
	SetFlag uint32
}

// asfDefaultRipple lets issued balances ripple through the account.
const asfDefaultRipple uint32 = 8

func (AccountSet) TxType() string { return "AccountSet" }

func (a AccountSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]any{
		"TransactionType": a.TxType(),
		"Account":         a.Account,
		"SetFlag":         a.SetFlag,
	})
}

// EscrowCreate locks native drops until FinishAfter, refundable after
// CancelAfter. The resulting ledger object is addressed by (Account,
// Sequence), so the submit result's sequence must be retained.
type EscrowCreate struct {
	Account        string
	Destination    string
	Amount         Amount
	FinishAfter    time.Time
	CancelAfter    time.Time
	DestinationTag uint32
}

func (EscrowCreate) TxType() string { return "EscrowCreate" }

func (e EscrowCreate) MarshalJSON() ([]byte, error) {
	m := map[string]any{
		"TransactionType": e.TxType(),
		"Account":         e.Account,
		"Destination":     e.Destination,
		"Amount":          e.Amount,
		"FinishAfter":     toRippleTime(e.FinishAfter),
		"CancelAfter":     toRippleTime(e.CancelAfter),
	}
	if e.DestinationTag != 0 {
		m["DestinationTag"] = e.DestinationTag
	}

	return json.Marshal(m)
}

type EscrowFinish struct {
	Account       string
	Owner         string
	OfferSequence uint32
}

func (EscrowFinish) TxType() string { return "EscrowFinish" }

func (e EscrowFinish) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]any{
		"TransactionType": e.TxType(),
		"Account":         e.Account,
		"Owner":           e.Owner,
		"OfferSequence":   e.OfferSequence,
	})
}

type EscrowCancel struct {
	Account       string
	Owner         string
	OfferSequence uint32
}

func (EscrowCancel) TxType() string { return "EscrowCancel" }

func (e EscrowCancel) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]any{
		"TransactionType": e.TxType(),
		"Account":         e.Account,
		"Owner":           e.Owner,
		"OfferSequence":   e.OfferSequence,
	})
}
