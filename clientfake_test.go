package fundcore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

// fakeClient scripts the narrow ledger-client interface so retry policy,
// campaign flows, and escrow settlement run without a network.
type fakeClient struct {
	mu sync.Mutex

	connectErrs  []error
	connectCalls int

	fundErrs  []error
	fundCalls int

	xrp   map[string]decimal.Decimal // drops per account
	lines map[string][]TrustLine
	seqs  map[string]uint32

	linesCalls int
	infoCalls  int

	submitErrs []error
	submitHook func(tx Transaction, signer *Wallet) (*SubmitResult, error)
	submitted  []submission

	server     ServerInfo
	ledgerTime func() time.Time

	events chan Event

	subErr error
	subs   []SubscribeRequest
	unsubs []SubscribeRequest
}

type submission struct {
	Tx     Transaction
	Signer string
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		xrp:   map[string]decimal.Decimal{},
		lines: map[string][]TrustLine{},
		seqs:  map[string]uint32{},
		server: ServerInfo{
			BaseReserve:  XRPToDrops(decimal.NewFromInt(10)),
			OwnerReserve: XRPToDrops(decimal.NewFromInt(2)),
			LedgerIndex:  100,
		},
		events: make(chan Event, 64),
	}
}

func netErr(op string) error {
	return &NetworkError{Op: op, Err: errors.New("boom")}
}

func (f *fakeClient) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.connectCalls++
	if len(f.connectErrs) > 0 {
		err := f.connectErrs[0]
		f.connectErrs = f.connectErrs[1:]
		if err != nil {
			return err
		}
	}

	return nil
}

func (f *fakeClient) Close() error { return nil }

func (f *fakeClient) Ping(ctx context.Context) error { return nil }

func (f *fakeClient) FundWallet(ctx context.Context) (*Wallet, decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.fundCalls++
	if len(f.fundErrs) > 0 {
		err := f.fundErrs[0]
		f.fundErrs = f.fundErrs[1:]
		if err != nil {
			return nil, decimal.Zero, err
		}
	}

	w := &Wallet{
		Address: fmt.Sprintf("rFAKE%d", f.fundCalls),
		Seed:    fmt.Sprintf("sFAKE%d", f.fundCalls),
	}
	f.xrp[w.Address] = XRPToDrops(decimal.NewFromInt(10000))

	return w, decimal.NewFromInt(10000), nil
}

func (f *fakeClient) WalletFromSeed(ctx context.Context, seed string) (*Wallet, error) {
	return &Wallet{Address: "r" + strings.ToUpper(strings.TrimPrefix(seed, "s")), Seed: seed}, nil
}

func (f *fakeClient) SubmitAndWait(ctx context.Context, tx Transaction, signer *Wallet) (*SubmitResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.submitErrs) > 0 {
		err := f.submitErrs[0]
		f.submitErrs = f.submitErrs[1:]
		if err != nil {
			return nil, err
		}
	}

	if f.submitHook != nil {
		if res, err := f.submitHook(tx, signer); res != nil || err != nil {
			f.submitted = append(f.submitted, submission{Tx: tx, Signer: signer.Address})
			return res, err
		}
	}

	f.submitted = append(f.submitted, submission{Tx: tx, Signer: signer.Address})

	f.seqs[signer.Address]++
	seq := f.seqs[signer.Address]

	f.applyLocked(tx)

	return &SubmitResult{
		Hash:       fmt.Sprintf("TX%08d", len(f.submitted)),
		Sequence:   seq,
		ResultCode: ResultSuccess,
		Validated:  true,
	}, nil
}

// applyLocked mirrors the minimal balance effects of a validated
// transaction so multi-step flows observe consistent ledger state.
func (f *fakeClient) applyLocked(tx Transaction) {
	switch t := tx.(type) {
	case TrustSet:
		for _, line := range f.lines[t.Account] {
			if line.Currency == t.Limit.Currency && line.Account == t.Limit.Issuer {
				return
			}
		}
		f.lines[t.Account] = append(f.lines[t.Account], TrustLine{
			Account:  t.Limit.Issuer,
			Currency: t.Limit.Currency,
			Balance:  decimal.Zero,
			Limit:    t.Limit.Value,
		})

	case Payment:
		if t.Amount.IsNative() {
			f.xrp[t.Account] = f.xrp[t.Account].Sub(t.Amount.Value)
			f.xrp[t.Destination] = f.xrp[t.Destination].Add(t.Amount.Value)
			return
		}

		f.adjustLineLocked(t.Account, t.Amount, true)
		f.adjustLineLocked(t.Destination, t.Amount, false)

	case EscrowCreate:
		f.xrp[t.Account] = f.xrp[t.Account].Sub(t.Amount.Value)
	}
}

func (f *fakeClient) adjustLineLocked(account string, amount Amount, debit bool) {
	if account == amount.Issuer {
		return
	}

	for i, line := range f.lines[account] {
		if line.Currency != amount.Currency || line.Account != amount.Issuer {
			continue
		}

		if debit {
			f.lines[account][i].Balance = line.Balance.Sub(amount.Value)
		} else {
			f.lines[account][i].Balance = line.Balance.Add(amount.Value)
		}
		return
	}
}

func (f *fakeClient) AccountLines(ctx context.Context, account, peer string) ([]TrustLine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.linesCalls++

	var out []TrustLine
	for _, line := range f.lines[account] {
		if peer != "" && line.Account != peer {
			continue
		}
		out = append(out, line)
	}

	return out, nil
}

func (f *fakeClient) AccountInfo(ctx context.Context, account string) (*AccountInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.infoCalls++

	balance, ok := f.xrp[account]
	if !ok {
		return nil, &NetworkError{Op: "account_info", Err: &rpcError{Code: "actNotFound", Message: "account not found"}}
	}

	return &AccountInfo{
		Address:  account,
		Balance:  balance,
		Sequence: f.seqs[account] + 1,
	}, nil
}

func (f *fakeClient) ServerInfo(ctx context.Context) (*ServerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	info := f.server
	if f.ledgerTime != nil {
		info.LedgerTime = f.ledgerTime()
	} else {
		info.LedgerTime = time.Now()
	}

	return &info, nil
}

func (f *fakeClient) Subscribe(ctx context.Context, req SubscribeRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.subErr != nil {
		return f.subErr
	}

	f.subs = append(f.subs, req)
	return nil
}

func (f *fakeClient) Unsubscribe(ctx context.Context, req SubscribeRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.unsubs = append(f.unsubs, req)
	return nil
}

func (f *fakeClient) Events() <-chan Event { return f.events }

func (f *fakeClient) setTokenBalance(account, issuer, currency string, balance decimal.Decimal) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for i, line := range f.lines[account] {
		if line.Currency == currency && line.Account == issuer {
			f.lines[account][i].Balance = balance
			return
		}
	}

	f.lines[account] = append(f.lines[account], TrustLine{
		Account:  issuer,
		Currency: currency,
		Balance:  balance,
		Limit:    decimal.NewFromInt(1000000000),
	})
}

func (f *fakeClient) tokenBalance(account, currency string) decimal.Decimal {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, line := range f.lines[account] {
		if line.Currency == currency {
			return line.Balance
		}
	}

	return decimal.Zero
}

func (f *fakeClient) submissions() []submission {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]submission(nil), f.submitted...)
}

func (f *fakeClient) pushTx(tx TxEvent) {
	f.events <- Event{Kind: EventTransaction, LedgerIndex: tx.LedgerIndex, Tx: &tx}
}

func (f *fakeClient) pushLedger(index uint32, closeTime time.Time) {
	f.events <- Event{Kind: EventLedgerClosed, LedgerIndex: index, CloseTime: closeTime}
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.t = c.t.Add(d)
}

func testConfig() Config {
	return Config{
		Currency:         "USD",
		TrustLineLimit:   decimal.NewFromInt(1000000000),
		TopUpBelow:       decimal.NewFromInt(1000),
		InitialGrant:     decimal.NewFromInt(10000),
		MinFundingTarget: decimal.NewFromInt(100),
		MaxFundingTarget: decimal.NewFromInt(1000000),
		MinDuration:      24 * time.Hour,
		MaxDuration:      2160 * time.Hour,
		RetryAttempts:    3,
		RetryDelay:       time.Millisecond,
		RequestTimeout:   time.Second,
		SubmitTimeout:    time.Second,
	}
}

type rig struct {
	cfg       Config
	client    *fakeClient
	conn      *ConnectionManager
	campaigns *CampaignRegistry
	book      *EscrowBook
	clock     *fakeClock
	issuer    *Wallet
}

func newRig(t *testing.T) *rig {
	t.Helper()

	cfg := testConfig()
	client := newFakeClient()
	clock := &fakeClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	client.ledgerTime = clock.Now

	conn := NewConnectionManager(client, cfg)
	require.NoError(t, conn.Connect(context.Background()))

	issuer, err := conn.Issuer()
	require.NoError(t, err)

	campaigns := NewCampaignRegistry(conn, cfg)
	campaigns.now = clock.Now

	book := NewEscrowBook()
	book.now = clock.Now

	return &rig{
		cfg:       cfg,
		client:    client,
		conn:      conn,
		campaigns: campaigns,
		book:      book,
		clock:     clock,
		issuer:    issuer,
	}
}
