package fundcore

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/shopspring/decimal"
	"github.com/yiplee/go-cache"
	"golang.org/x/sync/singleflight"
)

type ReserveRequirement struct {
	Base  decimal.Decimal // drops
	Owner decimal.Decimal // drops
}

// ConnectionManager owns the ledger connection, the token issuer wallet, and
// wallet funding / trust-line preconditions for everything else.
type ConnectionManager struct {
	cfg    Config
	client LedgerClient

	mu        sync.Mutex
	connected bool
	issuer    *Wallet

	reserveCache *cache.Cache[string, ReserveRequirement]
	lines        singleflight.Group
}

func NewConnectionManager(client LedgerClient, cfg Config) *ConnectionManager {
	return &ConnectionManager{
		cfg:          cfg,
		client:       client,
		reserveCache: cache.New[string, ReserveRequirement](),
	}
}

// Connect establishes the network connection under the retry policy and
// provisions the issuer wallet. Connecting twice is a no-op.
func (m *ConnectionManager) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.connected {
		return nil
	}

	if err := retry(ctx, m.cfg, func() error {
		return m.client.Connect(ctx)
	}); err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	issuer, err := m.setupIssuer(ctx)
	if err != nil {
		_ = m.client.Close()
		return fmt.Errorf("setup issuer: %w", err)
	}

	m.issuer = issuer
	m.connected = true

	slog.Info("ledger connection ready", "issuer", issuer.Address)
	return nil
}

// setupIssuer funds a fresh issuer wallet and enables default rippling so
// issued balances can move between holders.
func (m *ConnectionManager) setupIssuer(ctx context.Context) (*Wallet, error) {
	var issuer *Wallet

	if err := retry(ctx, m.cfg, func() error {
		w, balance, err := m.client.FundWallet(ctx)
		if err != nil {
			return err
		}

		slog.Info("issuer wallet funded", "address", w.Address, "balance", balance)
		issuer = w
		return nil
	}); err != nil {
		return nil, err
	}

	if err := retry(ctx, m.cfg, func() error {
		res, err := m.client.SubmitAndWait(ctx, AccountSet{
			Account: issuer.Address,
			SetFlag: asfDefaultRipple,
		}, issuer)
		if err != nil {
			return err
		}

		if res.ResultCode != ResultSuccess {
			return &LedgerRejectionError{TxType: "AccountSet", Code: res.ResultCode}
		}

		return nil
	}); err != nil {
		return nil, err
	}

	return issuer, nil
}

// Disconnect releases the connection. Safe to call when already disconnected.
func (m *ConnectionManager) Disconnect() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return nil
	}

	m.connected = false
	m.issuer = nil
	return m.client.Close()
}

func (m *ConnectionManager) Issuer() (*Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.issuer == nil {
		return nil, ErrNotConnected
	}

	return m.issuer, nil
}

func (m *ConnectionManager) Client() LedgerClient { return m.client }

// CreateFundedWallet requests a faucet wallet and verifies its balance
// arrived on the ledger before handing it out.
func (m *ConnectionManager) CreateFundedWallet(ctx context.Context) (*Wallet, error) {
	var wallet *Wallet

	err := retry(ctx, m.cfg, func() error {
		w, balance, err := m.client.FundWallet(ctx)
		if err != nil {
			return err
		}

		info, err := m.client.AccountInfo(ctx, w.Address)
		if err != nil {
			return err
		}

		if !info.Balance.IsPositive() {
			return &NetworkError{Op: "fund-wallet", Err: fmt.Errorf("wallet %s not funded yet", w.Address)}
		}

		slog.Info("funded wallet created", "address", w.Address, "balance", balance)
		wallet = w
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("create funded wallet: %w", err)
	}

	return wallet, nil
}

// WalletFromSeed recovers a wallet from its seed.
func (m *ConnectionManager) WalletFromSeed(ctx context.Context, seed string) (*Wallet, error) {
	return m.client.WalletFromSeed(ctx, seed)
}

func (m *ConnectionManager) AccountInfo(ctx context.Context, address string) (*AccountInfo, error) {
	return m.client.AccountInfo(ctx, address)
}

// XRPBalance returns the account's base-asset balance in XRP.
func (m *ConnectionManager) XRPBalance(ctx context.Context, address string) (decimal.Decimal, error) {
	info, err := m.client.AccountInfo(ctx, address)
	if err != nil {
		return decimal.Zero, err
	}

	return DropsToXRP(info.Balance), nil
}

// TokenBalance returns the account's issued-token balance on its trust line
// with the issuer. The line is always fetched live, never cached.
func (m *ConnectionManager) TokenBalance(ctx context.Context, address string) (decimal.Decimal, error) {
	issuer, err := m.Issuer()
	if err != nil {
		return decimal.Zero, err
	}

	lines, err := m.client.AccountLines(ctx, address, issuer.Address)
	if err != nil {
		return decimal.Zero, err
	}

	for _, line := range lines {
		if line.Currency == m.cfg.Currency {
			return line.Balance, nil
		}
	}

	return decimal.Zero, &TrustLineMissingError{
		Account:  address,
		Issuer:   issuer.Address,
		Currency: m.cfg.Currency,
	}
}

// CreateTrustLine is idempotent: an adequate existing line returns
// immediately (topping up a low token balance), otherwise a TrustSet is
// submitted, verified, and the initial grant issued. Concurrent calls for
// the same account collapse into one.
func (m *ConnectionManager) CreateTrustLine(ctx context.Context, wallet *Wallet, limit decimal.Decimal) error {
	issuer, err := m.Issuer()
	if err != nil {
		return err
	}

	_, err, _ = m.lines.Do(wallet.Address, func() (any, error) {
		return nil, m.createTrustLine(ctx, wallet, issuer, limit)
	})

	return err
}

func (m *ConnectionManager) createTrustLine(ctx context.Context, wallet, issuer *Wallet, limit decimal.Decimal) error {
	lines, err := m.client.AccountLines(ctx, wallet.Address, issuer.Address)
	if err != nil {
		return fmt.Errorf("query trust lines: %w", err)
	}

	for _, line := range lines {
		if line.Currency != m.cfg.Currency {
			continue
		}

		slog.Info("trust line already exists", "account", wallet.Address)

		if line.Balance.LessThan(m.cfg.TopUpBelow) {
			return m.IssueTokens(ctx, wallet.Address, m.cfg.InitialGrant)
		}

		return nil
	}

	if err := retry(ctx, m.cfg, func() error {
		res, err := m.client.SubmitAndWait(ctx, TrustSet{
			Account: wallet.Address,
			Limit:   IssuedAmount(m.cfg.Currency, issuer.Address, limit),
		}, wallet)
		if err != nil {
			return err
		}

		if res.ResultCode != ResultSuccess {
			return &LedgerRejectionError{TxType: "TrustSet", Code: res.ResultCode}
		}

		return nil
	}); err != nil {
		return fmt.Errorf("create trust line: %w", err)
	}

	// confirm the line exists on a validated ledger before issuing
	lines, err = m.client.AccountLines(ctx, wallet.Address, issuer.Address)
	if err != nil {
		return fmt.Errorf("verify trust line: %w", err)
	}

	var found bool
	for _, line := range lines {
		if line.Currency == m.cfg.Currency {
			found = true
			break
		}
	}

	if !found {
		return &TrustLineMissingError{
			Account:  wallet.Address,
			Issuer:   issuer.Address,
			Currency: m.cfg.Currency,
		}
	}

	if err := m.IssueTokens(ctx, wallet.Address, m.cfg.InitialGrant); err != nil {
		return err
	}

	slog.Info("trust line created", "account", wallet.Address, "limit", limit)
	return nil
}

// IssueTokens mints issued tokens from the issuer to a destination.
func (m *ConnectionManager) IssueTokens(ctx context.Context, destination string, amount decimal.Decimal) error {
	issuer, err := m.Issuer()
	if err != nil {
		return err
	}

	if err := retry(ctx, m.cfg, func() error {
		res, err := m.client.SubmitAndWait(ctx, Payment{
			Account:     issuer.Address,
			Destination: destination,
			Amount:      IssuedAmount(m.cfg.Currency, issuer.Address, amount),
		}, issuer)
		if err != nil {
			return err
		}

		if res.ResultCode != ResultSuccess {
			return &LedgerRejectionError{TxType: "Payment", Code: res.ResultCode}
		}

		return nil
	}); err != nil {
		return fmt.Errorf("issue tokens: %w", err)
	}

	slog.Info("tokens issued", "destination", destination, "amount", amount)
	return nil
}

const reserveCacheKey = "reserves"

// Reserves returns the network's base and owner reserve requirements in
// drops. Reserve figures move rarely, so they are cached for the session.
func (m *ConnectionManager) Reserves(ctx context.Context) (ReserveRequirement, error) {
	if r, ok := m.reserveCache.Get(reserveCacheKey); ok {
		return r, nil
	}

	info, err := m.client.ServerInfo(ctx)
	if err != nil {
		return ReserveRequirement{}, err
	}

	r := ReserveRequirement{Base: info.BaseReserve, Owner: info.OwnerReserve}
	m.reserveCache.Set(reserveCacheKey, r)
	return r, nil
}

// LedgerTime returns the close time of the last validated ledger. Always
// fetched live; escrow submits re-validate their window against it.
func (m *ConnectionManager) LedgerTime(ctx context.Context) (ServerInfo, error) {
	info, err := m.client.ServerInfo(ctx)
	if err != nil {
		return ServerInfo{}, err
	}

	return *info, nil
}
