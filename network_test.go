package fundcore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnect_RetriesTransientFailures(t *testing.T) {
	ctx := context.Background()
	client := newFakeClient()
	client.connectErrs = []error{netErr("connect"), netErr("connect")}

	conn := NewConnectionManager(client, testConfig())

	require.NoError(t, conn.Connect(ctx))
	assert.Equal(t, 3, client.connectCalls)

	issuer, err := conn.Issuer()
	require.NoError(t, err)
	assert.NotEmpty(t, issuer.Address)

	// the issuer has default rippling enabled
	var sawAccountSet bool
	for _, sub := range client.submissions() {
		if as, ok := sub.Tx.(AccountSet); ok {
			sawAccountSet = true
			assert.Equal(t, uint32(asfDefaultRipple), as.SetFlag)
			assert.Equal(t, issuer.Address, as.Account)
		}
	}
	assert.True(t, sawAccountSet)
}

func TestConnect_GivesUpAfterAttemptCap(t *testing.T) {
	ctx := context.Background()
	client := newFakeClient()
	client.connectErrs = []error{netErr("connect"), netErr("connect"), netErr("connect")}

	conn := NewConnectionManager(client, testConfig())

	err := conn.Connect(ctx)
	require.Error(t, err)
	assert.Equal(t, 3, client.connectCalls)

	_, err = conn.Issuer()
	assert.True(t, errors.Is(err, ErrNotConnected))
}

func TestConnect_NonTransientFailureNotRetried(t *testing.T) {
	ctx := context.Background()
	client := newFakeClient()
	client.connectErrs = []error{errors.New("bad endpoint")}

	conn := NewConnectionManager(client, testConfig())

	require.Error(t, conn.Connect(ctx))
	assert.Equal(t, 1, client.connectCalls)
}

func TestConnect_Idempotent(t *testing.T) {
	ctx := context.Background()
	client := newFakeClient()
	conn := NewConnectionManager(client, testConfig())

	require.NoError(t, conn.Connect(ctx))
	require.NoError(t, conn.Connect(ctx))

	assert.Equal(t, 1, client.connectCalls)
	assert.Equal(t, 1, client.fundCalls, "issuer funded once")
}

func TestDisconnect_SafeWhenRepeated(t *testing.T) {
	ctx := context.Background()
	client := newFakeClient()
	conn := NewConnectionManager(client, testConfig())

	require.NoError(t, conn.Disconnect())

	require.NoError(t, conn.Connect(ctx))
	require.NoError(t, conn.Disconnect())
	require.NoError(t, conn.Disconnect())

	_, err := conn.Issuer()
	assert.True(t, errors.Is(err, ErrNotConnected))
}

func TestCreateFundedWallet_RetriesFaucet(t *testing.T) {
	ctx := context.Background()
	r := newRig(t)

	r.client.mu.Lock()
	r.client.fundErrs = []error{netErr("faucet")}
	r.client.mu.Unlock()

	wallet, err := r.conn.CreateFundedWallet(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, wallet.Address)
	assert.NotEmpty(t, wallet.Seed)

	balance, err := r.conn.XRPBalance(ctx, wallet.Address)
	require.NoError(t, err)
	assert.True(t, balance.Equal(decimal.NewFromInt(10000)))
}

func TestCreateTrustLine_Idempotent(t *testing.T) {
	ctx := context.Background()
	r := newRig(t)

	wallet := &Wallet{Address: "rHOLDER", Seed: "sHOLDER"}

	t.Run("adequate line is a no-op", func(t *testing.T) {
		r.client.setTokenBalance(wallet.Address, r.issuer.Address, "USD", decimal.NewFromInt(5000))
		before := len(r.client.submissions())

		require.NoError(t, r.conn.CreateTrustLine(ctx, wallet, r.cfg.TrustLineLimit))

		assert.Equal(t, before, len(r.client.submissions()))
	})

	t.Run("low balance gets topped up", func(t *testing.T) {
		r.client.setTokenBalance(wallet.Address, r.issuer.Address, "USD", decimal.NewFromInt(100))
		before := len(r.client.submissions())

		require.NoError(t, r.conn.CreateTrustLine(ctx, wallet, r.cfg.TrustLineLimit))

		subs := r.client.submissions()[before:]
		require.Len(t, subs, 1)

		payment, ok := subs[0].Tx.(Payment)
		require.True(t, ok, "top-up is a plain issuance, no second TrustSet")
		assert.Equal(t, wallet.Address, payment.Destination)
		assert.Equal(t, r.issuer.Address, subs[0].Signer)

		assert.True(t, r.client.tokenBalance(wallet.Address, "USD").Equal(decimal.NewFromInt(10100)))
	})

	t.Run("missing line gets trust set and grant", func(t *testing.T) {
		fresh := &Wallet{Address: "rNEWCOMER", Seed: "sNEWCOMER"}
		before := len(r.client.submissions())

		require.NoError(t, r.conn.CreateTrustLine(ctx, fresh, r.cfg.TrustLineLimit))

		subs := r.client.submissions()[before:]
		require.Len(t, subs, 2)

		ts, ok := subs[0].Tx.(TrustSet)
		require.True(t, ok)
		assert.Equal(t, fresh.Address, ts.Account)
		assert.Equal(t, "USD", ts.Limit.Currency)
		assert.True(t, ts.Limit.Value.Equal(r.cfg.TrustLineLimit))

		_, ok = subs[1].Tx.(Payment)
		require.True(t, ok)

		assert.True(t, r.client.tokenBalance(fresh.Address, "USD").Equal(decimal.NewFromInt(10000)))
	})
}

func TestCreateTrustLine_RejectionNotRetried(t *testing.T) {
	ctx := context.Background()
	r := newRig(t)

	wallet := &Wallet{Address: "rHOLDER", Seed: "sHOLDER"}

	r.client.submitHook = func(tx Transaction, signer *Wallet) (*SubmitResult, error) {
		if _, ok := tx.(TrustSet); ok {
			return &SubmitResult{Hash: "TXFAIL", ResultCode: "tecNO_PERMISSION", Validated: true}, nil
		}

		return nil, nil
	}

	err := r.conn.CreateTrustLine(ctx, wallet, r.cfg.TrustLineLimit)

	var rerr *LedgerRejectionError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, "tecNO_PERMISSION", rerr.Code)

	var trustSets int
	for _, sub := range r.client.submissions() {
		if _, ok := sub.Tx.(TrustSet); ok {
			trustSets++
		}
	}
	assert.Equal(t, 1, trustSets, "ledger rejections are final, not retried")
}

func TestTokenBalance_MissingLine(t *testing.T) {
	ctx := context.Background()
	r := newRig(t)

	_, err := r.conn.TokenBalance(ctx, "rSTRANGER")

	var merr *TrustLineMissingError
	require.ErrorAs(t, err, &merr)
	assert.Equal(t, "rSTRANGER", merr.Account)
	assert.Equal(t, r.issuer.Address, merr.Issuer)
	assert.Equal(t, "USD", merr.Currency)
}

func TestReserves_Cached(t *testing.T) {
	ctx := context.Background()
	r := newRig(t)

	first, err := r.conn.Reserves(ctx)
	require.NoError(t, err)
	assert.True(t, first.Base.Equal(XRPToDrops(decimal.NewFromInt(10))))
	assert.True(t, first.Owner.Equal(XRPToDrops(decimal.NewFromInt(2))))

	// a changed server figure is not observed until the cache is bypassed
	r.client.mu.Lock()
	r.client.server.BaseReserve = XRPToDrops(decimal.NewFromInt(50))
	r.client.mu.Unlock()

	second, err := r.conn.Reserves(ctx)
	require.NoError(t, err)
	assert.True(t, second.Base.Equal(first.Base))
}

func TestRetry_Policy(t *testing.T) {
	cfg := testConfig()

	t.Run("transient errors consume every attempt", func(t *testing.T) {
		var calls int
		err := retry(context.Background(), cfg, func() error {
			calls++
			return netErr("op")
		})

		require.Error(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("eventual success stops early", func(t *testing.T) {
		var calls int
		err := retry(context.Background(), cfg, func() error {
			calls++
			if calls < 2 {
				return netErr("op")
			}
			return nil
		})

		require.NoError(t, err)
		assert.Equal(t, 2, calls)
	})

	t.Run("non-network errors are permanent", func(t *testing.T) {
		var calls int
		err := retry(context.Background(), cfg, func() error {
			calls++
			return &LedgerRejectionError{TxType: "Payment", Code: "tecPATH_DRY"}
		})

		var rerr *LedgerRejectionError
		require.ErrorAs(t, err, &rerr)
		assert.Equal(t, 1, calls)
	})

	t.Run("cancelled context aborts the loop", func(t *testing.T) {
		slow := cfg
		slow.RetryDelay = time.Minute

		ctx, cancel := context.WithCancel(context.Background())

		var calls int
		done := make(chan error, 1)
		go func() {
			done <- retry(ctx, slow, func() error {
				calls++
				return netErr("op")
			})
		}()

		cancel()

		select {
		case err := <-done:
			require.Error(t, err)
			assert.LessOrEqual(t, calls, 2)
		case <-time.After(5 * time.Second):
			t.Fatal("retry did not observe cancellation")
		}
	})
}
