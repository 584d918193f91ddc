package fundcore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/gorilla/websocket"
	g "github.com/pandodao/generic"
	"github.com/shopspring/decimal"
)

// rpcError is a command-level error reported by the ledger node.
type rpcError struct {
	Code    string
	Message string
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

type rpcReply struct {
	result json.RawMessage
	err    error
}

// xrplClient speaks the ledger's JSON-RPC protocol over a single websocket
// connection. Requests correlate to responses by id; subscription stream
// messages fan out on Events.
type xrplClient struct {
	cfg  Config
	http *resty.Client

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[uint64]chan rpcReply
	done    chan struct{}
	events  chan Event
	once    *sync.Once

	wmu    sync.Mutex
	nextID atomic.Uint64
}

func NewLedgerClient(cfg Config) LedgerClient {
	return &xrplClient{
		cfg:     cfg,
		http:    resty.New().SetTimeout(cfg.RequestTimeout),
		pending: map[uint64]chan rpcReply{},
	}
}

func (c *xrplClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		return nil
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.cfg.Endpoint, nil)
	if err != nil {
		return &NetworkError{Op: "connect", Err: err}
	}

	c.conn = conn
	c.done = make(chan struct{})
	c.events = make(chan Event, 64)
	c.once = &sync.Once{}

	go c.readLoop(conn)

	slog.Info("connected to ledger network", "endpoint", c.cfg.Endpoint)
	return nil
}

// Close releases the connection. Safe to call when already disconnected.
func (c *xrplClient) Close() error {
	c.mu.Lock()
	conn, once, done, events := c.conn, c.once, c.done, c.events
	c.mu.Unlock()

	if conn == nil {
		return nil
	}

	c.teardown(conn, once, done, events, nil)
	return nil
}

func (c *xrplClient) teardown(conn *websocket.Conn, once *sync.Once, done chan struct{}, events chan Event, cause error) {
	once.Do(func() {
		_ = conn.Close()

		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		close(done)
		close(events)

		if cause == nil {
			cause = errors.New("connection closed")
		}
		for id, ch := range c.pending {
			ch <- rpcReply{err: cause}
			delete(c.pending, id)
		}
		c.mu.Unlock()
	})
}

func (c *xrplClient) readLoop(conn *websocket.Conn) {
	c.mu.Lock()
	events, once, done := c.events, c.once, c.done
	c.mu.Unlock()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.teardown(conn, once, done, events, err)
			return
		}

		var msg struct {
			ID           uint64          `json:"id"`
			Type         string          `json:"type"`
			Status       string          `json:"status"`
			Result       json.RawMessage `json:"result"`
			Error        string          `json:"error"`
			ErrorMessage string          `json:"error_message"`

			EngineResult string          `json:"engine_result"`
			LedgerIndex  uint32          `json:"ledger_index"`
			LedgerTime   uint32          `json:"ledger_time"`
			Transaction  json.RawMessage `json:"transaction"`
		}

		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("drop undecodable ledger message", "err", err)
			continue
		}

		switch msg.Type {
		case "response":
			reply := rpcReply{result: msg.Result}
			if msg.Status != "success" {
				reply.err = &rpcError{Code: msg.Error, Message: msg.ErrorMessage}
			}

			c.mu.Lock()
			if ch, ok := c.pending[msg.ID]; ok {
				ch <- reply
				delete(c.pending, msg.ID)
			}
			c.mu.Unlock()

		case "transaction":
			tx, err := parseTxEvent(msg.Transaction, msg.EngineResult, msg.LedgerIndex)
			if err != nil {
				slog.Warn("drop undecodable transaction event", "err", err)
				continue
			}

			c.emit(events, Event{Kind: EventTransaction, LedgerIndex: msg.LedgerIndex, Tx: tx})

		case "ledgerClosed":
			c.emit(events, Event{
				Kind:        EventLedgerClosed,
				LedgerIndex: msg.LedgerIndex,
				CloseTime:   fromRippleTime(msg.LedgerTime),
			})
		}
	}
}

func (c *xrplClient) emit(events chan Event, ev Event) {
	select {
	case events <- ev:
	default:
		slog.Warn("event buffer full, dropping", "kind", ev.Kind, "ledger", ev.LedgerIndex)
	}
}

func (c *xrplClient) Events() <-chan Event {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.events
}

func (c *xrplClient) call(ctx context.Context, cmd string, params map[string]any) (json.RawMessage, error) {
	c.mu.Lock()
	conn, done := c.conn, c.done
	if conn == nil {
		c.mu.Unlock()
		return nil, &NetworkError{Op: cmd, Err: ErrNotConnected}
	}

	id := c.nextID.Add(1)
	ch := make(chan rpcReply, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	req := map[string]any{"id": id, "command": cmd}
	for k, v := range params {
		req[k] = v
	}

	c.wmu.Lock()
	err := conn.WriteJSON(req)
	c.wmu.Unlock()

	if err != nil {
		c.dropPending(id)
		return nil, &NetworkError{Op: cmd, Err: err}
	}

	select {
	case <-ctx.Done():
		c.dropPending(id)
		return nil, &NetworkError{Op: cmd, Err: ctx.Err()}
	case <-done:
		return nil, &NetworkError{Op: cmd, Err: errors.New("connection closed")}
	case reply := <-ch:
		if reply.err != nil {
			return nil, &NetworkError{Op: cmd, Err: reply.err}
		}

		return reply.result, nil
	}
}

func (c *xrplClient) dropPending(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *xrplClient) Ping(ctx context.Context) error {
	_, err := c.call(ctx, "ping", nil)
	return err
}

type txJSON struct {
	TransactionType string          `json:"TransactionType"`
	Account         string          `json:"Account"`
	Destination     string          `json:"Destination"`
	Amount          json.RawMessage `json:"Amount"`
	DestinationTag  uint32          `json:"DestinationTag"`
	SourceTag       uint32          `json:"SourceTag"`
	InvoiceID       string          `json:"InvoiceID"`
	Sequence        uint32          `json:"Sequence"`
	Hash            string          `json:"hash"`
}

func parseTxEvent(raw json.RawMessage, result string, ledgerIndex uint32) (*TxEvent, error) {
	var tx txJSON
	if err := json.Unmarshal(raw, &tx); err != nil {
		return nil, err
	}

	ev := &TxEvent{
		Hash:            tx.Hash,
		TransactionType: tx.TransactionType,
		Account:         tx.Account,
		Destination:     tx.Destination,
		DestinationTag:  tx.DestinationTag,
		SourceTag:       tx.SourceTag,
		InvoiceID:       tx.InvoiceID,
		Result:          result,
		LedgerIndex:     ledgerIndex,
	}

	if len(tx.Amount) > 0 {
		if err := json.Unmarshal(tx.Amount, &ev.Amount); err != nil {
			return nil, err
		}
	}

	return ev, nil
}

// SubmitAndWait submits with server-side signing, then polls the transaction
// until it lands in a validated ledger. The final result code comes from the
// validated metadata, not the provisional submission result.
func (c *xrplClient) SubmitAndWait(ctx context.Context, tx Transaction, signer *Wallet) (*SubmitResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.SubmitTimeout)
	defer cancel()

	raw, err := c.call(ctx, "submit", map[string]any{
		"tx_json": tx,
		"secret":  signer.Seed,
	})
	if err != nil {
		return nil, err
	}

	var submitted struct {
		EngineResult string `json:"engine_result"`
		TxJSON       txJSON `json:"tx_json"`
	}
	if err := json.Unmarshal(raw, &submitted); err != nil {
		return nil, fmt.Errorf("decode submit response: %w", err)
	}

	res := &SubmitResult{
		Hash:       submitted.TxJSON.Hash,
		Sequence:   submitted.TxJSON.Sequence,
		ResultCode: submitted.EngineResult,
	}

	// tem/tef class codes are final at submission; nothing will validate.
	if !strings.HasPrefix(res.ResultCode, "tes") && !strings.HasPrefix(res.ResultCode, "ter") {
		return res, nil
	}

	for {
		raw, err := c.call(ctx, "tx", map[string]any{"transaction": res.Hash})
		switch {
		case err != nil:
			var rpcErr *rpcError
			if !errors.As(err, &rpcErr) || rpcErr.Code != "txnNotFound" {
				return nil, err
			}
			// not yet in a validated ledger, keep polling

		default:
			var status struct {
				Validated bool `json:"validated"`
				Meta      struct {
					TransactionResult string `json:"TransactionResult"`
				} `json:"meta"`
			}
			if err := json.Unmarshal(raw, &status); err != nil {
				return nil, fmt.Errorf("decode tx response: %w", err)
			}

			if status.Validated {
				res.Validated = true
				res.ResultCode = status.Meta.TransactionResult
				return res, nil
			}
		}

		select {
		case <-ctx.Done():
			return nil, &NetworkError{Op: "submit-and-wait", Err: ctx.Err()}
		case <-time.After(time.Second):
		}
	}
}

func (c *xrplClient) FundWallet(ctx context.Context) (*Wallet, decimal.Decimal, error) {
	var funded struct {
		Account struct {
			Address        string `json:"address"`
			ClassicAddress string `json:"classicAddress"`
			Secret         string `json:"secret"`
			Seed           string `json:"seed"`
		} `json:"account"`
		Amount  json.Number `json:"amount"`
		Balance json.Number `json:"balance"`
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetResult(&funded).
		Post(c.cfg.FaucetURL)

	if err != nil {
		return nil, decimal.Zero, &NetworkError{Op: "fund-wallet", Err: err}
	}

	if resp.IsError() {
		return nil, decimal.Zero, &NetworkError{
			Op:  "fund-wallet",
			Err: fmt.Errorf("faucet returned %s", resp.Status()),
		}
	}

	address := funded.Account.Address
	if address == "" {
		address = funded.Account.ClassicAddress
	}

	seed := funded.Account.Secret
	if seed == "" {
		seed = funded.Account.Seed
	}

	if address == "" || seed == "" {
		return nil, decimal.Zero, &NetworkError{Op: "fund-wallet", Err: errors.New("faucet response missing wallet")}
	}

	balance := funded.Amount
	if balance == "" {
		balance = funded.Balance
	}

	return &Wallet{Address: address, Seed: seed}, g.Try(decimal.NewFromString(balance.String())), nil
}

func (c *xrplClient) WalletFromSeed(ctx context.Context, seed string) (*Wallet, error) {
	raw, err := c.call(ctx, "wallet_propose", map[string]any{"seed": seed})
	if err != nil {
		return nil, err
	}

	var proposed struct {
		AccountID  string `json:"account_id"`
		MasterSeed string `json:"master_seed"`
	}
	if err := json.Unmarshal(raw, &proposed); err != nil {
		return nil, fmt.Errorf("decode wallet_propose response: %w", err)
	}

	return &Wallet{Address: proposed.AccountID, Seed: seed}, nil
}

func (c *xrplClient) AccountLines(ctx context.Context, account, peer string) ([]TrustLine, error) {
	params := map[string]any{
		"account":      account,
		"ledger_index": "validated",
	}
	if peer != "" {
		params["peer"] = peer
	}

	raw, err := c.call(ctx, "account_lines", params)
	if err != nil {
		return nil, err
	}

	var result struct {
		Lines []struct {
			Account  string `json:"account"`
			Currency string `json:"currency"`
			Balance  string `json:"balance"`
			Limit    string `json:"limit"`
		} `json:"lines"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decode account_lines response: %w", err)
	}

	lines := make([]TrustLine, 0, len(result.Lines))
	for _, l := range result.Lines {
		lines = append(lines, TrustLine{
			Account:  l.Account,
			Currency: l.Currency,
			Balance:  g.Try(decimal.NewFromString(l.Balance)),
			Limit:    g.Try(decimal.NewFromString(l.Limit)),
		})
	}

	return lines, nil
}

func (c *xrplClient) AccountInfo(ctx context.Context, account string) (*AccountInfo, error) {
	raw, err := c.call(ctx, "account_info", map[string]any{
		"account":      account,
		"ledger_index": "validated",
	})
	if err != nil {
		return nil, err
	}

	var result struct {
		AccountData struct {
			Account    string `json:"Account"`
			Balance    string `json:"Balance"`
			Sequence   uint32 `json:"Sequence"`
			OwnerCount uint32 `json:"OwnerCount"`
			Flags      uint32 `json:"Flags"`
		} `json:"account_data"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decode account_info response: %w", err)
	}

	return &AccountInfo{
		Address:    result.AccountData.Account,
		Balance:    g.Try(decimal.NewFromString(result.AccountData.Balance)),
		Sequence:   result.AccountData.Sequence,
		OwnerCount: result.AccountData.OwnerCount,
		Flags:      result.AccountData.Flags,
	}, nil
}

func (c *xrplClient) ServerInfo(ctx context.Context) (*ServerInfo, error) {
	raw, err := c.call(ctx, "server_state", nil)
	if err != nil {
		return nil, err
	}

	var result struct {
		State struct {
			ValidatedLedger struct {
				ReserveBase int64  `json:"reserve_base"`
				ReserveInc  int64  `json:"reserve_inc"`
				Seq         uint32 `json:"seq"`
				CloseTime   uint32 `json:"close_time"`
			} `json:"validated_ledger"`
		} `json:"state"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decode server_state response: %w", err)
	}

	ledger := result.State.ValidatedLedger
	return &ServerInfo{
		BaseReserve:  decimal.NewFromInt(ledger.ReserveBase),
		OwnerReserve: decimal.NewFromInt(ledger.ReserveInc),
		LedgerIndex:  ledger.Seq,
		LedgerTime:   fromRippleTime(ledger.CloseTime),
	}, nil
}

func (c *xrplClient) Subscribe(ctx context.Context, req SubscribeRequest) error {
	_, err := c.call(ctx, "subscribe", subscribeParams(req))
	return err
}

func (c *xrplClient) Unsubscribe(ctx context.Context, req SubscribeRequest) error {
	_, err := c.call(ctx, "unsubscribe", subscribeParams(req))
	return err
}

func subscribeParams(req SubscribeRequest) map[string]any {
	params := map[string]any{}
	if len(req.Accounts) > 0 {
		params["accounts"] = req.Accounts
	}
	if len(req.Streams) > 0 {
		params["streams"] = req.Streams
	}

	return params
}
