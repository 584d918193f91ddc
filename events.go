package fundcore

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/zyedidia/generic/mapset"
)

type LedgerEvent struct {
	Index     uint32    `json:"ledger_index"`
	CloseTime time.Time `json:"close_time"`
}

// CampaignEvent pairs an observed transaction with the re-derived campaign
// state and its authoritative ledger balance.
type CampaignEvent struct {
	Tx       TxEvent         `json:"transaction"`
	Balance  decimal.Decimal `json:"campaign_balance"`
	Campaign *Campaign       `json:"campaign"`
}

// Subscription is a typed event stream with an explicit detach handle.
// Close is safe to call multiple times.
type Subscription[T any] struct {
	C <-chan T

	once   sync.Once
	cancel func()
}

func (s *Subscription[T]) Close() {
	s.once.Do(s.cancel)
}

type accountSub struct {
	address string
	ch      chan TxEvent
}

type campaignSub struct {
	campaignID uuid.UUID
	address    string
	ch         chan CampaignEvent
}

// EventHub fans validated ledger events out to typed subscriptions and
// refreshes campaign state as confirmations arrive out of band.
type EventHub struct {
	cfg       Config
	conn      *ConnectionManager
	campaigns *CampaignRegistry

	mu           sync.Mutex
	nextID       int
	accounts     map[int]*accountSub
	campaignSubs map[int]*campaignSub
	ledgers      map[int]chan LedgerEvent
	payments     map[int]chan TxEvent

	// refcounts so overlapping subscriptions share one network request
	accountRefs map[string]int
	streamRefs  map[string]int

	seen   mapset.Set[string]
	closed bool
}

func NewEventHub(conn *ConnectionManager, campaigns *CampaignRegistry, cfg Config) *EventHub {
	return &EventHub{
		cfg:          cfg,
		conn:         conn,
		campaigns:    campaigns,
		accounts:     map[int]*accountSub{},
		campaignSubs: map[int]*campaignSub{},
		ledgers:      map[int]chan LedgerEvent{},
		payments:     map[int]chan TxEvent{},
		accountRefs:  map[string]int{},
		streamRefs:   map[string]int{},
		seen:         mapset.New[string](),
	}
}

const subChanBuffer = 16

// SubscribeAccount yields transactions whose destination is the address.
func (h *EventHub) SubscribeAccount(ctx context.Context, address string) (*Subscription[TxEvent], error) {
	if err := h.refAccount(ctx, address); err != nil {
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextID
	h.nextID++

	sub := &accountSub{address: address, ch: make(chan TxEvent, subChanBuffer)}
	h.accounts[id] = sub

	return &Subscription[TxEvent]{
		C: sub.ch,
		cancel: func() {
			h.mu.Lock()
			if _, ok := h.accounts[id]; ok {
				delete(h.accounts, id)
				close(sub.ch)
			}
			h.mu.Unlock()
			h.unrefAccount(address)
		},
	}, nil
}

// SubscribeCampaign yields enriched events for every transaction landing on
// the campaign wallet: status re-derived, authoritative balance fetched.
func (h *EventHub) SubscribeCampaign(ctx context.Context, campaignID uuid.UUID) (*Subscription[CampaignEvent], error) {
	campaign, err := h.campaigns.Get(campaignID)
	if err != nil {
		return nil, err
	}

	address := campaign.Wallet.Address
	if err := h.refAccount(ctx, address); err != nil {
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextID
	h.nextID++

	sub := &campaignSub{campaignID: campaignID, address: address, ch: make(chan CampaignEvent, subChanBuffer)}
	h.campaignSubs[id] = sub

	return &Subscription[CampaignEvent]{
		C: sub.ch,
		cancel: func() {
			h.mu.Lock()
			if _, ok := h.campaignSubs[id]; ok {
				delete(h.campaignSubs, id)
				close(sub.ch)
			}
			h.mu.Unlock()
			h.unrefAccount(address)
		},
	}, nil
}

// SubscribeLedger yields one event per validated ledger close.
func (h *EventHub) SubscribeLedger(ctx context.Context) (*Subscription[LedgerEvent], error) {
	if err := h.refStream(ctx, "ledger"); err != nil {
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextID
	h.nextID++

	ch := make(chan LedgerEvent, subChanBuffer)
	h.ledgers[id] = ch

	return &Subscription[LedgerEvent]{
		C: ch,
		cancel: func() {
			h.mu.Lock()
			if _, ok := h.ledgers[id]; ok {
				delete(h.ledgers, id)
				close(ch)
			}
			h.mu.Unlock()
			h.unrefStream("ledger")
		},
	}, nil
}

// SubscribePayments yields every validated payment on the network.
func (h *EventHub) SubscribePayments(ctx context.Context) (*Subscription[TxEvent], error) {
	if err := h.refStream(ctx, "transactions"); err != nil {
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextID
	h.nextID++

	ch := make(chan TxEvent, subChanBuffer)
	h.payments[id] = ch

	return &Subscription[TxEvent]{
		C: ch,
		cancel: func() {
			h.mu.Lock()
			if _, ok := h.payments[id]; ok {
				delete(h.payments, id)
				close(ch)
			}
			h.mu.Unlock()
			h.unrefStream("transactions")
		},
	}, nil
}

func (h *EventHub) refAccount(ctx context.Context, address string) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrNotConnected
	}

	count := h.accountRefs[address]
	h.accountRefs[address] = count + 1
	h.mu.Unlock()

	if count > 0 {
		return nil
	}

	if err := h.conn.Client().Subscribe(ctx, SubscribeRequest{Accounts: []string{address}}); err != nil {
		h.mu.Lock()
		h.accountRefs[address]--
		h.mu.Unlock()
		return err
	}

	return nil
}

func (h *EventHub) unrefAccount(address string) {
	h.mu.Lock()
	h.accountRefs[address]--
	last := h.accountRefs[address] <= 0
	if last {
		delete(h.accountRefs, address)
	}
	closed := h.closed
	h.mu.Unlock()

	if last && !closed {
		h.networkUnsubscribe(SubscribeRequest{Accounts: []string{address}})
	}
}

func (h *EventHub) refStream(ctx context.Context, stream string) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrNotConnected
	}

	count := h.streamRefs[stream]
	h.streamRefs[stream] = count + 1
	h.mu.Unlock()

	if count > 0 {
		return nil
	}

	if err := h.conn.Client().Subscribe(ctx, SubscribeRequest{Streams: []string{stream}}); err != nil {
		h.mu.Lock()
		h.streamRefs[stream]--
		h.mu.Unlock()
		return err
	}

	return nil
}

func (h *EventHub) unrefStream(stream string) {
	h.mu.Lock()
	h.streamRefs[stream]--
	last := h.streamRefs[stream] <= 0
	if last {
		delete(h.streamRefs, stream)
	}
	closed := h.closed
	h.mu.Unlock()

	if last && !closed {
		h.networkUnsubscribe(SubscribeRequest{Streams: []string{stream}})
	}
}

func (h *EventHub) networkUnsubscribe(req SubscribeRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.RequestTimeout)
	defer cancel()

	if err := h.conn.Client().Unsubscribe(ctx, req); err != nil {
		slog.Warn("unsubscribe failed", "err", err)
	}
}

// Run pumps the ledger event stream until ctx cancels or the connection
// closes.
func (h *EventHub) Run(ctx context.Context) error {
	events := h.conn.Client().Events()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}

			h.dispatch(ctx, ev)
		}
	}
}

func (h *EventHub) dispatch(ctx context.Context, ev Event) {
	switch ev.Kind {
	case EventLedgerClosed:
		h.mu.Lock()
		for _, ch := range h.ledgers {
			sendEvent(ch, LedgerEvent{Index: ev.LedgerIndex, CloseTime: ev.CloseTime})
		}
		h.mu.Unlock()

	case EventTransaction:
		if ev.Tx == nil {
			return
		}

		h.mu.Lock()
		if ev.Tx.Hash != "" && h.seen.Has(ev.Tx.Hash) {
			h.mu.Unlock()
			return
		}
		if ev.Tx.Hash != "" {
			h.seen.Put(ev.Tx.Hash)
		}

		for _, ch := range h.payments {
			if ev.Tx.TransactionType == "Payment" {
				sendEvent(ch, *ev.Tx)
			}
		}

		for _, sub := range h.accounts {
			if ev.Tx.Destination == sub.address {
				sendEvent(sub.ch, *ev.Tx)
			}
		}

		var matched []*campaignSub
		for _, sub := range h.campaignSubs {
			if ev.Tx.Destination == sub.address {
				matched = append(matched, sub)
			}
		}
		h.mu.Unlock()

		for _, sub := range matched {
			go h.enrich(ctx, sub, *ev.Tx)
		}
	}
}

// enrich re-derives campaign status and fetches the authoritative balance
// before delivering; the balance query must not block the pump.
func (h *EventHub) enrich(ctx context.Context, sub *campaignSub, tx TxEvent) {
	if _, err := h.campaigns.UpdateStatus(sub.campaignID); err != nil {
		slog.Warn("campaign status refresh failed", "campaign", sub.campaignID, "err", err)
		return
	}

	balance, err := h.campaigns.CampaignBalance(ctx, sub.campaignID)
	if err != nil {
		slog.Warn("campaign balance refresh failed", "campaign", sub.campaignID, "err", err)
		balance = decimal.Zero
	}

	campaign, err := h.campaigns.Get(sub.campaignID)
	if err != nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	// the subscription may have detached while we were fetching
	for _, live := range h.campaignSubs {
		if live == sub {
			sendEvent(sub.ch, CampaignEvent{Tx: tx, Balance: balance, Campaign: campaign})
			return
		}
	}
}

func sendEvent[T any](ch chan T, ev T) {
	select {
	case ch <- ev:
	default:
		slog.Warn("subscriber slow, dropping event")
	}
}

// UnsubscribeAll detaches every listener and unsubscribes from the network
// once. Safe to call multiple times.
func (h *EventHub) UnsubscribeAll(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true

	var req SubscribeRequest
	for address := range h.accountRefs {
		req.Accounts = append(req.Accounts, address)
	}
	for stream := range h.streamRefs {
		req.Streams = append(req.Streams, stream)
	}

	for id, sub := range h.accounts {
		close(sub.ch)
		delete(h.accounts, id)
	}
	for id, sub := range h.campaignSubs {
		close(sub.ch)
		delete(h.campaignSubs, id)
	}
	for id, ch := range h.ledgers {
		close(ch)
		delete(h.ledgers, id)
	}
	for id, ch := range h.payments {
		close(ch)
		delete(h.payments, id)
	}

	h.accountRefs = map[string]int{}
	h.streamRefs = map[string]int{}
	h.mu.Unlock()

	if len(req.Accounts) == 0 && len(req.Streams) == 0 {
		return nil
	}

	return h.conn.Client().Unsubscribe(ctx, req)
}
