package fundcore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/asaskevich/govalidator"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type CampaignStatus string

const (
	CampaignActive    CampaignStatus = "active"
	CampaignCompleted CampaignStatus = "completed"
	CampaignExpired   CampaignStatus = "expired"
)

// Campaign is a funding goal with a deadline and a dedicated wallet.
// CurrentAmount is the locally mirrored optimistic counter; the trust-line
// balance on the ledger stays the source of truth for audits.
type Campaign struct {
	ID            uuid.UUID       `json:"id"`
	Name          string          `json:"name"`
	Description   string          `json:"description"`
	TargetAmount  decimal.Decimal `json:"target_amount"`
	CurrentAmount decimal.Decimal `json:"current_amount"`
	Deadline      time.Time       `json:"deadline"`
	Wallet        *Wallet         `json:"wallet"`
	Status        CampaignStatus  `json:"status"`

	// Tag is the numeric ledger correlation tag carried on payments and
	// escrows touching this campaign.
	Tag       uint32    `json:"tag"`
	CreatedAt time.Time `json:"created_at"`
}

// CampaignRegistry is the explicitly owned, id-indexed catalog of campaigns.
// All state is in-memory for the process lifetime; persistence belongs to
// the surrounding application.
type CampaignRegistry struct {
	cfg  Config
	conn *ConnectionManager

	mu        sync.Mutex
	campaigns map[uuid.UUID]*Campaign
	nextTag   uint32

	now func() time.Time
}

func NewCampaignRegistry(conn *ConnectionManager, cfg Config) *CampaignRegistry {
	return &CampaignRegistry{
		cfg:       cfg,
		conn:      conn,
		campaigns: map[uuid.UUID]*Campaign{},
		nextTag:   1,
		now:       time.Now,
	}
}

// CreateCampaign validates parameters and registers a new active campaign
// owned by the given wallet.
func (r *CampaignRegistry) CreateCampaign(owner *Wallet, name, description string, target decimal.Decimal, durationDays int) (*Campaign, error) {
	if govalidator.IsNull(strings.TrimSpace(name)) {
		return nil, &ValidationError{Field: "name", Reason: "required"}
	}

	if govalidator.IsNull(strings.TrimSpace(description)) {
		return nil, &ValidationError{Field: "description", Reason: "required"}
	}

	if owner == nil || owner.Address == "" {
		return nil, &ValidationError{Field: "wallet", Reason: "required"}
	}

	if target.LessThan(r.cfg.MinFundingTarget) || target.GreaterThan(r.cfg.MaxFundingTarget) {
		return nil, &ValidationError{
			Field: "target_amount",
			Reason: fmt.Sprintf("must be between %s and %s %s",
				r.cfg.MinFundingTarget, r.cfg.MaxFundingTarget, r.cfg.Currency),
		}
	}

	duration := time.Duration(durationDays) * 24 * time.Hour
	if duration < r.cfg.MinDuration || duration > r.cfg.MaxDuration {
		return nil, &ValidationError{
			Field: "duration",
			Reason: fmt.Sprintf("must be between %.0f and %.0f days",
				r.cfg.MinDuration.Hours()/24, r.cfg.MaxDuration.Hours()/24),
		}
	}

	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	campaign := &Campaign{
		ID:            uuid.New(),
		Name:          name,
		Description:   description,
		TargetAmount:  target,
		CurrentAmount: decimal.Zero,
		Deadline:      now.Add(duration),
		Wallet:        owner,
		Status:        CampaignActive,
		Tag:           r.nextTag,
		CreatedAt:     now,
	}
	r.nextTag++

	r.campaigns[campaign.ID] = campaign
	return campaign, nil
}

func (r *CampaignRegistry) Get(id uuid.UUID) (*Campaign, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	campaign, ok := r.campaigns[id]
	if !ok {
		return nil, ErrCampaignNotFound
	}

	snapshot := *campaign
	return &snapshot, nil
}

func (r *CampaignRegistry) List() []*Campaign {
	r.mu.Lock()
	defer r.mu.Unlock()

	list := make([]*Campaign, 0, len(r.campaigns))
	for _, campaign := range r.campaigns {
		snapshot := *campaign
		list = append(list, &snapshot)
	}

	return list
}

// Donate submits a direct payment from the donor to the campaign wallet and
// applies the confirmed amount. Donations are additive, not idempotent: a
// replayed call moves and counts funds again.
func (r *CampaignRegistry) Donate(ctx context.Context, id uuid.UUID, donor *Wallet, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return &ValidationError{Field: "amount", Reason: "must be positive"}
	}

	r.mu.Lock()
	campaign, ok := r.campaigns[id]
	if !ok {
		r.mu.Unlock()
		return ErrCampaignNotFound
	}

	if campaign.Status == CampaignActive && r.now().After(campaign.Deadline) {
		campaign.Status = CampaignExpired
	}

	if campaign.Status != CampaignActive {
		status := campaign.Status
		r.mu.Unlock()
		return &ValidationError{Field: "campaign", Reason: fmt.Sprintf("campaign is %s", status)}
	}

	destination := campaign.Wallet
	tag := campaign.Tag
	r.mu.Unlock()

	balance, err := r.conn.TokenBalance(ctx, donor.Address)
	if err != nil {
		return err
	}

	if balance.LessThan(amount) {
		return &InsufficientBalanceError{
			Account:   donor.Address,
			Required:  amount,
			Available: balance,
		}
	}

	// the campaign wallet must be able to hold the token before funds move
	if _, err := r.conn.TokenBalance(ctx, destination.Address); err != nil {
		var missing *TrustLineMissingError
		if !errors.As(err, &missing) {
			return err
		}

		if err := r.conn.CreateTrustLine(ctx, destination, r.cfg.TrustLineLimit); err != nil {
			return err
		}
	}

	issuer, err := r.conn.Issuer()
	if err != nil {
		return err
	}

	var res *SubmitResult
	if err := retry(ctx, r.cfg, func() error {
		var err error
		res, err = r.conn.Client().SubmitAndWait(ctx, Payment{
			Account:        donor.Address,
			Destination:    destination.Address,
			Amount:         IssuedAmount(r.cfg.Currency, issuer.Address, amount),
			DestinationTag: tag,
			Flags:          tfNoRippleDirect,
		}, donor)
		return err
	}); err != nil {
		return fmt.Errorf("submit donation: %w", err)
	}

	if res.ResultCode != ResultSuccess {
		return &LedgerRejectionError{TxType: "Payment", Code: res.ResultCode}
	}

	// apply and promote under one lock acquisition so a racing expiry or a
	// concurrent donation cannot interleave between the two steps
	r.mu.Lock()
	defer r.mu.Unlock()

	campaign.CurrentAmount = campaign.CurrentAmount.Add(amount)
	if campaign.Status == CampaignActive && campaign.CurrentAmount.GreaterThanOrEqual(campaign.TargetAmount) {
		campaign.Status = CampaignCompleted
	}

	slog.Info("donation applied",
		"campaign", campaign.ID,
		"donor", donor.Address,
		"amount", amount,
		"total", campaign.CurrentAmount,
		"status", campaign.Status,
	)

	return nil
}

// CampaignBalance queries the campaign wallet's authoritative trust-line
// balance on the ledger. This, not CurrentAmount, is the ground truth.
func (r *CampaignRegistry) CampaignBalance(ctx context.Context, id uuid.UUID) (decimal.Decimal, error) {
	campaign, err := r.Get(id)
	if err != nil {
		return decimal.Zero, err
	}

	balance, err := r.conn.TokenBalance(ctx, campaign.Wallet.Address)
	if err != nil {
		var missing *TrustLineMissingError
		if errors.As(err, &missing) {
			return decimal.Zero, nil
		}

		return decimal.Zero, err
	}

	return balance, nil
}

// UpdateStatus promotes an active campaign past its deadline to expired.
// Pure function of wall-clock time; never touches the network.
func (r *CampaignRegistry) UpdateStatus(id uuid.UUID) (CampaignStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	campaign, ok := r.campaigns[id]
	if !ok {
		return "", ErrCampaignNotFound
	}

	if campaign.Status == CampaignActive && r.now().After(campaign.Deadline) {
		campaign.Status = CampaignExpired
	}

	return campaign.Status, nil
}

// TickAll expires every overdue active campaign.
func (r *CampaignRegistry) TickAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	for _, campaign := range r.campaigns {
		if campaign.Status == CampaignActive && now.After(campaign.Deadline) {
			campaign.Status = CampaignExpired
			slog.Info("campaign expired", "campaign", campaign.ID, "deadline", campaign.Deadline)
		}
	}
}
