package reward

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/staychain/bookingd/internal/alerts"
	"github.com/staychain/bookingd/internal/deal"
	"github.com/staychain/bookingd/internal/events"
	"github.com/staychain/bookingd/internal/metrics"
	"github.com/staychain/bookingd/internal/retry"
	"github.com/staychain/bookingd/internal/traces"
)

// Transferrer sends reward tokens on chain. Satisfied by the chain
// client.
type Transferrer interface {
	TransferToken(ctx context.Context, token, recipient string, amount *big.Int) (string, error)
}

// Config tunes reward payouts.
type Config struct {
	// RateBps is the reward as basis points of the escrowed deal value.
	RateBps int64
	// Asset is the reward token contract address. Empty disables payouts.
	Asset          string
	MaxAttempts    int
	RetryBaseDelay time.Duration
}

// Distributor pays loyalty rewards for booked deals.
type Distributor struct {
	rewards     Store
	deals       deal.Store
	transferrer Transferrer
	notifier    alerts.Notifier
	publisher   events.Publisher
	cfg         Config
	logger      *slog.Logger
}

// NewDistributor creates a reward distributor.
func NewDistributor(rewards Store, deals deal.Store, transferrer Transferrer,
	notifier alerts.Notifier, publisher events.Publisher, cfg Config, logger *slog.Logger) *Distributor {

	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = time.Second
	}
	return &Distributor{
		rewards:     rewards,
		deals:       deals,
		transferrer: transferrer,
		notifier:    notifier,
		publisher:   publisher,
		cfg:         cfg,
		logger:      logger,
	}
}

// Distribute handles one deal id from the reward queue. Only booked
// deals earn a reward, and each deal earns it at most once: the reward
// record, created before any transfer is attempted, carries the
// idempotency.
func (d *Distributor) Distribute(ctx context.Context, dealID string) error {
	ctx, span := traces.StartSpan(ctx, "reward.distribute", traces.DealID(dealID))
	defer span.End()

	if d.cfg.Asset == "" || d.cfg.RateBps <= 0 {
		return nil // Rewards not configured.
	}

	dl, err := d.deals.Get(ctx, dealID)
	if err == deal.ErrDealNotFound {
		d.logger.Warn("queued deal no longer exists", "dealId", dealID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("read deal %s: %w", dealID, err)
	}
	if dl.Status != deal.StatusBooked {
		return nil // Refunded or failed deals earn nothing.
	}

	r, err := d.ensureRecord(ctx, dl)
	if err != nil {
		return err
	}
	if r == nil || r.Status != StatusPending {
		return nil // Already sent or permanently failed.
	}

	return d.payout(ctx, r)
}

// ensureRecord loads or creates the reward record for a booked deal.
// Returns nil when the deal earns no reward.
func (d *Distributor) ensureRecord(ctx context.Context, dl *deal.Deal) (*Reward, error) {
	r, err := d.rewards.GetByDeal(ctx, dl.ID)
	if err == nil {
		return r, nil
	}
	if err != ErrRewardNotFound {
		return nil, fmt.Errorf("read reward for deal %s: %w", dl.ID, err)
	}

	amount, ok := d.rewardAmount(dl)
	if !ok {
		d.logger.Error("cannot compute reward amount",
			"dealId", dl.ID, "value", dl.DealStorage.Value)
		return nil, nil
	}
	if amount.Sign() == 0 {
		return nil, nil // Rounds to nothing at this rate.
	}
	if len(dl.UserAddresses) == 0 {
		d.logger.Error("booked deal has no user address for reward", "dealId", dl.ID)
		return nil, nil
	}

	now := time.Now()
	r = &Reward{
		DealID:    dl.ID,
		Recipient: dl.UserAddresses[0],
		Asset:     d.cfg.Asset,
		Amount:    amount.String(),
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := d.rewards.Create(ctx, r); err == ErrRewardExists {
		// Concurrent worker created it; re-read their record.
		return d.rewards.GetByDeal(ctx, dl.ID)
	} else if err != nil {
		return nil, fmt.Errorf("create reward for deal %s: %w", dl.ID, err)
	}
	return r, nil
}

// rewardAmount computes value * rateBps / 10000 in integer token units.
func (d *Distributor) rewardAmount(dl *deal.Deal) (*big.Int, bool) {
	value, ok := new(big.Int).SetString(dl.DealStorage.Value, 10)
	if !ok {
		return nil, false
	}
	amount := new(big.Int).Mul(value, big.NewInt(d.cfg.RateBps))
	return amount.Div(amount, big.NewInt(10000)), true
}

// payout sends the tokens under the bounded retry budget and records
// the outcome. Exhausting the budget marks the reward failed and
// raises a reconciliation alert; it never blocks deal settlement.
func (d *Distributor) payout(ctx context.Context, r *Reward) error {
	amount, ok := new(big.Int).SetString(r.Amount, 10)
	if !ok {
		return fmt.Errorf("reward for deal %s has unparseable amount %q", r.DealID, r.Amount)
	}

	var txHash string
	attempts := r.Attempts
	policy := retry.Policy{MaxAttempts: d.cfg.MaxAttempts, BaseDelay: d.cfg.RetryBaseDelay}
	sendErr := policy.Do(ctx, func() error {
		attempts++
		h, err := d.transferrer.TransferToken(ctx, r.Asset, r.Recipient, amount)
		if err != nil {
			return err
		}
		txHash = h
		return nil
	})

	if sendErr != nil {
		metrics.RewardsTotal.WithLabelValues("failure").Inc()
		_, _ = d.rewards.UpdateIfStatus(ctx, r.DealID, StatusPending, Patch{
			Status:   Ptr(StatusFailed),
			Attempts: Ptr(attempts),
			Message:  Ptr(sendErr.Error()),
		})
		d.notifier.Notify(ctx, alerts.Alert{
			Kind:    alerts.KindRewardReconciliation,
			DealID:  r.DealID,
			Message: fmt.Sprintf("reward payout of %s to %s failed: %v", r.Amount, r.Recipient, sendErr),
			Fields:  map[string]string{"asset": r.Asset},
		})
		return nil
	}

	updated, err := d.rewards.UpdateIfStatus(ctx, r.DealID, StatusPending, Patch{
		Status:   Ptr(StatusSent),
		TxHash:   Ptr(txHash),
		Attempts: Ptr(attempts),
	})
	if err == ErrStatusConflict {
		// Tokens moved but a concurrent worker recorded another outcome.
		d.notifier.Notify(ctx, alerts.Alert{
			Kind:    alerts.KindRewardReconciliation,
			DealID:  r.DealID,
			Message: fmt.Sprintf("reward transfer %s sent but record was updated concurrently", txHash),
		})
		return nil
	}
	if err != nil {
		d.notifier.Notify(ctx, alerts.Alert{
			Kind:    alerts.KindRewardReconciliation,
			DealID:  r.DealID,
			Message: fmt.Sprintf("reward transfer %s sent but record update failed: %v", txHash, err),
		})
		return nil
	}

	metrics.RewardsTotal.WithLabelValues("success").Inc()
	d.logger.Info("reward sent",
		"dealId", updated.DealID,
		"recipient", updated.Recipient,
		"amount", updated.Amount,
		"tx", txHash,
	)
	events.Emit(d.publisher, events.RewardSent, events.RewardEvent{
		DealID:    updated.DealID,
		Recipient: updated.Recipient,
		Amount:    updated.Amount,
		TxHash:    txHash,
	})
	return nil
}

// Ptr is a convenience for building Patch literals.
func Ptr[T any](v T) *T { return &v }
