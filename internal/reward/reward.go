// Package reward pays out loyalty token rewards for booked deals.
//
// Rewards are bookkept in their own store, keyed by deal id, so a
// payout is attempted at most once per deal no matter how often the
// reward queue re-delivers the id. Token transfers cannot be taken
// back; the record is what makes the operation idempotent.
package reward

import (
	"context"
	"errors"
	"time"
)

var (
	ErrRewardNotFound = errors.New("reward not found")
	ErrRewardExists   = errors.New("reward already exists")
	ErrStatusConflict = errors.New("reward status changed concurrently")
)

// Status is the payout state of a reward.
type Status string

const (
	StatusPending Status = "pending"
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
)

// Reward records one loyalty payout owed for a booked deal.
type Reward struct {
	DealID    string    `json:"dealId"`
	Recipient string    `json:"recipient"`
	Asset     string    `json:"asset"`
	Amount    string    `json:"amount"`
	Status    Status    `json:"status"`
	TxHash    string    `json:"txHash,omitempty"`
	Attempts  int       `json:"attempts"`
	Message   string    `json:"message,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Patch is a partial update applied through Store.UpdateIfStatus.
type Patch struct {
	Status   *Status
	TxHash   *string
	Attempts *int
	Message  *string
}

// Store is the durable collection of rewards, one per deal.
// UpdateIfStatus follows the same compare-and-swap contract as the
// deal store.
type Store interface {
	Create(ctx context.Context, r *Reward) error
	GetByDeal(ctx context.Context, dealID string) (*Reward, error)
	UpdateIfStatus(ctx context.Context, dealID string, expected Status, patch Patch) (*Reward, error)
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Reward, error)
}
