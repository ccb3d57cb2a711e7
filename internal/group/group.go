// Package group implements all-or-nothing settlement for deals that
// were sold together.
//
// A group either books every member or refunds every paid member; a
// partially booked group is never a final outcome. The group record
// carries the member id list and a small lifecycle of its own, advanced
// through the same conditional-update discipline as deals.
package group

import (
	"context"
	"errors"
	"time"
)

var (
	ErrGroupNotFound  = errors.New("group not found")
	ErrGroupExists    = errors.New("group already exists")
	ErrStatusConflict = errors.New("group status changed concurrently")
)

// Status is the lifecycle state of a group.
type Status string

const (
	// StatusCollecting: waiting for every member's escrow to fund.
	StatusCollecting Status = "collecting"
	// StatusBooking: all members paid, bookings dispatched.
	StatusBooking Status = "booking"
	// StatusBooked: every member booked. Terminal.
	StatusBooked Status = "booked"
	// StatusRollingBack: a member failed, refunds in progress.
	StatusRollingBack Status = "rollingBack"
	// StatusFailed: rollback finished. Terminal.
	StatusFailed Status = "failed"
)

// Valid reports whether s is one of the enumerated statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusCollecting, StatusBooking, StatusBooked, StatusRollingBack, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether the group has reached a final state.
func (s Status) Terminal() bool {
	return s == StatusBooked || s == StatusFailed
}

// Group ties a fixed set of deals into one all-or-nothing settlement.
// The member list is immutable after creation.
type Group struct {
	ID        string    `json:"id"`
	DealIDs   []string  `json:"dealIds"`
	Status    Status    `json:"status"`
	Message   string    `json:"message,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Patch is a partial update applied through Store.UpdateIfStatus.
type Patch struct {
	Status  *Status
	Message *string
}

// Ptr is a convenience for building Patch literals.
func Ptr[T any](v T) *T { return &v }

// Store is the durable keyed collection of groups. UpdateIfStatus is
// the same compare-and-swap contract as the deal store: a conflict
// means another worker already advanced the group.
type Store interface {
	Create(ctx context.Context, g *Group) error
	Get(ctx context.Context, id string) (*Group, error)
	UpdateIfStatus(ctx context.Context, id string, expected Status, patch Patch) (*Group, error)
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Group, error)
}
