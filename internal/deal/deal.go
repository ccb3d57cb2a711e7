// Package deal defines the central Deal entity and its durable store.
//
// A deal tracks one booking-in-progress from escrow funding through
// provider booking or refund. Deals are a permanent audit record: the
// engine never deletes them, it only patches the mutable fields
// (status, storage state, order id, message) through conditional
// updates so that every transition is the result of exactly one
// worker decision.
package deal

import (
	"context"
	"errors"
	"time"
)

var (
	ErrDealNotFound   = errors.New("deal not found")
	ErrDealExists     = errors.New("deal already exists")
	ErrStatusConflict = errors.New("deal status changed concurrently")
)

// State mirrors the escrow contract's own storage state. It is
// informational evidence feeding Status transitions, not a second
// lifecycle.
type State int

const (
	StateUninitialized State = iota
	StatePaid
	StateRefunded
)

// String returns the on-chain state name.
func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "UNINITIALIZED"
	case StatePaid:
		return "PAID"
	case StateRefunded:
		return "REFUNDED"
	default:
		return "UNKNOWN"
	}
}

// Status is the booking lifecycle state of a deal.
type Status string

const (
	StatusPending      Status = "pending"
	StatusPaid         Status = "paid"
	StatusBooked       Status = "booked"
	StatusPaymentError Status = "paymentError"
)

// Valid reports whether s is one of the enumerated statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusPaid, StatusBooked, StatusPaymentError:
		return true
	}
	return false
}

// Price is a provider-quoted price. Amount is a decimal string; the
// engine never does float math on money.
type Price struct {
	Currency string `json:"currency"`
	Amount   string `json:"amount"`
}

// Offer is the priced offer snapshot a deal was created from.
// Immutable once the deal exists.
type Offer struct {
	ID            string    `json:"id"`
	HotelID       string    `json:"hotelId"`
	Accommodation string    `json:"accommodation"`
	Provider      string    `json:"provider"`
	Price         Price     `json:"price"`
	Arrival       time.Time `json:"arrival"`
	Departure     time.Time `json:"departure"`
	Expiration    time.Time `json:"expiration"`
}

// Passenger identifies a traveler on the booking.
type Passenger struct {
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Email     string `json:"email,omitempty"`
	Phone     string `json:"phone,omitempty"`
}

// DealStorage is the engine's view of the escrow contract storage.
type DealStorage struct {
	Provider string `json:"provider"`
	Customer string `json:"customer"`
	Asset    string `json:"asset"`
	Value    string `json:"value"`
	State    State  `json:"state"`
}

// NetworkInfo identifies which chain and contract instance holds the
// escrow for a deal.
type NetworkInfo struct {
	Name            string `json:"name"`
	ChainID         int64  `json:"chainId"`
	ContractAddress string `json:"contractAddress"`
}

// Deal is the central settlement entity.
type Deal struct {
	ID            string      `json:"id"`
	Offer         Offer       `json:"offer"`
	OfferID       string      `json:"offerId"`
	DealStorage   DealStorage `json:"dealStorage"`
	Contract      NetworkInfo `json:"contract"`
	UserAddresses []string    `json:"userAddresses"`
	Passengers    []Passenger `json:"passengers,omitempty"`
	GroupID       string      `json:"groupId,omitempty"`
	Status        Status      `json:"status"`
	OrderID       string      `json:"orderId,omitempty"`
	Message       string      `json:"message,omitempty"`
	CreatedAt     time.Time   `json:"createdAt"`
	UpdatedAt     time.Time   `json:"updatedAt"`
}

// Terminal reports whether the deal has reached a final booking status.
func (d *Deal) Terminal() bool {
	return d.Status == StatusBooked || d.Status == StatusPaymentError
}

// Patch is a partial update applied through Store.UpdateIfStatus.
// Nil fields are left untouched.
type Patch struct {
	Status       *Status
	StorageState *State
	OrderID      *string
	Message      *string
}

// Ptr is a convenience for building Patch literals.
func Ptr[T any](v T) *T { return &v }

// Store is the durable keyed collection of deals: the single source of
// truth for settlement progress.
//
// UpdateIfStatus is a conditional compare-and-swap: the patch is applied
// only if the deal's current status equals expected, otherwise
// ErrStatusConflict is returned. Callers must treat a conflict as a
// benign no-op: it means another worker already performed the
// transition.
type Store interface {
	Create(ctx context.Context, d *Deal) error
	Get(ctx context.Context, id string) (*Deal, error)
	UpdateIfStatus(ctx context.Context, id string, expected Status, patch Patch) (*Deal, error)
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Deal, error)
	ListByGroup(ctx context.Context, groupID string) ([]*Deal, error)
}
