// Package events defines the settlement lifecycle events the engine
// produces and an in-process publisher for them.
package events

import (
	"time"
)

// Type enumerates the produced events.
type Type string

const (
	DealCreated       Type = "deal.created"
	DealPaid          Type = "deal.paid"
	DealBooked        Type = "deal.booked"
	DealFailed        Type = "deal.failed"
	GroupStateChanged Type = "group.state_changed"
	RewardSent        Type = "reward.sent"
)

// Event is one settlement lifecycle notification.
type Event struct {
	Type      Type        `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// Publisher delivers events to interested consumers. Implementations
// must not block: settlement workers publish on their hot path.
type Publisher interface {
	Publish(event Event)
}

// Emit builds and publishes an event with the current timestamp.
// A nil publisher is a no-op, so wiring events stays optional in tests.
func Emit(p Publisher, t Type, data interface{}) {
	if p == nil {
		return
	}
	p.Publish(Event{Type: t, Timestamp: time.Now(), Data: data})
}

// DealEvent is the payload for deal.* events.
type DealEvent struct {
	DealID  string `json:"dealId"`
	Status  string `json:"status"`
	OrderID string `json:"orderId,omitempty"`
	GroupID string `json:"groupId,omitempty"`
	Message string `json:"message,omitempty"`
}

// GroupEvent is the payload for group.state_changed.
type GroupEvent struct {
	GroupID string `json:"groupId"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// RewardEvent is the payload for reward.sent.
type RewardEvent struct {
	DealID    string `json:"dealId"`
	Recipient string `json:"recipient"`
	Amount    string `json:"amount"`
	TxHash    string `json:"txHash,omitempty"`
}
