package group

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/staychain/bookingd/internal/deal"
	"github.com/staychain/bookingd/internal/events"
	"github.com/staychain/bookingd/internal/metrics"
	"github.com/staychain/bookingd/internal/traces"
)

// RollbackMessage is recorded on deals forced out by a group rollback.
const RollbackMessage = "group booking rolled back"

// Enqueuer accepts ids for downstream processing.
type Enqueuer interface {
	Enqueue(id string)
}

// Rollbacker refunds a deal's escrow and forces it to paymentError.
// Satisfied by the booking executor.
type Rollbacker interface {
	RefundAndFail(ctx context.Context, dealID string, expected deal.Status, reason string) error
}

// Coordinator advances group lifecycles. It is driven by the group
// queue: every member transition (paid, booked, failed) nudges the
// group id back onto that queue, and Process re-derives the next step
// from current member state. Re-processing a group is always safe.
type Coordinator struct {
	groups     Store
	deals      deal.Store
	dealQueue  Enqueuer
	rollbacker Rollbacker
	publisher  events.Publisher
	logger     *slog.Logger
}

// NewCoordinator creates a group coordinator.
func NewCoordinator(groups Store, deals deal.Store, dealQueue Enqueuer,
	rollbacker Rollbacker, publisher events.Publisher, logger *slog.Logger) *Coordinator {

	return &Coordinator{
		groups:     groups,
		deals:      deals,
		dealQueue:  dealQueue,
		rollbacker: rollbacker,
		publisher:  publisher,
		logger:     logger,
	}
}

// Process handles one group id from the group queue. It returns an
// error only when work remains that a queue retry can finish (store
// reads, unresolved refunds); settled outcomes return nil.
func (c *Coordinator) Process(ctx context.Context, groupID string) error {
	ctx, span := traces.StartSpan(ctx, "group.process", traces.GroupID(groupID))
	defer span.End()

	g, err := c.groups.Get(ctx, groupID)
	if err == ErrGroupNotFound {
		c.logger.Warn("queued group no longer exists", "groupId", groupID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("read group %s: %w", groupID, err)
	}
	if g.Status.Terminal() {
		return nil
	}

	members, err := c.members(ctx, g)
	if err != nil {
		return err
	}

	switch g.Status {
	case StatusCollecting:
		return c.processCollecting(ctx, g, members)
	case StatusBooking:
		return c.processBooking(ctx, g, members)
	case StatusRollingBack:
		return c.rollback(ctx, g, members)
	default:
		c.logger.Error("group in unknown status", "groupId", g.ID, "status", g.Status)
		return nil
	}
}

// members resolves the group's fixed member list to current deals.
func (c *Coordinator) members(ctx context.Context, g *Group) ([]*deal.Deal, error) {
	members := make([]*deal.Deal, 0, len(g.DealIDs))
	for _, id := range g.DealIDs {
		d, err := c.deals.Get(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("read group member %s: %w", id, err)
		}
		members = append(members, d)
	}
	return members, nil
}

// processCollecting waits for every member escrow to fund. The first
// member failure (expiry) dooms the whole group; full funding releases
// the bookings.
func (c *Coordinator) processCollecting(ctx context.Context, g *Group, members []*deal.Deal) error {
	paid := 0
	for _, d := range members {
		switch d.Status {
		case deal.StatusPaymentError:
			return c.startRollback(ctx, g, members,
				fmt.Sprintf("member %s failed: %s", d.ID, d.Message))
		case deal.StatusPaid, deal.StatusBooked:
			paid++
		}
	}

	if paid < len(members) {
		return nil // Still collecting; the next member event nudges us.
	}

	updated, err := c.transition(ctx, g, StatusBooking, "")
	if err == ErrStatusConflict {
		return nil
	}
	if err != nil {
		return fmt.Errorf("start group booking %s: %w", g.ID, err)
	}

	c.logger.Info("group fully funded, dispatching bookings",
		"groupId", updated.ID, "members", len(members))
	for _, d := range members {
		if d.Status == deal.StatusPaid {
			c.dealQueue.Enqueue(d.ID)
		}
	}
	return nil
}

// processBooking waits for every dispatched booking to land. One
// member's paymentError flips the group into rollback, refunding the
// members that did book.
func (c *Coordinator) processBooking(ctx context.Context, g *Group, members []*deal.Deal) error {
	booked := 0
	for _, d := range members {
		switch d.Status {
		case deal.StatusPaymentError:
			return c.startRollback(ctx, g, members,
				fmt.Sprintf("member %s failed: %s", d.ID, d.Message))
		case deal.StatusBooked:
			booked++
		}
	}

	if booked < len(members) {
		return nil // Bookings still in flight.
	}

	updated, err := c.transition(ctx, g, StatusBooked, "")
	if err == ErrStatusConflict {
		return nil
	}
	if err != nil {
		return fmt.Errorf("finish group %s: %w", g.ID, err)
	}
	c.logger.Info("group fully booked", "groupId", updated.ID, "members", len(members))
	return nil
}

// startRollback flips the group to rollingBack and begins unwinding.
func (c *Coordinator) startRollback(ctx context.Context, g *Group, members []*deal.Deal, reason string) error {
	updated, err := c.transition(ctx, g, StatusRollingBack, reason)
	if err == ErrStatusConflict {
		return nil
	}
	if err != nil {
		return fmt.Errorf("start group rollback %s: %w", g.ID, err)
	}
	c.logger.Warn("rolling back group", "groupId", updated.ID, "reason", reason)
	return c.rollback(ctx, updated, members)
}

// rollback unwinds every member that holds or spent escrowed funds:
// paid and booked members are refunded and forced to paymentError,
// pending members are failed outright (nothing was escrowed yet that
// the contract reports as paid). Returns an error while any member
// still needs work so the queue keeps retrying; unresolved refunds are
// alerted by the rollbacker itself.
func (c *Coordinator) rollback(ctx context.Context, g *Group, members []*deal.Deal) error {
	var pendingWork error
	for _, d := range members {
		switch d.Status {
		case deal.StatusPaid, deal.StatusBooked:
			if err := c.rollbacker.RefundAndFail(ctx, d.ID, d.Status, RollbackMessage); err != nil {
				pendingWork = err
			}
		case deal.StatusPending:
			_, err := c.deals.UpdateIfStatus(ctx, d.ID, deal.StatusPending, deal.Patch{
				Status:  deal.Ptr(deal.StatusPaymentError),
				Message: deal.Ptr(RollbackMessage),
			})
			if err != nil && err != deal.ErrStatusConflict {
				pendingWork = err
			}
		}
	}
	if pendingWork != nil {
		return fmt.Errorf("group %s rollback incomplete: %w", g.ID, pendingWork)
	}

	updated, err := c.transition(ctx, g, StatusFailed, g.Message)
	if err == ErrStatusConflict {
		return nil
	}
	if err != nil {
		return fmt.Errorf("finish group rollback %s: %w", g.ID, err)
	}
	c.logger.Info("group rollback complete", "groupId", updated.ID)
	return nil
}

// transition applies one compare-and-swap group status change and
// publishes it.
func (c *Coordinator) transition(ctx context.Context, g *Group, to Status, message string) (*Group, error) {
	patch := Patch{Status: &to}
	if message != "" {
		patch.Message = &message
	}
	updated, err := c.groups.UpdateIfStatus(ctx, g.ID, g.Status, patch)
	if err != nil {
		return nil, err
	}

	metrics.GroupsTotal.WithLabelValues(string(to)).Inc()
	events.Emit(c.publisher, events.GroupStateChanged, events.GroupEvent{
		GroupID: updated.ID,
		Status:  string(updated.Status),
		Message: updated.Message,
	})
	return updated, nil
}
