// Package booking turns paid deals into confirmed provider reservations.
//
// The executor is the sole writer of the booked/paymentError transitions
// and the orderId field. Every run starts with a precondition re-read:
// a deal that is no longer paid was already handled, and the run is a
// no-op. That check, not a lock, is what makes duplicate queue delivery
// and concurrent workers safe.
package booking

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/staychain/bookingd/internal/alerts"
	"github.com/staychain/bookingd/internal/deal"
	"github.com/staychain/bookingd/internal/events"
	"github.com/staychain/bookingd/internal/metrics"
	"github.com/staychain/bookingd/internal/provider"
	"github.com/staychain/bookingd/internal/retry"
	"github.com/staychain/bookingd/internal/traces"
)

// refundPendingPrefix marks a paid deal whose booking failed but whose
// refund has not been confirmed yet.
const refundPendingPrefix = "refund unresolved: "

// refundDonePrefix marks a deal whose escrow refund was confirmed on
// chain but whose terminal status write has not landed yet. Redelivery
// must resume the record, never the booking and never a second refund.
const refundDonePrefix = "refund confirmed: "

// BookingProvider finalizes reservations with the travel provider.
type BookingProvider interface {
	FinalizeBooking(ctx context.Context, offer deal.Offer, passengers []deal.Passenger) (string, error)
}

// Refunder invokes the escrow contract's refund capability.
type Refunder interface {
	Refund(ctx context.Context, contractAddr, recipient string) (string, error)
}

// Enqueuer accepts ids for downstream processing.
type Enqueuer interface {
	Enqueue(id string)
}

// Config bounds the executor's retry budgets.
type Config struct {
	BookingAttempts int
	RefundAttempts  int
	RetryBaseDelay  time.Duration
}

// Executor books paid deals and refunds failed ones.
type Executor struct {
	store       deal.Store
	provider    BookingProvider
	refunder    Refunder
	rewardQueue Enqueuer
	groupQueue  Enqueuer
	notifier    alerts.Notifier
	publisher   events.Publisher
	cfg         Config
	logger      *slog.Logger
}

// New creates a booking executor.
func New(store deal.Store, bp BookingProvider, refunder Refunder,
	rewardQueue, groupQueue Enqueuer, notifier alerts.Notifier,
	publisher events.Publisher, cfg Config, logger *slog.Logger) *Executor {

	if cfg.BookingAttempts <= 0 {
		cfg.BookingAttempts = 3
	}
	if cfg.RefundAttempts <= 0 {
		cfg.RefundAttempts = 5
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = time.Second
	}
	return &Executor{
		store:       store,
		provider:    bp,
		refunder:    refunder,
		rewardQueue: rewardQueue,
		groupQueue:  groupQueue,
		notifier:    notifier,
		publisher:   publisher,
		cfg:         cfg,
		logger:      logger,
	}
}

// Execute processes one deal id from the deal queue. It returns an
// error only for infrastructure failures worth a queue retry; business
// outcomes (booked, refunded, no-op) return nil.
func (e *Executor) Execute(ctx context.Context, dealID string) error {
	ctx, span := traces.StartSpan(ctx, "booking.execute", traces.DealID(dealID))
	defer span.End()

	d, err := e.store.Get(ctx, dealID)
	if err == deal.ErrDealNotFound {
		e.logger.Warn("queued deal no longer exists", "dealId", dealID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("read deal %s: %w", dealID, err)
	}

	// Precondition: only paid deals get booked. Anything else means a
	// prior run (or a concurrent worker) already decided this deal.
	if d.Status != deal.StatusPaid {
		e.logger.Debug("skipping deal not in paid status",
			"dealId", d.ID, "status", d.Status)
		return nil
	}

	// A prior run confirmed the refund on chain but could not record
	// the outcome. Only the record is outstanding.
	if reason, ok := strings.CutPrefix(d.Message, refundDonePrefix); ok {
		return e.recordRefunded(ctx, d.ID, deal.StatusPaid, reason, "")
	}

	// A prior run already failed the booking and could not confirm the
	// refund. Retry the refund, not the booking.
	if reason, ok := strings.CutPrefix(d.Message, refundPendingPrefix); ok {
		return e.RefundAndFail(ctx, d.ID, deal.StatusPaid, reason)
	}

	orderID, bookErr := e.book(ctx, d)
	if bookErr != nil {
		metrics.BookingsTotal.WithLabelValues("failure").Inc()
		e.logger.Warn("booking failed, starting refund",
			"dealId", d.ID, "error", bookErr)
		return e.RefundAndFail(ctx, d.ID, deal.StatusPaid, bookErr.Error())
	}

	metrics.BookingsTotal.WithLabelValues("success").Inc()
	return e.recordBooked(ctx, d, orderID)
}

// book calls the provider under the bounded retry budget. Provider
// rejections are permanent: retrying a rejected rate only burns time.
func (e *Executor) book(ctx context.Context, d *deal.Deal) (string, error) {
	var orderID string
	policy := retry.Policy{MaxAttempts: e.cfg.BookingAttempts, BaseDelay: e.cfg.RetryBaseDelay}
	err := policy.Do(ctx, func() error {
		id, err := e.provider.FinalizeBooking(ctx, d.Offer, d.Passengers)
		if err != nil {
			if !provider.Retryable(err) {
				return retry.Permanent(err)
			}
			return err
		}
		orderID = id
		return nil
	})
	return orderID, err
}

// recordBooked persists the booked transition. The provider call
// already happened, so this must not be re-run through the queue: a
// requeue would re-read paid status and book a second time. On a store
// failure the executor retries the write in place and then escalates.
func (e *Executor) recordBooked(ctx context.Context, d *deal.Deal, orderID string) error {
	patch := deal.Patch{
		Status:  deal.Ptr(deal.StatusBooked),
		OrderID: deal.Ptr(orderID),
	}

	var updated *deal.Deal
	policy := retry.Policy{MaxAttempts: 3, BaseDelay: e.cfg.RetryBaseDelay}
	err := policy.Do(ctx, func() error {
		u, err := e.store.UpdateIfStatus(ctx, d.ID, deal.StatusPaid, patch)
		if err == deal.ErrStatusConflict {
			return retry.Permanent(err)
		}
		if err != nil {
			return err
		}
		updated = u
		return nil
	})

	if err == deal.ErrStatusConflict {
		// A concurrent worker recorded its own outcome between our
		// precondition read and this write. Our provider order is now
		// an orphan: surface it instead of guessing.
		e.logger.Error("booked at provider but deal already transitioned",
			"dealId", d.ID, "orderId", orderID)
		e.notifier.Notify(ctx, alerts.Alert{
			Kind:    alerts.KindRetriesExhausted,
			DealID:  d.ID,
			Message: fmt.Sprintf("provider order %s recorded nowhere: deal left paid state concurrently", orderID),
		})
		return nil
	}
	if err != nil {
		e.notifier.Notify(ctx, alerts.Alert{
			Kind:    alerts.KindRetriesExhausted,
			DealID:  d.ID,
			Message: fmt.Sprintf("booked at provider (order %s) but status update failed: %v", orderID, err),
		})
		return nil
	}

	metrics.DealsTotal.WithLabelValues(string(deal.StatusBooked)).Inc()
	e.logger.Info("deal booked",
		"dealId", updated.ID,
		"orderId", orderID,
		"hotel", updated.Offer.HotelID,
	)
	events.Emit(e.publisher, events.DealBooked, events.DealEvent{
		DealID:  updated.ID,
		Status:  string(updated.Status),
		OrderID: orderID,
		GroupID: updated.GroupID,
	})

	e.rewardQueue.Enqueue(updated.ID)
	if updated.GroupID != "" {
		e.groupQueue.Enqueue(updated.GroupID)
	}
	return nil
}

// RefundAndFail refunds the escrow for a deal currently in expected
// status and forces it to paymentError with the given reason. Also used
// by the group coordinator to roll back paid or booked siblings.
//
// A refund that cannot be confirmed is escalated as a fatal alert and
// the deal is left in its current status with the unresolved refund
// recorded in its message. Funds are never silently dropped.
func (e *Executor) RefundAndFail(ctx context.Context, dealID string, expected deal.Status, reason string) error {
	ctx, span := traces.StartSpan(ctx, "booking.refund", traces.DealID(dealID))
	defer span.End()

	d, err := e.store.Get(ctx, dealID)
	if err == deal.ErrDealNotFound {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read deal %s: %w", dealID, err)
	}
	if d.Status != expected {
		return nil // Another worker already moved this deal on.
	}

	// The escrow was already refunded by a prior run; only the status
	// write is outstanding. Submitting another refund here would double
	// refund the contract.
	if prior, ok := strings.CutPrefix(d.Message, refundDonePrefix); ok {
		return e.recordRefunded(ctx, d.ID, expected, prior, "")
	}

	if len(d.UserAddresses) == 0 {
		e.notifier.Notify(ctx, alerts.Alert{
			Kind:    alerts.KindRefundUnresolved,
			DealID:  d.ID,
			Message: "cannot refund: deal has no user address",
		})
		return nil
	}

	recipient := d.UserAddresses[0]
	var txHash string
	policy := retry.Policy{MaxAttempts: e.cfg.RefundAttempts, BaseDelay: e.cfg.RetryBaseDelay}
	refundErr := policy.Do(ctx, func() error {
		h, err := e.refunder.Refund(ctx, d.Contract.ContractAddress, recipient)
		if err != nil {
			return err
		}
		txHash = h
		return nil
	})

	if refundErr != nil {
		metrics.RefundsTotal.WithLabelValues("failure").Inc()
		e.notifier.Notify(ctx, alerts.Alert{
			Kind:    alerts.KindRefundUnresolved,
			DealID:  d.ID,
			Message: fmt.Sprintf("refund to %s not confirmed: %v", recipient, refundErr),
			Fields:  map[string]string{"contract": d.Contract.ContractAddress},
		})
		// Mark the unresolved refund on the deal without changing
		// status, then let the queue's bounded retries try again.
		_, _ = e.store.UpdateIfStatus(ctx, d.ID, expected, deal.Patch{
			Message: deal.Ptr(refundPendingPrefix + reason),
		})
		return fmt.Errorf("refund deal %s: %w", d.ID, refundErr)
	}

	metrics.RefundsTotal.WithLabelValues("success").Inc()
	e.logger.Info("escrow refund confirmed",
		"dealId", d.ID,
		"recipient", recipient,
		"tx", txHash,
	)
	return e.recordRefunded(ctx, d.ID, expected, reason, txHash)
}

// recordRefunded persists the paymentError transition after a confirmed
// refund. The refund transaction already happened, so like recordBooked
// the write is retried in place. If it keeps failing, the confirmed
// refund is parked on the deal's message so a queue redelivery resumes
// here; only when even that marker cannot be written does the executor
// escalate and drop, because a redelivery without the marker would book
// against a refunded escrow.
func (e *Executor) recordRefunded(ctx context.Context, dealID string, expected deal.Status, reason, txHash string) error {
	patch := deal.Patch{
		Status:       deal.Ptr(deal.StatusPaymentError),
		StorageState: deal.Ptr(deal.StateRefunded),
		Message:      deal.Ptr(reason),
	}

	var updated *deal.Deal
	policy := retry.Policy{MaxAttempts: 3, BaseDelay: e.cfg.RetryBaseDelay}
	err := policy.Do(ctx, func() error {
		u, err := e.store.UpdateIfStatus(ctx, dealID, expected, patch)
		if err == deal.ErrStatusConflict {
			return retry.Permanent(err)
		}
		if err != nil {
			return err
		}
		updated = u
		return nil
	})

	if err == deal.ErrStatusConflict {
		return nil
	}
	if err != nil {
		_, merr := e.store.UpdateIfStatus(ctx, dealID, expected, deal.Patch{
			Message: deal.Ptr(refundDonePrefix + reason),
		})
		if merr == deal.ErrStatusConflict {
			return nil
		}
		if merr != nil {
			e.logger.Error("refund confirmed but outcome not recorded",
				"dealId", dealID, "tx", txHash, "error", err)
			e.notifier.Notify(ctx, alerts.Alert{
				Kind:    alerts.KindRefundUnresolved,
				DealID:  dealID,
				Message: fmt.Sprintf("refund confirmed (tx %s) but status update failed: %v", txHash, err),
			})
			return nil
		}
		return fmt.Errorf("record refund for deal %s: %w", dealID, err)
	}

	metrics.DealsTotal.WithLabelValues(string(deal.StatusPaymentError)).Inc()
	e.logger.Info("deal refunded",
		"dealId", updated.ID,
		"tx", txHash,
		"reason", reason,
	)
	events.Emit(e.publisher, events.DealFailed, events.DealEvent{
		DealID:  updated.ID,
		Status:  string(updated.Status),
		GroupID: updated.GroupID,
		Message: reason,
	})

	if updated.GroupID != "" {
		e.groupQueue.Enqueue(updated.GroupID)
	}
	return nil
}
