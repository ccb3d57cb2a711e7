// Package observer watches escrow contracts for deals awaiting payment.
//
// Each poll sweep reads the contract state for every pending deal,
// bounded by a concurrency limit so a busy day does not overwhelm the
// chain RPC endpoint. Funding confirmation is recorded exactly once
// through the store's conditional update; transient RPC failures never
// mutate deal state; the deal is simply seen again next sweep.
package observer

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/staychain/bookingd/internal/chain"
	"github.com/staychain/bookingd/internal/deal"
	"github.com/staychain/bookingd/internal/events"
	"github.com/staychain/bookingd/internal/metrics"
)

// ExpiryMessage is recorded on deals whose escrow was never funded.
const ExpiryMessage = "payment not received before expiry"

// sweepBatch bounds how many pending deals one sweep considers.
const sweepBatch = 500

// readTimeout bounds a single contract state read.
const readTimeout = 10 * time.Second

// ChainReader reads escrow contract state.
type ChainReader interface {
	ReadState(ctx context.Context, contractAddr string) (*chain.StateView, error)
}

// Enqueuer accepts ids for downstream processing.
type Enqueuer interface {
	Enqueue(id string)
}

// Config for the observer.
type Config struct {
	PollInterval  time.Duration
	PaymentExpiry time.Duration
	Concurrency   int
}

// Observer polls escrow contracts for pending deals.
type Observer struct {
	store      deal.Store
	reader     ChainReader
	dealQueue  Enqueuer // Booking executor feed (solo deals)
	groupQueue Enqueuer // Coordinator feed (grouped deals)
	publisher  events.Publisher
	cfg        Config
	logger     *slog.Logger

	stop    chan struct{}
	done    chan struct{}
	running atomic.Bool
}

// New creates a contract observer.
func New(store deal.Store, reader ChainReader, dealQueue, groupQueue Enqueuer,
	publisher events.Publisher, cfg Config, logger *slog.Logger) *Observer {

	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	return &Observer{
		store:      store,
		reader:     reader,
		dealQueue:  dealQueue,
		groupQueue: groupQueue,
		publisher:  publisher,
		cfg:        cfg,
		logger:     logger,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Running reports whether the poll loop is active.
func (o *Observer) Running() bool {
	return o.running.Load()
}

// Start begins the poll loop. Call in a goroutine.
func (o *Observer) Start(ctx context.Context) {
	o.running.Store(true)
	defer o.running.Store(false)
	defer close(o.done)

	o.logger.Info("contract observer started",
		"interval", o.cfg.PollInterval,
		"expiry", o.cfg.PaymentExpiry,
		"concurrency", o.cfg.Concurrency,
	)

	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-o.stop:
			return
		case <-ticker.C:
			o.safeSweep(ctx)
		}
	}
}

// Stop signals the observer to stop and waits for the loop to exit.
func (o *Observer) Stop() {
	close(o.stop)
	<-o.done
}

func (o *Observer) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("panic in observer sweep", "panic", fmt.Sprint(r))
		}
	}()
	o.Sweep(ctx)
}

// Sweep checks every pending deal's escrow contract once. Exported so
// tests can drive polls without waiting on the ticker.
func (o *Observer) Sweep(ctx context.Context) {
	timer := prometheus.NewTimer(metrics.ObserverPollDuration)
	defer timer.ObserveDuration()

	pending, err := o.store.ListByStatus(ctx, deal.StatusPending, sweepBatch)
	if err != nil {
		o.logger.Warn("failed to list pending deals", "error", err)
		return
	}

	sem := make(chan struct{}, o.cfg.Concurrency)
	var wg sync.WaitGroup
	for _, d := range pending {
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		case sem <- struct{}{}:
		}
		wg.Add(1)
		go func(d *deal.Deal) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := o.checkDeal(ctx, d); err != nil {
				// Transient read failure: no state change, the next
				// sweep retries.
				o.logger.Warn("escrow state read failed",
					"dealId", d.ID,
					"contract", d.Contract.ContractAddress,
					"error", err,
				)
			}
		}(d)
	}
	wg.Wait()
}

// CheckByID reads one deal's escrow contract immediately. This is the
// contract queue handler: freshly created deals get their first check
// without waiting for the next sweep, and a failed read is retried
// through the queue's backoff.
func (o *Observer) CheckByID(ctx context.Context, dealID string) error {
	d, err := o.store.Get(ctx, dealID)
	if err == deal.ErrDealNotFound {
		o.logger.Warn("queued deal no longer exists", "dealId", dealID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("read deal %s: %w", dealID, err)
	}
	if d.Status != deal.StatusPending {
		return nil
	}
	return o.checkDeal(ctx, d)
}

// checkDeal reads one escrow contract and advances the deal if funded,
// or expires it if the payment window has passed. Returns only the
// chain read error; transitions handle their own failures.
func (o *Observer) checkDeal(ctx context.Context, d *deal.Deal) error {
	readCtx, cancel := context.WithTimeout(ctx, readTimeout)
	timer := prometheus.NewTimer(metrics.ChainReadDuration)
	view, err := o.reader.ReadState(readCtx, d.Contract.ContractAddress)
	timer.ObserveDuration()
	cancel()
	if err != nil {
		return err
	}

	if view.State == chain.EscrowPaid && o.valueCovers(view.Value, d) {
		o.markPaid(ctx, d)
		return nil
	}

	if o.cfg.PaymentExpiry > 0 && time.Since(d.CreatedAt) > o.cfg.PaymentExpiry {
		o.expire(ctx, d)
	}
	return nil
}

// valueCovers reports whether the escrowed value covers the agreed deal
// value. Overpaying never blocks a booking; underpaying is treated as
// not funded and runs into the expiry window.
func (o *Observer) valueCovers(observed *big.Int, d *deal.Deal) bool {
	expected, ok := new(big.Int).SetString(d.DealStorage.Value, 10)
	if !ok || observed == nil {
		o.logger.Error("unparseable deal value", "dealId", d.ID, "value", d.DealStorage.Value)
		return false
	}
	return observed.Cmp(expected) >= 0
}

// markPaid records funding exactly once and feeds the next pipeline
// stage. A conflict means another worker already recorded it.
func (o *Observer) markPaid(ctx context.Context, d *deal.Deal) {
	updated, err := o.store.UpdateIfStatus(ctx, d.ID, deal.StatusPending, deal.Patch{
		Status:       deal.Ptr(deal.StatusPaid),
		StorageState: deal.Ptr(deal.StatePaid),
	})
	if err == deal.ErrStatusConflict {
		return // Already observed by a concurrent sweep.
	}
	if err != nil {
		o.logger.Warn("failed to mark deal paid", "dealId", d.ID, "error", err)
		return
	}

	metrics.DealsTotal.WithLabelValues(string(deal.StatusPaid)).Inc()
	o.logger.Info("escrow funded",
		"dealId", updated.ID,
		"contract", updated.Contract.ContractAddress,
		"value", updated.DealStorage.Value,
	)
	events.Emit(o.publisher, events.DealPaid, events.DealEvent{
		DealID:  updated.ID,
		Status:  string(updated.Status),
		GroupID: updated.GroupID,
	})

	// Grouped deals wait for their siblings; the coordinator decides
	// when booking may start.
	if updated.GroupID != "" {
		o.groupQueue.Enqueue(updated.GroupID)
		return
	}
	o.dealQueue.Enqueue(updated.ID)
}

// expire terminates a deal whose escrow was never funded. Nothing was
// charged, so there is no refund path.
func (o *Observer) expire(ctx context.Context, d *deal.Deal) {
	updated, err := o.store.UpdateIfStatus(ctx, d.ID, deal.StatusPending, deal.Patch{
		Status:  deal.Ptr(deal.StatusPaymentError),
		Message: deal.Ptr(ExpiryMessage),
	})
	if err == deal.ErrStatusConflict {
		return
	}
	if err != nil {
		o.logger.Warn("failed to expire deal", "dealId", d.ID, "error", err)
		return
	}

	metrics.DealsTotal.WithLabelValues(string(deal.StatusPaymentError)).Inc()
	o.logger.Info("deal expired unfunded", "dealId", updated.ID)
	events.Emit(o.publisher, events.DealFailed, events.DealEvent{
		DealID:  updated.ID,
		Status:  string(updated.Status),
		GroupID: updated.GroupID,
		Message: ExpiryMessage,
	})

	if updated.GroupID != "" {
		o.groupQueue.Enqueue(updated.GroupID)
	}
}
