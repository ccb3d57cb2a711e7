package booking

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/staychain/bookingd/internal/alerts"
	"github.com/staychain/bookingd/internal/deal"
	"github.com/staychain/bookingd/internal/events"
	"github.com/staychain/bookingd/internal/provider"
)

type mockProvider struct {
	mu      sync.Mutex
	calls   int
	orderID string
	errs    []error // consumed per call; nil entry means success
}

func (m *mockProvider) FinalizeBooking(ctx context.Context, offer deal.Offer, passengers []deal.Passenger) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var err error
	if m.calls < len(m.errs) {
		err = m.errs[m.calls]
	}
	m.calls++
	if err != nil {
		return "", err
	}
	if m.orderID == "" {
		return "ORD-1", nil
	}
	return m.orderID, nil
}

func (m *mockProvider) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

type mockRefunder struct {
	mu    sync.Mutex
	calls int
	errs  []error
}

func (m *mockRefunder) Refund(ctx context.Context, contractAddr, recipient string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var err error
	if m.calls < len(m.errs) {
		err = m.errs[m.calls]
	}
	m.calls++
	if err != nil {
		return "", err
	}
	return "0xrefundtx", nil
}

func (m *mockRefunder) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

type fakeQueue struct {
	mu  sync.Mutex
	ids []string
}

func (f *fakeQueue) Enqueue(id string) {
	f.mu.Lock()
	f.ids = append(f.ids, id)
	f.mu.Unlock()
}

func (f *fakeQueue) all() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ids...)
}

type mockNotifier struct {
	mu     sync.Mutex
	alerts []alerts.Alert
}

func (m *mockNotifier) Notify(ctx context.Context, a alerts.Alert) {
	m.mu.Lock()
	m.alerts = append(m.alerts, a)
	m.mu.Unlock()
}

func (m *mockNotifier) kinds() []alerts.Kind {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []alerts.Kind
	for _, a := range m.alerts {
		out = append(out, a.Kind)
	}
	return out
}

type capturePublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (c *capturePublisher) Publish(e events.Event) {
	c.mu.Lock()
	c.events = append(c.events, e)
	c.mu.Unlock()
}

func paidDeal(id string) *deal.Deal {
	now := time.Now()
	return &deal.Deal{
		ID:      id,
		OfferID: "offer-1",
		Offer: deal.Offer{
			ID:      "offer-1",
			HotelID: "hotel-9",
		},
		DealStorage: deal.DealStorage{
			Value: "100",
			State: deal.StatePaid,
		},
		Contract: deal.NetworkInfo{
			ChainID:         100,
			ContractAddress: "0x00000000000000000000000000000000000000aa",
		},
		UserAddresses: []string{"0x00000000000000000000000000000000000000bb"},
		Passengers:    []deal.Passenger{{FirstName: "Ada", LastName: "Lovelace"}},
		Status:        deal.StatusPaid,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

type fixture struct {
	store    *deal.MemoryStore
	provider *mockProvider
	refunder *mockRefunder
	rewardQ  *fakeQueue
	groupQ   *fakeQueue
	notifier *mockNotifier
	executor *Executor
}

func newFixture(p *mockProvider, r *mockRefunder, cfg Config) *fixture {
	if cfg.RetryBaseDelay == 0 {
		cfg.RetryBaseDelay = time.Millisecond
	}
	f := &fixture{
		store:    deal.NewMemoryStore(),
		provider: p,
		refunder: r,
		rewardQ:  &fakeQueue{},
		groupQ:   &fakeQueue{},
		notifier: &mockNotifier{},
	}
	f.executor = New(f.store, p, r, f.rewardQ, f.groupQ, f.notifier,
		&capturePublisher{}, cfg, slog.New(slog.DiscardHandler))
	return f
}

func TestExecute_BooksPaidDeal(t *testing.T) {
	ctx := context.Background()
	f := newFixture(&mockProvider{}, &mockRefunder{}, Config{})
	_ = f.store.Create(ctx, paidDeal("deal_1"))

	if err := f.executor.Execute(ctx, "deal_1"); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	d, _ := f.store.Get(ctx, "deal_1")
	if d.Status != deal.StatusBooked {
		t.Fatalf("expected booked, got %s", d.Status)
	}
	if d.OrderID != "ORD-1" {
		t.Fatalf("expected order id recorded, got %q", d.OrderID)
	}
	if got := f.rewardQ.all(); len(got) != 1 || got[0] != "deal_1" {
		t.Fatalf("expected reward enqueued, got %v", got)
	}
	if f.refunder.count() != 0 {
		t.Fatal("no refund on a successful booking")
	}
}

func TestExecute_SkipsNonPaidDeal(t *testing.T) {
	ctx := context.Background()
	f := newFixture(&mockProvider{}, &mockRefunder{}, Config{})
	d := paidDeal("deal_1")
	d.Status = deal.StatusPending
	_ = f.store.Create(ctx, d)

	if err := f.executor.Execute(ctx, "deal_1"); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if f.provider.count() != 0 {
		t.Fatal("provider must not be called for non-paid deals")
	}
}

func TestExecute_UnknownDealIsDropped(t *testing.T) {
	f := newFixture(&mockProvider{}, &mockRefunder{}, Config{})
	if err := f.executor.Execute(context.Background(), "missing"); err != nil {
		t.Fatalf("expected nil for unknown deal, got %v", err)
	}
}

func TestExecute_TransientErrorRetried(t *testing.T) {
	ctx := context.Background()
	p := &mockProvider{errs: []error{errors.New("timeout"), nil}}
	f := newFixture(p, &mockRefunder{}, Config{BookingAttempts: 3})
	_ = f.store.Create(ctx, paidDeal("deal_1"))

	if err := f.executor.Execute(ctx, "deal_1"); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if p.count() != 2 {
		t.Fatalf("expected 2 provider calls, got %d", p.count())
	}
	d, _ := f.store.Get(ctx, "deal_1")
	if d.Status != deal.StatusBooked {
		t.Fatalf("expected booked, got %s", d.Status)
	}
}

func TestExecute_ExhaustedRetriesTriggerRefund(t *testing.T) {
	ctx := context.Background()
	p := &mockProvider{errs: []error{
		errors.New("timeout"), errors.New("timeout"), errors.New("timeout"), errors.New("timeout"),
	}}
	r := &mockRefunder{}
	f := newFixture(p, r, Config{BookingAttempts: 3})
	_ = f.store.Create(ctx, paidDeal("deal_1"))

	if err := f.executor.Execute(ctx, "deal_1"); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if p.count() != 3 {
		t.Fatalf("expected the attempt bound respected, got %d calls", p.count())
	}
	if r.count() != 1 {
		t.Fatalf("expected 1 refund call, got %d", r.count())
	}
	d, _ := f.store.Get(ctx, "deal_1")
	if d.Status != deal.StatusPaymentError {
		t.Fatalf("expected paymentError, got %s", d.Status)
	}
	if d.DealStorage.State != deal.StateRefunded {
		t.Fatalf("expected storage state REFUNDED, got %s", d.DealStorage.State)
	}
	if d.Message == "" {
		t.Fatal("expected failure reason recorded")
	}
}

func TestExecute_RejectionIsNotRetried(t *testing.T) {
	ctx := context.Background()
	p := &mockProvider{errs: []error{
		&provider.RejectionError{StatusCode: 422, Reason: "rate expired"},
	}}
	r := &mockRefunder{}
	f := newFixture(p, r, Config{BookingAttempts: 5})
	_ = f.store.Create(ctx, paidDeal("deal_1"))

	if err := f.executor.Execute(ctx, "deal_1"); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if p.count() != 1 {
		t.Fatalf("rejections must not be retried, got %d calls", p.count())
	}
	d, _ := f.store.Get(ctx, "deal_1")
	if d.Status != deal.StatusPaymentError {
		t.Fatalf("expected paymentError, got %s", d.Status)
	}
}

func TestExecute_Idempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(&mockProvider{}, &mockRefunder{}, Config{})
	_ = f.store.Create(ctx, paidDeal("deal_1"))

	_ = f.executor.Execute(ctx, "deal_1")
	_ = f.executor.Execute(ctx, "deal_1")

	if f.provider.count() != 1 {
		t.Fatalf("duplicate delivery must not re-book, got %d calls", f.provider.count())
	}
}

func TestExecute_GroupedDealNudgesGroupQueue(t *testing.T) {
	ctx := context.Background()
	f := newFixture(&mockProvider{}, &mockRefunder{}, Config{})
	d := paidDeal("deal_1")
	d.GroupID = "grp_1"
	_ = f.store.Create(ctx, d)

	_ = f.executor.Execute(ctx, "deal_1")

	if got := f.groupQ.all(); len(got) != 1 || got[0] != "grp_1" {
		t.Fatalf("expected group nudge, got %v", got)
	}
}

func TestRefundFailure_KeepsDealPaidAndAlerts(t *testing.T) {
	ctx := context.Background()
	p := &mockProvider{errs: []error{&provider.RejectionError{StatusCode: 422, Reason: "gone"}}}
	r := &mockRefunder{errs: []error{errors.New("rpc down"), errors.New("rpc down")}}
	f := newFixture(p, r, Config{BookingAttempts: 1, RefundAttempts: 2})
	_ = f.store.Create(ctx, paidDeal("deal_1"))

	err := f.executor.Execute(ctx, "deal_1")
	if err == nil {
		t.Fatal("expected error so the queue retries the refund")
	}

	d, _ := f.store.Get(ctx, "deal_1")
	if d.Status != deal.StatusPaid {
		t.Fatalf("unresolved refund must not change status, got %s", d.Status)
	}
	if d.Message == "" {
		t.Fatal("expected unresolved refund marked on the deal")
	}

	kinds := f.notifier.kinds()
	if len(kinds) == 0 || kinds[0] != alerts.KindRefundUnresolved {
		t.Fatalf("expected refund_unresolved alert, got %v", kinds)
	}
}

func TestExecute_RetryAfterRefundFailureSkipsRebooking(t *testing.T) {
	ctx := context.Background()
	p := &mockProvider{errs: []error{&provider.RejectionError{StatusCode: 422, Reason: "gone"}}}
	r := &mockRefunder{errs: []error{errors.New("rpc down")}}
	f := newFixture(p, r, Config{BookingAttempts: 1, RefundAttempts: 1})
	_ = f.store.Create(ctx, paidDeal("deal_1"))

	if err := f.executor.Execute(ctx, "deal_1"); err == nil {
		t.Fatal("expected refund failure")
	}
	providerCalls := f.provider.count()

	// Queue redelivery: refund succeeds this time, booking is not retried.
	if err := f.executor.Execute(ctx, "deal_1"); err != nil {
		t.Fatalf("second Execute failed: %v", err)
	}
	if f.provider.count() != providerCalls {
		t.Fatal("redelivery after a failed refund must not call the provider again")
	}
	d, _ := f.store.Get(ctx, "deal_1")
	if d.Status != deal.StatusPaymentError {
		t.Fatalf("expected paymentError after refund completes, got %s", d.Status)
	}
}

// flakyStore fails a set number of UpdateIfStatus calls. By default only
// writes that change Status fail, so message-only parking writes pass;
// all makes every write fail.
type flakyStore struct {
	deal.Store
	mu       sync.Mutex
	failures int
	all      bool
}

func (f *flakyStore) UpdateIfStatus(ctx context.Context, id string, expected deal.Status, patch deal.Patch) (*deal.Deal, error) {
	f.mu.Lock()
	fail := f.failures > 0 && (f.all || patch.Status != nil)
	if fail {
		f.failures--
	}
	f.mu.Unlock()
	if fail {
		return nil, errors.New("connection reset")
	}
	return f.Store.UpdateIfStatus(ctx, id, expected, patch)
}

func TestExecute_RefundConfirmedButUnrecordedIsNotRebooked(t *testing.T) {
	ctx := context.Background()
	p := &mockProvider{errs: []error{&provider.RejectionError{StatusCode: 422, Reason: "gone"}}}
	r := &mockRefunder{}
	f := newFixture(p, r, Config{BookingAttempts: 1})
	_ = f.store.Create(ctx, paidDeal("deal_1"))
	f.executor.store = &flakyStore{Store: f.store, failures: 3}

	// Booking rejected, refund confirmed, but the terminal write fails.
	if err := f.executor.Execute(ctx, "deal_1"); err == nil {
		t.Fatal("expected error so the queue retries the record")
	}
	if r.count() != 1 {
		t.Fatalf("expected 1 refund, got %d", r.count())
	}
	d, _ := f.store.Get(ctx, "deal_1")
	if d.Status != deal.StatusPaid {
		t.Fatalf("expected deal parked in paid, got %s", d.Status)
	}
	if !strings.HasPrefix(d.Message, "refund confirmed: ") {
		t.Fatalf("expected confirmed refund parked on message, got %q", d.Message)
	}

	// Redelivery with the store healed: no re-booking, no second refund.
	if err := f.executor.Execute(ctx, "deal_1"); err != nil {
		t.Fatalf("second Execute failed: %v", err)
	}
	if p.count() != 1 {
		t.Fatalf("deal must not be booked after its refund, got %d provider calls", p.count())
	}
	if r.count() != 1 {
		t.Fatalf("refund must not be resubmitted, got %d calls", r.count())
	}
	d, _ = f.store.Get(ctx, "deal_1")
	if d.Status != deal.StatusPaymentError {
		t.Fatalf("expected paymentError, got %s", d.Status)
	}
	if d.DealStorage.State != deal.StateRefunded {
		t.Fatalf("expected storage state REFUNDED, got %s", d.DealStorage.State)
	}
	if strings.HasPrefix(d.Message, "refund confirmed: ") {
		t.Fatalf("expected marker cleared, got %q", d.Message)
	}
}

func TestExecute_RefundRecordExhaustionEscalates(t *testing.T) {
	ctx := context.Background()
	p := &mockProvider{errs: []error{&provider.RejectionError{StatusCode: 422, Reason: "gone"}}}
	r := &mockRefunder{}
	f := newFixture(p, r, Config{BookingAttempts: 1})
	_ = f.store.Create(ctx, paidDeal("deal_1"))
	f.executor.store = &flakyStore{Store: f.store, failures: 4, all: true}

	// Even the parking write fails: escalate and drop rather than risk a
	// redelivery that re-books against the refunded escrow.
	if err := f.executor.Execute(ctx, "deal_1"); err != nil {
		t.Fatalf("expected nil so the queue drops the id, got %v", err)
	}
	kinds := f.notifier.kinds()
	if len(kinds) == 0 || kinds[0] != alerts.KindRefundUnresolved {
		t.Fatalf("expected refund_unresolved alert, got %v", kinds)
	}
	d, _ := f.store.Get(ctx, "deal_1")
	if d.Status != deal.StatusPaid {
		t.Fatalf("expected deal left paid for manual resolution, got %s", d.Status)
	}
}

func TestRefundAndFail_ResumesRecordWithoutSecondRefund(t *testing.T) {
	ctx := context.Background()
	r := &mockRefunder{}
	f := newFixture(&mockProvider{}, r, Config{})
	d := paidDeal("deal_1")
	d.Status = deal.StatusBooked
	d.OrderID = "ORD-1"
	_ = f.store.Create(ctx, d)
	f.executor.store = &flakyStore{Store: f.store, failures: 3}

	// Group rollback: refund confirmed, record write fails.
	if err := f.executor.RefundAndFail(ctx, "deal_1", deal.StatusBooked, "group booking rolled back"); err == nil {
		t.Fatal("expected error so the group queue retries")
	}
	if r.count() != 1 {
		t.Fatalf("expected 1 refund, got %d", r.count())
	}

	// The retry must finish the record, not refund the contract again.
	if err := f.executor.RefundAndFail(ctx, "deal_1", deal.StatusBooked, "group booking rolled back"); err != nil {
		t.Fatalf("second RefundAndFail failed: %v", err)
	}
	if r.count() != 1 {
		t.Fatalf("refund must not be resubmitted, got %d calls", r.count())
	}
	got, _ := f.store.Get(ctx, "deal_1")
	if got.Status != deal.StatusPaymentError {
		t.Fatalf("expected paymentError, got %s", got.Status)
	}
	if got.DealStorage.State != deal.StateRefunded {
		t.Fatalf("expected storage state REFUNDED, got %s", got.DealStorage.State)
	}
}

func TestRefundAndFail_NoOpWhenStatusMoved(t *testing.T) {
	ctx := context.Background()
	r := &mockRefunder{}
	f := newFixture(&mockProvider{}, r, Config{})
	d := paidDeal("deal_1")
	d.Status = deal.StatusBooked
	_ = f.store.Create(ctx, d)

	if err := f.executor.RefundAndFail(ctx, "deal_1", deal.StatusPaid, "whatever"); err != nil {
		t.Fatalf("RefundAndFail failed: %v", err)
	}
	if r.count() != 0 {
		t.Fatal("refund must not run when the deal already moved on")
	}
}

func TestRefundAndFail_BookedDealForRollback(t *testing.T) {
	ctx := context.Background()
	r := &mockRefunder{}
	f := newFixture(&mockProvider{}, r, Config{})
	d := paidDeal("deal_1")
	d.Status = deal.StatusBooked
	d.OrderID = "ORD-1"
	_ = f.store.Create(ctx, d)

	if err := f.executor.RefundAndFail(ctx, "deal_1", deal.StatusBooked, "group booking rolled back"); err != nil {
		t.Fatalf("RefundAndFail failed: %v", err)
	}
	got, _ := f.store.Get(ctx, "deal_1")
	if got.Status != deal.StatusPaymentError {
		t.Fatalf("expected paymentError, got %s", got.Status)
	}
	if r.count() != 1 {
		t.Fatalf("expected refund, got %d calls", r.count())
	}
}
