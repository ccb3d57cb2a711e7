package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/staychain/bookingd/internal/circuitbreaker"
	"github.com/staychain/bookingd/internal/deal"
)

func testOffer() deal.Offer {
	return deal.Offer{ID: "offer-1", HotelID: "hotel-9"}
}

func testPassengers() []deal.Passenger {
	return []deal.Passenger{{FirstName: "Ada", LastName: "Lovelace"}}
}

func newTestClient(url string) *Client {
	return New(Config{BaseURL: url, APIKey: "test-key", Timeout: 2 * time.Second})
}

func TestFinalizeBooking_Success(t *testing.T) {
	var gotAuth string
	var gotBody bookingRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/orders/createWithOffer" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(bookingResponse{OrderID: "ORD-42", Status: "confirmed"})
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	orderID, err := c.FinalizeBooking(context.Background(), testOffer(), testPassengers())
	if err != nil {
		t.Fatalf("FinalizeBooking failed: %v", err)
	}
	if orderID != "ORD-42" {
		t.Fatalf("expected ORD-42, got %s", orderID)
	}
	if gotAuth != "Bearer test-key" {
		t.Errorf("expected bearer auth, got %q", gotAuth)
	}
	if gotBody.OfferID != "offer-1" || len(gotBody.Passengers) != 1 {
		t.Errorf("unexpected request body: %+v", gotBody)
	}
}

func TestFinalizeBooking_EmptyOrderIDIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(bookingResponse{Status: "confirmed"})
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	_, err := c.FinalizeBooking(context.Background(), testOffer(), testPassengers())
	if !errors.Is(err, ErrEmptyOrderID) {
		t.Fatalf("expected ErrEmptyOrderID, got %v", err)
	}
	if !Retryable(err) {
		t.Fatal("a malformed success response must be retryable")
	}
}

func TestFinalizeBooking_ServerErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream exploded", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	_, err := c.FinalizeBooking(context.Background(), testOffer(), testPassengers())
	if err == nil {
		t.Fatal("expected error")
	}
	if !Retryable(err) {
		t.Fatal("5xx must be retryable")
	}
}

func TestFinalizeBooking_RateLimitIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	_, err := c.FinalizeBooking(context.Background(), testOffer(), testPassengers())
	if err == nil || !Retryable(err) {
		t.Fatalf("429 must be a retryable error, got %v", err)
	}
}

func TestFinalizeBooking_RejectionIsNotRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_ = json.NewEncoder(w).Encode(bookingResponse{Message: "rate expired"})
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	_, err := c.FinalizeBooking(context.Background(), testOffer(), testPassengers())

	var rej *RejectionError
	if !errors.As(err, &rej) {
		t.Fatalf("expected RejectionError, got %v", err)
	}
	if rej.StatusCode != http.StatusUnprocessableEntity || rej.Reason != "rate expired" {
		t.Fatalf("unexpected rejection: %+v", rej)
	}
	if Retryable(err) {
		t.Fatal("rejections must not be retryable")
	}
}

func TestFinalizeBooking_OpenBreakerShortCircuits(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	b := circuitbreaker.New(1, time.Hour)
	c := New(Config{BaseURL: srv.URL, Timeout: 2 * time.Second}, WithBreaker(b))

	if _, err := c.FinalizeBooking(context.Background(), testOffer(), testPassengers()); err == nil {
		t.Fatal("expected first call to fail")
	}
	_, err := c.FinalizeBooking(context.Background(), testOffer(), testPassengers())
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable from open breaker, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("open breaker must not reach the provider, got %d calls", calls)
	}
}

func TestFinalizeBooking_RejectionDoesNotTripBreaker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(bookingResponse{Message: "bad passenger data"})
	}))
	defer srv.Close()

	b := circuitbreaker.New(1, time.Hour)
	c := New(Config{BaseURL: srv.URL, Timeout: 2 * time.Second}, WithBreaker(b))

	for i := 0; i < 3; i++ {
		var rej *RejectionError
		if _, err := c.FinalizeBooking(context.Background(), testOffer(), testPassengers()); !errors.As(err, &rej) {
			t.Fatalf("expected rejection on call %d, got %v", i, err)
		}
	}
	if !b.Allow(breakerKey) {
		t.Fatal("business rejections must not open the breaker")
	}
}

func TestPing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ping" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	if err := c.Ping(context.Background()); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}
}

func TestPing_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	if err := c.Ping(context.Background()); err == nil {
		t.Fatal("expected error on 500")
	}
}
