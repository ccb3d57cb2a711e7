// Package provider is the HTTP client for the travel provider's booking
// capability. The engine only finalizes reservations here; search and
// pricing are proxied elsewhere.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/staychain/bookingd/internal/circuitbreaker"
	"github.com/staychain/bookingd/internal/deal"
	"github.com/staychain/bookingd/internal/metrics"
)

const breakerKey = "provider"

var (
	// ErrUnavailable is returned when the provider circuit is open.
	// It is retryable: the caller's backoff gives the provider time to recover.
	ErrUnavailable = errors.New("provider: temporarily unavailable")

	// ErrEmptyOrderID is returned when the provider reports success
	// without an order reference. Treated as retryable: the response is
	// malformed, not a rejection.
	ErrEmptyOrderID = errors.New("provider: success response missing orderId")
)

// RejectionError is a non-retryable business rejection from the
// provider (rate expired, inventory gone, validation failure).
type RejectionError struct {
	StatusCode int
	Reason     string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("provider rejected booking (%d): %s", e.StatusCode, e.Reason)
}

// Retryable classifies err per the provider contract: network errors,
// timeouts, 5xx, and 429 are retryable; a RejectionError is not.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var rej *RejectionError
	return !errors.As(err, &rej)
}

// Config for the provider client.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Client calls the provider booking API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	breaker    *circuitbreaker.Breaker
}

// Option configures the client.
type Option func(*Client)

// WithHTTPClient sets a custom http.Client (useful for testing).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithBreaker sets a shared circuit breaker.
func WithBreaker(b *circuitbreaker.Breaker) Option {
	return func(c *Client) {
		c.breaker = b
	}
}

// New creates a provider client.
func New(cfg Config, opts ...Option) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	c := &Client{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.breaker == nil {
		c.breaker = circuitbreaker.New(5, 30*time.Second)
	}
	return c
}

// bookingRequest is the provider's order-create payload.
type bookingRequest struct {
	OfferID    string           `json:"offerId"`
	Passengers []deal.Passenger `json:"passengers"`
}

type bookingResponse struct {
	OrderID string `json:"orderId"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

// FinalizeBooking finalizes the reservation for the given offer and
// returns the provider's order reference. The call has side effects on
// the provider: callers must not retry blindly, use Retryable to
// classify the error first.
func (c *Client) FinalizeBooking(ctx context.Context, offer deal.Offer, passengers []deal.Passenger) (string, error) {
	if !c.breaker.Allow(breakerKey) {
		return "", ErrUnavailable
	}

	timer := prometheus.NewTimer(metrics.ProviderCallDuration)
	orderID, err := c.createOrder(ctx, offer, passengers)
	timer.ObserveDuration()

	if err != nil && Retryable(err) {
		c.breaker.RecordFailure(breakerKey)
	} else {
		// Business rejections mean the provider is up and answering.
		c.breaker.RecordSuccess(breakerKey)
	}
	return orderID, err
}

func (c *Client) createOrder(ctx context.Context, offer deal.Offer, passengers []deal.Passenger) (string, error) {
	payload, err := json.Marshal(bookingRequest{
		OfferID:    offer.ID,
		Passengers: passengers,
	})
	if err != nil {
		return "", fmt.Errorf("provider: marshal booking request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/orders/createWithOffer", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("provider: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("provider: booking call failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("provider: read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
		var br bookingResponse
		if err := json.Unmarshal(body, &br); err != nil {
			return "", fmt.Errorf("provider: decode response: %w", err)
		}
		if br.OrderID == "" {
			return "", ErrEmptyOrderID
		}
		return br.OrderID, nil

	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return "", fmt.Errorf("provider: transient failure (%d): %s", resp.StatusCode, snippet(body))

	default:
		// 4xx: the provider understood us and said no.
		var br bookingResponse
		_ = json.Unmarshal(body, &br)
		reason := br.Message
		if reason == "" {
			reason = snippet(body)
		}
		return "", &RejectionError{StatusCode: resp.StatusCode, Reason: reason}
	}
}

// Ping checks provider reachability. Used by the health registry.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/ping", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	_ = resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("provider: ping returned %d", resp.StatusCode)
	}
	return nil
}

func snippet(body []byte) string {
	const max = 200
	s := string(body)
	if len(s) > max {
		return s[:max]
	}
	return s
}
