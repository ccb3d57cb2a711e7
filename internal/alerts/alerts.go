// Package alerts surfaces conditions that need a human: an escrow
// refund that could not be confirmed, or a reward that exhausted its
// retry window. The engine never guesses an outcome for these: it
// records the deal in a clearly-marked unresolved state and rings the
// bell here.
package alerts

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/staychain/bookingd/internal/idgen"
	"github.com/staychain/bookingd/internal/metrics"
)

// Kind classifies an alert.
type Kind string

const (
	KindRefundUnresolved     Kind = "refund_unresolved"
	KindRewardReconciliation Kind = "reward_reconciliation"
	KindRetriesExhausted     Kind = "retries_exhausted"
)

// Alert is the payload posted to the operations webhook.
type Alert struct {
	ID        string            `json:"id"`
	Kind      Kind              `json:"kind"`
	Message   string            `json:"message"`
	DealID    string            `json:"dealId,omitempty"`
	GroupID   string            `json:"groupId,omitempty"`
	Fields    map[string]string `json:"fields,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Notifier delivers fatal alerts. Implementations must be
// fire-and-forget: settlement never blocks on alerting.
type Notifier interface {
	Notify(ctx context.Context, alert Alert)
}

// WebhookNotifier posts HMAC-signed alerts to a configured URL.
type WebhookNotifier struct {
	url    string
	secret string
	client *http.Client
	logger *slog.Logger
}

// NewWebhookNotifier creates a notifier. An empty url disables delivery;
// alerts are still logged and counted.
func NewWebhookNotifier(url, secret string, logger *slog.Logger) *WebhookNotifier {
	return &WebhookNotifier{
		url:    url,
		secret: secret,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger,
	}
}

// Notify logs, counts, and (if configured) posts the alert.
func (n *WebhookNotifier) Notify(ctx context.Context, alert Alert) {
	if alert.ID == "" {
		alert.ID = idgen.WithPrefix("alrt_")
	}
	if alert.Timestamp.IsZero() {
		alert.Timestamp = time.Now()
	}

	metrics.AlertsTotal.WithLabelValues(string(alert.Kind)).Inc()
	n.logger.Error("ALERT: manual intervention required",
		"kind", alert.Kind,
		"dealId", alert.DealID,
		"groupId", alert.GroupID,
		"message", alert.Message,
	)

	if n.url == "" {
		return
	}
	go n.send(alert)
}

func (n *WebhookNotifier) send(alert Alert) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	payload, err := json.Marshal(alert)
	if err != nil {
		n.logger.Warn("alert marshal failed", "error", err)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(payload))
	if err != nil {
		n.logger.Warn("alert request build failed", "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Bookingd-Alert", string(alert.Kind))
	if n.secret != "" {
		req.Header.Set("X-Bookingd-Signature", sign(n.secret, payload))
	}

	resp, err := n.client.Do(req)
	if err != nil {
		n.logger.Warn("alert delivery failed", "kind", alert.Kind, "error", err)
		return
	}
	_ = resp.Body.Close()
	if resp.StatusCode >= 300 {
		n.logger.Warn("alert delivery rejected", "kind", alert.Kind, "status", resp.StatusCode)
	}
}

// sign computes the hex HMAC-SHA256 of payload.
func sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Compile-time assertion that WebhookNotifier implements Notifier.
var _ Notifier = (*WebhookNotifier)(nil)
