package notify

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
)

// WebhookNotifier posts notification events to an HTTP endpoint. Calls run
// through a circuit breaker so a dead endpoint stops burning request
// timeouts on every attempt.
type WebhookNotifier struct {
	client  *resty.Client
	breaker *gobreaker.CircuitBreaker
	url     string
}

type webhookEvent struct {
	Event        string    `json:"event"`
	Recipient    string    `json:"recipient"`
	AuctionID    string    `json:"auction_id,omitempty"`
	ProductName  string    `json:"product_name,omitempty"`
	Amount       string    `json:"amount"`
	WindowExpiry time.Time `json:"window_expiry,omitempty"`
}

// NewWebhookNotifier creates a WebhookNotifier posting to url.
func NewWebhookNotifier(url string, timeout time.Duration) *WebhookNotifier {
	return &WebhookNotifier{
		client: resty.New().
			SetTimeout(timeout).
			SetRetryCount(0),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "notify-webhook",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
		}),
		url: url,
	}
}

func (n *WebhookNotifier) PaymentWindowOpened(ctx context.Context, recipient, auctionID string, amount decimal.Decimal, windowExpiry time.Time) error {
	return n.post(ctx, webhookEvent{
		Event:        "payment_window_opened",
		Recipient:    recipient,
		AuctionID:    auctionID,
		Amount:       amount.String(),
		WindowExpiry: windowExpiry,
	})
}

func (n *WebhookNotifier) PaymentReceived(ctx context.Context, recipient, productName string, amount decimal.Decimal) error {
	return n.post(ctx, webhookEvent{
		Event:       "payment_received",
		Recipient:   recipient,
		ProductName: productName,
		Amount:      amount.String(),
	})
}

func (n *WebhookNotifier) post(ctx context.Context, ev webhookEvent) error {
	_, err := n.breaker.Execute(func() (any, error) {
		resp, err := n.client.R().
			SetContext(ctx).
			SetHeader("Content-Type", "application/json").
			SetBody(ev).
			Post(n.url)
		if err != nil {
			return nil, fmt.Errorf("posting webhook: %w", err)
		}
		if resp.StatusCode() != http.StatusOK && resp.StatusCode() != http.StatusAccepted {
			return nil, fmt.Errorf("webhook returned status %d", resp.StatusCode())
		}
		return nil, nil
	})
	return err
}
