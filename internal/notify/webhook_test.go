package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestWebhookNotifier_PaymentWindowOpened(t *testing.T) {
	var got webhookEvent
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decoding body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL, 5*time.Second)
	expiry := time.Date(2024, 5, 1, 12, 1, 0, 0, time.UTC)
	err := n.PaymentWindowOpened(context.Background(), "winner@example.com", "auction-1", decimal.NewFromInt(150), expiry)
	if err != nil {
		t.Fatalf("PaymentWindowOpened() error = %v", err)
	}

	if got.Event != "payment_window_opened" {
		t.Errorf("event = %s, want payment_window_opened", got.Event)
	}
	if got.Recipient != "winner@example.com" || got.AuctionID != "auction-1" {
		t.Errorf("recipient/auction = %s/%s", got.Recipient, got.AuctionID)
	}
	if got.Amount != "150" {
		t.Errorf("amount = %s, want 150", got.Amount)
	}
	if !got.WindowExpiry.Equal(expiry) {
		t.Errorf("window expiry = %v, want %v", got.WindowExpiry, expiry)
	}
}

func TestWebhookNotifier_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL, 5*time.Second)
	err := n.PaymentReceived(context.Background(), "winner@example.com", "typewriter", decimal.NewFromInt(150))
	if err == nil {
		t.Fatal("PaymentReceived() error = nil, want error")
	}
}

func TestWebhookNotifier_BreakerOpens(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL, 5*time.Second)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := n.PaymentReceived(ctx, "winner@example.com", "typewriter", decimal.NewFromInt(1)); err == nil {
			t.Fatalf("call %d: error = nil, want error", i)
		}
	}

	// The breaker is open now; the next call fails without reaching the server.
	srvHit := false
	srv.Config.Handler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		srvHit = true
		w.WriteHeader(http.StatusOK)
	})
	if err := n.PaymentReceived(ctx, "winner@example.com", "typewriter", decimal.NewFromInt(1)); err == nil {
		t.Fatal("error = nil, want open-breaker error")
	}
	if srvHit {
		t.Error("request reached server while breaker open")
	}
}
