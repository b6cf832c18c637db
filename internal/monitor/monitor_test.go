package monitor_test

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/bidsphere/bidsphere/internal/apperrors"
	"github.com/bidsphere/bidsphere/internal/auction"
	"github.com/bidsphere/bidsphere/internal/clock"
	"github.com/bidsphere/bidsphere/internal/config"
	"github.com/bidsphere/bidsphere/internal/monitor"
	"github.com/bidsphere/bidsphere/internal/notify"
	"github.com/bidsphere/bidsphere/internal/payment"
	"github.com/bidsphere/bidsphere/internal/store"
	"github.com/bidsphere/bidsphere/internal/store/memory"
)

func TestRunner_TicksUntilCancelled(t *testing.T) {
	var ticks atomic.Int64
	r := monitor.NewRunner("test", 5*time.Millisecond, func(context.Context) error {
		ticks.Add(1)
		return nil
	}, slog.Default(), noop.NewTracerProvider())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for ticks.Load() < 3 {
		select {
		case <-deadline:
			t.Fatalf("only %d ticks before deadline", ticks.Load())
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRunner_SurvivesTickErrors(t *testing.T) {
	var ticks atomic.Int64
	r := monitor.NewRunner("test", 5*time.Millisecond, func(context.Context) error {
		ticks.Add(1)
		return errors.New("boom")
	}, slog.Default(), noop.NewTracerProvider())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	deadline := time.After(2 * time.Second)
	for ticks.Load() < 2 {
		select {
		case <-deadline:
			t.Fatal("runner stopped after failing tick")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

// harness wires the full monitor stack over the in-memory store.
type harness struct {
	repos   *store.Repositories
	clk     *clock.Mock
	engine  *auction.Engine
	tracker *payment.Tracker
	coord   *payment.Coordinator
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clk := &clock.Mock{T: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	repos := memory.Open(clk)
	cfg := config.Default().Auction
	tp := noop.NewTracerProvider()
	logger := slog.Default()

	engine := auction.New(repos.Auctions, repos.Bids, repos.Products, cfg, logger, tp, clk)
	tracker, coord := payment.New(payment.Deps{
		Payments:  repos.Payments,
		Bids:      repos.Bids,
		Auctions:  repos.Auctions,
		Users:     repos.Users,
		Products:  repos.Products,
		Finalizer: engine,
		Notifier:  notify.NewLogNotifier(logger),
		Config:    cfg,
		Logger:    logger,
		TP:        tp,
		Clock:     clk,
	})
	return &harness{repos: repos, clk: clk, engine: engine, tracker: tracker, coord: coord}
}

func (h *harness) seedExpiredAuction(t *testing.T, bidAmount int64) string {
	t.Helper()
	ctx := context.Background()

	owner := &store.User{Email: "owner@example.com"}
	if err := h.repos.Users.Create(ctx, owner); err != nil {
		t.Fatalf("create owner: %v", err)
	}
	bidder := &store.User{Email: "bidder@example.com"}
	if err := h.repos.Users.Create(ctx, bidder); err != nil {
		t.Fatalf("create bidder: %v", err)
	}
	product := &store.Product{Name: "gramophone", OwnerID: owner.ID, StartingPrice: decimal.NewFromInt(50)}
	if err := h.repos.Products.Create(ctx, product); err != nil {
		t.Fatalf("create product: %v", err)
	}
	a, err := h.engine.OpenAuction(ctx, product.ID, time.Hour)
	if err != nil {
		t.Fatalf("OpenAuction: %v", err)
	}
	if _, err := h.engine.PlaceBid(ctx, a.ID, bidder.ID, decimal.NewFromInt(bidAmount)); err != nil {
		t.Fatalf("PlaceBid: %v", err)
	}
	h.clk.Advance(2 * time.Hour)
	return a.ID
}

func TestAuctionExpiryMonitor(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := newHarness(t)
	auctionID := h.seedExpiredAuction(t, 150)

	r := monitor.NewAuctionExpiry(h.repos.Auctions, h.engine, h.coord, h.clk, 5*time.Millisecond, slog.Default(), noop.NewTracerProvider())
	go r.Run(ctx)

	deadline := time.After(2 * time.Second)
	for {
		a, err := h.repos.Auctions.GetByID(ctx, auctionID)
		if err != nil {
			t.Fatalf("GetByID: %v", err)
		}
		if a.Status == store.AuctionPendingPayment {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("auction still %s at deadline", a.Status)
		case <-time.After(5 * time.Millisecond):
		}
	}

	attempt, err := h.repos.Payments.GetPending(ctx, auctionID)
	if err != nil {
		t.Fatalf("GetPending: %v", err)
	}
	if attempt.AttemptNumber != 1 {
		t.Errorf("attempt_number = %d, want 1", attempt.AttemptNumber)
	}
}

func TestPaymentWindowMonitor(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := newHarness(t)
	auctionID := h.seedExpiredAuction(t, 150)

	winner, err := h.engine.FinalizeExpired(ctx, auctionID)
	if err != nil || winner == nil {
		t.Fatalf("FinalizeExpired() = (%v, %v)", winner, err)
	}
	if err := h.coord.IssueFirst(ctx, auctionID, winner); err != nil {
		t.Fatalf("IssueFirst: %v", err)
	}
	h.clk.Advance(2 * time.Minute)

	r := monitor.NewPaymentWindow(h.tracker, h.repos.Auctions, h.coord, 5*time.Millisecond, slog.Default(), noop.NewTracerProvider())
	go r.Run(ctx)

	// Single bidder, so the lapsed window exhausts the pool and fails the
	// auction.
	deadline := time.After(2 * time.Second)
	for {
		a, err := h.repos.Auctions.GetByID(ctx, auctionID)
		if err != nil {
			t.Fatalf("GetByID: %v", err)
		}
		if a.Status == store.AuctionFailed {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("auction still %s at deadline", a.Status)
		case <-time.After(5 * time.Millisecond):
		}
	}

	if _, err := h.repos.Payments.GetPending(ctx, auctionID); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("GetPending err = %v, want ErrNotFound", err)
	}
}

func TestPaymentWindowMonitor_ResumesStalledCascade(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := newHarness(t)
	auctionID := h.seedExpiredAuction(t, 150)

	// Finalize without issuing the first attempt, leaving the auction in
	// pending-payment with an empty attempt history.
	if winner, err := h.engine.FinalizeExpired(ctx, auctionID); err != nil || winner == nil {
		t.Fatalf("FinalizeExpired() = (%v, %v)", winner, err)
	}

	r := monitor.NewPaymentWindow(h.tracker, h.repos.Auctions, h.coord, 5*time.Millisecond, slog.Default(), noop.NewTracerProvider())
	go r.Run(ctx)

	deadline := time.After(2 * time.Second)
	for {
		attempt, err := h.repos.Payments.GetPending(ctx, auctionID)
		if err == nil {
			if attempt.AttemptNumber != 1 {
				t.Errorf("attempt_number = %d, want 1", attempt.AttemptNumber)
			}
			break
		}
		if !errors.Is(err, apperrors.ErrNotFound) {
			t.Fatalf("GetPending: %v", err)
		}
		select {
		case <-deadline:
			t.Fatal("cascade not resumed before deadline")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

type countingStats struct {
	calls atomic.Int64
}

func (c *countingStats) CountByStatus(context.Context) (map[store.AuctionStatus]int, error) {
	c.calls.Add(1)
	return map[store.AuctionStatus]int{store.AuctionActive: 2}, nil
}

func TestStatusReportMonitor(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	src := &countingStats{}
	r := monitor.NewStatusReport(src, 5*time.Millisecond, slog.Default(), noop.NewTracerProvider())
	go r.Run(ctx)

	deadline := time.After(2 * time.Second)
	for src.calls.Load() < 2 {
		select {
		case <-deadline:
			t.Fatalf("only %d reports before deadline", src.calls.Load())
		case <-time.After(5 * time.Millisecond):
		}
	}
}
