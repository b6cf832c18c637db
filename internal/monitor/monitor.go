// Package monitor runs the periodic scanners that drive auctions past their
// expiry and payment attempts past their window. Monitors are the only
// leader-scoped workload; every transition they trigger is guarded by the
// store, so an overlapping or repeated scan is harmless.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/bidsphere/bidsphere/internal/apperrors"
	"github.com/bidsphere/bidsphere/internal/clock"
	"github.com/bidsphere/bidsphere/internal/store"
)

// Runner executes a tick function on a fixed interval until the context is
// cancelled. A failing tick is logged and the loop keeps going.
type Runner struct {
	name     string
	interval time.Duration
	tick     func(ctx context.Context) error
	logger   *slog.Logger
	tracer   trace.Tracer
}

// NewRunner creates a Runner.
func NewRunner(name string, interval time.Duration, tick func(ctx context.Context) error, logger *slog.Logger, tp trace.TracerProvider) *Runner {
	return &Runner{
		name:     name,
		interval: interval,
		tick:     tick,
		logger:   logger,
		tracer:   tp.Tracer("github.com/bidsphere/bidsphere/internal/monitor"),
	}
}

// Run blocks until ctx is cancelled. Ticks never overlap within one Runner;
// a tick that outlasts the interval simply delays the next one.
func (r *Runner) Run(ctx context.Context) {
	r.logger.InfoContext(ctx, "monitor started",
		slog.String("monitor", r.name),
		slog.Duration("interval", r.interval),
	)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.InfoContext(ctx, "monitor stopped", slog.String("monitor", r.name))
			return
		case <-ticker.C:
			tickCtx, span := r.tracer.Start(ctx, "Runner.tick",
				trace.WithAttributes(attribute.String("monitor", r.name)),
			)
			if err := r.tick(tickCtx); err != nil {
				r.logger.ErrorContext(tickCtx, "monitor tick failed",
					slog.String("monitor", r.name),
					slog.Any("error", err),
				)
			}
			span.End()
		}
	}
}

// ExpiredLister finds Active auctions whose expiry time has passed.
type ExpiredLister interface {
	ListExpired(ctx context.Context, now time.Time) ([]store.Auction, error)
}

// Finalizer settles an expired auction, returning the winning bid if the
// auction moved to pending payment.
type Finalizer interface {
	FinalizeExpired(ctx context.Context, auctionID string) (*store.Bid, error)
}

// FirstIssuer opens the first payment attempt for a settled auction.
type FirstIssuer interface {
	IssueFirst(ctx context.Context, auctionID string, winner *store.Bid) error
}

// NewAuctionExpiry builds the monitor that settles expired auctions. Each
// auction is processed independently; one failure does not block the rest of
// the scan.
func NewAuctionExpiry(auctions ExpiredLister, finalizer Finalizer, issuer FirstIssuer, clk clock.Clock, interval time.Duration, logger *slog.Logger, tp trace.TracerProvider) *Runner {
	tick := func(ctx context.Context) error {
		expired, err := auctions.ListExpired(ctx, clk.Now().UTC())
		if err != nil {
			return fmt.Errorf("listing expired auctions: %w", err)
		}
		for _, a := range expired {
			winner, err := finalizer.FinalizeExpired(ctx, a.ID)
			if err != nil {
				logger.ErrorContext(ctx, "finalizing expired auction failed",
					slog.String("auction_id", a.ID),
					slog.Any("error", err),
				)
				continue
			}
			if winner == nil {
				continue
			}
			if err := issuer.IssueFirst(ctx, a.ID, winner); err != nil {
				if errors.Is(err, apperrors.ErrConflict) {
					// Another scan already issued it.
					continue
				}
				logger.ErrorContext(ctx, "issuing first payment attempt failed",
					slog.String("auction_id", a.ID),
					slog.Any("error", err),
				)
			}
		}
		return nil
	}
	return NewRunner("auction-expiry", interval, tick, logger, tp)
}

// StatusCounter reports auction counts grouped by status.
type StatusCounter interface {
	CountByStatus(ctx context.Context) (map[store.AuctionStatus]int, error)
}

// NewStatusReport builds the monitor that periodically logs how many auctions
// sit in each status.
func NewStatusReport(src StatusCounter, interval time.Duration, logger *slog.Logger, tp trace.TracerProvider) *Runner {
	tick := func(ctx context.Context) error {
		counts, err := src.CountByStatus(ctx)
		if err != nil {
			return fmt.Errorf("counting auctions by status: %w", err)
		}
		attrs := make([]any, 0, len(counts))
		for status, n := range counts {
			attrs = append(attrs, slog.Int(string(status), n))
		}
		logger.InfoContext(ctx, "auction status report", attrs...)
		return nil
	}
	return NewRunner("status-report", interval, tick, logger, tp)
}

// OverdueExpirer fails pending payment attempts whose window has lapsed.
type OverdueExpirer interface {
	ExpireOverdue(ctx context.Context) (int, error)
}

// StalledLister finds pending-payment auctions with no open attempt.
type StalledLister interface {
	ListStalledPendingPayment(ctx context.Context) ([]store.Auction, error)
}

// CascadeResumer re-drives the payment cascade for a stalled auction.
type CascadeResumer interface {
	Resume(ctx context.Context, auctionID string) error
}

// NewPaymentWindow builds the monitor that expires overdue payment windows.
// After the expiry pass it reconciles stalled auctions: a crash or error
// between finalizing an attempt and issuing the next one leaves the auction
// in pending payment with nothing open, and this scan is what retries it.
func NewPaymentWindow(tracker OverdueExpirer, auctions StalledLister, resumer CascadeResumer, interval time.Duration, logger *slog.Logger, tp trace.TracerProvider) *Runner {
	tick := func(ctx context.Context) error {
		n, err := tracker.ExpireOverdue(ctx)
		if err != nil {
			return err
		}
		if n > 0 {
			logger.InfoContext(ctx, "expired overdue payment windows", slog.Int("count", n))
		}

		stalled, err := auctions.ListStalledPendingPayment(ctx)
		if err != nil {
			return fmt.Errorf("listing stalled auctions: %w", err)
		}
		for _, a := range stalled {
			if err := resumer.Resume(ctx, a.ID); err != nil {
				if errors.Is(err, apperrors.ErrConflict) {
					// Another scan got there first.
					continue
				}
				logger.ErrorContext(ctx, "resuming stalled payment cascade failed",
					slog.String("auction_id", a.ID),
					slog.Any("error", err),
				)
				continue
			}
			logger.InfoContext(ctx, "resumed stalled payment cascade",
				slog.String("auction_id", a.ID),
			)
		}
		return nil
	}
	return NewRunner("payment-window", interval, tick, logger, tp)
}
