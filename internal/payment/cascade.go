package payment

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/bidsphere/bidsphere/internal/ledger"
	"github.com/bidsphere/bidsphere/internal/store"
)

// Coordinator decides what happens after a payment attempt fails: retry
// with the next-ranked bidder or terminate the auction as failed. The
// cascade is strictly sequential with a single branch; there are never
// parallel offers.
type Coordinator struct {
	deps    Deps
	tracer  trace.Tracer
	tracker *Tracker
}

// IssueFirst opens attempt #1 for the auction winner. Called right after an
// auction moves to pending payment.
func (c *Coordinator) IssueFirst(ctx context.Context, auctionID string, winner *store.Bid) error {
	ctx, span := c.tracer.Start(ctx, "Coordinator.IssueFirst",
		trace.WithAttributes(attribute.String("auction_id", auctionID)),
	)
	defer span.End()

	_, err := c.tracker.Issue(ctx, auctionID, winner.BidderID, 1)
	return err
}

// ProcessFailure advances the cascade after attempt failedAttemptNumber
// failed. The next candidate sits at rank index failedAttemptNumber in the
// frozen bid ranking (attempt 1 came from rank 0). The auction fails when
// the attempt limit or the bidder pool runs out, whichever happens first.
func (c *Coordinator) ProcessFailure(ctx context.Context, auctionID string, failedAttemptNumber int) error {
	ctx, span := c.tracer.Start(ctx, "Coordinator.ProcessFailure",
		trace.WithAttributes(
			attribute.String("auction_id", auctionID),
			attribute.Int("failed_attempt", failedAttemptNumber),
		),
	)
	defer span.End()

	if failedAttemptNumber >= c.deps.Config.MaxPaymentAttempts {
		c.deps.Logger.InfoContext(ctx, "payment attempts exhausted",
			slog.String("auction_id", auctionID),
			slog.Int("attempts", failedAttemptNumber),
		)
		return c.deps.Finalizer.Fail(ctx, auctionID)
	}

	bids, err := c.deps.Bids.ListByAuction(ctx, auctionID)
	if err != nil {
		return fmt.Errorf("loading bids: %w", err)
	}
	next := ledger.At(bids, failedAttemptNumber)
	if next == nil {
		c.deps.Logger.InfoContext(ctx, "bidder pool exhausted",
			slog.String("auction_id", auctionID),
			slog.Int("failed_attempt", failedAttemptNumber),
		)
		return c.deps.Finalizer.Fail(ctx, auctionID)
	}

	_, err = c.tracker.Issue(ctx, auctionID, next.BidderID, failedAttemptNumber+1)
	return err
}

// Resume re-drives the cascade for a pending-payment auction that has no
// open attempt, picking up where a crash or error between the last terminal
// attempt and the next issuance left off. The attempt history decides the
// next step: no attempts yet means attempt #1 was never issued, a failed
// last attempt re-enters ProcessFailure, and a successful last attempt only
// needs the auction completion replayed.
func (c *Coordinator) Resume(ctx context.Context, auctionID string) error {
	ctx, span := c.tracer.Start(ctx, "Coordinator.Resume",
		trace.WithAttributes(attribute.String("auction_id", auctionID)),
	)
	defer span.End()

	attempts, err := c.deps.Payments.ListByAuction(ctx, auctionID)
	if err != nil {
		return fmt.Errorf("loading attempt history: %w", err)
	}

	if len(attempts) == 0 {
		bids, err := c.deps.Bids.ListByAuction(ctx, auctionID)
		if err != nil {
			return fmt.Errorf("loading bids: %w", err)
		}
		winner := ledger.Highest(bids)
		if winner == nil {
			return c.deps.Finalizer.Fail(ctx, auctionID)
		}
		c.deps.Logger.InfoContext(ctx, "resuming cascade with first attempt",
			slog.String("auction_id", auctionID),
		)
		_, err = c.tracker.Issue(ctx, auctionID, winner.BidderID, 1)
		return err
	}

	last := attempts[len(attempts)-1]
	switch last.Status {
	case store.PaymentPending:
		return nil
	case store.PaymentSuccess:
		return c.deps.Finalizer.Complete(ctx, auctionID)
	default:
		c.deps.Logger.InfoContext(ctx, "resuming cascade after failed attempt",
			slog.String("auction_id", auctionID),
			slog.Int("failed_attempt", last.AttemptNumber),
		)
		return c.ProcessFailure(ctx, auctionID, last.AttemptNumber)
	}
}
