// Package payment tracks payment attempts for finished auctions and runs
// the cascade that offers the purchase right to lower-ranked bidders when a
// higher-ranked bidder fails to pay.
package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/bidsphere/bidsphere/internal/apperrors"
	"github.com/bidsphere/bidsphere/internal/clock"
	"github.com/bidsphere/bidsphere/internal/config"
	"github.com/bidsphere/bidsphere/internal/ledger"
	"github.com/bidsphere/bidsphere/internal/notify"
	"github.com/bidsphere/bidsphere/internal/store"
)

// ErrAmountMismatch is returned when a confirmation amount does not match
// the expected amount. The message deliberately does not reveal the expected
// value.
var ErrAmountMismatch = fmt.Errorf("payment confirmation rejected: %w", apperrors.ErrValidation)

// AuctionFinalizer applies the terminal auction transitions driven by
// payment outcomes. The auction engine implements it.
type AuctionFinalizer interface {
	Complete(ctx context.Context, auctionID string) error
	Fail(ctx context.Context, auctionID string) error
}

// Deps carries everything the payment components need.
type Deps struct {
	Payments  store.PaymentRepository
	Bids      store.BidRepository
	Auctions  store.AuctionRepository
	Users     store.UserRepository
	Products  store.ProductRepository
	Finalizer AuctionFinalizer
	Notifier  notify.Notifier
	Config    config.AuctionConfig
	Logger    *slog.Logger
	TP        trace.TracerProvider
	Clock     clock.Clock
}

// New creates the Tracker and Coordinator as a wired pair. A failed or
// overdue attempt in the Tracker feeds the Coordinator's cascade, and the
// cascade issues its next attempt back through the Tracker.
func New(d Deps) (*Tracker, *Coordinator) {
	tracer := d.TP.Tracer("github.com/bidsphere/bidsphere/internal/payment")
	t := &Tracker{deps: d, tracer: tracer}
	c := &Coordinator{deps: d, tracer: tracer, tracker: t}
	t.cascade = c
	return t, c
}

// Tracker owns payment attempt records: issuing them, confirming them, and
// expiring the ones whose window lapsed.
type Tracker struct {
	deps    Deps
	tracer  trace.Tracer
	cascade *Coordinator
}

// Issue opens a payment attempt for a bidder. Attempts exist only for
// auctions awaiting payment. The store rejects the attempt with Conflict if
// a pending one already exists for the auction, which is what makes
// overlapping monitor scans safe.
func (t *Tracker) Issue(ctx context.Context, auctionID, bidderID string, attemptNumber int) (*store.PaymentAttempt, error) {
	ctx, span := t.tracer.Start(ctx, "Tracker.Issue",
		trace.WithAttributes(
			attribute.String("auction_id", auctionID),
			attribute.String("bidder_id", bidderID),
			attribute.Int("attempt_number", attemptNumber),
		),
	)
	defer span.End()

	a, err := t.deps.Auctions.GetByID(ctx, auctionID)
	if err != nil {
		return nil, err
	}
	if a.Status != store.AuctionPendingPayment {
		return nil, fmt.Errorf("auction %s is %s: %w", auctionID, a.Status, apperrors.ErrInvalidState)
	}

	now := t.deps.Clock.Now().UTC()
	attempt := &store.PaymentAttempt{
		AuctionID:        auctionID,
		BidderID:         bidderID,
		AttemptNumber:    attemptNumber,
		AttemptTime:      now,
		WindowExpiryTime: now.Add(t.deps.Config.PaymentWindow()),
	}
	if err := t.deps.Payments.Create(ctx, attempt); err != nil {
		return nil, fmt.Errorf("creating payment attempt: %w", err)
	}

	t.deps.Logger.InfoContext(ctx, "payment attempt issued",
		slog.String("auction_id", auctionID),
		slog.String("bidder_id", bidderID),
		slog.Int("attempt_number", attemptNumber),
		slog.Time("window_expiry", attempt.WindowExpiryTime),
	)
	t.notifyWindowOpened(ctx, attempt)
	return attempt, nil
}

// Confirm settles a pending attempt against the amount the bidder claims to
// have paid. The expected amount is the bid of the bidder currently holding
// the purchase right, not necessarily the auction-wide highest bid. A
// mismatch fails the attempt and triggers the cascade.
func (t *Tracker) Confirm(ctx context.Context, paymentID string, confirmedAmount decimal.Decimal) error {
	ctx, span := t.tracer.Start(ctx, "Tracker.Confirm",
		trace.WithAttributes(attribute.String("payment_id", paymentID)),
	)
	defer span.End()

	attempt, err := t.deps.Payments.GetByID(ctx, paymentID)
	if err != nil {
		return err
	}
	if attempt.Status != store.PaymentPending {
		return fmt.Errorf("payment attempt %s is %s: %w", paymentID, attempt.Status, apperrors.ErrInvalidState)
	}
	now := t.deps.Clock.Now().UTC()
	if now.After(attempt.WindowExpiryTime) {
		return fmt.Errorf("payment window closed at %s: %w", attempt.WindowExpiryTime, apperrors.ErrExpired)
	}

	expected, err := t.expectedAmount(ctx, attempt)
	if err != nil {
		return err
	}

	confirmed := decimal.NewNullDecimal(confirmedAmount)
	if !confirmedAmount.Equal(expected) {
		if err := t.deps.Payments.Complete(ctx, paymentID, store.PaymentFailed, confirmed, now); err != nil {
			return fmt.Errorf("failing payment attempt: %w", err)
		}
		t.deps.Logger.WarnContext(ctx, "payment confirmation mismatch",
			slog.String("auction_id", attempt.AuctionID),
			slog.Int("attempt_number", attempt.AttemptNumber),
		)
		if err := t.cascade.ProcessFailure(ctx, attempt.AuctionID, attempt.AttemptNumber); err != nil {
			return fmt.Errorf("cascading after mismatch: %w", err)
		}
		return ErrAmountMismatch
	}

	if err := t.deps.Payments.Complete(ctx, paymentID, store.PaymentSuccess, confirmed, now); err != nil {
		return fmt.Errorf("completing payment attempt: %w", err)
	}
	if err := t.deps.Finalizer.Complete(ctx, attempt.AuctionID); err != nil {
		return fmt.Errorf("completing auction: %w", err)
	}

	t.deps.Logger.InfoContext(ctx, "payment confirmed",
		slog.String("auction_id", attempt.AuctionID),
		slog.Int("attempt_number", attempt.AttemptNumber),
		slog.String("amount", confirmedAmount.String()),
	)
	t.notifyReceived(ctx, attempt, confirmedAmount)
	return nil
}

// ExpireOverdue fails every pending attempt whose window has lapsed and
// triggers the cascade for each. Silence from the winning bidder counts as
// a failed attempt. Errors on one attempt do not stop the others.
func (t *Tracker) ExpireOverdue(ctx context.Context) (int, error) {
	ctx, span := t.tracer.Start(ctx, "Tracker.ExpireOverdue")
	defer span.End()

	now := t.deps.Clock.Now().UTC()
	overdue, err := t.deps.Payments.ListExpiredPending(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("listing overdue attempts: %w", err)
	}

	processed := 0
	for _, attempt := range overdue {
		if err := t.expire(ctx, &attempt, now); err != nil {
			t.deps.Logger.ErrorContext(ctx, "failed to expire payment attempt",
				slog.String("payment_id", attempt.ID),
				slog.String("auction_id", attempt.AuctionID),
				slog.Any("error", err),
			)
			continue
		}
		processed++
	}
	return processed, nil
}

func (t *Tracker) expire(ctx context.Context, attempt *store.PaymentAttempt, now time.Time) error {
	err := t.deps.Payments.Complete(ctx, attempt.ID, store.PaymentFailed, decimal.NullDecimal{}, now)
	if errors.Is(err, apperrors.ErrConflict) {
		// Lost to a concurrent confirm or another scan.
		return nil
	}
	if err != nil {
		return fmt.Errorf("failing overdue attempt: %w", err)
	}

	t.deps.Logger.InfoContext(ctx, "payment window expired",
		slog.String("auction_id", attempt.AuctionID),
		slog.String("bidder_id", attempt.BidderID),
		slog.Int("attempt_number", attempt.AttemptNumber),
	)
	return t.cascade.ProcessFailure(ctx, attempt.AuctionID, attempt.AttemptNumber)
}

// expectedAmount resolves the bid amount owed by the attempt's bidder. The
// ranking is frozen at the bid set present when the auction expired, so the
// attempt number indexes straight into it.
func (t *Tracker) expectedAmount(ctx context.Context, attempt *store.PaymentAttempt) (decimal.Decimal, error) {
	bids, err := t.deps.Bids.ListByAuction(ctx, attempt.AuctionID)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("loading bids: %w", err)
	}
	target := ledger.At(bids, attempt.AttemptNumber-1)
	if target == nil {
		return decimal.Decimal{}, fmt.Errorf("no bid at rank %d for auction %s: %w", attempt.AttemptNumber-1, attempt.AuctionID, apperrors.ErrInvalidState)
	}
	return target.Amount, nil
}

func (t *Tracker) notifyWindowOpened(ctx context.Context, attempt *store.PaymentAttempt) {
	recipient, err := t.recipient(ctx, attempt.BidderID)
	if err != nil {
		t.deps.Logger.WarnContext(ctx, "skipping window-opened notification",
			slog.String("bidder_id", attempt.BidderID),
			slog.Any("error", err),
		)
		return
	}
	amount, err := t.expectedAmount(ctx, attempt)
	if err != nil {
		t.deps.Logger.WarnContext(ctx, "skipping window-opened notification",
			slog.String("auction_id", attempt.AuctionID),
			slog.Any("error", err),
		)
		return
	}
	if err := t.deps.Notifier.PaymentWindowOpened(ctx, recipient, attempt.AuctionID, amount, attempt.WindowExpiryTime); err != nil {
		t.deps.Logger.WarnContext(ctx, "window-opened notification failed",
			slog.String("auction_id", attempt.AuctionID),
			slog.Any("error", err),
		)
	}
}

func (t *Tracker) notifyReceived(ctx context.Context, attempt *store.PaymentAttempt, amount decimal.Decimal) {
	recipient, err := t.recipient(ctx, attempt.BidderID)
	if err != nil {
		t.deps.Logger.WarnContext(ctx, "skipping payment-received notification",
			slog.String("bidder_id", attempt.BidderID),
			slog.Any("error", err),
		)
		return
	}
	productName := ""
	if auction, err := t.deps.Auctions.GetByID(ctx, attempt.AuctionID); err == nil {
		if product, err := t.deps.Products.GetByID(ctx, auction.ProductID); err == nil {
			productName = product.Name
		}
	}
	if err := t.deps.Notifier.PaymentReceived(ctx, recipient, productName, amount); err != nil {
		t.deps.Logger.WarnContext(ctx, "payment-received notification failed",
			slog.String("auction_id", attempt.AuctionID),
			slog.Any("error", err),
		)
	}
}

func (t *Tracker) recipient(ctx context.Context, bidderID string) (string, error) {
	user, err := t.deps.Users.GetByID(ctx, bidderID)
	if err != nil {
		return "", fmt.Errorf("looking up bidder: %w", err)
	}
	return user.Email, nil
}
