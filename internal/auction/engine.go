// Package auction implements the auction lifecycle state machine: bid
// acceptance with anti-sniping extensions, expiry finalization, and the
// terminal transitions driven by payment outcomes.
package auction

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
	"github.com/bidsphere/bidsphere/internal/store"
)

// Errors returned by bid placement. Each wraps a sentinel from apperrors so
// callers can classify without matching strings.
var (
	ErrBidTooLow = fmt.Errorf("bid must exceed the current highest bid: %w", apperrors.ErrValidation)
	ErrSelfBid   = fmt.Errorf("cannot bid on your own product: %w", apperrors.ErrValidation)
)

// Engine coordinates auction state transitions against the durable store.
// It holds no auction state in memory; every operation reloads from the
// repositories and relies on their guarded updates for atomicity.
type Engine struct {
	auctions store.AuctionRepository
	bids     store.BidRepository
	products store.ProductRepository

	cfg    config.AuctionConfig
	logger *slog.Logger
	tracer trace.Tracer
	clock  clock.Clock
}

// New creates an Engine.
func New(auctions store.AuctionRepository, bids store.BidRepository, products store.ProductRepository, cfg config.AuctionConfig, logger *slog.Logger, tp trace.TracerProvider, clk clock.Clock) *Engine {
	return &Engine{
		auctions: auctions,
		bids:     bids,
		products: products,
		cfg:      cfg,
		logger:   logger,
		tracer:   tp.Tracer("github.com/bidsphere/bidsphere/internal/auction"),
		clock:    clk,
	}
}

// OpenAuction creates an Active auction for a product, expiring after the
// given duration. A product can have at most one auction.
func (e *Engine) OpenAuction(ctx context.Context, productID string, duration time.Duration) (*store.Auction, error) {
	ctx, span := e.tracer.Start(ctx, "Engine.OpenAuction",
		trace.WithAttributes(attribute.String("product_id", productID)),
	)
	defer span.End()

	if duration <= 0 {
		return nil, fmt.Errorf("auction duration must be positive: %w", apperrors.ErrValidation)
	}
	if _, err := e.products.GetByID(ctx, productID); err != nil {
		return nil, fmt.Errorf("looking up product: %w", err)
	}
	if _, err := e.auctions.GetByProductID(ctx, productID); err == nil {
		return nil, fmt.Errorf("product %s already has an auction: %w", productID, apperrors.ErrConflict)
	} else if !errors.Is(err, apperrors.ErrNotFound) {
		return nil, fmt.Errorf("checking existing auction: %w", err)
	}

	a := &store.Auction{
		ProductID:  productID,
		ExpiryTime: e.clock.Now().UTC().Add(duration),
	}
	if err := e.auctions.Create(ctx, a); err != nil {
		return nil, fmt.Errorf("creating auction: %w", err)
	}

	e.logger.InfoContext(ctx, "auction opened",
		slog.String("auction_id", a.ID),
		slog.String("product_id", productID),
		slog.Time("expiry_time", a.ExpiryTime),
	)
	return a, nil
}

// PlaceBid validates and records a bid, then evaluates the anti-sniping
// rule: a bid landing inside the threshold window pushes the expiry back by
// the configured extension and increments the extension count. The extension
// is evaluated synchronously before the bid is acknowledged.
func (e *Engine) PlaceBid(ctx context.Context, auctionID, bidderID string, amount decimal.Decimal) (*store.Bid, error) {
	ctx, span := e.tracer.Start(ctx, "Engine.PlaceBid",
		trace.WithAttributes(
			attribute.String("auction_id", auctionID),
			attribute.String("bidder_id", bidderID),
			attribute.String("amount", amount.String()),
		),
	)
	defer span.End()

	if !amount.IsPositive() {
		return nil, fmt.Errorf("bid amount must be positive: %w", apperrors.ErrValidation)
	}

	// Validation and the guarded write form one optimistic cycle. RecordBid
	// is guarded by the highest bid observed here, so a concurrent bid or
	// finalization loses the guard and the whole cycle reruns against the
	// fresh state instead of accepting a stale floor.
	for {
		a, err := e.auctions.GetByID(ctx, auctionID)
		if err != nil {
			return nil, err
		}
		if a.Status != store.AuctionActive {
			return nil, fmt.Errorf("auction %s is %s: %w", auctionID, a.Status, apperrors.ErrInvalidState)
		}

		now := e.clock.Now().UTC()
		if !now.Before(a.ExpiryTime) {
			return nil, fmt.Errorf("auction %s expired at %s: %w", auctionID, a.ExpiryTime.Format(time.RFC3339), apperrors.ErrExpired)
		}

		product, err := e.products.GetByID(ctx, a.ProductID)
		if err != nil {
			return nil, fmt.Errorf("looking up product: %w", err)
		}
		if product.OwnerID == bidderID {
			return nil, ErrSelfBid
		}

		existing, err := e.bids.ListByAuction(ctx, auctionID)
		if err != nil {
			return nil, fmt.Errorf("loading bids: %w", err)
		}
		floor := product.StartingPrice
		if highest := ledger.Highest(existing); highest != nil {
			floor = highest.Amount
		}
		if amount.Cmp(floor) <= 0 {
			return nil, ErrBidTooLow
		}

		expiry := a.ExpiryTime
		extensions := a.ExtensionCount
		if expiry.Sub(now) < e.cfg.AntiSnipingThreshold() {
			expiry = expiry.Add(e.cfg.Extension())
			extensions++
		}

		bid := &store.Bid{
			AuctionID: auctionID,
			BidderID:  bidderID,
			Amount:    amount,
			Timestamp: now,
		}
		if err := e.auctions.RecordBid(ctx, bid, expiry, extensions, a.HighestBidID); err != nil {
			if errors.Is(err, apperrors.ErrConflict) {
				continue
			}
			return nil, fmt.Errorf("recording bid: %w", err)
		}

		e.logger.InfoContext(ctx, "bid placed",
			slog.String("auction_id", auctionID),
			slog.String("bidder_id", bidderID),
			slog.String("amount", amount.String()),
			slog.Int("extension_count", extensions),
		)
		return bid, nil
	}
}

// FinalizeExpired settles an Active auction whose expiry has passed. With no
// bids the auction fails outright; with bids it moves to PendingPayment and
// the winning bid is returned so the caller can open the first payment
// attempt. Calling it on an already-finalized or not-yet-expired auction is
// a no-op returning (nil, nil).
func (e *Engine) FinalizeExpired(ctx context.Context, auctionID string) (*store.Bid, error) {
	ctx, span := e.tracer.Start(ctx, "Engine.FinalizeExpired",
		trace.WithAttributes(attribute.String("auction_id", auctionID)),
	)
	defer span.End()

	a, err := e.auctions.GetByID(ctx, auctionID)
	if err != nil {
		return nil, err
	}
	if a.Status != store.AuctionActive {
		return nil, nil
	}
	now := e.clock.Now().UTC()
	if a.ExpiryTime.After(now) {
		return nil, nil
	}
	return e.finalize(ctx, a, now)
}

// ForceFinalize settles an Active auction immediately, ignoring its expiry
// time. Unlike FinalizeExpired it reports InvalidState when the auction is
// not Active.
func (e *Engine) ForceFinalize(ctx context.Context, auctionID string) (*store.Bid, error) {
	ctx, span := e.tracer.Start(ctx, "Engine.ForceFinalize",
		trace.WithAttributes(attribute.String("auction_id", auctionID)),
	)
	defer span.End()

	a, err := e.auctions.GetByID(ctx, auctionID)
	if err != nil {
		return nil, err
	}
	if a.Status != store.AuctionActive {
		return nil, fmt.Errorf("auction %s is %s: %w", auctionID, a.Status, apperrors.ErrInvalidState)
	}
	return e.finalize(ctx, a, e.clock.Now().UTC())
}

func (e *Engine) finalize(ctx context.Context, a *store.Auction, now time.Time) (*store.Bid, error) {
	bids, err := e.bids.ListByAuction(ctx, a.ID)
	if err != nil {
		return nil, fmt.Errorf("loading bids: %w", err)
	}

	winner := ledger.Highest(bids)
	if winner == nil {
		if err := e.auctions.Transition(ctx, a.ID, store.AuctionActive, store.AuctionFailed, &now); err != nil {
			return nil, fmt.Errorf("failing auction without bids: %w", err)
		}
		e.logger.InfoContext(ctx, "auction expired without bids",
			slog.String("auction_id", a.ID),
		)
		return nil, nil
	}

	if err := e.auctions.Transition(ctx, a.ID, store.AuctionActive, store.AuctionPendingPayment, &now); err != nil {
		return nil, fmt.Errorf("moving auction to pending payment: %w", err)
	}
	e.logger.InfoContext(ctx, "auction awaiting payment",
		slog.String("auction_id", a.ID),
		slog.String("winner_id", winner.BidderID),
		slog.String("amount", winner.Amount.String()),
	)
	return winner, nil
}

// Complete transitions a PendingPayment auction to Completed after a
// successful payment confirmation.
func (e *Engine) Complete(ctx context.Context, auctionID string) error {
	ctx, span := e.tracer.Start(ctx, "Engine.Complete",
		trace.WithAttributes(attribute.String("auction_id", auctionID)),
	)
	defer span.End()

	now := e.clock.Now().UTC()
	if err := e.auctions.Transition(ctx, auctionID, store.AuctionPendingPayment, store.AuctionCompleted, &now); err != nil {
		return err
	}
	e.logger.InfoContext(ctx, "auction completed", slog.String("auction_id", auctionID))
	return nil
}

// Fail transitions a PendingPayment auction to Failed after the payment
// cascade is exhausted.
func (e *Engine) Fail(ctx context.Context, auctionID string) error {
	ctx, span := e.tracer.Start(ctx, "Engine.Fail",
		trace.WithAttributes(attribute.String("auction_id", auctionID)),
	)
	defer span.End()

	now := e.clock.Now().UTC()
	if err := e.auctions.Transition(ctx, auctionID, store.AuctionPendingPayment, store.AuctionFailed, &now); err != nil {
		return err
	}
	e.logger.InfoContext(ctx, "auction failed", slog.String("auction_id", auctionID))
	return nil
}
