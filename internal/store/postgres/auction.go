package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/bidsphere/bidsphere/internal/apperrors"
	"github.com/bidsphere/bidsphere/internal/clock"
	"github.com/bidsphere/bidsphere/internal/store"
)

// AuctionRepo implements store.AuctionRepository with sqlx.
type AuctionRepo struct {
	db    *sqlx.DB
	clock clock.Clock
}

// NewAuctionRepo returns a new AuctionRepo.
func NewAuctionRepo(db *sqlx.DB, clk clock.Clock) *AuctionRepo {
	return &AuctionRepo{db: db, clock: clk}
}

func (r *AuctionRepo) Create(ctx context.Context, a *store.Auction) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	a.Status = store.AuctionActive
	a.CreatedAt = r.clock.Now().UTC()

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO auctions (id, product_id, status, expiry_time, extension_count, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		a.ID, a.ProductID, a.Status, a.ExpiryTime, a.ExtensionCount, a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("creating auction: %w", err)
	}
	return nil
}

func (r *AuctionRepo) GetByID(ctx context.Context, id string) (*store.Auction, error) {
	var a store.Auction
	err := r.db.GetContext(ctx, &a, `SELECT * FROM auctions WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("auction %s: %w", id, apperrors.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting auction: %w", err)
	}
	return &a, nil
}

func (r *AuctionRepo) GetByProductID(ctx context.Context, productID string) (*store.Auction, error) {
	var a store.Auction
	err := r.db.GetContext(ctx, &a, `SELECT * FROM auctions WHERE product_id = $1`, productID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("auction for product %s: %w", productID, apperrors.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting auction by product: %w", err)
	}
	return &a, nil
}

func (r *AuctionRepo) ListExpired(ctx context.Context, now time.Time) ([]store.Auction, error) {
	var auctions []store.Auction
	err := r.db.SelectContext(ctx, &auctions,
		`SELECT * FROM auctions WHERE status = $1 AND expiry_time <= $2 ORDER BY expiry_time ASC`,
		store.AuctionActive, now.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("listing expired auctions: %w", err)
	}
	return auctions, nil
}

func (r *AuctionRepo) ListStalledPendingPayment(ctx context.Context) ([]store.Auction, error) {
	var auctions []store.Auction
	err := r.db.SelectContext(ctx, &auctions,
		`SELECT a.* FROM auctions a
		 WHERE a.status = $1
		   AND NOT EXISTS (
		       SELECT 1 FROM payment_attempts p
		        WHERE p.auction_id = a.id AND p.status = $2
		   )
		 ORDER BY a.expiry_time ASC`,
		store.AuctionPendingPayment, store.PaymentPending,
	)
	if err != nil {
		return nil, fmt.Errorf("listing stalled auctions: %w", err)
	}
	return auctions, nil
}

// RecordBid inserts the bid and updates the highest bid pointer, expiry and
// extension count in one transaction. The update is guarded by the active
// status and by the highest bid the caller observed, so a bid racing a
// finalization or another bid loses with ErrConflict and the insert rolls
// back with it.
func (r *AuctionRepo) RecordBid(ctx context.Context, b *store.Bid, expiry time.Time, extensions int, observedHighestBidID *string) error {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning bid transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO bids (id, auction_id, bidder_id, amount, timestamp)
		 VALUES ($1, $2, $3, $4, $5)`,
		b.ID, b.AuctionID, b.BidderID, b.Amount, b.Timestamp.UTC(),
	); err != nil {
		return fmt.Errorf("appending bid: %w", err)
	}

	result, err := tx.ExecContext(ctx,
		`UPDATE auctions SET highest_bid_id = $1, expiry_time = $2, extension_count = $3
		 WHERE id = $4 AND status = $5 AND highest_bid_id IS NOT DISTINCT FROM $6`,
		b.ID, expiry.UTC(), extensions, b.AuctionID, store.AuctionActive, observedHighestBidID,
	)
	if err != nil {
		return fmt.Errorf("recording bid: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("auction %s changed since read: %w", b.AuctionID, apperrors.ErrConflict)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing bid: %w", err)
	}
	return nil
}

func (r *AuctionRepo) Transition(ctx context.Context, auctionID string, from, to store.AuctionStatus, completedAt *time.Time) error {
	if !from.CanTransitionTo(to) {
		return fmt.Errorf("illegal auction transition %s -> %s: %w", from, to, apperrors.ErrInvalidState)
	}

	result, err := r.db.ExecContext(ctx,
		`UPDATE auctions SET status = $1, completed_at = COALESCE($2, completed_at)
		 WHERE id = $3 AND status = $4`,
		to, completedAt, auctionID, from,
	)
	if err != nil {
		return fmt.Errorf("transitioning auction: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("auction %s not in status %s: %w", auctionID, from, apperrors.ErrConflict)
	}
	return nil
}

func (r *AuctionRepo) CountByStatus(ctx context.Context) (map[store.AuctionStatus]int, error) {
	rows := []struct {
		Status store.AuctionStatus `db:"status"`
		Count  int                 `db:"count"`
	}{}
	err := r.db.SelectContext(ctx, &rows,
		`SELECT status, COUNT(*) AS count FROM auctions GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("counting auctions by status: %w", err)
	}

	counts := make(map[store.AuctionStatus]int, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.Count
	}
	return counts, nil
}
