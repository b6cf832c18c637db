package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/bidsphere/bidsphere/internal/apperrors"
	"github.com/bidsphere/bidsphere/internal/store"
)

// PaymentRepo implements store.PaymentRepository with sqlx.
type PaymentRepo struct {
	db *sqlx.DB
}

// NewPaymentRepo returns a new PaymentRepo.
func NewPaymentRepo(db *sqlx.DB) *PaymentRepo {
	return &PaymentRepo{db: db}
}

// Create inserts a new pending attempt. The partial unique index
// payment_attempts_one_pending makes a duplicate pending attempt a unique
// violation, surfaced as ErrConflict so overlapping monitor ticks fail fast.
func (r *PaymentRepo) Create(ctx context.Context, p *store.PaymentAttempt) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	p.Status = store.PaymentPending

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO payment_attempts
		   (id, auction_id, bidder_id, status, attempt_number, attempt_time, window_expiry_time)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		p.ID, p.AuctionID, p.BidderID, p.Status, p.AttemptNumber,
		p.AttemptTime.UTC(), p.WindowExpiryTime.UTC(),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("pending attempt already exists for auction %s: %w", p.AuctionID, apperrors.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("creating payment attempt: %w", err)
	}
	return nil
}

func (r *PaymentRepo) GetByID(ctx context.Context, id string) (*store.PaymentAttempt, error) {
	var p store.PaymentAttempt
	err := r.db.GetContext(ctx, &p, `SELECT * FROM payment_attempts WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("payment attempt %s: %w", id, apperrors.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting payment attempt: %w", err)
	}
	return &p, nil
}

func (r *PaymentRepo) GetPending(ctx context.Context, auctionID string) (*store.PaymentAttempt, error) {
	var p store.PaymentAttempt
	err := r.db.GetContext(ctx, &p,
		`SELECT * FROM payment_attempts WHERE auction_id = $1 AND status = $2`,
		auctionID, store.PaymentPending,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("no pending attempt for auction %s: %w", auctionID, apperrors.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting pending attempt: %w", err)
	}
	return &p, nil
}

func (r *PaymentRepo) ListExpiredPending(ctx context.Context, now time.Time) ([]store.PaymentAttempt, error) {
	var attempts []store.PaymentAttempt
	err := r.db.SelectContext(ctx, &attempts,
		`SELECT * FROM payment_attempts WHERE status = $1 AND window_expiry_time <= $2
		 ORDER BY window_expiry_time ASC`,
		store.PaymentPending, now.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("listing expired pending attempts: %w", err)
	}
	return attempts, nil
}

func (r *PaymentRepo) Complete(ctx context.Context, paymentID string, status store.PaymentStatus, confirmed decimal.NullDecimal, completedAt time.Time) error {
	if status == store.PaymentPending {
		return fmt.Errorf("cannot complete attempt back to pending: %w", apperrors.ErrInvalidState)
	}

	result, err := r.db.ExecContext(ctx,
		`UPDATE payment_attempts SET status = $1, confirmed_amount = $2, completed_at = $3
		 WHERE id = $4 AND status = $5`,
		status, confirmed, completedAt.UTC(), paymentID, store.PaymentPending,
	)
	if err != nil {
		return fmt.Errorf("completing payment attempt: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("payment attempt %s is not pending: %w", paymentID, apperrors.ErrConflict)
	}
	return nil
}

func (r *PaymentRepo) ListByAuction(ctx context.Context, auctionID string) ([]store.PaymentAttempt, error) {
	var attempts []store.PaymentAttempt
	err := r.db.SelectContext(ctx, &attempts,
		`SELECT * FROM payment_attempts WHERE auction_id = $1 ORDER BY attempt_number ASC`,
		auctionID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing payment attempts: %w", err)
	}
	return attempts, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
