package store

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// AuctionStatus is the closed set of auction lifecycle states.
type AuctionStatus string

const (
	AuctionActive         AuctionStatus = "active"
	AuctionPendingPayment AuctionStatus = "pending_payment"
	AuctionCompleted      AuctionStatus = "completed"
	AuctionFailed         AuctionStatus = "failed"
)

// Terminal reports whether no further transitions are legal from s.
func (s AuctionStatus) Terminal() bool {
	return s == AuctionCompleted || s == AuctionFailed
}

// CanTransitionTo reports whether s -> to is a legal transition. Transitions
// are monotonic along the state machine; there are no reverse edges.
func (s AuctionStatus) CanTransitionTo(to AuctionStatus) bool {
	switch s {
	case AuctionActive:
		return to == AuctionPendingPayment || to == AuctionFailed
	case AuctionPendingPayment:
		return to == AuctionCompleted || to == AuctionFailed
	default:
		return false
	}
}

// PaymentStatus is the closed set of payment attempt states.
type PaymentStatus string

const (
	PaymentPending PaymentStatus = "pending"
	PaymentSuccess PaymentStatus = "success"
	PaymentFailed  PaymentStatus = "failed"
)

// User is a registered account, looked up when notifying.
type User struct {
	ID        string    `db:"id"`
	Email     string    `db:"email"`
	CreatedAt time.Time `db:"created_at"`
}

// Product is an item listed for auction.
type Product struct {
	ID            string          `db:"id"`
	Name          string          `db:"name"`
	OwnerID       string          `db:"owner_id"`
	StartingPrice decimal.Decimal `db:"starting_price"`
	CreatedAt     time.Time       `db:"created_at"`
}

// Auction is the lifecycle record for one product's auction.
type Auction struct {
	ID             string        `db:"id"`
	ProductID      string        `db:"product_id"`
	Status         AuctionStatus `db:"status"`
	ExpiryTime     time.Time     `db:"expiry_time"`
	HighestBidID   *string       `db:"highest_bid_id"`
	ExtensionCount int           `db:"extension_count"`
	CreatedAt      time.Time     `db:"created_at"`
	CompletedAt    *time.Time    `db:"completed_at"`
}

// Bid is an immutable, append-only bid record.
type Bid struct {
	ID        string          `db:"id"`
	AuctionID string          `db:"auction_id"`
	BidderID  string          `db:"bidder_id"`
	Amount    decimal.Decimal `db:"amount"`
	Timestamp time.Time       `db:"timestamp"`
}

// PaymentAttempt is one chance for one bidder to pay for one auction.
type PaymentAttempt struct {
	ID              string              `db:"id"`
	AuctionID       string              `db:"auction_id"`
	BidderID        string              `db:"bidder_id"`
	Status          PaymentStatus       `db:"status"`
	AttemptNumber   int                 `db:"attempt_number"`
	AttemptTime     time.Time           `db:"attempt_time"`
	WindowExpiryTime time.Time          `db:"window_expiry_time"`
	ConfirmedAmount decimal.NullDecimal `db:"confirmed_amount"`
	CompletedAt     *time.Time          `db:"completed_at"`
}

// UserRepository defines user persistence operations.
type UserRepository interface {
	Create(ctx context.Context, u *User) error
	GetByID(ctx context.Context, id string) (*User, error)
}

// ProductRepository defines product persistence operations.
type ProductRepository interface {
	Create(ctx context.Context, p *Product) error
	GetByID(ctx context.Context, id string) (*Product, error)
}

// AuctionRepository defines auction persistence operations. RecordBid and
// Transition are status-guarded single-row updates: they return
// apperrors.ErrConflict wrapped in a driver error when the guard does not
// match, which is how racing monitors and bid requests are resolved.
type AuctionRepository interface {
	Create(ctx context.Context, a *Auction) error
	GetByID(ctx context.Context, id string) (*Auction, error)
	GetByProductID(ctx context.Context, productID string) (*Auction, error)
	// ListExpired returns active auctions whose expiry time has passed.
	ListExpired(ctx context.Context, now time.Time) ([]Auction, error)
	// ListStalledPendingPayment returns pending-payment auctions that have no
	// pending payment attempt, so an interrupted cascade can be re-driven.
	ListStalledPendingPayment(ctx context.Context) ([]Auction, error)
	// RecordBid atomically appends the bid and points the auction's highest
	// bid at it, updating expiry time and extension count in the same unit.
	// It is guarded by status = active and by the highest bid the caller
	// observed when validating; a lost guard returns ErrConflict and leaves
	// the ledger untouched, so the caller can re-read and re-validate.
	RecordBid(ctx context.Context, b *Bid, expiry time.Time, extensions int, observedHighestBidID *string) error
	// Transition moves the auction from one status to another, guarded by the
	// from status. completedAt, when non-nil, stamps the completion time.
	Transition(ctx context.Context, auctionID string, from, to AuctionStatus, completedAt *time.Time) error
	// CountByStatus returns auction counts keyed by status.
	CountByStatus(ctx context.Context) (map[AuctionStatus]int, error)
}

// BidRepository is the append-only bid ledger. Bids are never updated or
// deleted; ordering is computed in the ledger package so every driver shares
// one comparator.
type BidRepository interface {
	Append(ctx context.Context, b *Bid) error
	ListByAuction(ctx context.Context, auctionID string) ([]Bid, error)
}

// PaymentRepository defines payment attempt persistence. Create must fail
// with apperrors.ErrConflict when a pending attempt already exists for the
// auction; Complete is guarded by status = pending.
type PaymentRepository interface {
	Create(ctx context.Context, p *PaymentAttempt) error
	GetByID(ctx context.Context, id string) (*PaymentAttempt, error)
	GetPending(ctx context.Context, auctionID string) (*PaymentAttempt, error)
	// ListExpiredPending returns pending attempts whose window has closed.
	ListExpiredPending(ctx context.Context, now time.Time) ([]PaymentAttempt, error)
	// Complete marks a pending attempt Success or Failed and stamps the
	// confirmed amount (when present) and completion time.
	Complete(ctx context.Context, paymentID string, status PaymentStatus, confirmed decimal.NullDecimal, completedAt time.Time) error
	ListByAuction(ctx context.Context, auctionID string) ([]PaymentAttempt, error)
}
