// Package memory provides an in-memory store driver registered as "memory".
// It implements the same guarded-update semantics as the postgres driver and
// backs the engine tests and local development runs.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/bidsphere/bidsphere/internal/apperrors"
	"github.com/bidsphere/bidsphere/internal/clock"
	"github.com/bidsphere/bidsphere/internal/config"
	"github.com/bidsphere/bidsphere/internal/store"
)

func init() {
	store.Register("memory", func(_ context.Context, _ config.DatabaseConfig, clk clock.Clock) (*store.Repositories, error) {
		return Open(clk), nil
	})
}

// Store holds all entities behind a single mutex. One lock per operation
// gives the same per-row atomicity the postgres driver gets from guarded
// updates.
type Store struct {
	mu       sync.Mutex
	clock    clock.Clock
	users    map[string]store.User
	products map[string]store.Product
	auctions map[string]store.Auction
	bids     map[string][]store.Bid // keyed by auction ID, append order
	payments map[string]store.PaymentAttempt
}

// Open returns Repositories backed by a fresh in-memory store.
func Open(clk clock.Clock) *store.Repositories {
	s := &Store{
		clock:    clk,
		users:    make(map[string]store.User),
		products: make(map[string]store.Product),
		auctions: make(map[string]store.Auction),
		bids:     make(map[string][]store.Bid),
		payments: make(map[string]store.PaymentAttempt),
	}
	return &store.Repositories{
		Users:    (*userRepo)(s),
		Products: (*productRepo)(s),
		Auctions: (*auctionRepo)(s),
		Bids:     (*bidRepo)(s),
		Payments: (*paymentRepo)(s),
		Closer:   nopCloser{},
		Ping:     func(context.Context) error { return nil },
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// --- users ---

type userRepo Store

func (r *userRepo) Create(_ context.Context, u *store.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	u.CreatedAt = r.clock.Now().UTC()
	r.users[u.ID] = *u
	return nil
}

func (r *userRepo) GetByID(_ context.Context, id string) (*store.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", id, apperrors.ErrNotFound)
	}
	return &u, nil
}

// --- products ---

type productRepo Store

func (r *productRepo) Create(_ context.Context, p *store.Product) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	p.CreatedAt = r.clock.Now().UTC()
	r.products[p.ID] = *p
	return nil
}

func (r *productRepo) GetByID(_ context.Context, id string) (*store.Product, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.products[id]
	if !ok {
		return nil, fmt.Errorf("product %s: %w", id, apperrors.ErrNotFound)
	}
	return &p, nil
}

// --- auctions ---

type auctionRepo Store

func (r *auctionRepo) Create(_ context.Context, a *store.Auction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	a.Status = store.AuctionActive
	a.CreatedAt = r.clock.Now().UTC()
	r.auctions[a.ID] = *a
	return nil
}

func (r *auctionRepo) GetByID(_ context.Context, id string) (*store.Auction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.auctions[id]
	if !ok {
		return nil, fmt.Errorf("auction %s: %w", id, apperrors.ErrNotFound)
	}
	return &a, nil
}

func (r *auctionRepo) GetByProductID(_ context.Context, productID string) (*store.Auction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.auctions {
		if a.ProductID == productID {
			a := a
			return &a, nil
		}
	}
	return nil, fmt.Errorf("auction for product %s: %w", productID, apperrors.ErrNotFound)
}

func (r *auctionRepo) ListExpired(_ context.Context, now time.Time) ([]store.Auction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var expired []store.Auction
	for _, a := range r.auctions {
		if a.Status == store.AuctionActive && !a.ExpiryTime.After(now) {
			expired = append(expired, a)
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].ExpiryTime.Before(expired[j].ExpiryTime) })
	return expired, nil
}

func (r *auctionRepo) ListStalledPendingPayment(_ context.Context) ([]store.Auction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var stalled []store.Auction
	for _, a := range r.auctions {
		if a.Status != store.AuctionPendingPayment {
			continue
		}
		pending := false
		for _, p := range r.payments {
			if p.AuctionID == a.ID && p.Status == store.PaymentPending {
				pending = true
				break
			}
		}
		if !pending {
			stalled = append(stalled, a)
		}
	}
	sort.Slice(stalled, func(i, j int) bool { return stalled[i].ExpiryTime.Before(stalled[j].ExpiryTime) })
	return stalled, nil
}

func (r *auctionRepo) RecordBid(_ context.Context, b *store.Bid, expiry time.Time, extensions int, observedHighestBidID *string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.auctions[b.AuctionID]
	if !ok || a.Status != store.AuctionActive {
		return fmt.Errorf("auction %s is no longer active: %w", b.AuctionID, apperrors.ErrConflict)
	}
	if !sameBidID(a.HighestBidID, observedHighestBidID) {
		return fmt.Errorf("auction %s changed since read: %w", b.AuctionID, apperrors.ErrConflict)
	}
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	r.bids[b.AuctionID] = append(r.bids[b.AuctionID], *b)
	id := b.ID
	a.HighestBidID = &id
	a.ExpiryTime = expiry.UTC()
	a.ExtensionCount = extensions
	r.auctions[b.AuctionID] = a
	return nil
}

func sameBidID(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func (r *auctionRepo) Transition(_ context.Context, auctionID string, from, to store.AuctionStatus, completedAt *time.Time) error {
	if !from.CanTransitionTo(to) {
		return fmt.Errorf("illegal auction transition %s -> %s: %w", from, to, apperrors.ErrInvalidState)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.auctions[auctionID]
	if !ok || a.Status != from {
		return fmt.Errorf("auction %s not in status %s: %w", auctionID, from, apperrors.ErrConflict)
	}
	a.Status = to
	if completedAt != nil {
		t := completedAt.UTC()
		a.CompletedAt = &t
	}
	r.auctions[auctionID] = a
	return nil
}

func (r *auctionRepo) CountByStatus(_ context.Context) (map[store.AuctionStatus]int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	counts := make(map[store.AuctionStatus]int)
	for _, a := range r.auctions {
		counts[a.Status]++
	}
	return counts, nil
}

// --- bids ---

type bidRepo Store

func (r *bidRepo) Append(_ context.Context, b *store.Bid) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	r.bids[b.AuctionID] = append(r.bids[b.AuctionID], *b)
	return nil
}

func (r *bidRepo) ListByAuction(_ context.Context, auctionID string) ([]store.Bid, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	bids := make([]store.Bid, len(r.bids[auctionID]))
	copy(bids, r.bids[auctionID])
	return bids, nil
}

// --- payment attempts ---

type paymentRepo Store

func (r *paymentRepo) Create(_ context.Context, p *store.PaymentAttempt) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.payments {
		if existing.AuctionID == p.AuctionID && existing.Status == store.PaymentPending {
			return fmt.Errorf("pending attempt already exists for auction %s: %w", p.AuctionID, apperrors.ErrConflict)
		}
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	p.Status = store.PaymentPending
	r.payments[p.ID] = *p
	return nil
}

func (r *paymentRepo) GetByID(_ context.Context, id string) (*store.PaymentAttempt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.payments[id]
	if !ok {
		return nil, fmt.Errorf("payment attempt %s: %w", id, apperrors.ErrNotFound)
	}
	return &p, nil
}

func (r *paymentRepo) GetPending(_ context.Context, auctionID string) (*store.PaymentAttempt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.payments {
		if p.AuctionID == auctionID && p.Status == store.PaymentPending {
			p := p
			return &p, nil
		}
	}
	return nil, fmt.Errorf("no pending attempt for auction %s: %w", auctionID, apperrors.ErrNotFound)
}

func (r *paymentRepo) ListExpiredPending(_ context.Context, now time.Time) ([]store.PaymentAttempt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var overdue []store.PaymentAttempt
	for _, p := range r.payments {
		if p.Status == store.PaymentPending && !p.WindowExpiryTime.After(now) {
			overdue = append(overdue, p)
		}
	}
	sort.Slice(overdue, func(i, j int) bool {
		return overdue[i].WindowExpiryTime.Before(overdue[j].WindowExpiryTime)
	})
	return overdue, nil
}

func (r *paymentRepo) Complete(_ context.Context, paymentID string, status store.PaymentStatus, confirmed decimal.NullDecimal, completedAt time.Time) error {
	if status == store.PaymentPending {
		return fmt.Errorf("cannot complete attempt back to pending: %w", apperrors.ErrInvalidState)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.payments[paymentID]
	if !ok || p.Status != store.PaymentPending {
		return fmt.Errorf("payment attempt %s is not pending: %w", paymentID, apperrors.ErrConflict)
	}
	p.Status = status
	p.ConfirmedAmount = confirmed
	t := completedAt.UTC()
	p.CompletedAt = &t
	r.payments[paymentID] = p
	return nil
}

func (r *paymentRepo) ListByAuction(_ context.Context, auctionID string) ([]store.PaymentAttempt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var attempts []store.PaymentAttempt
	for _, p := range r.payments {
		if p.AuctionID == auctionID {
			attempts = append(attempts, p)
		}
	}
	sort.Slice(attempts, func(i, j int) bool { return attempts[i].AttemptNumber < attempts[j].AttemptNumber })
	return attempts, nil
}
