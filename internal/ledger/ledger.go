// Package ledger holds the ordering rules for the append-only bid ledger.
// Ranking is computed here, in one place, so the postgres and memory store
// drivers can never disagree on the comparator.
package ledger

import (
	"sort"

	"github.com/bidsphere/bidsphere/internal/store"
)

// Rank returns bids ordered by amount descending, ties broken by earliest
// timestamp. Position 0 is the current winner, position 1 the first payment
// fallback, and so on. The input slice is not modified.
func Rank(bids []store.Bid) []store.Bid {
	ranked := make([]store.Bid, len(bids))
	copy(ranked, bids)

	sort.SliceStable(ranked, func(i, j int) bool {
		switch ranked[i].Amount.Cmp(ranked[j].Amount) {
		case 1:
			return true
		case -1:
			return false
		}
		// Equal amounts: the earlier bid outranks the later one.
		return ranked[i].Timestamp.Before(ranked[j].Timestamp)
	})
	return ranked
}

// Highest returns the winning bid, or nil when there are no bids.
func Highest(bids []store.Bid) *store.Bid {
	if len(bids) == 0 {
		return nil
	}
	ranked := Rank(bids)
	return &ranked[0]
}

// At returns the bid at the given rank (0-based), or nil when the rank does
// not exist. The cascade uses this to pick the next payment candidate.
func At(bids []store.Bid, rank int) *store.Bid {
	if rank < 0 {
		return nil
	}
	ranked := Rank(bids)
	if rank >= len(ranked) {
		return nil
	}
	return &ranked[rank]
}
