// Package notify delivers best-effort notifications to bidders. Delivery
// failures are logged by callers and never roll back a state transition.
package notify

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Notifier is invoked by the payment tracker on attempt issuance and on
// successful confirmation.
type Notifier interface {
	// PaymentWindowOpened tells a bidder they have won the purchase right
	// and must confirm payment before the window closes.
	PaymentWindowOpened(ctx context.Context, recipient, auctionID string, amount decimal.Decimal, windowExpiry time.Time) error
	// PaymentReceived confirms a completed purchase to the paying bidder.
	PaymentReceived(ctx context.Context, recipient, productName string, amount decimal.Decimal) error
}
