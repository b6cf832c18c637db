package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
)

// LogNotifier writes notifications to the structured log. It is the default
// when no webhook URL is configured.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a LogNotifier.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) PaymentWindowOpened(ctx context.Context, recipient, auctionID string, amount decimal.Decimal, windowExpiry time.Time) error {
	n.logger.InfoContext(ctx, "payment window opened",
		slog.String("recipient", recipient),
		slog.String("auction_id", auctionID),
		slog.String("amount", amount.String()),
		slog.Time("window_expiry", windowExpiry),
	)
	return nil
}

func (n *LogNotifier) PaymentReceived(ctx context.Context, recipient, productName string, amount decimal.Decimal) error {
	n.logger.InfoContext(ctx, "payment received",
		slog.String("recipient", recipient),
		slog.String("product", productName),
		slog.String("amount", amount.String()),
	)
	return nil
}
