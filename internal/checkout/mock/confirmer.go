// Package mock provides a deterministic payment confirmer for development
// and tests. Outcomes are selected by well-known test card numbers.
package mock

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/oakmist/storefront/internal/checkout"
	"github.com/oakmist/storefront/internal/domain"
)

// Test card numbers and their scripted outcomes.
const (
	CardSuccess    = "4242424242424242"
	CardDeclined   = "4000000000000002"
	CardProcessing = "4000000000003184"
)

// Confirmer simulates a payment processor.
type Confirmer struct {
	delay time.Duration
	log   *slog.Logger
}

// NewConfirmer creates a mock confirmer with the given simulated latency.
func NewConfirmer(delay time.Duration, log *slog.Logger) *Confirmer {
	return &Confirmer{delay: delay, log: log}
}

// Confirm resolves the scripted outcome for the card number. Unknown cards
// succeed, matching a processor sandbox's default.
func (c *Confirmer) Confirm(ctx context.Context, req checkout.ConfirmRequest) (checkout.ConfirmResult, error) {
	if c.delay > 0 {
		select {
		case <-time.After(c.delay):
		case <-ctx.Done():
			return checkout.ConfirmResult{}, ctx.Err()
		}
	}

	number := strings.ReplaceAll(req.Method.CardNumber, " ", "")

	var result checkout.ConfirmResult
	switch number {
	case CardDeclined:
		result = checkout.ConfirmResult{
			Status:  domain.PaymentStatusFailed,
			Message: "Your card was declined.",
		}
	case CardProcessing:
		result = checkout.ConfirmResult{
			Status: domain.PaymentStatusProcessing,
		}
	default:
		result = checkout.ConfirmResult{
			Status: domain.PaymentStatusSucceeded,
		}
	}

	c.log.DebugContext(ctx, "mock payment confirmed",
		slog.String("payment_intent_id", req.PaymentIntentID),
		slog.String("status", result.Status),
	)
	return result, nil
}
