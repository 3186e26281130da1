package payment

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"saf-broker/internal/domain"
)

type Gateway interface {
	CreateCheckoutSession(ctx context.Context, req SessionRequest) (*Session, error)
	SessionStatus(ctx context.Context, sessionID string) (*SessionStatus, error)
	// Refund returns the gateway's refund id. Repeating a call with the same
	// intent and amount replays the first refund instead of issuing another.
	Refund(ctx context.Context, paymentIntentID string, amount decimal.Decimal) (string, error)
}

// RefundKey is the idempotency key for refunding amount of an intent. A payment
// leaves SUCCEEDED after its first refund, so one key per intent and amount
// never collapses two refunds the broker meant to issue.
func RefundKey(paymentIntentID string, amount decimal.Decimal) string {
	return fmt.Sprintf("refund-%s-%d", paymentIntentID, toCents(amount))
}

type SessionRequest struct {
	OrderID     int64
	PaymentID   int64
	BuyerEmail  string
	Amount      decimal.Decimal
	Currency    string
	Description string
	SuccessURL  string
	CancelURL   string
}

type Session struct {
	ID  string
	URL string
}

type Outcome string

const (
	OutcomePending   Outcome = "pending"
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomeExpired   Outcome = "expired"
)

type SessionStatus struct {
	Outcome         Outcome
	PaymentIntentID string
	FailureReason   string
}

// ParseOutcome maps the outcome reported in an inbound payment event.
func ParseOutcome(raw string) (Outcome, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "succeeded", "success", "paid", "complete", "completed":
		return OutcomeSucceeded, nil
	case "failed", "failure", "declined", "canceled", "cancelled":
		return OutcomeFailed, nil
	case "expired":
		return OutcomeExpired, nil
	case "pending", "open", "processing", "unpaid":
		return OutcomePending, nil
	}
	return "", fmt.Errorf("unknown payment outcome %q", raw)
}

// classifySession turns a checkout session's status pair into an Outcome.
func classifySession(status, paymentStatus string) Outcome {
	switch {
	case status == "complete" && (paymentStatus == "paid" || paymentStatus == "no_payment_required"):
		return OutcomeSucceeded
	case status == "expired":
		return OutcomeExpired
	}
	// open sessions and completed checkouts whose async payment has not cleared
	return OutcomePending
}

// GatewayError carries the failing operation and matches domain.ErrGateway.
type GatewayError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *GatewayError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("gateway %s: status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("gateway %s: %v", e.Op, e.Err)
}

func (e *GatewayError) Unwrap() []error {
	return []error{domain.ErrGateway, e.Err}
}

func toCents(amount decimal.Decimal) int64 {
	return amount.Mul(decimal.NewFromInt(100)).Round(0).IntPart()
}
