package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type PaymentStatus string

const (
	PaymentPending           PaymentStatus = "PENDING"
	PaymentProcessing        PaymentStatus = "PROCESSING"
	PaymentSucceeded         PaymentStatus = "SUCCEEDED"
	PaymentFailed            PaymentStatus = "FAILED"
	PaymentCanceled          PaymentStatus = "CANCELED"
	PaymentRefunded          PaymentStatus = "REFUNDED"
	PaymentPartiallyRefunded PaymentStatus = "PARTIALLY_REFUNDED"
)

const DefaultCurrency = "USD"

var (
	gatewayFeeRate  = decimal.RequireFromString("0.029")
	gatewayFeeFixed = decimal.RequireFromString("0.30")
)

type Payment struct {
	ID              int64            `db:"id" json:"id"`
	OrderID         int64            `db:"order_id" json:"orderId"`
	SessionID       *string          `db:"gateway_session_id" json:"sessionId,omitempty"`
	PaymentIntentID *string          `db:"gateway_intent_id" json:"paymentIntentId,omitempty"`
	Amount          decimal.Decimal  `db:"amount" json:"amount"`
	Currency        string           `db:"currency" json:"currency"`
	GatewayFee      *decimal.Decimal `db:"gateway_fee" json:"gatewayFee,omitempty"`
	NetAmount       *decimal.Decimal `db:"net_amount" json:"netAmount,omitempty"`
	RefundID        *string          `db:"refund_id" json:"refundId,omitempty"`
	FailureReason   *string          `db:"failure_reason" json:"failureReason,omitempty"`
	Status          PaymentStatus    `db:"status" json:"status"`
	CreatedAt       time.Time        `db:"created_at" json:"createdAt"`
	UpdatedAt       time.Time        `db:"updated_at" json:"updatedAt"`
	CompletedAt     *time.Time       `db:"completed_at" json:"completedAt,omitempty"`
}

// GatewayFee is the processor's cut: 2.9% + $0.30, rounded half-up to cents.
func GatewayFee(amount decimal.Decimal) decimal.Decimal {
	return amount.Mul(gatewayFeeRate).Add(gatewayFeeFixed).Round(2)
}

// Settle moves the payment to SUCCEEDED and records the fee split.
func (p *Payment) Settle(paymentIntentID string, now time.Time) {
	fee := GatewayFee(p.Amount)
	net := p.Amount.Sub(fee)
	p.Status = PaymentSucceeded
	p.GatewayFee = &fee
	p.NetAmount = &net
	p.FailureReason = nil
	if paymentIntentID != "" {
		p.PaymentIntentID = &paymentIntentID
	}
	p.CompletedAt = &now
	p.UpdatedAt = now
}

func (p *Payment) Fail(reason string, now time.Time) {
	p.Status = PaymentFailed
	p.FailureReason = &reason
	p.UpdatedAt = now
}

// Settleable reports whether a gateway success may still move the payment to SUCCEEDED.
// A failed attempt can be overturned by a late success; refunds and cancellations are final.
func (p *Payment) Settleable() bool {
	switch p.Status {
	case PaymentPending, PaymentProcessing, PaymentFailed:
		return true
	}
	return false
}

func (p *Payment) RefundStatusFor(amount decimal.Decimal) PaymentStatus {
	if amount.Equal(p.Amount) {
		return PaymentRefunded
	}
	return PaymentPartiallyRefunded
}
