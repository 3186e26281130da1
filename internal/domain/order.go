package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type OrderStatus string

const (
	OrderPending    OrderStatus = "PENDING"
	OrderProcessing OrderStatus = "PROCESSING"
	OrderPaid       OrderStatus = "PAID"
	OrderCompleted  OrderStatus = "COMPLETED"
	OrderCancelled  OrderStatus = "CANCELLED"
	OrderError      OrderStatus = "ERROR"
)

// PlatformFeeRate is applied to the order price once, at creation time.
var PlatformFeeRate = decimal.RequireFromString("0.035")

type Flight struct {
	Number           string     `db:"flight_number" json:"flightNumber"`
	DepartureAirport string     `db:"departure_airport" json:"departureAirport"`
	ArrivalAirport   string     `db:"arrival_airport" json:"arrivalAirport"`
	Date             *time.Time `db:"flight_date" json:"flightDate,omitempty"`
}

type Order struct {
	ID          int64  `db:"id" json:"id"`
	BuyerEmail  string `db:"buyer_email" json:"buyerEmail"`
	Flight      `json:"flight"`
	EmissionsKg float64         `db:"emissions_kg" json:"emissionsKg"`
	SAFVolume   float64         `db:"saf_volume" json:"safVolume"`
	Price       decimal.Decimal `db:"price_usd" json:"priceUsd"`
	PlatformFee decimal.Decimal `db:"platform_fee_usd" json:"platformFeeUsd"`
	Status      OrderStatus     `db:"status" json:"status"`
	Notes       string          `db:"notes" json:"notes,omitempty"`
	CreatedAt   time.Time       `db:"created_at" json:"createdAt"`
	UpdatedAt   time.Time       `db:"updated_at" json:"updatedAt"`
	CompletedAt *time.Time      `db:"completed_at" json:"completedAt,omitempty"`
}

// Total is what the buyer is charged at checkout.
func (o *Order) Total() decimal.Decimal {
	return o.Price.Add(o.PlatformFee)
}

// CanCompleteManually reports whether an operator may push the order into fulfillment.
func (o *Order) CanCompleteManually() bool {
	switch o.Status {
	case OrderPending, OrderProcessing, OrderPaid:
		return true
	}
	return false
}

// AcceptsPayment reports whether a gateway success may still settle against the order.
func (o *Order) AcceptsPayment() bool {
	return o.Status != OrderCancelled && o.Status != OrderError
}

func (o *Order) MarkPaid(now time.Time) {
	o.Status = OrderPaid
	o.CompletedAt = &now
	o.UpdatedAt = now
}

func (o *Order) MarkCompleted(now time.Time) {
	o.Status = OrderCompleted
	o.CompletedAt = &now
	o.UpdatedAt = now
}

func PlatformFee(price decimal.Decimal) decimal.Decimal {
	return price.Mul(PlatformFeeRate).Round(2)
}
