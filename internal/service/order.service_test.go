package service

import (
	"context"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"saf-broker/internal/config"
	"saf-broker/internal/domain"
	"saf-broker/internal/infrastructure/notify"
)

var testGatewayConfig = config.Gateway{
	SuccessURL: "http://localhost:4200/orders/success",
	CancelURL:  "http://localhost:4200/orders/cancel",
}

func validRequest() CreateOrderRequest {
	return CreateOrderRequest{
		BuyerEmail:  "buyer@example.com",
		Flight:      domain.Flight{Number: "UA100", DepartureAirport: "SFO", ArrivalAirport: "JFK"},
		EmissionsKg: 512.5,
		SAFVolume:   120,
		Price:       decimal.NewFromInt(100),
	}
}

func TestCreateOrder(t *testing.T) {
	h := newHarness(t)

	order, err := h.orders.CreateOrder(context.Background(), validRequest())
	require.NoError(t, err)

	assert.NotZero(t, order.ID)
	assert.Equal(t, domain.OrderPending, order.Status)
	assert.Equal(t, "3.50", order.PlatformFee.StringFixed(2))
	assert.Equal(t, "103.50", order.Total().StringFixed(2))
	assert.Equal(t, domain.OrderPending, h.order(order.ID).Status)
	assert.Equal(t, []notify.Kind{notify.OrderConfirmed}, h.notifier.kinds())
}

func TestCreateOrder_InvalidInputRecordedAsError(t *testing.T) {
	h := newHarness(t)
	req := validRequest()
	req.Price = decimal.Zero
	req.SAFVolume = -1

	order, err := h.orders.CreateOrder(context.Background(), req)
	assert.ErrorIs(t, err, domain.ErrInvalidOrder)
	require.NotNil(t, order)

	stored := h.order(order.ID)
	assert.Equal(t, domain.OrderError, stored.Status)
	assert.Contains(t, stored.Notes, "price must be positive")
	assert.Contains(t, stored.Notes, "SAF volume must be positive")
	assert.Equal(t, []notify.Kind{notify.StatusChanged}, h.notifier.kinds())
}

func TestCreateOrder_BadEmailIsRejectedOutright(t *testing.T) {
	h := newHarness(t)
	req := validRequest()
	req.BuyerEmail = "nobody"

	order, err := h.orders.CreateOrder(context.Background(), req)
	assert.Nil(t, order)
	assert.ErrorIs(t, err, domain.ErrInvalidOrder)
	assert.Empty(t, h.db.orders)
	assert.Empty(t, h.notifier.kinds())
}

func TestCheckout_OpensSessionAndLeavesOrderPending(t *testing.T) {
	h := newHarness(t)
	h.seedOrder(42, domain.OrderPending)

	res, err := h.orders.Checkout(context.Background(), 42)
	require.NoError(t, err)

	assert.Equal(t, "103.50", res.Amount.StringFixed(2))
	assert.NotEmpty(t, res.SessionID)
	assert.Contains(t, res.URL, res.SessionID)

	p := h.payment(res.PaymentID)
	assert.Equal(t, domain.PaymentProcessing, p.Status)
	require.NotNil(t, p.SessionID)
	assert.Equal(t, res.SessionID, *p.SessionID)
	assert.Equal(t, domain.OrderPending, h.order(42).Status)

	f, err := h.svc.CompleteFromGatewayEvent(context.Background(), res.SessionID, "pi_42")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderCompleted, f.Order.Status)
}

func TestCreateOrder_StoresBareAddress(t *testing.T) {
	h := newHarness(t)
	req := validRequest()
	req.BuyerEmail = "  Bob Buyer <bob@example.com> "

	order, err := h.orders.CreateOrder(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, "bob@example.com", order.BuyerEmail)
	assert.Equal(t, "bob@example.com", h.order(order.ID).BuyerEmail)
}

func TestCheckout_ReusesOpenSession(t *testing.T) {
	h := newHarness(t)
	h.seedOrder(42, domain.OrderPending)
	ctx := context.Background()

	results := make([]*CheckoutResult, 5)
	var wg sync.WaitGroup
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := h.orders.Checkout(ctx, 42)
			if assert.NoError(t, err) {
				results[i] = res
			}
		}(i)
	}
	wg.Wait()

	for _, res := range results[1:] {
		require.NotNil(t, res)
		assert.Equal(t, results[0].SessionID, res.SessionID)
		assert.Equal(t, results[0].PaymentID, res.PaymentID)
		assert.Equal(t, results[0].URL, res.URL)
	}

	payments, err := memPayments{h.db}.FindByOrderID(ctx, 42)
	require.NoError(t, err)
	assert.Len(t, payments, 1)
}

func TestCheckout_PaidSessionBlocksAnother(t *testing.T) {
	h := newHarness(t)
	h.seedOrder(43, domain.OrderPending)
	ctx := context.Background()

	first, err := h.orders.Checkout(ctx, 43)
	require.NoError(t, err)
	// the buyer paid but the event has not arrived yet
	_, err = h.gateway.Settle(first.SessionID)
	require.NoError(t, err)

	_, err = h.orders.Checkout(ctx, 43)
	assert.ErrorIs(t, err, domain.ErrInvalidState)

	payments, err := memPayments{h.db}.FindByOrderID(ctx, 43)
	require.NoError(t, err)
	assert.Len(t, payments, 1)
}

func TestCheckout_DeclinedSessionStartsAnother(t *testing.T) {
	h := newHarness(t)
	h.seedOrder(44, domain.OrderPending)
	ctx := context.Background()

	first, err := h.orders.Checkout(ctx, 44)
	require.NoError(t, err)
	require.NoError(t, h.gateway.Decline(first.SessionID, "card_declined"))

	second, err := h.orders.Checkout(ctx, 44)
	require.NoError(t, err)
	assert.NotEqual(t, first.SessionID, second.SessionID)
	assert.NotEqual(t, first.PaymentID, second.PaymentID)
}

func TestCheckout_GatewayFailureMarksPaymentFailed(t *testing.T) {
	h := newHarness(t)
	o := h.seedOrder(50, domain.OrderPending)
	o.Price = decimal.Zero
	o.PlatformFee = decimal.Zero
	h.db.orders[50] = o

	_, err := h.orders.Checkout(context.Background(), 50)
	assert.ErrorIs(t, err, domain.ErrGateway)

	payments, err := memPayments{h.db}.FindByOrderID(context.Background(), 50)
	require.NoError(t, err)
	require.Len(t, payments, 1)
	assert.Equal(t, domain.PaymentFailed, payments[0].Status)
	assert.NotNil(t, payments[0].FailureReason)
}

func TestCheckout_RefusesFinishedOrders(t *testing.T) {
	h := newHarness(t)
	h.seedOrder(51, domain.OrderCompleted)

	_, err := h.orders.Checkout(context.Background(), 51)
	assert.ErrorIs(t, err, domain.ErrInvalidState)

	_, err = h.orders.Checkout(context.Background(), 52)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestLookups(t *testing.T) {
	h := newHarness(t)
	h.seedOrder(60, domain.OrderPending)
	ctx := context.Background()

	_, err := h.orders.PaymentForOrder(ctx, 60)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = h.orders.CertificateForOrder(ctx, 60)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	p := h.seedPayment(t, 60, 601)
	_, err = h.svc.CompleteFromGatewayEvent(ctx, *p.SessionID, "pi_60")
	require.NoError(t, err)

	got, err := h.orders.PaymentForOrder(ctx, 60)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentSucceeded, got.Status)

	cert, err := h.orders.CertificateForOrder(ctx, 60)
	require.NoError(t, err)
	assert.Regexp(t, `^CERT-60-`, cert.Number)
}
