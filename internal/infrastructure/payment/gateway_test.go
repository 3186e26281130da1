package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"saf-broker/internal/config"
	"saf-broker/internal/domain"
)

func newTestStripe(t *testing.T, h http.HandlerFunc) Gateway {
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewStripeGateway(config.Gateway{
		BaseURL:     srv.URL,
		SecretKey:   "sk_test_123",
		Timeout:     time.Second,
		DialTimeout: time.Second,
	})
}

func TestStripe_CreateCheckoutSession(t *testing.T) {
	gw := newTestStripe(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/checkout/sessions", r.URL.Path)
		assert.Equal(t, "Bearer sk_test_123", r.Header.Get("Authorization"))
		assert.Equal(t, "checkout-payment-9", r.Header.Get("Idempotency-Key"))
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "10350", r.PostForm.Get("line_items[0][price_data][unit_amount]"))
		assert.Equal(t, "usd", r.PostForm.Get("line_items[0][price_data][currency]"))
		assert.Equal(t, "42", r.PostForm.Get("metadata[order_id]"))
		assert.Equal(t, "buyer@example.com", r.PostForm.Get("customer_email"))

		_ = json.NewEncoder(w).Encode(map[string]string{"id": "cs_test_1", "url": "https://checkout/cs_test_1"})
	})

	sess, err := gw.CreateCheckoutSession(context.Background(), SessionRequest{
		OrderID:    42,
		PaymentID:  9,
		BuyerEmail: "buyer@example.com",
		Amount:     decimal.RequireFromString("103.50"),
		Currency:   "USD",
	})

	require.NoError(t, err)
	assert.Equal(t, "cs_test_1", sess.ID)
	assert.Equal(t, "https://checkout/cs_test_1", sess.URL)
}

func TestStripe_ErrorsMatchErrGateway(t *testing.T) {
	gw := newTestStripe(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		_, _ = w.Write([]byte(`{"error":{"type":"card_error","message":"Your card was declined."}}`))
	})

	_, err := gw.Refund(context.Background(), "pi_1", decimal.NewFromInt(10))

	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrGateway))
	var gwErr *GatewayError
	require.True(t, errors.As(err, &gwErr))
	assert.Equal(t, http.StatusPaymentRequired, gwErr.StatusCode)
	assert.Contains(t, gwErr.Error(), "Your card was declined.")
}

func TestStripe_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()
	gw := NewStripeGateway(config.Gateway{BaseURL: srv.URL, Timeout: 50 * time.Millisecond, DialTimeout: 50 * time.Millisecond})

	_, err := gw.SessionStatus(context.Background(), "cs_1")

	assert.ErrorIs(t, err, domain.ErrGateway)
}

func TestStripe_RefundRetryReusesIdempotencyKey(t *testing.T) {
	var (
		mu       sync.Mutex
		keys     []string
		executed = map[string]string{}
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/refunds", r.URL.Path)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "5000", r.PostForm.Get("amount"))

		key := r.Header.Get("Idempotency-Key")
		mu.Lock()
		keys = append(keys, key)
		id, replay := executed[key]
		if !replay {
			id = fmt.Sprintf("re_%d", len(executed)+1)
			executed[key] = id
		}
		first := len(keys) == 1
		mu.Unlock()

		if first {
			// the refund goes through but the answer arrives after the client gave up
			time.Sleep(200 * time.Millisecond)
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"id": id})
	}))
	defer srv.Close()
	gw := NewStripeGateway(config.Gateway{BaseURL: srv.URL, Timeout: 50 * time.Millisecond, DialTimeout: 50 * time.Millisecond})
	ctx := context.Background()

	_, err := gw.Refund(ctx, "pi_1", decimal.NewFromInt(50))
	require.ErrorIs(t, err, domain.ErrGateway)

	id, err := gw.Refund(ctx, "pi_1", decimal.NewFromInt(50))
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "re_1", id)
	assert.Len(t, executed, 1)
	require.Len(t, keys, 2)
	assert.Equal(t, "refund-pi_1-5000", keys[0])
	assert.Equal(t, keys[0], keys[1])
}

func TestStripe_SessionStatusClassification(t *testing.T) {
	cases := []struct {
		status, paymentStatus string
		want                  Outcome
	}{
		{"complete", "paid", OutcomeSucceeded},
		{"complete", "unpaid", OutcomePending},
		{"open", "unpaid", OutcomePending},
		{"expired", "unpaid", OutcomeExpired},
	}
	for _, tc := range cases {
		t.Run(tc.status+"/"+tc.paymentStatus, func(t *testing.T) {
			gw := newTestStripe(t, func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/v1/checkout/sessions/cs_1", r.URL.Path)
				_ = json.NewEncoder(w).Encode(map[string]string{
					"id": "cs_1", "status": tc.status, "payment_status": tc.paymentStatus, "payment_intent": "pi_1",
				})
			})

			st, err := gw.SessionStatus(context.Background(), "cs_1")

			require.NoError(t, err)
			assert.Equal(t, tc.want, st.Outcome)
			assert.Equal(t, "pi_1", st.PaymentIntentID)
		})
	}
}

func TestParseOutcome(t *testing.T) {
	got, err := ParseOutcome(" Succeeded ")
	require.NoError(t, err)
	assert.Equal(t, OutcomeSucceeded, got)

	got, err = ParseOutcome("declined")
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, got)

	_, err = ParseOutcome("maybe")
	assert.Error(t, err)
}

func TestSimulator_SessionPerPaymentAndRefundLimit(t *testing.T) {
	sim := NewSimulator("http://sim")
	ctx := context.Background()
	req := SessionRequest{OrderID: 1, PaymentID: 5, Amount: decimal.NewFromInt(100)}

	first, err := sim.CreateCheckoutSession(ctx, req)
	require.NoError(t, err)
	again, err := sim.CreateCheckoutSession(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)

	st, err := sim.SessionStatus(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomePending, st.Outcome)

	intent, err := sim.Settle(first.ID)
	require.NoError(t, err)

	refundID, err := sim.Refund(ctx, intent, decimal.NewFromInt(60))
	require.NoError(t, err)
	replayed, err := sim.Refund(ctx, intent, decimal.NewFromInt(60))
	require.NoError(t, err)
	assert.Equal(t, refundID, replayed)
	_, err = sim.Refund(ctx, intent, decimal.NewFromInt(50))
	assert.ErrorIs(t, err, domain.ErrGateway)

	_, err = sim.Refund(ctx, "pi_unknown", decimal.NewFromInt(1))
	assert.ErrorIs(t, err, domain.ErrGateway)
}
