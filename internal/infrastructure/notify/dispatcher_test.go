package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"saf-broker/internal/domain"
)

type recordingSender struct {
	mu    sync.Mutex
	sent  []Message
	err   error
	block chan struct{}
}

func (s *recordingSender) Send(ctx context.Context, msg Message) error {
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, msg)
	return s.err
}

func (s *recordingSender) messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.sent...)
}

func testOrder() domain.Order {
	return domain.Order{
		ID:          42,
		BuyerEmail:  "buyer@example.com",
		Flight:      domain.Flight{Number: "UA100", DepartureAirport: "SFO", ArrivalAirport: "JFK"},
		EmissionsKg: 512.5,
		SAFVolume:   120,
		Price:       decimal.NewFromInt(100),
		PlatformFee: decimal.RequireFromString("3.50"),
		Status:      domain.OrderCompleted,
		CreatedAt:   time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC),
	}
}

func TestRenderer_AllKinds(t *testing.T) {
	r := NewRenderer("http://localhost:4200/orders")
	order := testOrder()
	paidAt := time.Date(2026, 1, 2, 11, 0, 0, 0, time.UTC)
	payment := &domain.Payment{Amount: decimal.RequireFromString("103.50"), CompletedAt: &paidAt}

	cases := []struct {
		kind     Kind
		payload  Payload
		subject  string
		contains []string
	}{
		{OrderConfirmed, Payload{}, "SAF Certificate Order Confirmation - Order #42", []string{"$103.50", "UA100"}},
		{PaymentConfirmed, Payload{Payment: payment}, "Payment Confirmed - SAF Certificate Order #42", []string{"$103.50", "http://localhost:4200/orders"}},
		{CertificateReady, Payload{CertificateURI: "http://docs/cert_42.pdf", CertNumber: "CERT-42-ABCDEF12"}, "Your SAF Certificate is Ready! - Order #42", []string{"http://docs/cert_42.pdf", "CERT-42-ABCDEF12"}},
		{StatusChanged, Payload{}, "Order Status Update - Order #42", []string{"COMPLETED", "ready for download"}},
	}

	for _, tc := range cases {
		t.Run(string(tc.kind), func(t *testing.T) {
			msg, err := r.Render(tc.kind, order, tc.payload)
			require.NoError(t, err)
			assert.Equal(t, "buyer@example.com", msg.To)
			assert.Equal(t, tc.subject, msg.Subject)
			assert.True(t, msg.HTML)
			for _, s := range tc.contains {
				assert.Contains(t, msg.Body, s)
			}
		})
	}
}

func TestRenderer_UnknownKind(t *testing.T) {
	_, err := NewRenderer("").Render(Kind("bogus"), testOrder(), Payload{})
	assert.Error(t, err)
}

func TestDispatcher_SendsAsynchronously(t *testing.T) {
	sender := &recordingSender{}
	d := NewDispatcher(sender, NewRenderer(""), time.Second, 4)

	d.Notify(CertificateReady, testOrder(), Payload{CertificateURI: "uri"})
	require.NoError(t, d.Close(context.Background()))

	msgs := sender.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "buyer@example.com", msgs[0].To)
}

func TestDispatcher_SkipsInvalidRecipient(t *testing.T) {
	sender := &recordingSender{}
	d := NewDispatcher(sender, NewRenderer(""), time.Second, 4)

	order := testOrder()
	order.BuyerEmail = "not-an-email"
	d.Notify(StatusChanged, order, Payload{})
	require.NoError(t, d.Close(context.Background()))

	assert.Empty(t, sender.messages())
}

func TestDispatcher_SendFailureIsSwallowed(t *testing.T) {
	sender := &recordingSender{err: errors.New("smtp down")}
	d := NewDispatcher(sender, NewRenderer(""), time.Second, 4)

	assert.NotPanics(t, func() {
		d.Notify(StatusChanged, testOrder(), Payload{})
	})
	require.NoError(t, d.Close(context.Background()))
}

func TestDispatcher_DropsWhenSaturated(t *testing.T) {
	sender := &recordingSender{block: make(chan struct{})}
	d := NewDispatcher(sender, NewRenderer(""), time.Second, 1)

	d.Notify(StatusChanged, testOrder(), Payload{})
	d.Notify(StatusChanged, testOrder(), Payload{})
	close(sender.block)
	require.NoError(t, d.Close(context.Background()))

	assert.Len(t, sender.messages(), 1)
}

func TestDispatcher_CloseHonorsContext(t *testing.T) {
	sender := &recordingSender{block: make(chan struct{})}
	d := NewDispatcher(sender, NewRenderer(""), time.Minute, 1)
	d.Notify(StatusChanged, testOrder(), Payload{})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Error(t, d.Close(ctx))

	close(sender.block)
	require.NoError(t, d.Close(context.Background()))
}
