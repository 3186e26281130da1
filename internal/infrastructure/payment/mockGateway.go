package payment

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Simulator is an in-process gateway used by the simulate command and tests.
// Sessions stay pending until the buyer is simulated or a test settles them.
type Simulator struct {
	mu       sync.RWMutex
	sessions map[string]*simSession
	intents  map[string]*simSession
	// idempotency: one session per payment id, one refund per RefundKey
	byPayment map[int64]string
	refunds   map[string]string
	baseURL   string
}

type simSession struct {
	id       string
	amount   decimal.Decimal
	status   SessionStatus
	refunded decimal.Decimal
}

func NewSimulator(baseURL string) *Simulator {
	return &Simulator{
		sessions:  make(map[string]*simSession),
		intents:   make(map[string]*simSession),
		byPayment: make(map[int64]string),
		refunds:   make(map[string]string),
		baseURL:   baseURL,
	}
}

func (s *Simulator) CreateCheckoutSession(ctx context.Context, req SessionRequest) (*Session, error) {
	if !req.Amount.IsPositive() {
		return nil, &GatewayError{Op: "create session", StatusCode: 400, Err: errors.New("amount must be positive")}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byPayment[req.PaymentID]; ok {
		return &Session{ID: id, URL: s.checkoutURL(id)}, nil
	}

	id := "cs_sim_" + uuid.NewString()
	s.sessions[id] = &simSession{
		id:     id,
		amount: req.Amount,
		status: SessionStatus{Outcome: OutcomePending},
	}
	s.byPayment[req.PaymentID] = id
	return &Session{ID: id, URL: s.checkoutURL(id)}, nil
}

func (s *Simulator) SessionStatus(ctx context.Context, sessionID string) (*SessionStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, &GatewayError{Op: "session status", StatusCode: 404, Err: fmt.Errorf("no such session %s", sessionID)}
	}
	status := sess.status
	return &status, nil
}

func (s *Simulator) Refund(ctx context.Context, paymentIntentID string, amount decimal.Decimal) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := RefundKey(paymentIntentID, amount)
	if id, ok := s.refunds[key]; ok {
		return id, nil
	}

	sess, ok := s.intents[paymentIntentID]
	if !ok {
		return "", &GatewayError{Op: "refund", StatusCode: 404, Err: fmt.Errorf("no such payment intent %s", paymentIntentID)}
	}
	if sess.refunded.Add(amount).GreaterThan(sess.amount) {
		return "", &GatewayError{Op: "refund", StatusCode: 400, Err: errors.New("refund exceeds captured amount")}
	}
	sess.refunded = sess.refunded.Add(amount)
	id := "re_sim_" + uuid.NewString()
	s.refunds[key] = id
	return id, nil
}

// Settle marks a session as paid and returns its payment intent id.
func (s *Simulator) Settle(sessionID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return "", fmt.Errorf("no such session %s", sessionID)
	}
	if sess.status.Outcome == OutcomeSucceeded {
		return sess.status.PaymentIntentID, nil
	}
	intent := "pi_sim_" + uuid.NewString()
	sess.status = SessionStatus{Outcome: OutcomeSucceeded, PaymentIntentID: intent}
	s.intents[intent] = sess
	return intent, nil
}

func (s *Simulator) Decline(sessionID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return fmt.Errorf("no such session %s", sessionID)
	}
	sess.status = SessionStatus{Outcome: OutcomeFailed, FailureReason: reason}
	return nil
}

// BuyerResult is what a simulated checkout produced and whether the gateway
// managed to deliver the event to us.
type BuyerResult struct {
	Outcome         Outcome
	PaymentIntentID string
	Reason          string
	Delivered       bool
}

// SimulateBuyer plays a buyer through the hosted checkout:
// 70% pay and the event arrives, 20% get declined, 10% pay but the event is
// lost in transit (the phantom charge the reconciliation worker must recover).
func (s *Simulator) SimulateBuyer(sessionID string) (BuyerResult, error) {
	chance := rand.IntN(100)

	switch {
	case chance < 70:
		intent, err := s.Settle(sessionID)
		return BuyerResult{Outcome: OutcomeSucceeded, PaymentIntentID: intent, Delivered: true}, err

	case chance < 90:
		reason := "card_declined"
		return BuyerResult{Outcome: OutcomeFailed, Reason: reason, Delivered: true}, s.Decline(sessionID, reason)

	default:
		intent, err := s.Settle(sessionID)
		return BuyerResult{Outcome: OutcomeSucceeded, PaymentIntentID: intent, Delivered: false}, err
	}
}

func (s *Simulator) checkoutURL(id string) string {
	return s.baseURL + "/checkout/" + id
}
