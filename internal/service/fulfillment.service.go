package service

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"saf-broker/internal/artifact"
	"saf-broker/internal/domain"
	"saf-broker/internal/infrastructure/notify"
	"saf-broker/internal/infrastructure/payment"
	"saf-broker/internal/lock"
	"saf-broker/internal/repo"
)

// Fulfillment is the state of an order after a coordinator operation.
type Fulfillment struct {
	Order       *domain.Order       `json:"order"`
	Payment     *domain.Payment     `json:"payment,omitempty"`
	Certificate *domain.Certificate `json:"certificate,omitempty"`
}

type ArtifactGenerator interface {
	Generate(ctx context.Context, in artifact.Input) (string, error)
}

// Registry never fails; it falls back to a locally minted id.
type Registry interface {
	Register(ctx context.Context, orderID int64, artifactURI string) string
}

// FulfillmentService drives an order from payment to an issued certificate.
// Every operation is safe to retry.
type FulfillmentService interface {
	CompleteFromGatewayEvent(ctx context.Context, sessionID, paymentIntentID string) (*Fulfillment, error)
	CompleteManually(ctx context.Context, orderID int64) (*Fulfillment, error)
	FailFromGatewayEvent(ctx context.Context, sessionID, reason string) (*Fulfillment, error)
	Refund(ctx context.Context, paymentID int64, amount decimal.Decimal, reason string) (*Fulfillment, error)
}

type FulfillmentDeps struct {
	Tx              repo.Transactor
	OrderRepo       repo.OrderRepo
	PaymentRepo     repo.PaymentRepo
	CertificateRepo repo.CertificateRepo
	Locker          lock.Locker
	LockTimeout     time.Duration // wait limit for the order lock, defaultLockTimeout when zero
	Artifacts       ArtifactGenerator
	Registry        Registry
	Gateway         payment.Gateway
	Notifier        notify.Notifier
	// Clock defaults to time.Now in UTC.
	Clock func() time.Time
}

type fulfillmentService struct {
	tx              repo.Transactor
	orderRepo       repo.OrderRepo
	paymentRepo     repo.PaymentRepo
	certificateRepo repo.CertificateRepo
	locker          lock.Locker
	lockTimeout     time.Duration
	artifacts       ArtifactGenerator
	registry        Registry
	gateway         payment.Gateway
	notifier        notify.Notifier
	now             func() time.Time
}

func NewFulfillmentService(deps FulfillmentDeps) FulfillmentService {
	now := deps.Clock
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	lockTimeout := deps.LockTimeout
	if lockTimeout <= 0 {
		lockTimeout = defaultLockTimeout
	}
	return &fulfillmentService{
		tx:              deps.Tx,
		orderRepo:       deps.OrderRepo,
		paymentRepo:     deps.PaymentRepo,
		certificateRepo: deps.CertificateRepo,
		locker:          deps.Locker,
		lockTimeout:     lockTimeout,
		artifacts:       deps.Artifacts,
		registry:        deps.Registry,
		gateway:         deps.Gateway,
		notifier:        deps.Notifier,
		now:             now,
	}
}

// outbox collects notifications so they go out after the order lock is released.
type outbox struct {
	items []pendingNotification
}

type pendingNotification struct {
	kind    notify.Kind
	order   domain.Order
	payload notify.Payload
}

func (o *outbox) add(kind notify.Kind, order *domain.Order, payload notify.Payload) {
	o.items = append(o.items, pendingNotification{kind: kind, order: *order, payload: payload})
}

func (o *outbox) flush(n notify.Notifier) {
	if n == nil {
		return
	}
	for _, it := range o.items {
		n.Notify(it.kind, it.order, it.payload)
	}
	o.items = nil
}

const defaultLockTimeout = 15 * time.Second

// acquireOrderLock waits at most timeout for the order's lock. Running out of
// time is reported as ErrOrderBusy; a cancelled caller gets its own ctx error.
func acquireOrderLock(ctx context.Context, locker lock.Locker, timeout time.Duration, orderID int64) (func(), error) {
	lockCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	unlock, err := locker.Lock(lockCtx, orderID)
	if err != nil {
		if ctx.Err() == nil && lockCtx.Err() != nil {
			return nil, errors.Wrapf(domain.ErrOrderBusy, "order %d: lock not acquired within %s", orderID, timeout)
		}
		return nil, errors.Wrapf(err, "lock order %d", orderID)
	}
	return unlock, nil
}

// withOrderLock runs fn under the order's exclusive scope and dispatches
// whatever fn queued once the scope is released.
func (s *fulfillmentService) withOrderLock(
	ctx context.Context,
	orderID int64,
	fn func(out *outbox) (*Fulfillment, error),
) (*Fulfillment, error) {
	var out outbox
	f, err := func() (*Fulfillment, error) {
		unlock, err := acquireOrderLock(ctx, s.locker, s.lockTimeout, orderID)
		if err != nil {
			return nil, err
		}
		defer unlock()
		return fn(&out)
	}()
	out.flush(s.notifier)
	return f, err
}

func (s *fulfillmentService) CompleteFromGatewayEvent(ctx context.Context, sessionID, paymentIntentID string) (*Fulfillment, error) {
	p, err := s.paymentBySession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	return s.withOrderLock(ctx, p.OrderID, func(out *outbox) (*Fulfillment, error) {
		// re-read under the lock; a concurrent event may have moved it
		p, err := s.paymentBySession(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		order, err := s.order(ctx, p.OrderID)
		if err != nil {
			return nil, err
		}

		logger := log.WithFields(log.Fields{"order_id": order.ID, "payment_id": p.ID, "session_id": sessionID})

		if p.Status == domain.PaymentSucceeded {
			return s.resume(ctx, order, p, out)
		}

		if !p.Settleable() {
			return nil, errors.Wrapf(domain.ErrInvalidState, "payment %d is %s", p.ID, p.Status)
		}
		if !order.AcceptsPayment() {
			return nil, errors.Wrapf(domain.ErrInvalidState, "order %d is %s", order.ID, order.Status)
		}
		other, err := s.otherCapture(ctx, order.ID, p.ID)
		if err != nil {
			return nil, err
		}

		if paymentIntentID == "" {
			st, err := s.gateway.SessionStatus(ctx, sessionID)
			if err != nil {
				return nil, errors.Wrapf(err, "look up payment intent for session %s", sessionID)
			}
			paymentIntentID = st.PaymentIntentID
		}

		if other != nil {
			return nil, s.refundDuplicateCapture(ctx, p, other, paymentIntentID)
		}

		now := s.now()
		p.Settle(paymentIntentID, now)
		// a manual completion may have beaten the gateway; never move a COMPLETED order back
		alreadyCompleted := order.Status == domain.OrderCompleted
		if !alreadyCompleted {
			order.MarkPaid(now)
		}

		err = s.tx.WithinTx(ctx, func(tx *sqlx.Tx) error {
			if err := s.paymentRepo.UpdatePayment(ctx, tx, p); err != nil {
				return err
			}
			if alreadyCompleted {
				return nil
			}
			return s.orderRepo.UpdateOrderStatus(ctx, tx, order)
		})
		if err != nil {
			return nil, errors.Wrapf(err, "settle payment %d", p.ID)
		}

		logger.WithFields(log.Fields{
			"amount":      p.Amount.StringFixed(2),
			"gateway_fee": p.GatewayFee.StringFixed(2),
			"net_amount":  p.NetAmount.StringFixed(2),
		}).Info("payment settled")
		out.add(notify.PaymentConfirmed, order, notify.Payload{Payment: p})

		if alreadyCompleted {
			return s.snapshot(ctx, order, p)
		}
		return s.runTail(ctx, order, p, out)
	})
}

// resume handles a repeated success event for an already settled payment.
func (s *fulfillmentService) resume(ctx context.Context, order *domain.Order, p *domain.Payment, out *outbox) (*Fulfillment, error) {
	switch order.Status {
	case domain.OrderCompleted:
		return s.snapshot(ctx, order, p)
	case domain.OrderPaid:
		return s.runTail(ctx, order, p, out)
	case domain.OrderCancelled, domain.OrderError:
		return nil, errors.Wrapf(domain.ErrInvalidState, "order %d is %s", order.ID, order.Status)
	}

	// settled payment but the order never reached PAID
	if err := s.markPaid(ctx, order); err != nil {
		return nil, err
	}
	return s.runTail(ctx, order, p, out)
}

func (s *fulfillmentService) CompleteManually(ctx context.Context, orderID int64) (*Fulfillment, error) {
	return s.withOrderLock(ctx, orderID, func(out *outbox) (*Fulfillment, error) {
		order, err := s.order(ctx, orderID)
		if err != nil {
			return nil, err
		}

		p, err := s.paymentForOrder(ctx, orderID)
		if err != nil {
			return nil, err
		}

		if order.Status == domain.OrderCompleted {
			return s.snapshot(ctx, order, p)
		}
		if !order.CanCompleteManually() {
			return nil, errors.Wrapf(domain.ErrInvalidState, "order %d is %s", order.ID, order.Status)
		}

		if order.Status != domain.OrderPaid {
			if err := s.markPaid(ctx, order); err != nil {
				return nil, err
			}
			log.WithField("order_id", order.ID).Info("order marked paid manually")
			out.add(notify.StatusChanged, order, notify.Payload{})
		}

		return s.runTail(ctx, order, p, out)
	})
}

func (s *fulfillmentService) FailFromGatewayEvent(ctx context.Context, sessionID, reason string) (*Fulfillment, error) {
	p, err := s.paymentBySession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	return s.withOrderLock(ctx, p.OrderID, func(out *outbox) (*Fulfillment, error) {
		p, err := s.paymentBySession(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		order, err := s.order(ctx, p.OrderID)
		if err != nil {
			return nil, err
		}

		switch p.Status {
		case domain.PaymentFailed:
			return s.snapshot(ctx, order, p)
		case domain.PaymentPending, domain.PaymentProcessing:
		default:
			return nil, errors.Wrapf(domain.ErrInvalidState, "payment %d is %s", p.ID, p.Status)
		}

		if reason == "" {
			reason = "payment failed"
		}
		p.Fail(reason, s.now())
		err = s.tx.WithinTx(ctx, func(tx *sqlx.Tx) error {
			return s.paymentRepo.UpdatePayment(ctx, tx, p)
		})
		if err != nil {
			return nil, errors.Wrapf(err, "fail payment %d", p.ID)
		}

		log.WithFields(log.Fields{
			"order_id":   order.ID,
			"payment_id": p.ID,
			"session_id": sessionID,
			"reason":     reason,
		}).Warn("payment failed")
		return s.snapshot(ctx, order, p)
	})
}

func (s *fulfillmentService) Refund(ctx context.Context, paymentID int64, amount decimal.Decimal, reason string) (*Fulfillment, error) {
	p, err := s.payment(ctx, paymentID)
	if err != nil {
		return nil, err
	}

	return s.withOrderLock(ctx, p.OrderID, func(out *outbox) (*Fulfillment, error) {
		p, err := s.payment(ctx, paymentID)
		if err != nil {
			return nil, err
		}

		if p.Status != domain.PaymentSucceeded {
			return nil, errors.Wrapf(domain.ErrInvalidState, "payment %d is %s", p.ID, p.Status)
		}
		if !amount.IsPositive() || amount.GreaterThan(p.Amount) {
			return nil, errors.Wrapf(domain.ErrInvalidAmount, "refund %s of %s", amount.StringFixed(2), p.Amount.StringFixed(2))
		}
		if p.PaymentIntentID == nil || *p.PaymentIntentID == "" {
			return nil, errors.Wrapf(domain.ErrInvalidState, "payment %d has no payment intent", p.ID)
		}

		order, err := s.order(ctx, p.OrderID)
		if err != nil {
			return nil, err
		}

		logger := log.WithFields(log.Fields{
			"order_id":   p.OrderID,
			"payment_id": p.ID,
			"amount":     amount.StringFixed(2),
			"reason":     reason,
		})

		refundID, err := s.gateway.Refund(ctx, *p.PaymentIntentID, amount)
		if err != nil {
			if !errors.Is(err, domain.ErrGateway) {
				err = &payment.GatewayError{Op: "refund", Err: err}
			}
			logger.WithError(err).Error("refund rejected by gateway")
			return nil, err
		}

		p.Status = p.RefundStatusFor(amount)
		p.RefundID = &refundID
		p.UpdatedAt = s.now()
		err = s.tx.WithinTx(ctx, func(tx *sqlx.Tx) error {
			return s.paymentRepo.UpdatePayment(ctx, tx, p)
		})
		if err != nil {
			// money has moved; the refund id in this log is the only trace until an operator fixes the row
			logger.WithError(err).WithField("refund_id", refundID).Error("refund issued but not recorded")
			return nil, errors.Wrapf(err, "record refund %s for payment %d", refundID, p.ID)
		}

		logger.WithFields(log.Fields{"refund_id": refundID, "status": p.Status}).Info("payment refunded")
		return s.snapshot(ctx, order, p)
	})
}

// runTail issues the certificate for a PAID order. Any failure leaves the order
// at PAID with no certificate and is reported as ErrFulfillmentIncomplete.
func (s *fulfillmentService) runTail(ctx context.Context, order *domain.Order, p *domain.Payment, out *outbox) (*Fulfillment, error) {
	logger := log.WithField("order_id", order.ID)

	cert, err := s.certificateRepo.FindByOrderID(ctx, order.ID)
	if err != nil {
		return nil, incomplete(order.ID, err)
	}

	if cert != nil {
		// certificate persisted but the order never reached COMPLETED
		completed := *order
		completed.MarkCompleted(s.now())
		err = s.tx.WithinTx(ctx, func(tx *sqlx.Tx) error {
			return s.orderRepo.UpdateOrderStatus(ctx, tx, &completed)
		})
		if err != nil {
			return nil, incomplete(order.ID, err)
		}
		*order = completed
		logger.WithField("cert_number", cert.Number).Info("order completed from existing certificate")
	} else {
		uri, err := s.artifacts.Generate(ctx, artifact.InputFromOrder(order))
		if err != nil {
			logger.WithError(err).Error("certificate generation failed, order stays PAID")
			return nil, incomplete(order.ID, err)
		}

		registryID := s.registry.Register(ctx, order.ID, uri)

		now := s.now()
		issued := domain.NewCertificate(order.ID, uri, registryID, now)
		completed := *order
		completed.MarkCompleted(now)

		err = s.tx.WithinTx(ctx, func(tx *sqlx.Tx) error {
			if err := s.certificateRepo.CreateCertificate(ctx, tx, issued); err != nil {
				return err
			}
			return s.orderRepo.UpdateOrderStatus(ctx, tx, &completed)
		})
		if err != nil {
			logger.WithError(err).Error("certificate persistence failed, order stays PAID")
			return nil, incomplete(order.ID, err)
		}
		*order = completed
		cert = issued

		logger.WithFields(log.Fields{
			"cert_number": cert.Number,
			"registry_id": registryID,
			"uri":         uri,
		}).Info("certificate issued")
	}

	out.add(notify.CertificateReady, order, notify.Payload{CertificateURI: cert.ArtifactURI, CertNumber: cert.Number})
	return &Fulfillment{Order: order, Payment: p, Certificate: cert}, nil
}

func incomplete(orderID int64, err error) error {
	return fmt.Errorf("order %d: %w: %w", orderID, domain.ErrFulfillmentIncomplete, err)
}

func (s *fulfillmentService) markPaid(ctx context.Context, order *domain.Order) error {
	paid := *order
	paid.MarkPaid(s.now())
	err := s.tx.WithinTx(ctx, func(tx *sqlx.Tx) error {
		return s.orderRepo.UpdateOrderStatus(ctx, tx, &paid)
	})
	if err != nil {
		return errors.Wrapf(err, "mark order %d paid", order.ID)
	}
	*order = paid
	return nil
}

// otherCapture returns the order's successful payment when it is not paymentID.
func (s *fulfillmentService) otherCapture(ctx context.Context, orderID, paymentID int64) (*domain.Payment, error) {
	payments, err := s.paymentRepo.FindByOrderID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	for i := range payments {
		if payments[i].ID != paymentID && payments[i].Status == domain.PaymentSucceeded {
			return &payments[i], nil
		}
	}
	return nil, nil
}

// refundDuplicateCapture gives back a second capture for an order that is
// already paid and records the payment as REFUNDED. The event itself is still
// refused with ErrInvalidState. When the refund fails the payment stays
// PROCESSING so reconciliation retries it.
func (s *fulfillmentService) refundDuplicateCapture(ctx context.Context, p, paid *domain.Payment, paymentIntentID string) error {
	refused := errors.Wrapf(domain.ErrInvalidState, "order %d already paid by payment %d", p.OrderID, paid.ID)
	if paymentIntentID == "" {
		return refused
	}

	logger := log.WithFields(log.Fields{
		"order_id":        p.OrderID,
		"payment_id":      p.ID,
		"paid_by_payment": paid.ID,
		"amount":          p.Amount.StringFixed(2),
	})

	refundID, err := s.gateway.Refund(ctx, paymentIntentID, p.Amount)
	if err != nil {
		if !errors.Is(err, domain.ErrGateway) {
			err = &payment.GatewayError{Op: "refund duplicate capture", Err: err}
		}
		logger.WithError(err).Error("duplicate capture not refunded, will retry")
		return err
	}

	now := s.now()
	reason := fmt.Sprintf("duplicate capture, order already paid by payment %d", paid.ID)
	p.Status = domain.PaymentRefunded
	p.PaymentIntentID = &paymentIntentID
	p.RefundID = &refundID
	p.FailureReason = &reason
	p.UpdatedAt = now
	p.CompletedAt = &now
	err = s.tx.WithinTx(ctx, func(tx *sqlx.Tx) error {
		return s.paymentRepo.UpdatePayment(ctx, tx, p)
	})
	if err != nil {
		logger.WithError(err).WithField("refund_id", refundID).Error("duplicate capture refunded but not recorded")
		return errors.Wrapf(err, "record refund %s for payment %d", refundID, p.ID)
	}

	logger.WithField("refund_id", refundID).Warn("duplicate capture refunded")
	return refused
}

func (s *fulfillmentService) snapshot(ctx context.Context, order *domain.Order, p *domain.Payment) (*Fulfillment, error) {
	cert, err := s.certificateRepo.FindByOrderID(ctx, order.ID)
	if err != nil {
		return nil, err
	}
	return &Fulfillment{Order: order, Payment: p, Certificate: cert}, nil
}

func (s *fulfillmentService) order(ctx context.Context, id int64) (*domain.Order, error) {
	order, err := s.orderRepo.FindById(ctx, id)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, errors.Wrapf(domain.ErrNotFound, "order %d", id)
	}
	return order, nil
}

func (s *fulfillmentService) payment(ctx context.Context, id int64) (*domain.Payment, error) {
	p, err := s.paymentRepo.FindById(ctx, id)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, errors.Wrapf(domain.ErrNotFound, "payment %d", id)
	}
	return p, nil
}

func (s *fulfillmentService) paymentBySession(ctx context.Context, sessionID string) (*domain.Payment, error) {
	p, err := s.paymentRepo.FindBySessionID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, errors.Wrapf(domain.ErrNotFound, "payment for session %s", sessionID)
	}
	return p, nil
}

func (s *fulfillmentService) paymentForOrder(ctx context.Context, orderID int64) (*domain.Payment, error) {
	payments, err := s.paymentRepo.FindByOrderID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	return pickPayment(payments), nil
}

// pickPayment prefers the successful attempt, else the latest one.
func pickPayment(payments []domain.Payment) *domain.Payment {
	for i := range payments {
		if payments[i].Status == domain.PaymentSucceeded {
			return &payments[i]
		}
	}
	if len(payments) > 0 {
		return &payments[0]
	}
	return nil
}
