package service

import (
	"context"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"saf-broker/internal/config"
	"saf-broker/internal/domain"
	"saf-broker/internal/infrastructure/notify"
	"saf-broker/internal/infrastructure/payment"
	"saf-broker/internal/lock"
	"saf-broker/internal/repo"
)

type CreateOrderRequest struct {
	BuyerEmail  string          `json:"buyerEmail"`
	Flight      domain.Flight   `json:"flight"`
	EmissionsKg float64         `json:"emissionsKg"`
	SAFVolume   float64         `json:"safVolume"`
	Price       decimal.Decimal `json:"priceUsd"`
}

type CheckoutResult struct {
	PaymentID int64           `json:"paymentId"`
	SessionID string          `json:"sessionId"`
	URL       string          `json:"url"`
	Amount    decimal.Decimal `json:"amount"`
}

type OrderService interface {
	// CreateOrder persists a PENDING order. Input that fails validation is still
	// recorded, as an ERROR order, and returned alongside ErrInvalidOrder.
	CreateOrder(ctx context.Context, req CreateOrderRequest) (*domain.Order, error)
	Checkout(ctx context.Context, orderID int64) (*CheckoutResult, error)
	GetOrder(ctx context.Context, orderID int64) (*domain.Order, error)
	PaymentForOrder(ctx context.Context, orderID int64) (*domain.Payment, error)
	CertificateForOrder(ctx context.Context, orderID int64) (*domain.Certificate, error)
}

type OrderDeps struct {
	Tx              repo.Transactor
	OrderRepo       repo.OrderRepo
	PaymentRepo     repo.PaymentRepo
	CertificateRepo repo.CertificateRepo
	Locker          lock.Locker
	LockTimeout     time.Duration
	Gateway         payment.Gateway
	Notifier        notify.Notifier
	GatewayConfig   config.Gateway
}

type orderService struct {
	tx              repo.Transactor
	orderRepo       repo.OrderRepo
	paymentRepo     repo.PaymentRepo
	certificateRepo repo.CertificateRepo
	locker          lock.Locker
	lockTimeout     time.Duration
	paymentGtw      payment.Gateway
	notifier        notify.Notifier
	gatewayCfg      config.Gateway
}

func NewOrderService(deps OrderDeps) OrderService {
	lockTimeout := deps.LockTimeout
	if lockTimeout <= 0 {
		lockTimeout = defaultLockTimeout
	}
	return &orderService{
		tx:              deps.Tx,
		orderRepo:       deps.OrderRepo,
		paymentRepo:     deps.PaymentRepo,
		certificateRepo: deps.CertificateRepo,
		locker:          deps.Locker,
		lockTimeout:     lockTimeout,
		paymentGtw:      deps.Gateway,
		notifier:        deps.Notifier,
		gatewayCfg:      deps.GatewayConfig,
	}
}

func (s *orderService) CreateOrder(ctx context.Context, req CreateOrderRequest) (*domain.Order, error) {
	addr, err := mail.ParseAddress(strings.TrimSpace(req.BuyerEmail))
	if err != nil {
		return nil, errors.Wrapf(domain.ErrInvalidOrder, "buyer email %q", req.BuyerEmail)
	}
	// the gateway and SMTP want the bare address, never a display name
	email := addr.Address

	now := time.Now().UTC()
	order := &domain.Order{
		BuyerEmail:  email,
		Flight:      req.Flight,
		EmissionsKg: req.EmissionsKg,
		SAFVolume:   req.SAFVolume,
		Price:       req.Price,
		PlatformFee: domain.PlatformFee(req.Price),
		Status:      domain.OrderPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	problem := validateOrder(req)
	if problem != "" {
		order.Status = domain.OrderError
		order.Notes = problem
	}

	err = s.tx.WithinTx(ctx, func(tx *sqlx.Tx) error {
		return s.orderRepo.CreateOrder(ctx, tx, order)
	})
	if err != nil {
		return nil, errors.Wrap(err, "create order")
	}

	logger := log.WithFields(log.Fields{"order_id": order.ID, "buyer_email": order.BuyerEmail})
	if problem != "" {
		logger.WithField("reason", problem).Warn("order recorded with ERROR status")
		s.notifier.Notify(notify.StatusChanged, *order, notify.Payload{})
		return order, errors.Wrap(domain.ErrInvalidOrder, problem)
	}

	logger.WithField("total", order.Total().StringFixed(2)).Info("order created")
	s.notifier.Notify(notify.OrderConfirmed, *order, notify.Payload{})
	return order, nil
}

func validateOrder(req CreateOrderRequest) string {
	var problems []string
	if !req.Price.IsPositive() {
		problems = append(problems, "price must be positive")
	}
	if req.SAFVolume <= 0 {
		problems = append(problems, "SAF volume must be positive")
	}
	if req.EmissionsKg < 0 {
		problems = append(problems, "emissions cannot be negative")
	}
	return strings.Join(problems, "; ")
}

// Checkout opens a gateway session for the order's total, or hands back the one
// still open. The order itself stays PENDING; only a gateway success event moves
// it forward.
func (s *orderService) Checkout(ctx context.Context, orderID int64) (*CheckoutResult, error) {
	unlock, err := acquireOrderLock(ctx, s.locker, s.lockTimeout, orderID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	order, err := s.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}

	if order.Status != domain.OrderPending && order.Status != domain.OrderProcessing {
		return nil, errors.Wrapf(domain.ErrInvalidState, "order %d is %s", order.ID, order.Status)
	}

	open, err := s.openCheckout(ctx, order)
	if err != nil {
		return nil, err
	}
	if open != nil {
		return open, nil
	}

	now := time.Now().UTC()
	p := &domain.Payment{
		OrderID:   order.ID,
		Amount:    order.Total(),
		Currency:  domain.DefaultCurrency,
		Status:    domain.PaymentPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err = s.tx.WithinTx(ctx, func(tx *sqlx.Tx) error {
		return s.paymentRepo.CreatePayment(ctx, tx, p)
	})
	if err != nil {
		return nil, errors.Wrap(err, "create payment")
	}

	logger := log.WithFields(log.Fields{"order_id": order.ID, "payment_id": p.ID})

	session, gwErr := s.paymentGtw.CreateCheckoutSession(ctx, s.sessionRequest(order, p))
	if gwErr != nil {
		logger.WithError(gwErr).Error("checkout session failed")
		p.Fail(gwErr.Error(), time.Now().UTC())
		if err := s.savePayment(ctx, p); err != nil {
			logger.WithError(err).Error("failed to record failed checkout")
		}
		if !errors.Is(gwErr, domain.ErrGateway) {
			gwErr = &payment.GatewayError{Op: "create checkout session", Err: gwErr}
		}
		return nil, gwErr
	}

	p.SessionID = &session.ID
	p.Status = domain.PaymentProcessing
	p.UpdatedAt = time.Now().UTC()
	if err := s.savePayment(ctx, p); err != nil {
		return nil, err
	}

	logger.WithFields(log.Fields{"session_id": session.ID, "amount": p.Amount.StringFixed(2)}).Info("checkout session created")
	return &CheckoutResult{PaymentID: p.ID, SessionID: session.ID, URL: session.URL, Amount: p.Amount}, nil
}

func (s *orderService) sessionRequest(order *domain.Order, p *domain.Payment) payment.SessionRequest {
	return payment.SessionRequest{
		OrderID:     order.ID,
		PaymentID:   p.ID,
		BuyerEmail:  order.BuyerEmail,
		Amount:      p.Amount,
		Currency:    p.Currency,
		Description: fmt.Sprintf("SAF certificate - %.2f gallons", order.SAFVolume),
		SuccessURL:  s.gatewayCfg.SuccessURL,
		CancelURL:   s.gatewayCfg.CancelURL,
	}
}

// openCheckout returns the order's session that the buyer can still pay, if any.
// A session the buyer already paid refuses a new checkout; failed or expired ones
// are left for reconciliation.
func (s *orderService) openCheckout(ctx context.Context, order *domain.Order) (*CheckoutResult, error) {
	payments, err := s.paymentRepo.FindByOrderID(ctx, order.ID)
	if err != nil {
		return nil, err
	}

	for i := range payments {
		p := &payments[i]
		if p.Status == domain.PaymentSucceeded {
			return nil, errors.Wrapf(domain.ErrInvalidState, "order %d already paid by payment %d", order.ID, p.ID)
		}
		if p.Status != domain.PaymentProcessing || p.SessionID == nil {
			continue
		}

		st, err := s.paymentGtw.SessionStatus(ctx, *p.SessionID)
		if err != nil {
			return nil, errors.Wrapf(err, "check open session %s", *p.SessionID)
		}
		switch st.Outcome {
		case payment.OutcomeSucceeded:
			return nil, errors.Wrapf(domain.ErrInvalidState, "order %d: session %s is paid, awaiting confirmation", order.ID, *p.SessionID)
		case payment.OutcomePending:
		default:
			continue
		}

		// the session call is idempotent per payment and returns the same session
		session, err := s.paymentGtw.CreateCheckoutSession(ctx, s.sessionRequest(order, p))
		if err != nil {
			return nil, err
		}
		if session.ID != *p.SessionID {
			log.WithFields(log.Fields{"order_id": order.ID, "payment_id": p.ID}).Warn("open session no longer resumable, starting a new one")
			continue
		}
		log.WithFields(log.Fields{"order_id": order.ID, "payment_id": p.ID, "session_id": session.ID}).Info("reusing open checkout session")
		return &CheckoutResult{PaymentID: p.ID, SessionID: session.ID, URL: session.URL, Amount: p.Amount}, nil
	}
	return nil, nil
}

func (s *orderService) savePayment(ctx context.Context, p *domain.Payment) error {
	return s.tx.WithinTx(ctx, func(tx *sqlx.Tx) error {
		return s.paymentRepo.UpdatePayment(ctx, tx, p)
	})
}

func (s *orderService) GetOrder(ctx context.Context, orderID int64) (*domain.Order, error) {
	order, err := s.orderRepo.FindById(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, errors.Wrapf(domain.ErrNotFound, "order %d", orderID)
	}
	return order, nil
}

func (s *orderService) PaymentForOrder(ctx context.Context, orderID int64) (*domain.Payment, error) {
	payments, err := s.paymentRepo.FindByOrderID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	p := pickPayment(payments)
	if p == nil {
		return nil, errors.Wrapf(domain.ErrNotFound, "payment for order %d", orderID)
	}
	return p, nil
}

func (s *orderService) CertificateForOrder(ctx context.Context, orderID int64) (*domain.Certificate, error) {
	cert, err := s.certificateRepo.FindByOrderID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if cert == nil {
		return nil, errors.Wrapf(domain.ErrNotFound, "certificate for order %d", orderID)
	}
	return cert, nil
}
