package repo

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"saf-broker/internal/domain"
)

type PaymentRepo interface {
	CreatePayment(ctx context.Context, tx *sqlx.Tx, payment *domain.Payment) error
	// Find* lookups return nil, nil when nothing matches.
	FindById(ctx context.Context, id int64) (*domain.Payment, error)
	FindBySessionID(ctx context.Context, sessionID string) (*domain.Payment, error)
	// FindByOrderID returns every attempt for the order, newest first.
	FindByOrderID(ctx context.Context, orderID int64) ([]domain.Payment, error)
	UpdatePayment(ctx context.Context, tx *sqlx.Tx, payment *domain.Payment) error
	FindProcessingBefore(ctx context.Context, before time.Time, limit int) ([]domain.Payment, error)
}

type paymentRepo struct {
	db *sqlx.DB
}

func NewPaymentRepo(db *sqlx.DB) PaymentRepo {
	return &paymentRepo{db: db}
}

const paymentColumns = `id, order_id, gateway_session_id, gateway_intent_id, amount, currency, gateway_fee,
	net_amount, refund_id, failure_reason, status, created_at, updated_at, completed_at`

func (r *paymentRepo) CreatePayment(ctx context.Context, tx *sqlx.Tx, payment *domain.Payment) error {
	query := `
		INSERT INTO payments (order_id, gateway_session_id, amount, currency, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`
	err := tx.QueryRowxContext(
		ctx, query,
		payment.OrderID, payment.SessionID, payment.Amount, payment.Currency, string(payment.Status),
		payment.CreatedAt, payment.UpdatedAt,
	).Scan(&payment.ID)
	if err != nil {
		return errors.Wrapf(err, "insert payment for order %d", payment.OrderID)
	}
	return nil
}

func (r *paymentRepo) FindById(ctx context.Context, id int64) (*domain.Payment, error) {
	return r.findOne(ctx, "SELECT "+paymentColumns+" FROM payments WHERE id = $1", id)
}

func (r *paymentRepo) FindBySessionID(ctx context.Context, sessionID string) (*domain.Payment, error) {
	return r.findOne(ctx, "SELECT "+paymentColumns+" FROM payments WHERE gateway_session_id = $1", sessionID)
}

func (r *paymentRepo) findOne(ctx context.Context, query string, arg any) (*domain.Payment, error) {
	var p domain.Payment
	err := r.db.GetContext(ctx, &p, query, arg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "find payment")
	}
	return &p, nil
}

func (r *paymentRepo) FindByOrderID(ctx context.Context, orderID int64) ([]domain.Payment, error) {
	var payments []domain.Payment
	err := r.db.SelectContext(ctx, &payments,
		"SELECT "+paymentColumns+" FROM payments WHERE order_id = $1 ORDER BY created_at DESC, id DESC", orderID)
	if err != nil {
		return nil, errors.Wrapf(err, "find payments for order %d", orderID)
	}
	return payments, nil
}

func (r *paymentRepo) UpdatePayment(ctx context.Context, tx *sqlx.Tx, payment *domain.Payment) error {
	query := `
		UPDATE payments
		SET status = $2,
		    gateway_session_id = COALESCE($3, gateway_session_id),
		    gateway_intent_id = COALESCE($4, gateway_intent_id),
		    gateway_fee = $5,
		    net_amount = $6,
		    refund_id = $7,
		    failure_reason = $8,
		    completed_at = $9,
		    updated_at = $10
		WHERE id = $1
	`
	res, err := tx.ExecContext(
		ctx, query,
		payment.ID, string(payment.Status), payment.SessionID, payment.PaymentIntentID,
		payment.GatewayFee, payment.NetAmount, payment.RefundID, payment.FailureReason,
		payment.CompletedAt, payment.UpdatedAt,
	)
	if err != nil {
		return errors.Wrapf(err, "update payment %d", payment.ID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Wrapf(domain.ErrNotFound, "payment %d", payment.ID)
	}
	return nil
}

func (r *paymentRepo) FindProcessingBefore(ctx context.Context, before time.Time, limit int) ([]domain.Payment, error) {
	query := `
		SELECT ` + paymentColumns + ` FROM payments
		WHERE status = $1
		AND gateway_session_id IS NOT NULL
		AND created_at < $2
		ORDER BY created_at
		LIMIT $3
	`
	var payments []domain.Payment
	if err := r.db.SelectContext(ctx, &payments, query, string(domain.PaymentProcessing), before, limit); err != nil {
		return nil, errors.Wrap(err, "find processing payments")
	}
	return payments, nil
}
