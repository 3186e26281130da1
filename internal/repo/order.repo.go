package repo

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"saf-broker/internal/domain"
)

type OrderRepo interface {
	CreateOrder(ctx context.Context, tx *sqlx.Tx, order *domain.Order) error
	// FindById returns nil, nil when the order does not exist.
	FindById(ctx context.Context, id int64) (*domain.Order, error)
	UpdateOrderStatus(ctx context.Context, tx *sqlx.Tx, order *domain.Order) error
	// FindAwaitingFulfillment lists PAID orders without a certificate that have not
	// been touched for at least olderThan.
	FindAwaitingFulfillment(ctx context.Context, olderThan time.Duration, limit int) ([]domain.Order, error)
}

type orderRepo struct {
	db *sqlx.DB
}

func NewOrderRepo(db *sqlx.DB) OrderRepo {
	return &orderRepo{db: db}
}

const orderColumns = `id, buyer_email, flight_number, departure_airport, arrival_airport, flight_date,
	emissions_kg, saf_volume, price_usd, platform_fee_usd, status, notes, created_at, updated_at, completed_at`

func (r *orderRepo) CreateOrder(ctx context.Context, tx *sqlx.Tx, order *domain.Order) error {
	query := `
		INSERT INTO orders (buyer_email, flight_number, departure_airport, arrival_airport, flight_date,
			emissions_kg, saf_volume, price_usd, platform_fee_usd, status, notes, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING id
	`
	err := tx.QueryRowxContext(
		ctx, query,
		order.BuyerEmail, order.Flight.Number, order.DepartureAirport, order.ArrivalAirport, order.Flight.Date,
		order.EmissionsKg, order.SAFVolume, order.Price, order.PlatformFee, string(order.Status), order.Notes,
		order.CreatedAt, order.UpdatedAt,
	).Scan(&order.ID)
	if err != nil {
		return errors.Wrap(err, "insert order")
	}
	return nil
}

func (r *orderRepo) FindById(ctx context.Context, id int64) (*domain.Order, error) {
	var order domain.Order
	err := r.db.GetContext(ctx, &order, "SELECT "+orderColumns+" FROM orders WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "find order %d", id)
	}
	return &order, nil
}

func (r *orderRepo) UpdateOrderStatus(ctx context.Context, tx *sqlx.Tx, order *domain.Order) error {
	res, err := tx.ExecContext(ctx,
		"UPDATE orders SET status = $1, completed_at = $2, notes = $3, updated_at = $4 WHERE id = $5",
		string(order.Status), order.CompletedAt, order.Notes, order.UpdatedAt, order.ID,
	)
	if err != nil {
		return errors.Wrapf(err, "update order %d", order.ID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Wrapf(domain.ErrNotFound, "order %d", order.ID)
	}
	return nil
}

func (r *orderRepo) FindAwaitingFulfillment(ctx context.Context, olderThan time.Duration, limit int) ([]domain.Order, error) {
	var orders []domain.Order
	query := `
		SELECT ` + orderColumns + ` FROM orders o
		WHERE o.status = $1
		AND o.updated_at < $2
		AND NOT EXISTS (SELECT 1 FROM certificates c WHERE c.order_id = o.id)
		ORDER BY o.updated_at
		LIMIT $3
	`
	err := r.db.SelectContext(ctx, &orders, query, string(domain.OrderPaid), time.Now().Add(-olderThan), limit)
	if err != nil {
		return nil, errors.Wrap(err, "find orders awaiting fulfillment")
	}
	return orders, nil
}
