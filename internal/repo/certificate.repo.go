package repo

import (
	"context"
	"database/sql"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"saf-broker/internal/domain"
)

type CertificateRepo interface {
	CreateCertificate(ctx context.Context, tx *sqlx.Tx, cert *domain.Certificate) error
	// FindByOrderID returns nil, nil when the order has no certificate yet.
	FindByOrderID(ctx context.Context, orderID int64) (*domain.Certificate, error)
	// FindByRegistryPrefix lists certificates whose registry id starts with prefix,
	// used to report locally minted registry ids.
	FindByRegistryPrefix(ctx context.Context, prefix string, limit int) ([]domain.Certificate, error)
}

type certificateRepo struct {
	db *sqlx.DB
}

func NewCertificateRepo(db *sqlx.DB) CertificateRepo {
	return &certificateRepo{db: db}
}

const certificateColumns = `id, order_id, cert_number, artifact_uri, registry_id, issued_at`

func (r *certificateRepo) CreateCertificate(ctx context.Context, tx *sqlx.Tx, cert *domain.Certificate) error {
	query := `
		INSERT INTO certificates (order_id, cert_number, artifact_uri, registry_id, issued_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`
	err := tx.QueryRowxContext(ctx, query, cert.OrderID, cert.Number, cert.ArtifactURI, cert.RegistryID, cert.IssuedAt).
		Scan(&cert.ID)
	if err != nil {
		return errors.Wrapf(err, "insert certificate for order %d", cert.OrderID)
	}
	return nil
}

func (r *certificateRepo) FindByOrderID(ctx context.Context, orderID int64) (*domain.Certificate, error) {
	var cert domain.Certificate
	err := r.db.GetContext(ctx, &cert, "SELECT "+certificateColumns+" FROM certificates WHERE order_id = $1", orderID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "find certificate for order %d", orderID)
	}
	return &cert, nil
}

func (r *certificateRepo) FindByRegistryPrefix(ctx context.Context, prefix string, limit int) ([]domain.Certificate, error) {
	var certs []domain.Certificate
	err := r.db.SelectContext(ctx, &certs,
		"SELECT "+certificateColumns+" FROM certificates WHERE registry_id LIKE $1 ORDER BY issued_at DESC LIMIT $2",
		prefix+"%", limit)
	if err != nil {
		return nil, errors.Wrap(err, "find certificates by registry prefix")
	}
	return certs, nil
}
