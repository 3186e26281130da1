package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const CertificateNumberPrefix = "CERT"

type Certificate struct {
	ID          int64     `db:"id" json:"id"`
	OrderID     int64     `db:"order_id" json:"orderId"`
	Number      string    `db:"cert_number" json:"certNumber"`
	ArtifactURI string    `db:"artifact_uri" json:"artifactUri"`
	RegistryID  *string   `db:"registry_id" json:"registryId,omitempty"`
	IssuedAt    time.Time `db:"issued_at" json:"issuedAt"`
}

// NewCertificateNumber returns CERT-<orderId>-<8 upper hex chars>.
func NewCertificateNumber(orderID int64) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
	return fmt.Sprintf("%s-%d-%s", CertificateNumberPrefix, orderID, suffix)
}

func NewCertificate(orderID int64, artifactURI, registryID string, now time.Time) *Certificate {
	return &Certificate{
		OrderID:     orderID,
		Number:      NewCertificateNumber(orderID),
		ArtifactURI: artifactURI,
		RegistryID:  &registryID,
		IssuedAt:    now,
	}
}
