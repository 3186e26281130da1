// Package registry records issued certificates with the external SAF registry.
package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"saf-broker/internal/config"
)

// FallbackPrefix marks ids minted locally because no registrar answered.
// The reconciliation pass counts such certificates for operators; they are
// never re-registered, since an issued certificate does not change.
const FallbackPrefix = "REG-LOCAL-"

const defaultTimeout = 3 * time.Second

// Registrar is one upstream able to confirm a certificate registration.
type Registrar interface {
	Name() string
	Register(ctx context.Context, orderID int64, artifactURI string) (string, error)
}

// Client tries its registrars in order and never fails: when all of them do,
// it mints a local id with FallbackPrefix.
type Client struct {
	registrars []Registrar
	timeout    time.Duration
}

func NewClient(timeout time.Duration, registrars ...Registrar) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{registrars: registrars, timeout: timeout}
}

// FromConfig wires the HTTP registry when it is enabled; otherwise every
// registration falls back to a local id.
func FromConfig(cfg config.Registry) *Client {
	var registrars []Registrar
	if cfg.Enabled && cfg.BaseURL != "" {
		registrars = append(registrars, NewHTTPRegistrar(cfg.BaseURL, cfg.Timeout))
	}
	return NewClient(cfg.Timeout, registrars...)
}

func (c *Client) Register(ctx context.Context, orderID int64, artifactURI string) string {
	logger := log.WithFields(log.Fields{"order_id": orderID, "artifact_uri": artifactURI})

	for _, r := range c.registrars {
		id, err := c.try(ctx, r, orderID, artifactURI)
		if err == nil {
			logger.WithFields(log.Fields{"registrar": r.Name(), "registry_id": id}).Info("certificate registered")
			return id
		}
		logger.WithError(err).WithField("registrar", r.Name()).Warn("registrar failed, trying next")
	}

	id := NewFallbackID()
	logger.WithField("registry_id", id).Warn("no registrar available, using local fallback id")
	return id
}

func (c *Client) try(ctx context.Context, r Registrar, orderID int64, artifactURI string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	id, err := r.Register(ctx, orderID, artifactURI)
	if err != nil {
		return "", err
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return "", errors.New("empty registry id")
	}
	// an upstream must never hand us an id that looks locally minted
	if IsFallbackID(id) {
		return "", fmt.Errorf("registry id %q uses the reserved local prefix", id)
	}
	return id, nil
}

func NewFallbackID() string {
	return FallbackPrefix + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
}

func IsFallbackID(id string) bool {
	return strings.HasPrefix(id, FallbackPrefix)
}

type httpRegistrar struct {
	client  *http.Client
	baseURL string
}

type registerRequest struct {
	OrderID     int64  `json:"orderId"`
	ArtifactURI string `json:"artifactUri"`
}

type registerResponse struct {
	RegistryID string `json:"registryId"`
}

// NewHTTPRegistrar posts registrations to baseURL/certificates.
func NewHTTPRegistrar(baseURL string, timeout time.Duration) Registrar {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &httpRegistrar{
		client:  &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

func (r *httpRegistrar) Name() string { return "http" }

func (r *httpRegistrar) Register(ctx context.Context, orderID int64, artifactURI string) (string, error) {
	body, err := json.Marshal(registerRequest{OrderID: orderID, ArtifactURI: artifactURI})
	if err != nil {
		return "", errors.Wrap(err, "marshal registration")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/certificates", bytes.NewReader(body))
	if err != nil {
		return "", errors.Wrap(err, "new registry request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "registry request")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return "", errors.Wrap(err, "read registry response")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("registry error %d: %s", resp.StatusCode, string(raw))
	}

	var out registerResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", errors.Wrap(err, "decode registry response")
	}
	return out.RegistryID, nil
}
