// Package storage persists generated certificate documents and hands back a
// URI the buyer can later fetch them from.
package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"

	"saf-broker/internal/config"
)

type DocumentStore interface {
	// Put stores data under key, overwriting any previous object, and returns a stable URI.
	Put(ctx context.Context, key, contentType string, data []byte) (string, error)
}

func New(cfg config.Storage) (DocumentStore, error) {
	switch cfg.Backend {
	case "file", "":
		return NewFileStore(cfg.Dir, cfg.PublicURL)
	case "http":
		if cfg.BlobURL == "" {
			return nil, errors.New("STORAGE_BLOB_URL is required for the http backend")
		}
		return NewHTTPStore(cfg.BlobURL, cfg.Timeout), nil
	}
	return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
}

type fileStore struct {
	dir       string
	publicURL string
}

// NewFileStore writes objects below dir; the returned URI is publicURL/key.
func NewFileStore(dir, publicURL string) (DocumentStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create storage dir %s", dir)
	}
	return &fileStore{dir: dir, publicURL: strings.TrimRight(publicURL, "/")}, nil
}

func (s *fileStore) Put(ctx context.Context, key, _ string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	name, err := cleanKey(key)
	if err != nil {
		return "", err
	}

	// write-then-rename so readers never see a half written document
	tmp, err := os.CreateTemp(s.dir, "."+name+".*")
	if err != nil {
		return "", errors.Wrap(err, "create temp file")
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", errors.Wrapf(err, "write %s", name)
	}
	if err := tmp.Close(); err != nil {
		return "", errors.Wrapf(err, "close %s", name)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(s.dir, name)); err != nil {
		return "", errors.Wrapf(err, "publish %s", name)
	}
	return s.publicURL + "/" + url.PathEscape(name), nil
}

type httpStore struct {
	client  *http.Client
	baseURL string
}

// NewHTTPStore PUTs objects to baseURL/key, e.g. a blob container URL with
// write access. The object URL (without query string) is returned.
func NewHTTPStore(baseURL string, timeout time.Duration) DocumentStore {
	return &httpStore{
		client:  &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

func (s *httpStore) Put(ctx context.Context, key, contentType string, data []byte) (string, error) {
	name, err := cleanKey(key)
	if err != nil {
		return "", err
	}

	base, err := url.Parse(s.baseURL)
	if err != nil {
		return "", errors.Wrap(err, "parse blob url")
	}
	target := *base
	target.Path = strings.TrimRight(base.Path, "/") + "/" + name

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, target.String(), bytes.NewReader(data))
	if err != nil {
		return "", errors.Wrap(err, "new put request")
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("x-ms-blob-type", "BlockBlob")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", errors.Wrapf(err, "put %s", name)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("put %s: unexpected status %d", name, resp.StatusCode)
	}

	target.RawQuery = ""
	return target.String(), nil
}

func cleanKey(key string) (string, error) {
	name := filepath.Base(filepath.Clean("/" + key))
	if name == "/" || name == "." || name == "" {
		return "", fmt.Errorf("invalid object key %q", key)
	}
	return name, nil
}
