package database

import (
	"context"
	"fmt"
	"strconv"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"saf-broker/internal/config"
)

// Service wraps the shared connection pool.
type Service interface {
	// DB returns the pool used by repositories.
	DB() *sqlx.DB

	// LockDB returns the small pool reserved for advisory lock sessions.
	LockDB() *sqlx.DB

	// Health returns a map of health status information.
	// The keys and values in the map are service-specific.
	Health(ctx context.Context) map[string]string

	// Close terminates the database connection.
	Close() error
}

type service struct {
	db     *sqlx.DB
	lockDB *sqlx.DB
	name   string
}

// NewPostgres opens the repository pool and the lock pool and verifies both with a ping.
func NewPostgres(ctx context.Context, cfg config.Database) (Service, error) {
	db, err := Open(ctx, cfg.URL())
	if err != nil {
		return nil, err
	}
	if cfg.MaxConns > 0 {
		db.SetMaxOpenConns(cfg.MaxConns)
		db.SetMaxIdleConns(cfg.MaxConns / 2)
	}
	db.SetConnMaxLifetime(30 * time.Minute)

	lockDB, err := Open(ctx, cfg.URL())
	if err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "open lock pool")
	}
	if cfg.LockConns > 0 {
		lockDB.SetMaxOpenConns(cfg.LockConns)
		lockDB.SetMaxIdleConns(cfg.LockConns)
	}

	return &service{db: db, lockDB: lockDB, name: cfg.Database}, nil
}

// Open connects to a postgres URL through the pgx stdlib driver.
func Open(ctx context.Context, url string) (*sqlx.DB, error) {
	db, err := sqlx.Open("pgx", url)
	if err != nil {
		return nil, errors.Wrap(err, "open postgres")
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "ping postgres")
	}
	return db, nil
}

func (s *service) DB() *sqlx.DB {
	return s.db
}

func (s *service) LockDB() *sqlx.DB {
	return s.lockDB
}

// Health pings the database and reports pool statistics.
func (s *service) Health(ctx context.Context) map[string]string {
	ctx, cancel := context.WithTimeout(ctx, 1*time.Second)
	defer cancel()

	stats := make(map[string]string)

	if err := s.db.PingContext(ctx); err != nil {
		stats["status"] = "down"
		stats["error"] = fmt.Sprintf("db down: %v", err)
		log.WithError(err).Error("database health check failed")
		return stats
	}

	stats["status"] = "up"
	stats["message"] = "It's healthy"

	dbStats := s.db.Stats()
	stats["open_connections"] = strconv.Itoa(dbStats.OpenConnections)
	stats["in_use"] = strconv.Itoa(dbStats.InUse)
	stats["idle"] = strconv.Itoa(dbStats.Idle)
	stats["wait_count"] = strconv.FormatInt(dbStats.WaitCount, 10)
	stats["wait_duration"] = dbStats.WaitDuration.String()

	lockStats := s.lockDB.Stats()
	stats["lock_in_use"] = strconv.Itoa(lockStats.InUse)

	// each lock holder pins one lock connection
	if lockStats.MaxOpenConnections > 0 && lockStats.InUse >= lockStats.MaxOpenConnections {
		stats["message"] = "Every lock connection is held; order operations are queueing for locks."
	} else if dbStats.WaitCount > 1000 {
		stats["message"] = "The database has a high number of wait events, indicating potential bottlenecks."
	}

	return stats
}

func (s *service) Close() error {
	log.WithField("database", s.name).Info("disconnected from database")
	lockErr := s.lockDB.Close()
	if err := s.db.Close(); err != nil {
		return err
	}
	return lockErr
}
