// Package lock serializes work on a single order across goroutines or processes.
package lock

import (
	"context"
	"database/sql/driver"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Locker hands out an exclusive scope per order id. The returned unlock func
// must be called exactly once.
type Locker interface {
	Lock(ctx context.Context, orderID int64) (unlock func(), err error)
}

// advisoryLocker takes postgres session advisory locks with pg_try_advisory_lock,
// polling until ctx is done. Waiters hold no connection between attempts and a
// holder pins exactly one, so db should be a pool reserved for locks: work done
// under the lock then never competes with lock holders for a connection.
// If the process dies the connection drops and postgres releases the lock.
type advisoryLocker struct {
	db   *sqlx.DB
	poll time.Duration
}

const defaultPoll = 25 * time.Millisecond

func NewAdvisoryLocker(db *sqlx.DB) Locker {
	return &advisoryLocker{db: db, poll: defaultPoll}
}

func (l *advisoryLocker) Lock(ctx context.Context, orderID int64) (func(), error) {
	ticker := time.NewTicker(l.poll)
	defer ticker.Stop()

	for {
		conn, err := l.tryLock(ctx, orderID)
		if err != nil {
			return nil, err
		}
		if conn != nil {
			return l.unlocker(conn, orderID), nil
		}

		select {
		case <-ctx.Done():
			return nil, errors.Wrapf(ctx.Err(), "advisory lock order %d", orderID)
		case <-ticker.C:
		}
	}
}

// tryLock returns the connection holding the lock, or nil when another session has it.
func (l *advisoryLocker) tryLock(ctx context.Context, orderID int64) (*sqlx.Conn, error) {
	conn, err := l.db.Connx(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "acquire lock connection")
	}

	var acquired bool
	if err := conn.QueryRowxContext(ctx, "SELECT pg_try_advisory_lock($1)", orderID).Scan(&acquired); err != nil {
		_ = conn.Close()
		return nil, errors.Wrapf(err, "advisory lock order %d", orderID)
	}
	if !acquired {
		_ = conn.Close()
		return nil, nil
	}
	return conn, nil
}

func (l *advisoryLocker) unlocker(conn *sqlx.Conn, orderID int64) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			// the caller's ctx may already be cancelled; unlock regardless
			if _, err := conn.ExecContext(context.Background(), "SELECT pg_advisory_unlock($1)", orderID); err != nil {
				log.WithError(err).WithField("order_id", orderID).Warn("advisory unlock failed, dropping connection")
				_ = conn.Raw(func(any) error { return driver.ErrBadConn })
			}
			_ = conn.Close()
		})
	}
}

type keyedMutex struct {
	mu    sync.Mutex
	locks map[int64]*entry
}

type entry struct {
	ch   chan struct{}
	refs int
}

// NewKeyedMutex returns an in-process Locker, suitable for single-instance
// deployments and tests.
func NewKeyedMutex() Locker {
	return &keyedMutex{locks: make(map[int64]*entry)}
}

func (k *keyedMutex) Lock(ctx context.Context, orderID int64) (func(), error) {
	k.mu.Lock()
	e, ok := k.locks[orderID]
	if !ok {
		e = &entry{ch: make(chan struct{}, 1)}
		k.locks[orderID] = e
	}
	e.refs++
	k.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		k.release(orderID, e)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.ch
			k.release(orderID, e)
		})
	}, nil
}

func (k *keyedMutex) release(orderID int64, e *entry) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(k.locks, orderID)
	}
}
