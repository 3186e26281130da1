// Package notify sends best-effort status emails to buyers.
package notify

import (
	"context"
	"fmt"
	"net/mail"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"saf-broker/internal/domain"
)

type Kind string

const (
	OrderConfirmed   Kind = "order_confirmed"
	PaymentConfirmed Kind = "payment_confirmed"
	CertificateReady Kind = "certificate_ready"
	StatusChanged    Kind = "status_changed"
)

// Payload carries the optional details a message kind needs.
type Payload struct {
	Payment        *domain.Payment
	CertificateURI string
	CertNumber     string
}

type Message struct {
	To      string
	Subject string
	Body    string
	HTML    bool
}

type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// Notifier is what the coordinator depends on. Notify never blocks on delivery
// and never reports failure.
type Notifier interface {
	Notify(kind Kind, order domain.Order, payload Payload)
}

type Dispatcher struct {
	sender   Sender
	renderer *Renderer
	timeout  time.Duration
	sem      *semaphore.Weighted
	wg       sync.WaitGroup
}

func NewDispatcher(sender Sender, renderer *Renderer, timeout time.Duration, maxInFlight int64) *Dispatcher {
	if maxInFlight <= 0 {
		maxInFlight = 1
	}
	return &Dispatcher{
		sender:   sender,
		renderer: renderer,
		timeout:  timeout,
		sem:      semaphore.NewWeighted(maxInFlight),
	}
}

func (d *Dispatcher) Notify(kind Kind, order domain.Order, payload Payload) {
	logger := log.WithFields(log.Fields{"order_id": order.ID, "kind": kind})

	if _, err := mail.ParseAddress(order.BuyerEmail); err != nil {
		logger.WithField("email", order.BuyerEmail).Warn("invalid recipient, skipping notification")
		return
	}

	msg, err := d.renderer.Render(kind, order, payload)
	if err != nil {
		logger.WithError(err).Error("render notification")
		return
	}

	if !d.sem.TryAcquire(1) {
		logger.Warn("too many notifications in flight, dropping")
		return
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer d.sem.Release(1)

		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()

		if err := d.sender.Send(ctx, msg); err != nil {
			logger.WithError(err).Error("notification failed")
			return
		}
		logger.Info("notification sent")
	}()
}

// Close waits for in-flight sends, bounded by ctx.
func (d *Dispatcher) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("notifications still in flight: %w", ctx.Err())
	}
}
