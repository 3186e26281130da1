package worker

import (
	"context"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"saf-broker/internal/config"
	"saf-broker/internal/domain"
	"saf-broker/internal/infrastructure/payment"
	"saf-broker/internal/infrastructure/registry"
	"saf-broker/internal/repo"
	"saf-broker/internal/service"
)

// Report summarizes one reconciliation pass.
type Report struct {
	Checked   int `json:"checked"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Resumed   int `json:"resumed"`
	Errors    int `json:"errors"`
	// Unconfirmed counts certificates still carrying a locally minted registry id,
	// capped at the batch size. They stay as issued; an operator confirms them.
	Unconfirmed int `json:"unconfirmed"`
}

// ReconciliationWorker recovers payments whose gateway event never arrived and
// PAID orders whose certificate was never issued.
type ReconciliationWorker struct {
	orderRepo       repo.OrderRepo
	paymentRepo     repo.PaymentRepo
	certificateRepo repo.CertificateRepo
	gateway         payment.Gateway
	fulfillment     service.FulfillmentService
	cfg             config.Worker
}

func NewReconciliationWorker(
	orderRepo repo.OrderRepo,
	paymentRepo repo.PaymentRepo,
	certificateRepo repo.CertificateRepo,
	gateway payment.Gateway,
	fulfillment service.FulfillmentService,
	cfg config.Worker,
) *ReconciliationWorker {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	return &ReconciliationWorker{
		orderRepo:       orderRepo,
		paymentRepo:     paymentRepo,
		certificateRepo: certificateRepo,
		gateway:         gateway,
		fulfillment:     fulfillment,
		cfg:             cfg,
	}
}

func (rw *ReconciliationWorker) Run(ctx context.Context) {
	ticker := time.NewTicker(rw.cfg.Interval)
	defer ticker.Stop()

	log.WithField("interval", rw.cfg.Interval).Info("reconciliation worker started")

	for {
		select {
		case <-ctx.Done():
			log.Info("reconciliation worker stopped")
			return
		case <-ticker.C:
			report, err := rw.RunOnce(ctx)
			if err != nil {
				log.WithError(err).Error("reconciliation failed")
				continue
			}
			if report.Checked > 0 {
				log.WithFields(log.Fields{
					"checked":   report.Checked,
					"completed": report.Completed,
					"failed":    report.Failed,
					"resumed":   report.Resumed,
					"errors":    report.Errors,
				}).Info("reconciliation pass finished")
			}
			if report.Unconfirmed > 0 {
				log.WithField("unconfirmed", report.Unconfirmed).Warn("certificates awaiting registry confirmation")
			}
		}
	}
}

// RunOnce performs a single pass. Per-item failures are counted and logged;
// only a failed query aborts the pass.
func (rw *ReconciliationWorker) RunOnce(ctx context.Context) (Report, error) {
	var report Report

	if err := rw.reconcilePayments(ctx, &report); err != nil {
		return report, err
	}
	if err := rw.resumeFulfillment(ctx, &report); err != nil {
		return report, err
	}
	if err := rw.countUnconfirmed(ctx, &report); err != nil {
		return report, err
	}
	return report, nil
}

// countUnconfirmed only reports; certificates are never re-registered.
func (rw *ReconciliationWorker) countUnconfirmed(ctx context.Context, report *Report) error {
	certs, err := rw.certificateRepo.FindByRegistryPrefix(ctx, registry.FallbackPrefix, rw.cfg.BatchSize)
	if err != nil {
		return errors.Wrap(err, "find unconfirmed certificates")
	}
	report.Unconfirmed = len(certs)
	return nil
}

// reconcilePayments asks the gateway about PROCESSING payments that have gone quiet.
func (rw *ReconciliationWorker) reconcilePayments(ctx context.Context, report *Report) error {
	stale, err := rw.paymentRepo.FindProcessingBefore(ctx, time.Now().Add(-rw.cfg.StaleAfter), rw.cfg.BatchSize)
	if err != nil {
		return errors.Wrap(err, "find stale payments")
	}

	for _, p := range stale {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		report.Checked++
		sessionID := *p.SessionID
		logger := log.WithFields(log.Fields{"order_id": p.OrderID, "payment_id": p.ID, "session_id": sessionID})

		st, err := rw.gateway.SessionStatus(ctx, sessionID)
		if err != nil {
			report.Errors++
			logger.WithError(err).Warn("status check failed, will retry next pass")
			continue
		}

		switch st.Outcome {
		case payment.OutcomeSucceeded:
			logger.Warn("found paid session with no event, completing")
			if _, err := rw.fulfillment.CompleteFromGatewayEvent(ctx, sessionID, st.PaymentIntentID); err != nil {
				report.Errors++
				logger.WithError(err).Error("completion from reconciliation failed")
				continue
			}
			report.Completed++

		case payment.OutcomeFailed, payment.OutcomeExpired:
			reason := st.FailureReason
			if reason == "" {
				reason = "checkout session " + string(st.Outcome)
			}
			if _, err := rw.fulfillment.FailFromGatewayEvent(ctx, sessionID, reason); err != nil {
				report.Errors++
				logger.WithError(err).Error("failing abandoned payment failed")
				continue
			}
			report.Failed++

		default:
			logger.Debug("session still pending")
		}
	}
	return nil
}

// resumeFulfillment retries the certificate tail for orders stuck at PAID.
func (rw *ReconciliationWorker) resumeFulfillment(ctx context.Context, report *Report) error {
	orders, err := rw.orderRepo.FindAwaitingFulfillment(ctx, rw.cfg.StaleAfter, rw.cfg.BatchSize)
	if err != nil {
		return errors.Wrap(err, "find orders awaiting fulfillment")
	}

	for _, o := range orders {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		report.Checked++
		logger := log.WithField("order_id", o.ID)

		if _, err := rw.fulfillment.CompleteManually(ctx, o.ID); err != nil {
			report.Errors++
			if errors.Is(err, domain.ErrFulfillmentIncomplete) {
				logger.WithError(err).Warn("fulfillment still incomplete")
			} else {
				logger.WithError(err).Error("resume fulfillment failed")
			}
			continue
		}
		report.Resumed++
		logger.Info("fulfillment resumed")
	}
	return nil
}
