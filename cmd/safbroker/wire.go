package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"saf-broker/internal/artifact"
	"saf-broker/internal/config"
	"saf-broker/internal/database"
	"saf-broker/internal/infrastructure/notify"
	"saf-broker/internal/infrastructure/payment"
	"saf-broker/internal/infrastructure/registry"
	"saf-broker/internal/infrastructure/storage"
	"saf-broker/internal/lock"
	"saf-broker/internal/repo"
	"saf-broker/internal/service"
	"saf-broker/internal/worker"
)

type app struct {
	cfg         *config.Config
	db          database.Service
	dispatcher  *notify.Dispatcher
	orderRepo   repo.OrderRepo
	paymentRepo repo.PaymentRepo
	certRepo    repo.CertificateRepo
	orders      service.OrderService
	fulfillment service.FulfillmentService
	worker      *worker.ReconciliationWorker
}

func setupLogging(cfg config.Log) {
	level, err := log.ParseLevel(cfg.Level)
	if err != nil {
		level = log.InfoLevel
	}
	log.SetLevel(level)
	log.SetOutput(os.Stdout)
	if cfg.Format == "text" {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	} else {
		log.SetFormatter(&log.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	}
}

func newGateway(cfg *config.Config) (payment.Gateway, error) {
	switch cfg.Gateway.Provider {
	case "stripe":
		if cfg.Gateway.SecretKey == "" {
			return nil, errors.New("GATEWAY_SECRET_KEY is required for the stripe provider")
		}
		return payment.NewStripeGateway(cfg.Gateway), nil
	case "simulator", "":
		return payment.NewSimulator("http://localhost:" + cfg.HTTP.Port), nil
	}
	return nil, fmt.Errorf("unknown gateway provider %q", cfg.Gateway.Provider)
}

func newLocker(cfg *config.Config, db database.Service) (lock.Locker, error) {
	switch cfg.LockBackend {
	case "postgres", "":
		return lock.NewAdvisoryLocker(db.LockDB()), nil
	case "memory":
		log.Warn("using in-process order locks; run a single instance only")
		return lock.NewKeyedMutex(), nil
	}
	return nil, fmt.Errorf("unknown lock backend %q", cfg.LockBackend)
}

// buildApp wires every component. gw overrides the configured gateway when non-nil.
func buildApp(ctx context.Context, cfg *config.Config, gw payment.Gateway) (*app, error) {
	db, err := database.NewPostgres(ctx, cfg.DB)
	if err != nil {
		return nil, err
	}

	if gw == nil {
		if gw, err = newGateway(cfg); err != nil {
			db.Close()
			return nil, err
		}
	}

	locker, err := newLocker(cfg, db)
	if err != nil {
		db.Close()
		return nil, err
	}

	store, err := storage.New(cfg.Storage)
	if err != nil {
		db.Close()
		return nil, err
	}

	dispatcher := notify.NewDispatcher(
		notify.NewSender(cfg.Mail),
		notify.NewRenderer(cfg.Mail.OrdersURL),
		cfg.Mail.Timeout,
		cfg.Mail.MaxInFlight,
	)

	tx := repo.NewTransactor(db.DB())
	orderRepo := repo.NewOrderRepo(db.DB())
	paymentRepo := repo.NewPaymentRepo(db.DB())
	certificateRepo := repo.NewCertificateRepo(db.DB())

	fulfillment := service.NewFulfillmentService(service.FulfillmentDeps{
		Tx:              tx,
		OrderRepo:       orderRepo,
		PaymentRepo:     paymentRepo,
		CertificateRepo: certificateRepo,
		Locker:          locker,
		LockTimeout:     cfg.LockTimeout,
		Artifacts:       artifact.NewGenerator(store),
		Registry:        registry.FromConfig(cfg.Registry),
		Gateway:         gw,
		Notifier:        dispatcher,
	})
	orders := service.NewOrderService(service.OrderDeps{
		Tx:              tx,
		OrderRepo:       orderRepo,
		PaymentRepo:     paymentRepo,
		CertificateRepo: certificateRepo,
		Locker:          locker,
		LockTimeout:     cfg.LockTimeout,
		Gateway:         gw,
		Notifier:        dispatcher,
		GatewayConfig:   cfg.Gateway,
	})

	return &app{
		cfg:         cfg,
		db:          db,
		dispatcher:  dispatcher,
		orderRepo:   orderRepo,
		paymentRepo: paymentRepo,
		certRepo:    certificateRepo,
		orders:      orders,
		fulfillment: fulfillment,
		worker:      worker.NewReconciliationWorker(orderRepo, paymentRepo, certificateRepo, gw, fulfillment, cfg.Worker),
	}, nil
}

func (a *app) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Mail.Timeout+time.Second)
	defer cancel()
	if err := a.dispatcher.Close(ctx); err != nil {
		log.WithError(err).Warn("dropping in-flight notifications")
	}
	if err := a.db.Close(); err != nil {
		log.WithError(err).Error("close database")
	}
}
