package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"saf-broker/internal/config"
	"saf-broker/internal/database"
	"saf-broker/internal/server"
)

func main() {
	cliApp := &cli.App{
		Name:  "safbroker",
		Usage: "SAF certificate broker: payments, fulfillment and reconciliation",
		Commands: []*cli.Command{
			serveCommand(),
			migrateCommand(),
			reconcileCommand(),
			completeCommand(),
			refundCommand(),
			simulateCommand(),
		},
	}

	if err := cliApp.Run(os.Args); err != nil {
		log.WithError(err).Fatal("safbroker failed")
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	setupLogging(cfg.Log)
	return cfg, nil
}

func signalContext(c *cli.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "run the HTTP API and the reconciliation worker",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "migrate", Value: true, Usage: "apply migrations on startup"},
			&cli.BoolFlag{Name: "worker", Value: true, Usage: "run the reconciliation worker"},
		},
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if c.Bool("migrate") {
				if err := database.Migrate(cfg.DB.URL()); err != nil {
					return err
				}
			}

			ctx, stop := signalContext(c)
			defer stop()

			a, err := buildApp(ctx, cfg, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			certDir := ""
			if cfg.Storage.Backend == "file" {
				certDir = cfg.Storage.Dir
			}
			srv := server.NewServer(cfg.HTTP, a.orders, a.fulfillment, a.db, certDir)

			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error { return srv.Run(ctx) })
			if c.Bool("worker") {
				g.Go(func() error {
					a.worker.Run(ctx)
					return nil
				})
			}
			return g.Wait()
		},
	}
}

func migrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "apply database migrations",
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := database.Migrate(cfg.DB.URL()); err != nil {
				return err
			}
			log.Info("migrations applied")
			return nil
		},
	}
}

func reconcileCommand() *cli.Command {
	return &cli.Command{
		Name:  "reconcile",
		Usage: "run one reconciliation pass and print the report",
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signalContext(c)
			defer stop()

			a, err := buildApp(ctx, cfg, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := a.worker.RunOnce(ctx)
			if err != nil {
				return err
			}
			return printJSON(report)
		},
	}
}

func completeCommand() *cli.Command {
	return &cli.Command{
		Name:      "complete",
		Usage:     "push an order through fulfillment manually",
		ArgsUsage: " ",
		Flags: []cli.Flag{
			&cli.Int64Flag{Name: "order", Aliases: []string{"o"}, Required: true},
		},
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signalContext(c)
			defer stop()

			a, err := buildApp(ctx, cfg, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			f, err := a.fulfillment.CompleteManually(ctx, c.Int64("order"))
			if err != nil {
				return err
			}
			return printJSON(f)
		},
	}
}

func refundCommand() *cli.Command {
	return &cli.Command{
		Name:  "refund",
		Usage: "refund a settled payment",
		Flags: []cli.Flag{
			&cli.Int64Flag{Name: "payment", Aliases: []string{"p"}, Required: true},
			&cli.StringFlag{Name: "amount", Aliases: []string{"a"}, Required: true},
			&cli.StringFlag{Name: "reason", Value: "requested_by_customer"},
		},
		Action: func(c *cli.Context) error {
			amount, err := decimal.NewFromString(c.String("amount"))
			if err != nil {
				return fmt.Errorf("invalid amount %q: %w", c.String("amount"), err)
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signalContext(c)
			defer stop()

			a, err := buildApp(ctx, cfg, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			f, err := a.fulfillment.Refund(ctx, c.Int64("payment"), amount, c.String("reason"))
			if err != nil {
				return err
			}
			return printJSON(f)
		},
	}
}
