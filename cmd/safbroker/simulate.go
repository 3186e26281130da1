package main

import (
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"saf-broker/internal/config"
	"saf-broker/internal/domain"
	"saf-broker/internal/infrastructure/payment"
	"saf-broker/internal/service"
	"saf-broker/internal/worker"
)

var simulatedRoutes = [][2]string{
	{"SFO", "JFK"}, {"LHR", "DXB"}, {"SIN", "HND"}, {"CDG", "YUL"}, {"ORD", "MIA"},
}

// simulateCommand drives orders through the in-process gateway. Some buyers pay
// but their event never arrives; the final reconciliation pass must find them.
func simulateCommand() *cli.Command {
	return &cli.Command{
		Name:  "simulate",
		Usage: "push orders through checkout with the gateway simulator, then reconcile",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "orders", Aliases: []string{"n"}, Value: 20},
			&cli.DurationFlag{Name: "pause", Value: 100 * time.Millisecond},
		},
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signalContext(c)
			defer stop()

			sim := payment.NewSimulator("http://localhost:" + cfg.HTTP.Port)
			a, err := buildApp(ctx, cfg, sim)
			if err != nil {
				return err
			}
			defer a.Close()

			n := c.Int("orders")
			fmt.Printf("--- STARTING SIMULATION (%d ORDERS) ---\n", n)

			lost := 0
			for i := 0; i < n; i++ {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				route := simulatedRoutes[rand.IntN(len(simulatedRoutes))]
				volume := 50 + rand.Float64()*200
				order, err := a.orders.CreateOrder(ctx, service.CreateOrderRequest{
					BuyerEmail:  fmt.Sprintf("buyer%d@example.com", i+1),
					Flight:      domain.Flight{Number: fmt.Sprintf("SA%03d", rand.IntN(1000)), DepartureAirport: route[0], ArrivalAirport: route[1]},
					EmissionsKg: volume * 2.5,
					SAFVolume:   volume,
					Price:       decimal.NewFromFloat(volume * 1.8).Round(2),
				})
				if err != nil {
					log.WithError(err).Error("create order")
					continue
				}

				fmt.Printf("[%d] order %d: ", i+1, order.ID)
				checkout, err := a.orders.Checkout(ctx, order.ID)
				if err != nil {
					fmt.Printf("checkout FAILED: %v\n", err)
					continue
				}

				buyer, err := sim.SimulateBuyer(checkout.SessionID)
				if err != nil {
					fmt.Printf("buyer FAILED: %v\n", err)
					continue
				}

				switch {
				case !buyer.Delivered:
					lost++
					fmt.Printf("paid, event LOST in transit\n")
				case buyer.Outcome == payment.OutcomeSucceeded:
					f, err := a.fulfillment.CompleteFromGatewayEvent(ctx, checkout.SessionID, buyer.PaymentIntentID)
					if err != nil {
						fmt.Printf("paid, fulfillment FAILED: %v\n", err)
						continue
					}
					fmt.Printf("paid %s, certificate %s\n", checkout.Amount.StringFixed(2), f.Certificate.Number)
				default:
					if _, err := a.fulfillment.FailFromGatewayEvent(ctx, checkout.SessionID, buyer.Reason); err != nil {
						fmt.Printf("declined, recording FAILED: %v\n", err)
						continue
					}
					fmt.Printf("declined (%s)\n", buyer.Reason)
				}

				time.Sleep(c.Duration("pause"))
			}

			fmt.Printf("--- %d EVENTS LOST, RECONCILING ---\n", lost)
			// everything processing is stale for this pass
			rw := worker.NewReconciliationWorker(a.orderRepo, a.paymentRepo, a.certRepo, sim, a.fulfillment, config.Worker{
				StaleAfter: -time.Second,
				BatchSize:  n + 1,
			})
			report, err := rw.RunOnce(ctx)
			if err != nil {
				return err
			}
			return printJSON(report)
		},
	}
}
