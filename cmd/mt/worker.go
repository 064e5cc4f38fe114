package main

import (
	"fmt"
	"os/signal"
	"syscall"

	mthttp "github.com/brojonat/moldtank/http"
	"github.com/brojonat/moldtank/worker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
)

func workerCommands() []*cli.Command {
	return []*cli.Command{
		{
			Name:  "worker",
			Usage: "Run the validation queue, expiry sweeper and payout retry worker",
			Flags: append(serviceFlags(),
				&cli.BoolFlag{
					Name:  "check-connection",
					Usage: "Check Temporal connection and exit (for health checks)",
					Value: false,
				},
				&cli.StringFlag{
					Name:    "metrics-port",
					Usage:   "Serve Prometheus metrics on this port",
					EnvVars: []string{"METRICS_PORT"},
				},
			),
			Action: runWorker,
		},
	}
}

func runWorker(c *cli.Context) error {
	ctx, cancel := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	l, err := loggerFromFlags(c)
	if err != nil {
		return err
	}
	cfg := configFromFlags(c)

	if c.Bool("check-connection") {
		if err := worker.CheckConnection(ctx, l, cfg.TemporalAddress, cfg.TemporalNamespace); err != nil {
			return fmt.Errorf("health check failed: %w", err)
		}
		return nil
	}

	if port := c.String("metrics-port"); port != "" {
		go func() {
			if err := mthttp.RunServer(ctx, l, promhttp.Handler(), port); err != nil {
				l.Error("metrics server failed", "error", err)
			}
		}()
	}
	return worker.RunWorker(ctx, l, cfg, prometheus.DefaultRegisterer)
}
