package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	mthttp "github.com/brojonat/moldtank/http"
	"github.com/brojonat/moldtank/mt"
	"github.com/brojonat/moldtank/worker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/urfave/cli/v2"
	"go.temporal.io/sdk/client"
	"golang.org/x/sync/errgroup"
)

func serverCommands() []*cli.Command {
	return []*cli.Command{
		{
			Name:  "http-server",
			Usage: "Run the HTTP server",
			Flags: append(serviceFlags(),
				&cli.StringFlag{
					Name:    "port",
					Aliases: []string{"p"},
					Usage:   "Port to listen on",
					EnvVars: []string{"SERVER_PORT"},
					Value:   "8080",
				},
				&cli.BoolFlag{
					Name:    "embedded-queue",
					Usage:   "Validate submissions in this process instead of a separate worker",
					EnvVars: []string{"MOLDTANK_EMBEDDED_QUEUE"},
					Value:   true,
				},
			),
			Action: runServer,
		},
	}
}

func runServer(c *cli.Context) error {
	ctx, cancel := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger, err := loggerFromFlags(c)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	cfg := configFromFlags(c)
	deps, err := worker.Build(ctx, logger, cfg, reg)
	if err != nil {
		return err
	}
	defer deps.Close()

	// failed inline payouts are retried by the worker when Temporal is up
	var scheduler mt.PayoutScheduler
	if cfg.TemporalAddress != "" {
		tc, err := client.Dial(client.Options{
			Logger:    logger,
			HostPort:  cfg.TemporalAddress,
			Namespace: cfg.TemporalNamespace,
		})
		if err != nil {
			return fmt.Errorf("failed to create temporal client: %w", err)
		}
		defer tc.Close()
		scheduler = &mt.TemporalPayoutScheduler{Client: tc, TaskQueue: cfg.TaskQueue}
	}

	funding, err := mthttp.FundingConfigFromEnv()
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	svc := mthttp.Services{
		Bounties: deps.Bounties,
		Agents:   deps.Agents,
		Settler:  deps.Settler,
		Verifier: deps.Verifier,
		Gatherer: reg,
		Funding:  funding,
	}
	if c.Bool("embedded-queue") {
		q, err := deps.NewQueue(scheduler)
		if err != nil {
			return err
		}
		svc.Intake = deps.NewIntake(q.EnqueueHook())
		svc.Submissions = deps.NewSubmissions(q.EnqueueHook())
		g.Go(func() error { return q.Run(ctx) })
		g.Go(func() error { return worker.RunSweeper(ctx, logger, deps.Bounties, cfg.SweepInterval) })
	} else {
		svc.Intake = deps.NewIntake()
		svc.Submissions = deps.NewSubmissions()
	}

	handler := mthttp.NewHandler(logger, svc, mthttp.ConfigFromEnv(logger))
	g.Go(func() error { return mthttp.RunServer(ctx, logger, handler, c.String("port")) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
