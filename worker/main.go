package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/brojonat/moldtank/mt"
	"github.com/prometheus/client_golang/prometheus"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"golang.org/x/sync/errgroup"
)

const DefaultSweepInterval = time.Minute

// RunWorker runs the validation queue, the expiry sweeper, the Redis wake-up
// listener and the Temporal payout retry worker until ctx is done or one of
// them fails.
func RunWorker(ctx context.Context, l *slog.Logger, cfg Config, reg prometheus.Registerer) error {
	if cfg.TaskQueue == "" {
		return fmt.Errorf("task queue not set")
	}

	// connect to temporal
	c, err := client.Dial(client.Options{
		Logger:    l,
		HostPort:  cfg.TemporalAddress,
		Namespace: cfg.TemporalNamespace,
	})
	if err != nil {
		return fmt.Errorf("couldn't initialize temporal client: %w", err)
	}
	defer c.Close()

	deps, err := Build(ctx, l, cfg, reg)
	if err != nil {
		return err
	}
	defer deps.Close()

	scheduler := &mt.TemporalPayoutScheduler{Client: c, TaskQueue: cfg.TaskQueue}
	q, err := deps.NewQueue(scheduler)
	if err != nil {
		return err
	}

	w := worker.New(c, cfg.TaskQueue, worker.Options{})
	w.RegisterWorkflow(mt.PayoutRetryWorkflow)
	w.RegisterActivity(&mt.PayoutActivities{Settler: deps.Settler})

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return q.Run(ctx) })
	g.Go(func() error { return RunSweeper(ctx, l, deps.Bounties, cfg.SweepInterval) })
	if deps.Wakeups != nil {
		g.Go(func() error {
			// polling still finds work without wake-ups
			if err := deps.Wakeups.Listen(ctx, q.Kick); err != nil {
				l.Warn("submission wake-ups unavailable", "error", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		// worker.Run blocks until the channel is closed
		stop := make(chan interface{})
		go func() {
			<-ctx.Done()
			close(stop)
		}()
		l.Info("Starting worker", "TaskQueue", cfg.TaskQueue)
		err := w.Run(stop)
		l.Info("Worker stopped")
		return err
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// RunSweeper expires bounties past their deadline plus grace every interval
// until ctx is done. A non-positive interval disables it.
func RunSweeper(ctx context.Context, l *slog.Logger, bounties *mt.Bounties, interval time.Duration) error {
	if interval <= 0 {
		l.Info("expiry sweeper disabled")
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		n, err := bounties.ExpireStale(ctx)
		switch {
		case err != nil && ctx.Err() == nil:
			l.Error("expiry sweep failed", "error", err)
		case n > 0:
			l.Info("expired stale bounties", "count", n)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// CheckConnection dials Temporal and checks the namespace is reachable.
func CheckConnection(ctx context.Context, l *slog.Logger, thp, tns string) error {
	c, err := client.Dial(client.Options{
		Logger:    l,
		HostPort:  thp,
		Namespace: tns,
	})
	if err != nil {
		return fmt.Errorf("couldn't initialize temporal client: %w", err)
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if _, err := c.CheckHealth(ctx, &client.CheckHealthRequest{}); err != nil {
		return fmt.Errorf("temporal health check failed: %w", err)
	}
	l.Info("temporal connection ok", "address", thp, "namespace", tns)
	return nil
}
