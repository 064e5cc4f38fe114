package worker

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/brojonat/moldtank/db"
	"github.com/brojonat/moldtank/internal/pubsub"
	"github.com/brojonat/moldtank/mt"
	"github.com/brojonat/moldtank/solana"
	"github.com/prometheus/client_golang/prometheus"
)

// Config is everything needed to assemble the MoldTank services. Zero values
// fall back to in-memory or disabled components where that makes sense.
type Config struct {
	// DatabaseURL selects the Postgres store. Empty means in-memory.
	DatabaseURL string
	// RedisAddr enables cross-process queue wake-ups.
	RedisAddr     string
	RedisPassword string
	RedisChannel  string

	ValidatorURL   string
	PaymentRailURL string
	WebhookSecret  string
	// PlatformFeeBps zero keeps the default fee.
	PlatformFeeBps int64

	Queue   mt.QueueConfig
	Settler mt.SettlerConfig

	SolanaRPCEndpoint    string
	SolanaEscrowKey      string
	SolanaUSDCMint       string
	SolanaConfirmTimeout time.Duration

	TemporalAddress   string
	TemporalNamespace string
	TaskQueue         string

	// SweepInterval is how often expired bounties are moved to refund.
	SweepInterval time.Duration
}

// Deps holds the assembled services shared by the server and the worker.
type Deps struct {
	Store    mt.Store
	Metrics  *mt.Metrics
	Verifier mt.WalletVerifier
	Bounties *mt.Bounties
	Agents   *mt.Agents
	Settler  *mt.Settler
	Webhooks *mt.WebhookNotifier
	// Wakeups is nil when Redis is not configured.
	Wakeups *pubsub.Notifier

	cfg     Config
	logger  *slog.Logger
	closers []func()
}

// Build connects the store and wires every service. Call Close when done.
func Build(ctx context.Context, l *slog.Logger, cfg Config, reg prometheus.Registerer) (*Deps, error) {
	d := &Deps{cfg: cfg, logger: l, Metrics: mt.NewMetrics(reg)}

	if cfg.DatabaseURL != "" {
		pool, err := db.Connect(ctx, cfg.DatabaseURL, l, 10, 3*time.Second)
		if err != nil {
			return nil, err
		}
		d.closers = append(d.closers, pool.Close)
		if err := db.Migrate(ctx, pool); err != nil {
			d.Close()
			return nil, err
		}
		d.Store = db.NewPGStore(pool)
	} else {
		l.Warn("no database configured; using in-memory store")
		d.Store = mt.NewMemoryStore()
	}

	if cfg.RedisAddr != "" {
		rdb, err := pubsub.Dial(ctx, cfg.RedisAddr, cfg.RedisPassword, 0)
		if err != nil {
			d.Close()
			return nil, err
		}
		d.closers = append(d.closers, func() { rdb.Close() })
		d.Wakeups = pubsub.NewNotifier(rdb, cfg.RedisChannel, l)
		l.Info("redis connected", "addr", cfg.RedisAddr)
	}

	rail := mt.NewHTTPRail(cfg.PaymentRailURL, &http.Client{Timeout: mt.DefaultExecuteTimeout})
	executor, err := d.executor(rail)
	if err != nil {
		d.Close()
		return nil, err
	}

	var bountyOpts []mt.BountiesOption
	if cfg.PlatformFeeBps > 0 {
		bountyOpts = append(bountyOpts, mt.WithPlatformFeeBps(cfg.PlatformFeeBps))
	}
	d.Bounties = mt.NewBounties(d.Store, l, bountyOpts...)
	d.Agents = mt.NewAgents(d.Store, d.Verifier, l)
	d.Settler = mt.NewSettler(d.Store, rail, executor, cfg.Settler, l, mt.WithSettlerMetrics(d.Metrics))
	d.Webhooks = mt.NewWebhookNotifier(cfg.WebhookSecret, nil, l, d.Metrics)
	return d, nil
}

// executor routes Solana payouts through the escrow wallet when a key is
// configured and everything else through the payment rail service.
func (d *Deps) executor(rail *mt.HTTPRail) (mt.Executor, error) {
	var fallback mt.Executor
	if d.cfg.PaymentRailURL != "" {
		fallback = rail
	}
	router := mt.NewExecutorRouter(fallback)
	if d.cfg.SolanaEscrowKey == "" {
		return router, nil
	}
	key, err := solana.LoadPrivateKeyFromBase58(d.cfg.SolanaEscrowKey)
	if err != nil {
		return nil, fmt.Errorf("escrow key: %w", err)
	}
	mint, err := solana.PublicKeyFromBase58(d.cfg.SolanaUSDCMint)
	if err != nil {
		return nil, fmt.Errorf("usdc mint: %w", err)
	}
	router.Handle("solana", mt.NewSolanaExecutor(solana.NewEscrowTransferrer(solana.EscrowConfig{
		RPCEndpoint:    d.cfg.SolanaRPCEndpoint,
		USDCMint:       mint,
		EscrowKey:      key,
		ConfirmTimeout: d.cfg.SolanaConfirmTimeout,
	})))
	d.logger.Info("solana escrow payouts enabled", "escrow_wallet", key.PublicKey().String())
	return router, nil
}

// NewIntake returns submission intake wired to the metrics and wake-up hooks.
// Extra hooks run after the Redis publish.
func (d *Deps) NewIntake(hooks ...mt.EnqueueHook) *mt.Intake {
	opts := []mt.IntakeOption{mt.WithIntakeMetrics(d.Metrics)}
	if d.Wakeups != nil {
		opts = append(opts, mt.WithEnqueueHook(d.Wakeups.Hook()))
	}
	for _, h := range hooks {
		opts = append(opts, mt.WithEnqueueHook(h))
	}
	return mt.NewIntake(d.Store, d.Verifier, d.logger, opts...)
}

// NewSubmissions returns the submission read side. Requeued submissions are
// announced like fresh ones.
func (d *Deps) NewSubmissions(hooks ...mt.EnqueueHook) *mt.Submissions {
	if d.Wakeups != nil {
		hooks = append([]mt.EnqueueHook{d.Wakeups.Hook()}, hooks...)
	}
	return mt.NewSubmissions(d.Store, d.logger, hooks...)
}

// NewValidator routes every task type to the validation engine at
// ValidatorURL.
func (d *Deps) NewValidator() (mt.Validator, error) {
	if d.cfg.ValidatorURL == "" {
		return nil, fmt.Errorf("validator URL not configured")
	}
	client := &http.Client{Timeout: d.cfg.Queue.Timeout}
	return mt.NewValidatorRouter(mt.NewHTTPValidator(d.cfg.ValidatorURL, client)), nil
}

// NewQueue returns a validation queue that settles winners inline and hands
// failed payouts to scheduler, which may be nil.
func (d *Deps) NewQueue(scheduler mt.PayoutScheduler) (*mt.Queue, error) {
	v, err := d.NewValidator()
	if err != nil {
		return nil, err
	}
	return mt.NewQueue(d.Store, v, d.cfg.Queue, d.logger,
		mt.WithNotifier(d.Webhooks),
		mt.WithWinHandler(d.Settler.WinHandler(scheduler)),
		mt.WithQueueMetrics(d.Metrics),
	), nil
}

// Close waits for in-flight webhooks and releases connections.
func (d *Deps) Close() {
	if d.Webhooks != nil {
		d.Webhooks.Wait()
	}
	for i := len(d.closers) - 1; i >= 0; i-- {
		d.closers[i]()
	}
}
