package main

import (
	"time"

	"github.com/brojonat/moldtank/mt"
	"github.com/brojonat/moldtank/worker"
	"github.com/urfave/cli/v2"
)

func temporalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "temporal-address",
			Aliases: []string{"ta"},
			Usage:   "Temporal server address",
			EnvVars: []string{"TEMPORAL_ADDRESS"},
			Value:   "localhost:7233",
		},
		&cli.StringFlag{
			Name:    "temporal-namespace",
			Aliases: []string{"tn"},
			Usage:   "Temporal namespace",
			EnvVars: []string{"TEMPORAL_NAMESPACE"},
			Value:   "default",
		},
		&cli.StringFlag{
			Name:    "task-queue",
			Aliases: []string{"tq"},
			Usage:   "Temporal task queue name",
			EnvVars: []string{"TASK_QUEUE"},
			Value:   "moldtank",
		},
	}
}

// serviceFlags configure the store, validator, payout rails and queue shared
// by the server and the worker.
func serviceFlags() []cli.Flag {
	return append(temporalFlags(),
		&cli.StringFlag{
			Name:    "database-url",
			Usage:   "Postgres connection string; in-memory store when empty",
			EnvVars: []string{"MOLDTANK_DATABASE_URL"},
		},
		&cli.StringFlag{
			Name:    "redis-addr",
			Usage:   "Redis address for cross-process queue wake-ups",
			EnvVars: []string{"REDIS_ADDR"},
		},
		&cli.StringFlag{
			Name:    "redis-password",
			Usage:   "Redis password",
			EnvVars: []string{"REDIS_PASSWORD"},
		},
		&cli.StringFlag{
			Name:    "validator-url",
			Usage:   "Base URL of the validation engine",
			EnvVars: []string{"VALIDATOR_URL"},
		},
		&cli.StringFlag{
			Name:    "payment-rail-url",
			Usage:   "URL of the payment rail service",
			EnvVars: []string{"PAYMENT_RAIL_URL"},
		},
		&cli.StringFlag{
			Name:    "webhook-secret",
			Usage:   "HMAC secret for agent webhooks",
			EnvVars: []string{"WEBHOOK_SECRET"},
		},
		&cli.Int64Flag{
			Name:    "platform-fee-bps",
			Usage:   "Platform fee in basis points",
			EnvVars: []string{"PLATFORM_FEE_BPS"},
			Value:   mt.DefaultPlatformFeeBps,
		},
		&cli.IntFlag{
			Name:    "queue-concurrency",
			Usage:   "Maximum concurrent validations",
			EnvVars: []string{"QUEUE_CONCURRENCY"},
			Value:   mt.DefaultQueueConcurrency,
		},
		&cli.DurationFlag{
			Name:    "validation-timeout",
			Usage:   "Timeout for a single validation",
			EnvVars: []string{"VALIDATION_TIMEOUT"},
			Value:   mt.DefaultValidationTimeout,
		},
		&cli.DurationFlag{
			Name:    "sweep-interval",
			Usage:   "How often expired bounties are swept",
			EnvVars: []string{"SWEEP_INTERVAL"},
			Value:   worker.DefaultSweepInterval,
		},
		&cli.StringFlag{
			Name:    "default-payout-chain",
			Usage:   "Chain used when the agent advertises none",
			EnvVars: []string{"DEFAULT_PAYOUT_CHAIN"},
			Value:   mt.DefaultPayoutChain,
		},
		&cli.StringFlag{
			Name:    "default-payout-asset",
			Usage:   "Asset used when the agent advertises none",
			EnvVars: []string{"DEFAULT_PAYOUT_ASSET"},
			Value:   mt.DefaultPayoutAsset,
		},
		&cli.StringFlag{
			Name:    "solana-rpc-endpoint",
			Usage:   "Solana RPC endpoint for escrow payouts",
			EnvVars: []string{"SOLANA_RPC_ENDPOINT"},
		},
		&cli.StringFlag{
			Name:    "solana-escrow-private-key",
			Usage:   "Base58 escrow wallet key; enables direct Solana payouts",
			EnvVars: []string{"SOLANA_ESCROW_PRIVATE_KEY"},
		},
		&cli.StringFlag{
			Name:    "solana-usdc-mint",
			Usage:   "USDC mint address",
			EnvVars: []string{"SOLANA_USDC_MINT_ADDRESS"},
		},
		&cli.DurationFlag{
			Name:    "solana-confirm-timeout",
			Usage:   "How long to wait for a payout transfer to confirm",
			EnvVars: []string{"SOLANA_CONFIRM_TIMEOUT"},
			Value:   60 * time.Second,
		},
	)
}

func configFromFlags(c *cli.Context) worker.Config {
	return worker.Config{
		DatabaseURL:    c.String("database-url"),
		RedisAddr:      c.String("redis-addr"),
		RedisPassword:  c.String("redis-password"),
		ValidatorURL:   c.String("validator-url"),
		PaymentRailURL: c.String("payment-rail-url"),
		WebhookSecret:  c.String("webhook-secret"),
		PlatformFeeBps: c.Int64("platform-fee-bps"),
		Queue: mt.QueueConfig{
			Concurrency: c.Int("queue-concurrency"),
			Timeout:     c.Duration("validation-timeout"),
		},
		Settler: mt.SettlerConfig{
			DefaultChain: c.String("default-payout-chain"),
			DefaultAsset: c.String("default-payout-asset"),
		},
		SolanaRPCEndpoint:    c.String("solana-rpc-endpoint"),
		SolanaEscrowKey:      c.String("solana-escrow-private-key"),
		SolanaUSDCMint:       c.String("solana-usdc-mint"),
		SolanaConfirmTimeout: c.Duration("solana-confirm-timeout"),
		TemporalAddress:      c.String("temporal-address"),
		TemporalNamespace:    c.String("temporal-namespace"),
		TaskQueue:            c.String("task-queue"),
		SweepInterval:        c.Duration("sweep-interval"),
	}
}
