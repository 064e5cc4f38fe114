package mt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultPayoutChain      = "solana"
	DefaultPayoutAsset      = "USDC"
	DefaultDiscoveryTimeout = 10 * time.Second
	DefaultExecuteTimeout   = 90 * time.Second

	stalePaymentGrace = 30 * time.Second
)

// SettlerConfig supplies the defaults used when discovery yields nothing.
type SettlerConfig struct {
	DefaultChain     string
	DefaultAsset     string
	DiscoveryTimeout time.Duration
	ExecuteTimeout   time.Duration
}

func (c SettlerConfig) withDefaults() SettlerConfig {
	if c.DefaultChain == "" {
		c.DefaultChain = DefaultPayoutChain
	}
	if c.DefaultAsset == "" {
		c.DefaultAsset = DefaultPayoutAsset
	}
	if c.DiscoveryTimeout <= 0 {
		c.DiscoveryTimeout = DefaultDiscoveryTimeout
	}
	if c.ExecuteTimeout <= 0 {
		c.ExecuteTimeout = DefaultExecuteTimeout
	}
	return c
}

// Settler pays the winner of a completed bounty and records the result.
type Settler struct {
	store      Store
	discoverer Discoverer
	executor   Executor
	cfg        SettlerConfig
	now        func() time.Time
	metrics    *Metrics
	logger     *slog.Logger
}

type SettlerOption func(*Settler)

func WithSettlerClock(now func() time.Time) SettlerOption {
	return func(s *Settler) { s.now = now }
}

func WithSettlerMetrics(m *Metrics) SettlerOption {
	return func(s *Settler) { s.metrics = m }
}

func NewSettler(store Store, discoverer Discoverer, executor Executor, cfg SettlerConfig, logger *slog.Logger, opts ...SettlerOption) *Settler {
	s := &Settler{
		store:      store,
		discoverer: discoverer,
		executor:   executor,
		cfg:        cfg.withDefaults(),
		now:        time.Now,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Settle pays out bountyID. Calling it again after success returns the
// confirmed payment without moving funds.
func (s *Settler) Settle(ctx context.Context, bountyID string) (*Payment, error) {
	b, err := s.store.GetBounty(ctx, bountyID)
	if err != nil {
		if IsNotFound(err) {
			return nil, NotFoundError("bounty", bountyID)
		}
		return nil, fmt.Errorf("load bounty: %w", err)
	}
	logger := s.logger.With("bounty_id", b.ID)

	if b.EscrowStatus == EscrowStatusReleased {
		p, err := s.confirmedPayment(ctx, b.ID)
		if err != nil {
			return nil, err
		}
		logger.Info("payout already settled", "payment_id", p.ID, "tx", p.TxHash)
		return p, nil
	}
	if b.Status != BountyStatusCompleted || b.WinnerID == "" {
		return nil, InvalidTransition("bounty %s is %s and has no winner to pay", b.ID, b.Status)
	}
	if b.EscrowStatus != EscrowStatusConfirmed {
		return nil, InvalidTransition("bounty %s escrow is %s", b.ID, b.EscrowStatus)
	}

	winner, err := s.store.GetAgent(ctx, b.WinnerID)
	if err != nil {
		return nil, fmt.Errorf("load winner: %w", err)
	}
	start := s.now()
	reqs := s.requirements(ctx, b, winner)

	now := s.now()
	p := &Payment{
		ID:           uuid.NewString(),
		BountyID:     b.ID,
		SubmissionID: b.WinningSubmissionID,
		WinnerID:     winner.ID,
		Gross:        b.Amount.Copy(),
		Fee:          b.PlatformFee.Copy(),
		Net:          b.WinnerPayout.Copy(),
		Chain:        reqs.Chain,
		Asset:        reqs.Asset,
		PayTo:        reqs.PayTo,
		Status:       PaymentStatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	err = s.store.CreatePayment(ctx, p)
	if errors.Is(err, ErrPaymentPending) && s.failStalePayment(ctx, b.ID, logger) {
		err = s.store.CreatePayment(ctx, p)
	}
	if err != nil {
		if errors.Is(err, ErrPaymentPending) {
			return nil, ConflictError(CodePayoutInProgress, "a payout for bounty %s is already in flight", b.ID)
		}
		return nil, fmt.Errorf("create payment: %w", err)
	}
	logger = logger.With("payment_id", p.ID, "attempt", p.Attempts)

	ectx, cancel := context.WithTimeout(ctx, s.cfg.ExecuteTimeout)
	txHash, execErr := s.executor.Execute(ectx, ExecuteRequest{
		PaymentID: p.ID,
		Endpoint:  winner.PaymentEndpoint,
		Chain:     p.Chain,
		Asset:     p.Asset,
		Recipient: p.PayTo,
		Amount:    p.Net,
	})
	cancel()
	if execErr != nil {
		s.metrics.payout(p.Chain, PaymentStatusFailed, s.now().Sub(start))
		if _, err := s.store.FailPayment(context.WithoutCancel(ctx), p.ID, execErr.Error(), s.now()); err != nil {
			logger.Error("record failed payment", "error", err)
		}
		logger.Warn("payout failed", "error", execErr)
		return nil, ExternalError(CodePayoutFailed, execErr, "payout for bounty %s failed", b.ID).
			WithDetail("paymentId", p.ID)
	}

	// funds have moved; record the outcome even if ctx is done
	settled, err := s.store.SettlePayment(context.WithoutCancel(ctx), p.ID, txHash, s.now())
	if err != nil {
		logger.Error("payout executed but not recorded", "tx", txHash, "error", err)
		return nil, fmt.Errorf("record payout %s (tx %s): %w", p.ID, txHash, err)
	}
	s.metrics.payout(p.Chain, PaymentStatusConfirmed, s.now().Sub(start))
	logger.Info("payout confirmed", "tx", txHash, "net", settled.Net.String(), "chain", settled.Chain)
	return settled, nil
}

// failStalePayment fails a pending payment on bountyID that outlived its
// execution window, which means the process running it died before
// recording an outcome. It reports whether a payment was failed.
func (s *Settler) failStalePayment(ctx context.Context, bountyID string, logger *slog.Logger) bool {
	payments, err := s.store.ListPayments(ctx, bountyID)
	if err != nil {
		logger.Error("list payments", "error", err)
		return false
	}
	cutoff := s.now().Add(-(s.cfg.ExecuteTimeout + stalePaymentGrace))
	for _, p := range payments {
		if p.Status != PaymentStatusPending || !p.CreatedAt.Before(cutoff) {
			continue
		}
		if _, err := s.store.FailPayment(ctx, p.ID, "abandoned: no outcome recorded", s.now()); err != nil {
			logger.Warn("fail stale payment", "stale_payment_id", p.ID, "error", err)
			return false
		}
		// the rail may still have moved funds for this attempt
		logger.Error("failed stale pending payment, reconcile it with the rail",
			"stale_payment_id", p.ID, "created_at", p.CreatedAt, "pay_to", p.PayTo)
		return true
	}
	return false
}

// requirements asks the winner's endpoint where to send funds, falling back
// to the configured chain and asset and the winner's wallet. The amount is
// always the bounty's winner payout; an endpoint cannot change it.
func (s *Settler) requirements(ctx context.Context, b *Bounty, winner *Agent) PaymentRequirements {
	reqs := PaymentRequirements{
		Chain:  s.cfg.DefaultChain,
		Asset:  s.cfg.DefaultAsset,
		PayTo:  winner.WalletAddress,
		Amount: b.WinnerPayout.Copy(),
	}
	if winner.PaymentEndpoint == "" || s.discoverer == nil {
		return reqs
	}
	dctx, cancel := context.WithTimeout(ctx, s.cfg.DiscoveryTimeout)
	defer cancel()
	found, err := s.discoverer.Discover(dctx, winner.PaymentEndpoint)
	if err != nil {
		s.logger.Warn("payment discovery failed, using defaults", "bounty_id", b.ID, "endpoint", winner.PaymentEndpoint, "error", err)
		return reqs
	}
	if found.Chain != "" {
		reqs.Chain = found.Chain
	}
	if found.Asset != "" {
		reqs.Asset = found.Asset
	}
	if found.PayTo != "" {
		reqs.PayTo = found.PayTo
	}
	if found.Amount != nil && found.Amount.Cmp(b.WinnerPayout) != 0 {
		s.logger.Warn("payment endpoint requested a different amount", "bounty_id", b.ID,
			"requested", found.Amount.String(), "payout", b.WinnerPayout.String())
	}
	return reqs
}

// Payments lists every payout attempt for a bounty, oldest first.
func (s *Settler) Payments(ctx context.Context, bountyID string) ([]*Payment, error) {
	if _, err := s.store.GetBounty(ctx, bountyID); err != nil {
		if IsNotFound(err) {
			return nil, NotFoundError("bounty", bountyID)
		}
		return nil, fmt.Errorf("load bounty: %w", err)
	}
	payments, err := s.store.ListPayments(ctx, bountyID)
	if err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	if payments == nil {
		payments = []*Payment{}
	}
	return payments, nil
}

func (s *Settler) confirmedPayment(ctx context.Context, bountyID string) (*Payment, error) {
	payments, err := s.store.ListPayments(ctx, bountyID)
	if err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	for _, p := range payments {
		if p.Status == PaymentStatusConfirmed {
			return p, nil
		}
	}
	return nil, &Error{Kind: KindInvariant, Code: CodeInvalidTransition,
		Message: fmt.Sprintf("bounty %s escrow is released but has no confirmed payment", bountyID)}
}

// PayoutScheduler arranges a later payout attempt for a bounty.
type PayoutScheduler interface {
	ScheduleRetry(ctx context.Context, bountyID string) error
}

// WinHandler settles a freshly won bounty and hands failures to scheduler,
// which may be nil.
func (s *Settler) WinHandler(scheduler PayoutScheduler) WinHandler {
	return func(ctx context.Context, b *Bounty) {
		_, err := s.Settle(ctx, b.ID)
		if err == nil {
			return
		}
		s.logger.Warn("initial payout did not settle", "bounty_id", b.ID, "error", err)
		if scheduler == nil || !HasCode(err, CodePayoutFailed) {
			return
		}
		if err := scheduler.ScheduleRetry(context.WithoutCancel(ctx), b.ID); err != nil {
			s.logger.Error("schedule payout retry", "bounty_id", b.ID, "error", err)
		}
	}
}
