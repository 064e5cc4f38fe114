package mt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/brojonat/moldtank/solana"
	"github.com/google/uuid"
)

const (
	DefaultPlatformFeeBps = 500
	RefundGracePeriod     = 24 * time.Hour
)

// CreateBountyRequest is a poster's new bounty. It starts as a draft until
// the escrow deposit is confirmed.
type CreateBountyRequest struct {
	PosterID     string
	PosterWallet string
	Title        string
	Description  string
	Amount       *solana.USDCAmount
	Deadline     time.Time
	Criteria     Criteria
}

// Bounties owns the bounty state machine. Every transition is a guarded
// store update, so a transition that lost a race fails instead of
// overwriting.
type Bounties struct {
	store  Store
	feeBps int64
	now    func() time.Time
	logger *slog.Logger
}

type BountiesOption func(*Bounties)

// WithPlatformFeeBps sets the platform fee in basis points.
func WithPlatformFeeBps(bps int64) BountiesOption {
	return func(b *Bounties) { b.feeBps = bps }
}

func WithBountiesClock(now func() time.Time) BountiesOption {
	return func(b *Bounties) { b.now = now }
}

func NewBounties(store Store, logger *slog.Logger, opts ...BountiesOption) *Bounties {
	b := &Bounties{store: store, feeBps: DefaultPlatformFeeBps, now: time.Now, logger: logger}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// SplitAmount returns the platform fee and winner payout for amount.
func SplitAmount(amount *solana.USDCAmount, feeBps int64) (fee, payout *solana.USDCAmount) {
	fee = amount.BasisPoints(feeBps)
	return fee, amount.Sub(fee)
}

func (s *Bounties) Create(ctx context.Context, req CreateBountyRequest) (*Bounty, error) {
	now := s.now()
	switch {
	case strings.TrimSpace(req.Title) == "":
		return nil, ValidationError(CodeValidationFailed, "title is required")
	case req.PosterID == "" || req.PosterWallet == "":
		return nil, ValidationError(CodeValidationFailed, "poster identity and wallet are required")
	case !req.Amount.IsPositive():
		return nil, ValidationError(CodeValidationFailed, "amount must be positive")
	case !req.Deadline.After(now):
		return nil, ValidationError(CodeValidationFailed, "deadline must be in the future")
	case !req.Criteria.Type.Valid():
		return nil, ValidationError(CodeValidationFailed, "unknown criteria type %q", req.Criteria.Type)
	}

	fee, payout := SplitAmount(req.Amount, s.feeBps)
	b := &Bounty{
		ID:           uuid.NewString(),
		PosterID:     req.PosterID,
		PosterWallet: req.PosterWallet,
		Title:        strings.TrimSpace(req.Title),
		Description:  req.Description,
		Amount:       req.Amount.Copy(),
		PlatformFee:  fee,
		WinnerPayout: payout,
		Deadline:     req.Deadline.UTC(),
		Status:       BountyStatusDraft,
		EscrowStatus: EscrowStatusPending,
		Criteria:     req.Criteria,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.CreateBounty(ctx, b); err != nil {
		return nil, fmt.Errorf("create bounty: %w", err)
	}
	s.logger.Info("bounty created", "bounty_id", b.ID, "poster_id", b.PosterID, "amount", b.Amount.String())
	return b, nil
}

func (s *Bounties) Get(ctx context.Context, id string) (*Bounty, error) {
	b, err := s.store.GetBounty(ctx, id)
	if err != nil {
		if IsNotFound(err) {
			return nil, NotFoundError("bounty", id)
		}
		return nil, fmt.Errorf("get bounty: %w", err)
	}
	return b, nil
}

func (s *Bounties) List(ctx context.Context, f BountyFilter) ([]*Bounty, int, error) {
	bs, total, err := s.store.ListBounties(ctx, f)
	if err != nil {
		return nil, 0, fmt.Errorf("list bounties: %w", err)
	}
	return bs, total, nil
}

// ConfirmFunding opens a draft bounty once its escrow deposit has landed.
func (s *Bounties) ConfirmFunding(ctx context.Context, id, txHash string) (*Bounty, error) {
	b, err := s.transition(ctx, id,
		BountyGuard{
			Statuses:       []BountyStatus{BountyStatusDraft},
			EscrowStatuses: []EscrowStatus{EscrowStatusPending},
		},
		BountyUpdate{
			Status:       ptr(BountyStatusOpen),
			EscrowStatus: ptr(EscrowStatusConfirmed),
			EscrowTxHash: ptr(txHash),
		},
	)
	if err != nil {
		return nil, err
	}
	s.logger.Info("bounty funded", "bounty_id", id, "tx", txHash)
	return b, nil
}

// Cancel withdraws a bounty nobody has submitted to. posterID is checked
// against the owner unless empty.
func (s *Bounties) Cancel(ctx context.Context, id, posterID string) (*Bounty, error) {
	current, err := s.owned(ctx, id, posterID)
	if err != nil {
		return nil, err
	}
	update := BountyUpdate{Status: ptr(BountyStatusCancelled)}
	if current.EscrowStatus == EscrowStatusConfirmed {
		update.EscrowStatus = ptr(EscrowStatusRefunded)
	}
	b, err := s.transition(ctx, id,
		BountyGuard{
			Statuses:       []BountyStatus{BountyStatusDraft, BountyStatusOpen},
			EscrowStatuses: []EscrowStatus{current.EscrowStatus},
			NoSubmissions:  true,
		},
		update,
	)
	if err != nil {
		return nil, err
	}
	s.logger.Info("bounty cancelled", "bounty_id", id, "escrow_status", b.EscrowStatus)
	return b, nil
}

// RequestRefund expires an unwon bounty after the grace period and marks its
// escrow refunded.
func (s *Bounties) RequestRefund(ctx context.Context, id, posterID string) (*Bounty, error) {
	if _, err := s.owned(ctx, id, posterID); err != nil {
		return nil, err
	}
	cutoff := s.now().Add(-RefundGracePeriod)
	b, err := s.transition(ctx, id,
		BountyGuard{
			Statuses:       []BountyStatus{BountyStatusOpen, BountyStatusInProgress, BountyStatusExpired},
			EscrowStatuses: []EscrowStatus{EscrowStatusConfirmed},
			NoWinner:       true,
			DeadlineBefore: &cutoff,
		},
		BountyUpdate{
			Status:       ptr(BountyStatusExpired),
			EscrowStatus: ptr(EscrowStatusRefunded),
		},
	)
	if err != nil {
		return nil, err
	}
	s.logger.Info("bounty refunded", "bounty_id", id)
	return b, nil
}

// ExpireStale marks bounties past deadline plus grace as expired. Escrow is
// left alone so the poster can still request the refund.
func (s *Bounties) ExpireStale(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-RefundGracePeriod)
	statuses := []BountyStatus{BountyStatusDraft, BountyStatusOpen, BountyStatusInProgress}
	expired := 0
	for {
		stale, _, err := s.store.ListBounties(ctx, BountyFilter{
			Page:           Page{Page: 1, Limit: MaxPageLimit},
			Statuses:       statuses,
			DeadlineBefore: &cutoff,
		})
		if err != nil {
			return expired, fmt.Errorf("list stale bounties: %w", err)
		}
		progressed := 0
		for _, b := range stale {
			_, err := s.store.TransitionBounty(ctx, b.ID,
				BountyGuard{Statuses: statuses, NoWinner: true, DeadlineBefore: &cutoff},
				BountyUpdate{Status: ptr(BountyStatusExpired)},
			)
			if errors.Is(err, ErrGuardFailed) {
				continue
			}
			if err != nil {
				return expired, fmt.Errorf("expire bounty %s: %w", b.ID, err)
			}
			progressed++
			s.logger.Info("bounty expired", "bounty_id", b.ID, "deadline", b.Deadline)
		}
		expired += progressed
		if len(stale) < MaxPageLimit || progressed == 0 {
			return expired, nil
		}
	}
}

func (s *Bounties) owned(ctx context.Context, id, posterID string) (*Bounty, error) {
	b, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if posterID != "" && b.PosterID != posterID {
		return nil, ForbiddenError("bounty %s belongs to another poster", id)
	}
	return b, nil
}

func (s *Bounties) transition(ctx context.Context, id string, guard BountyGuard, update BountyUpdate) (*Bounty, error) {
	b, err := s.store.TransitionBounty(ctx, id, guard, update)
	if err == nil {
		return b, nil
	}
	switch {
	case IsNotFound(err):
		return nil, NotFoundError("bounty", id)
	case errors.Is(err, ErrGuardFailed):
		current, getErr := s.store.GetBounty(ctx, id)
		if getErr != nil {
			return nil, InvalidTransition("bounty %s cannot make this transition", id)
		}
		return nil, InvalidTransition("bounty %s cannot make this transition from %s (escrow %s, %d submissions)",
			id, current.Status, current.EscrowStatus, current.SubmissionCount).
			WithDetail("status", current.Status).
			WithDetail("escrowStatus", current.EscrowStatus)
	}
	return nil, fmt.Errorf("transition bounty %s: %w", id, err)
}
