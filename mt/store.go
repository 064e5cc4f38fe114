package mt

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"
)

// Store-level sentinels beyond ErrNotFound and ErrConflict. They wrap
// ErrConflict so callers that only care about the class can use errors.Is.
var (
	ErrDuplicateSubmission = fmt.Errorf("%w: agent already submitted to bounty", ErrConflict)
	ErrBountyClosed        = fmt.Errorf("%w: bounty is not accepting submissions", ErrConflict)
	ErrWinnerExists        = fmt.Errorf("%w: bounty already has a winner", ErrConflict)
	ErrPaymentPending      = fmt.Errorf("%w: payment already pending for bounty", ErrConflict)
	ErrGuardFailed         = fmt.Errorf("%w: transition guard did not hold", ErrConflict)
)

const (
	DefaultPageLimit = 20
	MaxPageLimit     = 100
)

// Page is a 1-based page request.
type Page struct {
	Page  int
	Limit int
}

// Normalize clamps the page to sane bounds.
func (p Page) Normalize() Page {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.Limit < 1 {
		p.Limit = DefaultPageLimit
	}
	if p.Limit > MaxPageLimit {
		p.Limit = MaxPageLimit
	}
	return p
}

// Offset is the number of rows to skip.
func (p Page) Offset() int {
	p = p.Normalize()
	return (p.Page - 1) * p.Limit
}

type BountyFilter struct {
	Page
	Statuses       []BountyStatus
	Type           TaskType
	PosterID       string
	DeadlineBefore *time.Time
}

type SubmissionFilter struct {
	Page
	BountyID       string
	AgentID        string
	Status         SubmissionStatus
	IncludePayload bool
}

type AgentFilter struct {
	Page
	Status     AgentStatus
	Capability TaskType
}

// BountyGuard is the predicate a conditional bounty update must satisfy.
// Zero-valued fields are not checked.
type BountyGuard struct {
	Statuses        []BountyStatus
	EscrowStatuses  []EscrowStatus
	NoSubmissions   bool
	NoWinner        bool
	DeadlineBefore  *time.Time
	RequireWinnerID string
}

// Matches evaluates the guard against b.
func (g BountyGuard) Matches(b *Bounty) bool {
	if len(g.Statuses) > 0 && !slices.Contains(g.Statuses, b.Status) {
		return false
	}
	if len(g.EscrowStatuses) > 0 && !slices.Contains(g.EscrowStatuses, b.EscrowStatus) {
		return false
	}
	if g.NoSubmissions && b.SubmissionCount != 0 {
		return false
	}
	if g.NoWinner && b.WinnerID != "" {
		return false
	}
	if g.DeadlineBefore != nil && !b.Deadline.Before(*g.DeadlineBefore) {
		return false
	}
	if g.RequireWinnerID != "" && b.WinnerID != g.RequireWinnerID {
		return false
	}
	return true
}

// BountyUpdate lists the columns a transition writes. Nil fields are kept.
type BountyUpdate struct {
	Status       *BountyStatus
	EscrowStatus *EscrowStatus
	EscrowTxHash *string
}

// Apply writes the update onto b.
func (u BountyUpdate) Apply(b *Bounty, now time.Time) {
	if u.Status != nil {
		b.Status = *u.Status
	}
	if u.EscrowStatus != nil {
		b.EscrowStatus = *u.EscrowStatus
	}
	if u.EscrowTxHash != nil {
		b.EscrowTxHash = *u.EscrowTxHash
	}
	b.UpdatedAt = now
}

// Store is the persistent state behind every component. All multi-entity
// writes are a single call so implementations can run them in one
// transaction.
type Store interface {
	CreateBounty(ctx context.Context, b *Bounty) error
	GetBounty(ctx context.Context, id string) (*Bounty, error)
	ListBounties(ctx context.Context, f BountyFilter) ([]*Bounty, int, error)
	// TransitionBounty applies update only when guard holds. It returns
	// ErrGuardFailed when it does not.
	TransitionBounty(ctx context.Context, id string, guard BountyGuard, update BountyUpdate) (*Bounty, error)

	CreateAgent(ctx context.Context, a *Agent) error
	GetAgent(ctx context.Context, id string) (*Agent, error)
	GetAgentByWallet(ctx context.Context, wallet string) (*Agent, error)
	ListAgents(ctx context.Context, f AgentFilter) ([]*Agent, int, error)
	SetAgentStatus(ctx context.Context, id string, from []AgentStatus, to AgentStatus) (*Agent, error)

	// InsertSubmission records a pending submission, bumps the bounty's
	// submission count (moving open to in_progress) and the agent's attempt
	// counters, all at once.
	InsertSubmission(ctx context.Context, s *Submission) error
	GetSubmission(ctx context.Context, id string) (*Submission, error)
	ListSubmissions(ctx context.Context, f SubmissionFilter) ([]*Submission, int, error)
	CountSubmissions(ctx context.Context, bountyID, agentID string) (int, error)
	// ClaimNextPending moves the oldest pending submission to validating and
	// returns it. ErrNotFound means the queue is empty.
	ClaimNextPending(ctx context.Context, now time.Time) (*Submission, error)
	// RequeueStale returns submissions stuck in validating since before the
	// cutoff to pending.
	RequeueStale(ctx context.Context, startedBefore time.Time) (int, error)
	// RequeueSubmission moves a failed submission back to pending.
	RequeueSubmission(ctx context.Context, id string) (*Submission, error)
	// FinishSubmission records a verdict for a validating submission.
	FinishSubmission(ctx context.Context, id string, status SubmissionStatus, result *ValidationResult, at time.Time) (*Submission, error)
	// AwardWinner marks the submission passed and the bounty completed in one
	// conditional update. ErrWinnerExists means another submission won first.
	AwardWinner(ctx context.Context, bountyID, submissionID string, result *ValidationResult, at time.Time) (*Bounty, error)

	// CreatePayment inserts a pending payment and assigns its attempt number.
	CreatePayment(ctx context.Context, p *Payment) error
	GetPayment(ctx context.Context, id string) (*Payment, error)
	ListPayments(ctx context.Context, bountyID string) ([]*Payment, error)
	FailPayment(ctx context.Context, id, reason string, at time.Time) (*Payment, error)
	// SettlePayment confirms the payment, releases the bounty's escrow and
	// credits the winner's earnings together.
	SettlePayment(ctx context.Context, id, txHash string, at time.Time) (*Payment, error)
}

// IsNotFound reports whether err is a missing-entity error from a store.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func ptr[T any](v T) *T { return &v }
