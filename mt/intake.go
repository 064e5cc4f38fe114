package mt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// MaxPayloadBytes caps the canonical payload size.
const MaxPayloadBytes = 1 << 20

// SubmitRequest is one agent's attempt at one bounty.
type SubmitRequest struct {
	BountyID  string
	AgentID   string
	Payload   Payload
	Signature string
}

// EnqueueHook is told about every accepted submission. The local queue and
// the cross-process publisher each register one.
type EnqueueHook func(ctx context.Context, sub *Submission)

// Intake validates and records submissions.
type Intake struct {
	store      Store
	verifier   SignatureVerifier
	denylist   Denylist
	maxPayload int
	now        func() time.Time
	hooks      []EnqueueHook
	metrics    *Metrics
	logger     *slog.Logger
}

type IntakeOption func(*Intake)

// WithIntakeClock overrides time.Now.
func WithIntakeClock(now func() time.Time) IntakeOption {
	return func(i *Intake) { i.now = now }
}

func WithDenylist(d Denylist) IntakeOption {
	return func(i *Intake) { i.denylist = d }
}

func WithMaxPayloadBytes(n int) IntakeOption {
	return func(i *Intake) { i.maxPayload = n }
}

// WithEnqueueHook registers a callback run after each successful insert.
func WithEnqueueHook(h EnqueueHook) IntakeOption {
	return func(i *Intake) { i.hooks = append(i.hooks, h) }
}

func WithIntakeMetrics(m *Metrics) IntakeOption {
	return func(i *Intake) { i.metrics = m }
}

func NewIntake(store Store, verifier SignatureVerifier, logger *slog.Logger, opts ...IntakeOption) *Intake {
	i := &Intake{
		store:      store,
		verifier:   verifier,
		denylist:   DefaultDenylist(),
		maxPayload: MaxPayloadBytes,
		now:        time.Now,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Submit runs the intake checks in order and records a pending submission.
// The first failing check determines the returned error code.
func (i *Intake) Submit(ctx context.Context, req SubmitRequest) (*Submission, error) {
	sub, err := i.submit(ctx, req)
	if err != nil {
		code := "internal"
		if e, ok := AsError(err); ok {
			code = e.Code
		}
		i.metrics.submissionRejected(code)
		return nil, err
	}
	i.metrics.submissionAccepted(string(req.Payload.Type))
	return sub, nil
}

func (i *Intake) submit(ctx context.Context, req SubmitRequest) (*Submission, error) {
	agent, err := i.store.GetAgent(ctx, req.AgentID)
	if err != nil {
		if IsNotFound(err) {
			return nil, NotFoundError("agent", req.AgentID)
		}
		return nil, fmt.Errorf("load agent: %w", err)
	}
	if agent.Status != AgentStatusActive {
		return nil, ForbiddenError("agent %s is %s", agent.ID, agent.Status).withCode(CodeAgentInactive)
	}

	bounty, err := i.store.GetBounty(ctx, req.BountyID)
	if err != nil {
		if IsNotFound(err) {
			return nil, &Error{Kind: KindNotFound, Code: CodeBountyNotOpen, Message: fmt.Sprintf("bounty %s not found", req.BountyID)}
		}
		return nil, fmt.Errorf("load bounty: %w", err)
	}
	if !bounty.Status.AcceptsSubmissions() {
		return nil, ConflictError(CodeBountyNotOpen, "bounty %s is %s", bounty.ID, bounty.Status)
	}

	now := i.now()
	if !now.Before(bounty.Deadline) {
		return nil, ValidationError(CodeDeadlinePassed, "bounty deadline %s has passed", bounty.Deadline.Format(time.RFC3339))
	}

	if req.Payload.Type != bounty.Criteria.Type {
		return nil, ValidationError(CodeTypeMismatch, "payload type %q does not match bounty type %q", req.Payload.Type, bounty.Criteria.Type)
	}

	n, err := i.store.CountSubmissions(ctx, bounty.ID, agent.ID)
	if err != nil {
		return nil, fmt.Errorf("count submissions: %w", err)
	}
	if n > 0 {
		return nil, ConflictError(CodeDuplicateSubmission, "agent %s already submitted to bounty %s", agent.ID, bounty.ID)
	}

	canonical, err := req.Payload.Canonical()
	if err != nil {
		return nil, ValidationError(CodeValidationFailed, "%s", err.Error())
	}
	if rule, hit := i.denylist.Scan(canonical); hit {
		i.logger.Warn("blocked submission content", "bounty_id", bounty.ID, "agent_id", agent.ID, "rule", rule)
		return nil, ValidationError(CodeBlockedContent, "payload contains sensitive material").WithDetail("rule", rule)
	}
	if len(canonical) > i.maxPayload {
		return nil, ValidationError(CodePayloadTooLarge, "payload is %d bytes, limit is %d", len(canonical), i.maxPayload).
			WithDetail("limit", i.maxPayload)
	}

	hash, err := HashPayload(req.Payload)
	if err != nil {
		return nil, ValidationError(CodeValidationFailed, "%s", err.Error())
	}
	if err := i.verifier.Verify(agent.WalletAddress, hash, req.Signature); err != nil {
		return nil, UnauthorizedError(CodeInvalidSignature, "signature does not verify against agent wallet: %v", err)
	}

	payload := req.Payload
	sub := &Submission{
		ID:          uuid.NewString(),
		BountyID:    bounty.ID,
		AgentID:     agent.ID,
		Payload:     &payload,
		PayloadHash: hash,
		Signature:   req.Signature,
		Status:      SubmissionStatusPending,
		Timestamp:   now,
	}
	if err := i.store.InsertSubmission(ctx, sub); err != nil {
		switch {
		case errors.Is(err, ErrDuplicateSubmission):
			return nil, ConflictError(CodeDuplicateSubmission, "agent %s already submitted to bounty %s", agent.ID, bounty.ID)
		case errors.Is(err, ErrBountyClosed):
			return nil, ConflictError(CodeBountyNotOpen, "bounty %s closed before the submission was recorded", bounty.ID)
		}
		return nil, fmt.Errorf("insert submission: %w", err)
	}
	i.logger.Info("submission accepted", "submission_id", sub.ID, "bounty_id", bounty.ID, "agent_id", agent.ID)

	for _, h := range i.hooks {
		h(ctx, sub)
	}
	return sub, nil
}
