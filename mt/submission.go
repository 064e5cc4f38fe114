package mt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// Viewer identifies who is reading submissions.
type Viewer struct {
	AgentID  string
	PosterID string
	Sudo     bool
}

// Redact hides the payload and signature.
func (s *Submission) Redact() {
	s.Payload = nil
	s.Signature = ""
}

// VisibleTo reports whether v may see the payload of s on bounty b.
func (s *Submission) VisibleTo(v Viewer, b *Bounty) bool {
	switch {
	case v.Sudo:
		return true
	case s.Status == SubmissionStatusPassed:
		return true
	case v.AgentID != "" && v.AgentID == s.AgentID:
		return true
	case v.PosterID != "" && b != nil && v.PosterID == b.PosterID:
		return true
	}
	return false
}

// Submissions is the read side of submissions plus the operator requeue.
type Submissions struct {
	store  Store
	hooks  []EnqueueHook
	logger *slog.Logger
}

func NewSubmissions(store Store, logger *slog.Logger, hooks ...EnqueueHook) *Submissions {
	return &Submissions{store: store, hooks: hooks, logger: logger}
}

func (s *Submissions) Get(ctx context.Context, id string, v Viewer) (*Submission, error) {
	sub, err := s.store.GetSubmission(ctx, id)
	if err != nil {
		if IsNotFound(err) {
			return nil, NotFoundError("submission", id)
		}
		return nil, fmt.Errorf("get submission: %w", err)
	}
	b, err := s.store.GetBounty(ctx, sub.BountyID)
	if err != nil {
		return nil, fmt.Errorf("get bounty for submission: %w", err)
	}
	if !sub.VisibleTo(v, b) {
		sub.Redact()
	}
	return sub, nil
}

// ListForBounty pages through a bounty's submissions in arrival order.
// Payloads are loaded only where v may see them.
func (s *Submissions) ListForBounty(ctx context.Context, bountyID string, v Viewer, page Page) ([]*Submission, int, error) {
	b, err := s.store.GetBounty(ctx, bountyID)
	if err != nil {
		if IsNotFound(err) {
			return nil, 0, NotFoundError("bounty", bountyID)
		}
		return nil, 0, fmt.Errorf("get bounty: %w", err)
	}
	seeAll := v.Sudo || (v.PosterID != "" && v.PosterID == b.PosterID)
	subs, total, err := s.store.ListSubmissions(ctx, SubmissionFilter{
		Page:           page,
		BountyID:       bountyID,
		IncludePayload: seeAll,
	})
	if err != nil {
		return nil, 0, fmt.Errorf("list submissions: %w", err)
	}
	if seeAll {
		return subs, total, nil
	}
	for i, sub := range subs {
		if !sub.VisibleTo(v, b) {
			continue
		}
		full, err := s.store.GetSubmission(ctx, sub.ID)
		if err != nil {
			return nil, 0, fmt.Errorf("get submission %s: %w", sub.ID, err)
		}
		subs[i] = full
	}
	return subs, total, nil
}

// ListForAgent pages through an agent's own submissions.
func (s *Submissions) ListForAgent(ctx context.Context, agentID string, page Page) ([]*Submission, int, error) {
	subs, total, err := s.store.ListSubmissions(ctx, SubmissionFilter{Page: page, AgentID: agentID, IncludePayload: true})
	if err != nil {
		return nil, 0, fmt.Errorf("list submissions: %w", err)
	}
	return subs, total, nil
}

// Requeue sends a failed submission back through validation.
func (s *Submissions) Requeue(ctx context.Context, id string) (*Submission, error) {
	sub, err := s.store.RequeueSubmission(ctx, id)
	if err != nil {
		switch {
		case IsNotFound(err):
			return nil, NotFoundError("submission", id)
		case errors.Is(err, ErrGuardFailed):
			return nil, InvalidTransition("only failed submissions can be requeued")
		}
		return nil, fmt.Errorf("requeue submission: %w", err)
	}
	s.logger.Info("submission requeued", "submission_id", id)
	for _, h := range s.hooks {
		h(ctx, sub)
	}
	return sub, nil
}
