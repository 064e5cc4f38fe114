package mt

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/brojonat/moldtank/solana"
)

// MemoryStore is a Store held in process memory. One mutex serializes every
// call, which gives the same atomicity the Postgres store gets from
// transactions. It backs tests and single-process development runs.
type MemoryStore struct {
	mu          sync.Mutex
	now         func() time.Time
	bounties    map[string]*Bounty
	agents      map[string]*Agent
	submissions map[string]*Submission
	payments    map[string]*Payment
	// insertion order, used to break timestamp ties
	seq map[string]int
	n   int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:         time.Now,
		bounties:    map[string]*Bounty{},
		agents:      map[string]*Agent{},
		submissions: map[string]*Submission{},
		payments:    map[string]*Payment{},
		seq:         map[string]int{},
	}
}

func (s *MemoryStore) next(id string) {
	s.n++
	s.seq[id] = s.n
}

func (s *MemoryStore) CreateBounty(ctx context.Context, b *Bounty) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.bounties[b.ID]; ok {
		return fmt.Errorf("bounty %s: %w", b.ID, ErrConflict)
	}
	s.bounties[b.ID] = cloneBounty(b)
	s.next(b.ID)
	return nil
}

func (s *MemoryStore) GetBounty(ctx context.Context, id string) (*Bounty, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bounties[id]
	if !ok {
		return nil, fmt.Errorf("bounty %s: %w", id, ErrNotFound)
	}
	return cloneBounty(b), nil
}

func (s *MemoryStore) ListBounties(ctx context.Context, f BountyFilter) ([]*Bounty, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var matched []*Bounty
	for _, b := range s.bounties {
		if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, b.Status) {
			continue
		}
		if f.Type != "" && b.Criteria.Type != f.Type {
			continue
		}
		if f.PosterID != "" && b.PosterID != f.PosterID {
			continue
		}
		if f.DeadlineBefore != nil && !b.Deadline.Before(*f.DeadlineBefore) {
			continue
		}
		matched = append(matched, b)
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return s.seq[matched[i].ID] > s.seq[matched[j].ID]
	})
	return paginate(matched, f.Page, cloneBounty), len(matched), nil
}

func (s *MemoryStore) TransitionBounty(ctx context.Context, id string, guard BountyGuard, update BountyUpdate) (*Bounty, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bounties[id]
	if !ok {
		return nil, fmt.Errorf("bounty %s: %w", id, ErrNotFound)
	}
	if !guard.Matches(b) {
		return nil, fmt.Errorf("bounty %s (%s/%s): %w", id, b.Status, b.EscrowStatus, ErrGuardFailed)
	}
	update.Apply(b, s.now())
	return cloneBounty(b), nil
}

func (s *MemoryStore) CreateAgent(ctx context.Context, a *Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.agents[a.ID]; ok {
		return fmt.Errorf("agent %s: %w", a.ID, ErrConflict)
	}
	for _, other := range s.agents {
		if other.WalletAddress == a.WalletAddress {
			return fmt.Errorf("wallet %s already registered: %w", a.WalletAddress, ErrConflict)
		}
		if strings.EqualFold(other.Name, a.Name) {
			return fmt.Errorf("agent name %q taken: %w", a.Name, ErrConflict)
		}
	}
	s.agents[a.ID] = cloneAgent(a)
	s.next(a.ID)
	return nil
}

func (s *MemoryStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[id]
	if !ok {
		return nil, fmt.Errorf("agent %s: %w", id, ErrNotFound)
	}
	return cloneAgent(a), nil
}

func (s *MemoryStore) GetAgentByWallet(ctx context.Context, wallet string) (*Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.agents {
		if a.WalletAddress == wallet {
			return cloneAgent(a), nil
		}
	}
	return nil, fmt.Errorf("agent with wallet %s: %w", wallet, ErrNotFound)
}

func (s *MemoryStore) ListAgents(ctx context.Context, f AgentFilter) ([]*Agent, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var matched []*Agent
	for _, a := range s.agents {
		if f.Status != "" && a.Status != f.Status {
			continue
		}
		if f.Capability != "" && !slices.Contains(a.Capabilities, f.Capability) {
			continue
		}
		matched = append(matched, a)
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].BountiesWon != matched[j].BountiesWon {
			return matched[i].BountiesWon > matched[j].BountiesWon
		}
		return s.seq[matched[i].ID] < s.seq[matched[j].ID]
	})
	return paginate(matched, f.Page, cloneAgent), len(matched), nil
}

func (s *MemoryStore) SetAgentStatus(ctx context.Context, id string, from []AgentStatus, to AgentStatus) (*Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[id]
	if !ok {
		return nil, fmt.Errorf("agent %s: %w", id, ErrNotFound)
	}
	if len(from) > 0 && !slices.Contains(from, a.Status) {
		return nil, fmt.Errorf("agent %s is %s: %w", id, a.Status, ErrGuardFailed)
	}
	a.Status = to
	return cloneAgent(a), nil
}

func (s *MemoryStore) InsertSubmission(ctx context.Context, sub *Submission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bounties[sub.BountyID]
	if !ok {
		return fmt.Errorf("bounty %s: %w", sub.BountyID, ErrNotFound)
	}
	a, ok := s.agents[sub.AgentID]
	if !ok {
		return fmt.Errorf("agent %s: %w", sub.AgentID, ErrNotFound)
	}
	for _, other := range s.submissions {
		if other.BountyID == sub.BountyID && other.AgentID == sub.AgentID {
			return fmt.Errorf("bounty %s agent %s: %w", sub.BountyID, sub.AgentID, ErrDuplicateSubmission)
		}
	}
	if !b.Status.AcceptsSubmissions() {
		return fmt.Errorf("bounty %s is %s: %w", b.ID, b.Status, ErrBountyClosed)
	}

	stored := cloneSubmission(sub)
	stored.Status = SubmissionStatusPending
	s.submissions[sub.ID] = stored
	s.next(sub.ID)

	b.SubmissionCount++
	if b.Status == BountyStatusOpen {
		b.Status = BountyStatusInProgress
	}
	b.UpdatedAt = sub.Timestamp

	a.BountiesAttempted++
	a.WinRate = winRate(a.BountiesWon, a.BountiesAttempted)
	ts := sub.Timestamp
	a.LastActiveAt = &ts
	return nil
}

func (s *MemoryStore) GetSubmission(ctx context.Context, id string) (*Submission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.submissions[id]
	if !ok {
		return nil, fmt.Errorf("submission %s: %w", id, ErrNotFound)
	}
	return cloneSubmission(sub), nil
}

func (s *MemoryStore) ListSubmissions(ctx context.Context, f SubmissionFilter) ([]*Submission, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var matched []*Submission
	for _, sub := range s.submissions {
		if f.BountyID != "" && sub.BountyID != f.BountyID {
			continue
		}
		if f.AgentID != "" && sub.AgentID != f.AgentID {
			continue
		}
		if f.Status != "" && sub.Status != f.Status {
			continue
		}
		matched = append(matched, sub)
	}
	s.sortFIFO(matched)
	clone := cloneSubmission
	if !f.IncludePayload {
		clone = func(sub *Submission) *Submission {
			c := cloneSubmission(sub)
			c.Payload = nil
			c.Signature = ""
			return c
		}
	}
	return paginate(matched, f.Page, clone), len(matched), nil
}

func (s *MemoryStore) CountSubmissions(ctx context.Context, bountyID, agentID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, sub := range s.submissions {
		if sub.BountyID == bountyID && (agentID == "" || sub.AgentID == agentID) {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) ClaimNextPending(ctx context.Context, now time.Time) (*Submission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var pending []*Submission
	for _, sub := range s.submissions {
		if sub.Status == SubmissionStatusPending {
			pending = append(pending, sub)
		}
	}
	if len(pending) == 0 {
		return nil, fmt.Errorf("pending submission: %w", ErrNotFound)
	}
	s.sortFIFO(pending)
	sub := pending[0]
	sub.Status = SubmissionStatusValidating
	started := now
	sub.ValidationStartedAt = &started
	return cloneSubmission(sub), nil
}

func (s *MemoryStore) RequeueStale(ctx context.Context, startedBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, sub := range s.submissions {
		if sub.Status != SubmissionStatusValidating {
			continue
		}
		if sub.ValidationStartedAt != nil && !sub.ValidationStartedAt.Before(startedBefore) {
			continue
		}
		sub.Status = SubmissionStatusPending
		sub.ValidationStartedAt = nil
		n++
	}
	return n, nil
}

func (s *MemoryStore) RequeueSubmission(ctx context.Context, id string) (*Submission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.submissions[id]
	if !ok {
		return nil, fmt.Errorf("submission %s: %w", id, ErrNotFound)
	}
	if sub.Status != SubmissionStatusFailed {
		return nil, fmt.Errorf("submission %s is %s: %w", id, sub.Status, ErrGuardFailed)
	}
	sub.Status = SubmissionStatusPending
	sub.Result = nil
	sub.ValidationStartedAt = nil
	sub.ValidatedAt = nil
	return cloneSubmission(sub), nil
}

func (s *MemoryStore) FinishSubmission(ctx context.Context, id string, status SubmissionStatus, result *ValidationResult, at time.Time) (*Submission, error) {
	if status != SubmissionStatusFailed && status != SubmissionStatusRejected {
		return nil, fmt.Errorf("cannot finish submission as %s", status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.submissions[id]
	if !ok {
		return nil, fmt.Errorf("submission %s: %w", id, ErrNotFound)
	}
	if sub.Status != SubmissionStatusValidating {
		return nil, fmt.Errorf("submission %s is %s: %w", id, sub.Status, ErrGuardFailed)
	}
	sub.Status = status
	sub.Result = cloneResult(result)
	finished := at
	sub.ValidatedAt = &finished
	return cloneSubmission(sub), nil
}

func (s *MemoryStore) AwardWinner(ctx context.Context, bountyID, submissionID string, result *ValidationResult, at time.Time) (*Bounty, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bounties[bountyID]
	if !ok {
		return nil, fmt.Errorf("bounty %s: %w", bountyID, ErrNotFound)
	}
	sub, ok := s.submissions[submissionID]
	if !ok || sub.BountyID != bountyID {
		return nil, fmt.Errorf("submission %s: %w", submissionID, ErrNotFound)
	}
	if sub.Status != SubmissionStatusValidating {
		return nil, fmt.Errorf("submission %s is %s: %w", submissionID, sub.Status, ErrGuardFailed)
	}
	if b.WinnerID != "" {
		return nil, fmt.Errorf("bounty %s: %w", bountyID, ErrWinnerExists)
	}
	if !b.Status.AcceptsSubmissions() {
		return nil, fmt.Errorf("bounty %s is %s: %w", bountyID, b.Status, ErrBountyClosed)
	}
	a, ok := s.agents[sub.AgentID]
	if !ok {
		return nil, fmt.Errorf("agent %s: %w", sub.AgentID, ErrNotFound)
	}

	sub.Status = SubmissionStatusPassed
	sub.Result = cloneResult(result)
	finished := at
	sub.ValidatedAt = &finished

	b.Status = BountyStatusCompleted
	b.WinnerID = sub.AgentID
	b.WinningSubmissionID = sub.ID
	b.UpdatedAt = at

	a.BountiesWon++
	a.WinRate = winRate(a.BountiesWon, a.BountiesAttempted)
	return cloneBounty(b), nil
}

func (s *MemoryStore) CreatePayment(ctx context.Context, p *Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.bounties[p.BountyID]; !ok {
		return fmt.Errorf("bounty %s: %w", p.BountyID, ErrNotFound)
	}
	attempts := 0
	for _, other := range s.payments {
		if other.BountyID != p.BountyID {
			continue
		}
		if other.Status == PaymentStatusPending {
			return fmt.Errorf("bounty %s: %w", p.BountyID, ErrPaymentPending)
		}
		attempts++
	}
	stored := clonePayment(p)
	stored.Status = PaymentStatusPending
	stored.Attempts = attempts + 1
	s.payments[p.ID] = stored
	s.next(p.ID)
	p.Status = stored.Status
	p.Attempts = stored.Attempts
	return nil
}

func (s *MemoryStore) GetPayment(ctx context.Context, id string) (*Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[id]
	if !ok {
		return nil, fmt.Errorf("payment %s: %w", id, ErrNotFound)
	}
	return clonePayment(p), nil
}

func (s *MemoryStore) ListPayments(ctx context.Context, bountyID string) ([]*Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Payment
	for _, p := range s.payments {
		if p.BountyID == bountyID {
			out = append(out, clonePayment(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Attempts < out[j].Attempts })
	return out, nil
}

func (s *MemoryStore) FailPayment(ctx context.Context, id, reason string, at time.Time) (*Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[id]
	if !ok {
		return nil, fmt.Errorf("payment %s: %w", id, ErrNotFound)
	}
	if p.Status != PaymentStatusPending {
		return nil, fmt.Errorf("payment %s is %s: %w", id, p.Status, ErrGuardFailed)
	}
	p.Status = PaymentStatusFailed
	p.LastError = reason
	p.UpdatedAt = at
	return clonePayment(p), nil
}

func (s *MemoryStore) SettlePayment(ctx context.Context, id, txHash string, at time.Time) (*Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[id]
	if !ok {
		return nil, fmt.Errorf("payment %s: %w", id, ErrNotFound)
	}
	if p.Status != PaymentStatusPending {
		return nil, fmt.Errorf("payment %s is %s: %w", id, p.Status, ErrGuardFailed)
	}
	b, ok := s.bounties[p.BountyID]
	if !ok {
		return nil, fmt.Errorf("bounty %s: %w", p.BountyID, ErrNotFound)
	}
	if b.EscrowStatus != EscrowStatusConfirmed {
		return nil, fmt.Errorf("bounty %s escrow is %s: %w", b.ID, b.EscrowStatus, ErrGuardFailed)
	}
	a, ok := s.agents[p.WinnerID]
	if !ok {
		return nil, fmt.Errorf("agent %s: %w", p.WinnerID, ErrNotFound)
	}

	p.Status = PaymentStatusConfirmed
	p.TxHash = txHash
	p.UpdatedAt = at
	b.EscrowStatus = EscrowStatusReleased
	b.UpdatedAt = at
	earnings := a.TotalEarnings
	if earnings == nil {
		earnings = solana.Zero()
	}
	a.TotalEarnings = earnings.Add(p.Net)
	return clonePayment(p), nil
}

func (s *MemoryStore) sortFIFO(subs []*Submission) {
	sort.Slice(subs, func(i, j int) bool {
		if !subs[i].Timestamp.Equal(subs[j].Timestamp) {
			return subs[i].Timestamp.Before(subs[j].Timestamp)
		}
		return s.seq[subs[i].ID] < s.seq[subs[j].ID]
	})
}

func winRate(won, attempted int) float64 {
	if attempted == 0 {
		return 0
	}
	return float64(won) / float64(attempted)
}

func paginate[T any](items []T, p Page, clone func(T) T) []T {
	p = p.Normalize()
	start := p.Offset()
	if start >= len(items) {
		return []T{}
	}
	end := min(start+p.Limit, len(items))
	out := make([]T, 0, end-start)
	for _, it := range items[start:end] {
		out = append(out, clone(it))
	}
	return out
}

func cloneBounty(b *Bounty) *Bounty {
	c := *b
	c.Amount = b.Amount.Copy()
	c.PlatformFee = b.PlatformFee.Copy()
	c.WinnerPayout = b.WinnerPayout.Copy()
	c.Criteria.Spec = slices.Clone(b.Criteria.Spec)
	return &c
}

func cloneAgent(a *Agent) *Agent {
	c := *a
	c.Capabilities = slices.Clone(a.Capabilities)
	c.TotalEarnings = a.TotalEarnings.Copy()
	if a.LastActiveAt != nil {
		t := *a.LastActiveAt
		c.LastActiveAt = &t
	}
	return &c
}

func cloneSubmission(sub *Submission) *Submission {
	c := *sub
	if sub.Payload != nil {
		p := *sub.Payload
		p.Data = slices.Clone(sub.Payload.Data)
		c.Payload = &p
	}
	c.Result = cloneResult(sub.Result)
	if sub.ValidationStartedAt != nil {
		t := *sub.ValidationStartedAt
		c.ValidationStartedAt = &t
	}
	if sub.ValidatedAt != nil {
		t := *sub.ValidatedAt
		c.ValidatedAt = &t
	}
	return &c
}

func cloneResult(r *ValidationResult) *ValidationResult {
	if r == nil {
		return nil
	}
	c := *r
	c.Diagnostics = slices.Clone(r.Diagnostics)
	if r.Score != nil {
		score := *r.Score
		c.Score = &score
	}
	return &c
}

func clonePayment(p *Payment) *Payment {
	c := *p
	c.Gross = p.Gross.Copy()
	c.Fee = p.Fee.Copy()
	c.Net = p.Net.Copy()
	return &c
}
