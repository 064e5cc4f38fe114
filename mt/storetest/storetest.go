// Package storetest is a behavioural suite every mt.Store implementation
// must pass.
package storetest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/brojonat/moldtank/mt"
	"github.com/brojonat/moldtank/solana"
	solanago "github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory returns an empty store. It may register cleanup on t.
type Factory func(t *testing.T) mt.Store

// base is whole seconds so every backend round-trips it exactly.
var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// Run exercises the Store contract against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s mt.Store)
	}{
		{"BountyRoundTrip", testBountyRoundTrip},
		{"TransitionGuard", testTransitionGuard},
		{"ListBounties", testListBounties},
		{"AgentUniqueness", testAgentUniqueness},
		{"AgentStatusGuard", testAgentStatusGuard},
		{"InsertSubmissionCounters", testInsertSubmissionCounters},
		{"InsertSubmissionConflicts", testInsertSubmissionConflicts},
		{"ConcurrentDuplicateInsert", testConcurrentDuplicateInsert},
		{"ListSubmissionsRedacts", testListSubmissionsRedacts},
		{"ClaimFIFO", testClaimFIFO},
		{"ConcurrentClaims", testConcurrentClaims},
		{"RequeueStale", testRequeueStale},
		{"FinishAndRequeue", testFinishAndRequeue},
		{"AwardSingleWinner", testAwardSingleWinner},
		{"PaymentLifecycle", testPaymentLifecycle},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tc.fn(t, newStore(t))
		})
	}
}

func amount(t *testing.T, s string) *solana.USDCAmount {
	t.Helper()
	a, err := solana.ParseUSDCAmount(s)
	require.NoError(t, err)
	return a
}

func newBounty(t *testing.T, s mt.Store, status mt.BountyStatus) *mt.Bounty {
	t.Helper()
	b := &mt.Bounty{
		ID:           uuid.NewString(),
		PosterID:     "poster-1",
		PosterWallet: "poster-wallet",
		Title:        "reverse a string",
		Description:  "in place",
		Amount:       amount(t, "100"),
		PlatformFee:  amount(t, "5"),
		WinnerPayout: amount(t, "95"),
		Deadline:     base.Add(7 * 24 * time.Hour),
		Status:       status,
		EscrowStatus: mt.EscrowStatusConfirmed,
		Criteria:     mt.Criteria{Type: mt.TaskTypeCode, Spec: json.RawMessage(`{"tests":["a"]}`)},
		CreatedAt:    base,
		UpdatedAt:    base,
	}
	require.NoError(t, s.CreateBounty(context.Background(), b))
	return b
}

func newAgent(t *testing.T, s mt.Store, name string) *mt.Agent {
	t.Helper()
	priv, err := solanago.NewRandomPrivateKey()
	require.NoError(t, err)
	a := &mt.Agent{
		ID:            uuid.NewString(),
		Name:          name,
		WalletAddress: priv.PublicKey().String(),
		Status:        mt.AgentStatusActive,
		Capabilities:  []mt.TaskType{mt.TaskTypeCode},
		TotalEarnings: solana.Zero(),
		CreatedAt:     base,
	}
	require.NoError(t, s.CreateAgent(context.Background(), a))
	return a
}

func newSubmission(b *mt.Bounty, a *mt.Agent, at time.Time) *mt.Submission {
	p := mt.Payload{Type: mt.TaskTypeCode, Data: json.RawMessage(`{"source":"` + a.Name + `"}`)}
	hash, _ := mt.HashPayload(p)
	return &mt.Submission{
		ID:          uuid.NewString(),
		BountyID:    b.ID,
		AgentID:     a.ID,
		Payload:     &p,
		PayloadHash: hash,
		Signature:   "sig-" + a.Name,
		Status:      mt.SubmissionStatusPending,
		Timestamp:   at,
	}
}

func insert(t *testing.T, s mt.Store, b *mt.Bounty, a *mt.Agent, at time.Time) *mt.Submission {
	t.Helper()
	sub := newSubmission(b, a, at)
	require.NoError(t, s.InsertSubmission(context.Background(), sub))
	return sub
}

func testBountyRoundTrip(t *testing.T, s mt.Store) {
	ctx := context.Background()
	b := newBounty(t, s, mt.BountyStatusDraft)

	got, err := s.GetBounty(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, b.Title, got.Title)
	assert.Equal(t, "95.00", got.WinnerPayout.String())
	assert.True(t, got.Deadline.Equal(b.Deadline))
	assert.JSONEq(t, string(b.Criteria.Spec), string(got.Criteria.Spec))

	assert.ErrorIs(t, s.CreateBounty(ctx, b), mt.ErrConflict)
	_, err = s.GetBounty(ctx, uuid.NewString())
	assert.ErrorIs(t, err, mt.ErrNotFound)
}

func testTransitionGuard(t *testing.T, s mt.Store) {
	ctx := context.Background()
	b := newBounty(t, s, mt.BountyStatusDraft)
	open := mt.BountyStatusOpen
	tx := "fund-tx"

	_, err := s.TransitionBounty(ctx, b.ID,
		mt.BountyGuard{Statuses: []mt.BountyStatus{mt.BountyStatusOpen}},
		mt.BountyUpdate{Status: &open})
	assert.ErrorIs(t, err, mt.ErrGuardFailed)

	got, err := s.TransitionBounty(ctx, b.ID,
		mt.BountyGuard{Statuses: []mt.BountyStatus{mt.BountyStatusDraft}, NoSubmissions: true},
		mt.BountyUpdate{Status: &open, EscrowTxHash: &tx})
	require.NoError(t, err)
	assert.Equal(t, mt.BountyStatusOpen, got.Status)
	assert.Equal(t, tx, got.EscrowTxHash)

	_, err = s.TransitionBounty(ctx, uuid.NewString(), mt.BountyGuard{}, mt.BountyUpdate{Status: &open})
	assert.ErrorIs(t, err, mt.ErrNotFound)
}

func testListBounties(t *testing.T, s mt.Store) {
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		newBounty(t, s, mt.BountyStatusOpen)
	}
	newBounty(t, s, mt.BountyStatusDraft)

	got, total, err := s.ListBounties(ctx, mt.BountyFilter{Statuses: []mt.BountyStatus{mt.BountyStatusOpen}, Page: mt.Page{Page: 1, Limit: 2}})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Len(t, got, 2)

	got, total, err = s.ListBounties(ctx, mt.BountyFilter{Page: mt.Page{Page: 3, Limit: 2}})
	require.NoError(t, err)
	assert.Equal(t, 4, total)
	assert.Empty(t, got)

	cutoff := base.Add(8 * 24 * time.Hour)
	got, _, err = s.ListBounties(ctx, mt.BountyFilter{DeadlineBefore: &cutoff, PosterID: "poster-1"})
	require.NoError(t, err)
	assert.Len(t, got, 4)
}

func testAgentUniqueness(t *testing.T, s mt.Store) {
	ctx := context.Background()
	a := newAgent(t, s, "Alpha")

	dupWallet := *a
	dupWallet.ID = uuid.NewString()
	dupWallet.Name = "other"
	assert.ErrorIs(t, s.CreateAgent(ctx, &dupWallet), mt.ErrConflict)

	dupName := *a
	dupName.ID = uuid.NewString()
	dupName.Name = "alpha"
	dupName.WalletAddress = "0x00000000000000000000000000000000000000bb"
	assert.ErrorIs(t, s.CreateAgent(ctx, &dupName), mt.ErrConflict)

	got, err := s.GetAgentByWallet(ctx, a.WalletAddress)
	require.NoError(t, err)
	assert.Equal(t, a.ID, got.ID)
	assert.Equal(t, []mt.TaskType{mt.TaskTypeCode}, got.Capabilities)

	_, err = s.GetAgentByWallet(ctx, "nobody")
	assert.ErrorIs(t, err, mt.ErrNotFound)
}

func testAgentStatusGuard(t *testing.T, s mt.Store) {
	ctx := context.Background()
	a := newAgent(t, s, "alpha")

	_, err := s.SetAgentStatus(ctx, a.ID, []mt.AgentStatus{mt.AgentStatusPending}, mt.AgentStatusActive)
	assert.ErrorIs(t, err, mt.ErrGuardFailed)

	got, err := s.SetAgentStatus(ctx, a.ID, nil, mt.AgentStatusSuspended)
	require.NoError(t, err)
	assert.Equal(t, mt.AgentStatusSuspended, got.Status)

	list, total, err := s.ListAgents(ctx, mt.AgentFilter{Status: mt.AgentStatusSuspended})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, list, 1)
	assert.Equal(t, a.ID, list[0].ID)
}

func testInsertSubmissionCounters(t *testing.T, s mt.Store) {
	ctx := context.Background()
	b := newBounty(t, s, mt.BountyStatusOpen)
	a := newAgent(t, s, "alpha")
	sub := insert(t, s, b, a, base.Add(time.Minute))

	gotBounty, err := s.GetBounty(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, gotBounty.SubmissionCount)
	assert.Equal(t, mt.BountyStatusInProgress, gotBounty.Status)

	gotAgent, err := s.GetAgent(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, gotAgent.BountiesAttempted)
	require.NotNil(t, gotAgent.LastActiveAt)

	gotSub, err := s.GetSubmission(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, mt.SubmissionStatusPending, gotSub.Status)
	require.NotNil(t, gotSub.Payload)
	assert.JSONEq(t, string(sub.Payload.Data), string(gotSub.Payload.Data))
	assert.Equal(t, sub.PayloadHash, gotSub.PayloadHash)

	n, err := s.CountSubmissions(ctx, b.ID, a.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = s.CountSubmissions(ctx, b.ID, "")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func testInsertSubmissionConflicts(t *testing.T, s mt.Store) {
	ctx := context.Background()
	b := newBounty(t, s, mt.BountyStatusOpen)
	a := newAgent(t, s, "alpha")
	insert(t, s, b, a, base)

	err := s.InsertSubmission(ctx, newSubmission(b, a, base))
	assert.ErrorIs(t, err, mt.ErrDuplicateSubmission)

	draft := newBounty(t, s, mt.BountyStatusDraft)
	err = s.InsertSubmission(ctx, newSubmission(draft, a, base))
	assert.ErrorIs(t, err, mt.ErrBountyClosed)

	err = s.InsertSubmission(ctx, newSubmission(&mt.Bounty{ID: uuid.NewString()}, a, base))
	assert.ErrorIs(t, err, mt.ErrNotFound)
}

func testConcurrentDuplicateInsert(t *testing.T, s mt.Store) {
	ctx := context.Background()
	b := newBounty(t, s, mt.BountyStatusOpen)
	a := newAgent(t, s, "alpha")

	const n = 10
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = s.InsertSubmission(ctx, newSubmission(b, a, base))
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.True(t, errors.Is(err, mt.ErrDuplicateSubmission), "unexpected error: %v", err)
	}
	assert.Equal(t, 1, ok)
	got, err := s.GetBounty(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.SubmissionCount)
}

func testListSubmissionsRedacts(t *testing.T, s mt.Store) {
	ctx := context.Background()
	b := newBounty(t, s, mt.BountyStatusOpen)
	insert(t, s, b, newAgent(t, s, "alpha"), base)
	insert(t, s, b, newAgent(t, s, "beta"), base.Add(time.Second))

	subs, total, err := s.ListSubmissions(ctx, mt.SubmissionFilter{BountyID: b.ID})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	for _, sub := range subs {
		assert.Nil(t, sub.Payload)
		assert.Empty(t, sub.Signature)
		assert.NotEmpty(t, sub.PayloadHash)
	}

	subs, _, err = s.ListSubmissions(ctx, mt.SubmissionFilter{BountyID: b.ID, IncludePayload: true})
	require.NoError(t, err)
	for _, sub := range subs {
		assert.NotNil(t, sub.Payload)
	}
}

func testClaimFIFO(t *testing.T, s mt.Store) {
	ctx := context.Background()
	b := newBounty(t, s, mt.BountyStatusOpen)
	late := insert(t, s, b, newAgent(t, s, "late"), base.Add(time.Minute))
	early := insert(t, s, b, newAgent(t, s, "early"), base)

	first, err := s.ClaimNextPending(ctx, base)
	require.NoError(t, err)
	assert.Equal(t, early.ID, first.ID)
	assert.Equal(t, mt.SubmissionStatusValidating, first.Status)
	require.NotNil(t, first.ValidationStartedAt)
	require.NotNil(t, first.Payload)

	second, err := s.ClaimNextPending(ctx, base)
	require.NoError(t, err)
	assert.Equal(t, late.ID, second.ID)

	_, err = s.ClaimNextPending(ctx, base)
	assert.ErrorIs(t, err, mt.ErrNotFound)
}

func testConcurrentClaims(t *testing.T, s mt.Store) {
	ctx := context.Background()
	b := newBounty(t, s, mt.BountyStatusOpen)
	for i, name := range []string{"a", "b", "c", "d", "e", "f"} {
		insert(t, s, b, newAgent(t, s, name), base.Add(time.Duration(i)*time.Second))
	}

	var mu sync.Mutex
	seen := map[string]int{}
	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sub, err := s.ClaimNextPending(ctx, base)
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			seen[sub.ID]++
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Len(t, seen, 6)
	for id, n := range seen {
		assert.Equal(t, 1, n, "submission %s claimed twice", id)
	}
}

func testRequeueStale(t *testing.T, s mt.Store) {
	ctx := context.Background()
	b := newBounty(t, s, mt.BountyStatusOpen)
	stale := insert(t, s, b, newAgent(t, s, "stale"), base)
	fresh := insert(t, s, b, newAgent(t, s, "fresh"), base.Add(time.Second))

	_, err := s.ClaimNextPending(ctx, base)
	require.NoError(t, err)
	_, err = s.ClaimNextPending(ctx, base.Add(10*time.Minute))
	require.NoError(t, err)

	n, err := s.RequeueStale(ctx, base.Add(5*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := s.GetSubmission(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, mt.SubmissionStatusPending, got.Status)
	got, err = s.GetSubmission(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, mt.SubmissionStatusValidating, got.Status)
}

func testFinishAndRequeue(t *testing.T, s mt.Store) {
	ctx := context.Background()
	b := newBounty(t, s, mt.BountyStatusOpen)
	sub := insert(t, s, b, newAgent(t, s, "alpha"), base)

	_, err := s.FinishSubmission(ctx, sub.ID, mt.SubmissionStatusFailed, &mt.ValidationResult{}, base)
	assert.ErrorIs(t, err, mt.ErrGuardFailed, "pending cannot be finished")

	_, err = s.ClaimNextPending(ctx, base)
	require.NoError(t, err)
	score := 0.25
	got, err := s.FinishSubmission(ctx, sub.ID, mt.SubmissionStatusFailed,
		&mt.ValidationResult{Score: &score, Diagnostics: json.RawMessage(`["test a failed"]`)}, base.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, mt.SubmissionStatusFailed, got.Status)
	require.NotNil(t, got.Result)
	require.NotNil(t, got.Result.Score)
	assert.InDelta(t, 0.25, *got.Result.Score, 1e-9)
	require.NotNil(t, got.ValidatedAt)

	_, err = s.FinishSubmission(ctx, sub.ID, mt.SubmissionStatusRejected, nil, base)
	assert.ErrorIs(t, err, mt.ErrGuardFailed)

	requeued, err := s.RequeueSubmission(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, mt.SubmissionStatusPending, requeued.Status)
	assert.Nil(t, requeued.Result)

	_, err = s.RequeueSubmission(ctx, sub.ID)
	assert.ErrorIs(t, err, mt.ErrGuardFailed)
}

func testAwardSingleWinner(t *testing.T, s mt.Store) {
	ctx := context.Background()
	b := newBounty(t, s, mt.BountyStatusOpen)
	alpha := newAgent(t, s, "alpha")
	beta := newAgent(t, s, "beta")
	first := insert(t, s, b, alpha, base)
	second := insert(t, s, b, beta, base.Add(time.Second))
	for i := 0; i < 2; i++ {
		_, err := s.ClaimNextPending(ctx, base)
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, id := range []string{first.ID, second.ID} {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			_, errs[i] = s.AwardWinner(ctx, b.ID, id, &mt.ValidationResult{Passed: true}, base)
		}(i, id)
	}
	wg.Wait()

	winners := 0
	for _, err := range errs {
		if err == nil {
			winners++
			continue
		}
		assert.ErrorIs(t, err, mt.ErrWinnerExists)
	}
	require.Equal(t, 1, winners)

	got, err := s.GetBounty(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, mt.BountyStatusCompleted, got.Status)
	require.NotEmpty(t, got.WinningSubmissionID)

	winSub, err := s.GetSubmission(ctx, got.WinningSubmissionID)
	require.NoError(t, err)
	assert.Equal(t, mt.SubmissionStatusPassed, winSub.Status)
	assert.Equal(t, got.WinnerID, winSub.AgentID)

	winner, err := s.GetAgent(ctx, got.WinnerID)
	require.NoError(t, err)
	assert.Equal(t, 1, winner.BountiesWon)
	assert.InDelta(t, 1.0, winner.WinRate, 1e-9)
}

func testPaymentLifecycle(t *testing.T, s mt.Store) {
	ctx := context.Background()
	b := newBounty(t, s, mt.BountyStatusOpen)
	a := newAgent(t, s, "alpha")
	sub := insert(t, s, b, a, base)
	_, err := s.ClaimNextPending(ctx, base)
	require.NoError(t, err)
	_, err = s.AwardWinner(ctx, b.ID, sub.ID, &mt.ValidationResult{Passed: true}, base)
	require.NoError(t, err)

	pay := func() *mt.Payment {
		return &mt.Payment{
			ID:           uuid.NewString(),
			BountyID:     b.ID,
			SubmissionID: sub.ID,
			WinnerID:     a.ID,
			Gross:        b.Amount,
			Fee:          b.PlatformFee,
			Net:          b.WinnerPayout,
			Chain:        "solana",
			Asset:        "USDC",
			PayTo:        a.WalletAddress,
			CreatedAt:    base,
			UpdatedAt:    base,
		}
	}

	p1 := pay()
	require.NoError(t, s.CreatePayment(ctx, p1))
	assert.Equal(t, 1, p1.Attempts)
	assert.Equal(t, mt.PaymentStatusPending, p1.Status)
	assert.ErrorIs(t, s.CreatePayment(ctx, pay()), mt.ErrPaymentPending)

	failed, err := s.FailPayment(ctx, p1.ID, "rail down", base)
	require.NoError(t, err)
	assert.Equal(t, mt.PaymentStatusFailed, failed.Status)
	assert.Equal(t, "rail down", failed.LastError)

	p2 := pay()
	require.NoError(t, s.CreatePayment(ctx, p2))
	assert.Equal(t, 2, p2.Attempts)

	settled, err := s.SettlePayment(ctx, p2.ID, "tx-2", base.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, mt.PaymentStatusConfirmed, settled.Status)
	assert.Equal(t, "tx-2", settled.TxHash)

	_, err = s.SettlePayment(ctx, p2.ID, "tx-3", base)
	assert.ErrorIs(t, err, mt.ErrGuardFailed)

	gotBounty, err := s.GetBounty(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, mt.EscrowStatusReleased, gotBounty.EscrowStatus)
	gotAgent, err := s.GetAgent(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "95.00", gotAgent.TotalEarnings.String())

	payments, err := s.ListPayments(ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, payments, 2)
	assert.Equal(t, p1.ID, payments[0].ID)
	assert.Equal(t, p2.ID, payments[1].ID)

	got, err := s.GetPayment(ctx, p2.ID)
	require.NoError(t, err)
	assert.Equal(t, "95.00", got.Net.String())
}
