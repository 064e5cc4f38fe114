package mt

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/brojonat/moldtank/solana"
	solanago "github.com/gagliardetto/solana-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type countingExecutor struct {
	calls int32
	last  ExecuteRequest
	err   error
}

func (e *countingExecutor) Execute(ctx context.Context, req ExecuteRequest) (string, error) {
	atomic.AddInt32(&e.calls, 1)
	e.last = req
	if e.err != nil {
		return "", e.err
	}
	return "tx-" + req.PaymentID, nil
}

type staticDiscoverer struct {
	reqs *PaymentRequirements
	err  error
}

func (d staticDiscoverer) Discover(ctx context.Context, endpoint string) (*PaymentRequirements, error) {
	return d.reqs, d.err
}

// wonBounty seeds a completed bounty with a recorded winner.
func wonBounty(t *testing.T, s *MemoryStore, endpoint string) (*Bounty, *Agent) {
	t.Helper()
	ctx := context.Background()
	b := seedOpenBounty(t, s)
	a := seedAgent(t, s, "winner")
	s.agents[a.ID].PaymentEndpoint = endpoint
	sub := seedSubmission(t, s, b, a, testNow)
	_, err := s.ClaimNextPending(ctx, testNow)
	require.NoError(t, err)
	won, err := s.AwardWinner(ctx, b.ID, sub.ID, &ValidationResult{Passed: true}, testNow)
	require.NoError(t, err)
	return won, a
}

func TestSettleSuccessCreditsWinner(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	b, a := wonBounty(t, s, "")
	exec := &countingExecutor{}
	settler := NewSettler(s, nil, exec, SettlerConfig{}, discardLogger())

	p, err := settler.Settle(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, PaymentStatusConfirmed, p.Status)
	assert.Equal(t, "100.00", p.Gross.String())
	assert.Equal(t, "5.00", p.Fee.String())
	assert.Equal(t, "95.00", p.Net.String())
	assert.Equal(t, 1, p.Attempts)
	assert.Equal(t, DefaultPayoutChain, p.Chain)
	assert.Equal(t, a.WalletAddress, p.PayTo)
	assert.Equal(t, "tx-"+p.ID, p.TxHash)
	assert.Equal(t, "95.00", exec.last.Amount.String())

	gotBounty, err := s.GetBounty(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, EscrowStatusReleased, gotBounty.EscrowStatus)
	assert.Equal(t, BountyStatusCompleted, gotBounty.Status)

	gotAgent, err := s.GetAgent(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "95.00", gotAgent.TotalEarnings.String())
}

func TestSettleIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	b, a := wonBounty(t, s, "")
	exec := &countingExecutor{}
	settler := NewSettler(s, nil, exec, SettlerConfig{}, discardLogger())

	first, err := settler.Settle(ctx, b.ID)
	require.NoError(t, err)
	second, err := settler.Settle(ctx, b.ID)
	require.NoError(t, err)

	assert.EqualValues(t, 1, atomic.LoadInt32(&exec.calls))
	assert.Equal(t, first.TxHash, second.TxHash)
	payments, err := s.ListPayments(ctx, b.ID)
	require.NoError(t, err)
	assert.Len(t, payments, 1)

	gotAgent, err := s.GetAgent(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "95.00", gotAgent.TotalEarnings.String())
}

func TestSettleFailureLeavesEscrowConfirmed(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	b, a := wonBounty(t, s, "")
	exec := &countingExecutor{err: errors.New("rail down")}
	settler := NewSettler(s, nil, exec, SettlerConfig{}, discardLogger())

	_, err := settler.Settle(ctx, b.ID)
	e, ok := AsError(err)
	require.True(t, ok, "got %v", err)
	assert.Equal(t, CodePayoutFailed, e.Code)
	assert.Equal(t, KindExternal, e.Kind)

	gotBounty, err := s.GetBounty(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, BountyStatusCompleted, gotBounty.Status)
	assert.Equal(t, EscrowStatusConfirmed, gotBounty.EscrowStatus)

	payments, err := s.ListPayments(ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, payments, 1)
	assert.Equal(t, PaymentStatusFailed, payments[0].Status)
	assert.Equal(t, "rail down", payments[0].LastError)

	gotAgent, err := s.GetAgent(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, gotAgent.TotalEarnings.IsZero())

	// a retry records a second attempt
	exec.err = nil
	p, err := settler.Settle(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, p.Attempts)
}

func TestSettleRejectsConcurrentPendingPayment(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	b, a := wonBounty(t, s, "")
	require.NoError(t, s.CreatePayment(ctx, &Payment{ID: "in-flight", BountyID: b.ID, WinnerID: a.ID, Net: b.WinnerPayout}))

	settler := NewSettler(s, nil, &countingExecutor{}, SettlerConfig{}, discardLogger())
	_, err := settler.Settle(ctx, b.ID)
	assert.True(t, HasCode(err, CodePayoutInProgress), "got %v", err)
}

func TestSettleUsesDiscoveredRequirements(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	b, _ := wonBounty(t, s, "https://agent.example/pay")
	exec := &countingExecutor{}
	disc := staticDiscoverer{reqs: &PaymentRequirements{Chain: "base", Asset: "USDC", PayTo: "0xabc", Amount: mustAmount(t, "1000")}}
	settler := NewSettler(s, disc, exec, SettlerConfig{}, discardLogger())

	p, err := settler.Settle(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, "base", p.Chain)
	assert.Equal(t, "0xabc", p.PayTo)
	// the endpoint cannot raise the amount
	assert.Equal(t, "95.00", exec.last.Amount.String())
	assert.Equal(t, "https://agent.example/pay", exec.last.Endpoint)
}

func TestSettleFallsBackWhenDiscoveryFails(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	b, a := wonBounty(t, s, "https://agent.example/pay")
	disc := staticDiscoverer{err: errors.New("malformed")}
	settler := NewSettler(s, disc, &countingExecutor{}, SettlerConfig{DefaultChain: "solana", DefaultAsset: "USDC"}, discardLogger())

	p, err := settler.Settle(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, "solana", p.Chain)
	assert.Equal(t, a.WalletAddress, p.PayTo)
}

func TestSettleRequiresCompletedBounty(t *testing.T) {
	s := NewMemoryStore()
	b := seedOpenBounty(t, s)
	settler := NewSettler(s, nil, &countingExecutor{}, SettlerConfig{}, discardLogger())
	_, err := settler.Settle(context.Background(), b.ID)
	assert.True(t, HasCode(err, CodeInvalidTransition), "got %v", err)
}

func TestSettleThroughSolanaExecutor(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	b, a := wonBounty(t, s, "")

	recipient, err := solanago.PublicKeyFromBase58(a.WalletAddress)
	require.NoError(t, err)
	var sig solanago.Signature
	sig[0] = 7

	transferrer := new(solana.MockTransferrer)
	transferrer.On("TransferUSDC", mock.Anything, recipient, mock.MatchedBy(func(amt *solana.USDCAmount) bool {
		return amt.String() == "95.00"
	}), mock.AnythingOfType("string")).Return(sig, nil).Once()

	router := NewExecutorRouter(nil).Handle("solana", NewSolanaExecutor(transferrer))
	settler := NewSettler(s, nil, router, SettlerConfig{}, discardLogger())
	p, err := settler.Settle(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, sig.String(), p.TxHash)
	transferrer.AssertExpectations(t)
}

type recordingScheduler struct{ bounties []string }

func (r *recordingScheduler) ScheduleRetry(ctx context.Context, bountyID string) error {
	r.bounties = append(r.bounties, bountyID)
	return nil
}

func TestWinHandlerSchedulesRetryOnPayoutFailure(t *testing.T) {
	s := NewMemoryStore()
	b, _ := wonBounty(t, s, "")
	sched := &recordingScheduler{}
	settler := NewSettler(s, nil, &countingExecutor{err: errors.New("boom")}, SettlerConfig{}, discardLogger())

	settler.WinHandler(sched)(context.Background(), b)
	assert.Equal(t, []string{b.ID}, sched.bounties)

	ok := NewSettler(s, nil, &countingExecutor{}, SettlerConfig{}, discardLogger())
	sched.bounties = nil
	ok.WinHandler(sched)(context.Background(), b)
	assert.Empty(t, sched.bounties)
}

func TestSettlerPaymentsHistory(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	b, _ := wonBounty(t, s, "")
	exec := &countingExecutor{err: errors.New("rail down")}
	settler := NewSettler(s, nil, exec, SettlerConfig{}, discardLogger())

	none, err := settler.Payments(ctx, b.ID)
	require.NoError(t, err)
	assert.NotNil(t, none)
	assert.Empty(t, none)

	_, err = settler.Settle(ctx, b.ID)
	require.Error(t, err)
	exec.err = nil
	_, err = settler.Settle(ctx, b.ID)
	require.NoError(t, err)

	payments, err := settler.Payments(ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, payments, 2)
	assert.Equal(t, PaymentStatusFailed, payments[0].Status)
	assert.Equal(t, 1, payments[0].Attempts)
	assert.Equal(t, PaymentStatusConfirmed, payments[1].Status)
	assert.Equal(t, 2, payments[1].Attempts)

	_, err = settler.Payments(ctx, "missing")
	assert.True(t, HasCode(err, CodeNotFound), "got %v", err)
}

func TestSettleRecoversOrphanedPendingPayment(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	b, a := wonBounty(t, s, "")

	// a settler died between creating the payment and recording its outcome
	orphan := &Payment{
		ID:        "orphan",
		BountyID:  b.ID,
		WinnerID:  a.ID,
		Net:       b.WinnerPayout.Copy(),
		Chain:     DefaultPayoutChain,
		Asset:     DefaultPayoutAsset,
		PayTo:     a.WalletAddress,
		CreatedAt: testNow,
		UpdatedAt: testNow,
	}
	require.NoError(t, s.CreatePayment(ctx, orphan))

	clock := newClock(testNow.Add(DefaultExecuteTimeout))
	exec := &countingExecutor{}
	settler := NewSettler(s, nil, exec, SettlerConfig{}, discardLogger(), WithSettlerClock(clock.Now))

	_, err := settler.Settle(ctx, b.ID)
	assert.True(t, HasCode(err, CodePayoutInProgress), "payment still inside its window, got %v", err)
	assert.EqualValues(t, 0, atomic.LoadInt32(&exec.calls))

	clock.Advance(stalePaymentGrace + time.Second)
	p, err := settler.Settle(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, PaymentStatusConfirmed, p.Status)
	assert.Equal(t, 2, p.Attempts)

	stale, err := s.GetPayment(ctx, orphan.ID)
	require.NoError(t, err)
	assert.Equal(t, PaymentStatusFailed, stale.Status)
	assert.Contains(t, stale.LastError, "abandoned")
}

type slowDiscoverer struct{ clock *fixedClock }

func (d slowDiscoverer) Discover(ctx context.Context, endpoint string) (*PaymentRequirements, error) {
	d.clock.Advance(4 * time.Second)
	return &PaymentRequirements{}, nil
}

func TestPayoutDurationIncludesDiscovery(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	b, _ := wonBounty(t, s, "https://winner.example/pay")
	reg := prometheus.NewRegistry()
	clock := newClock(testNow)
	settler := NewSettler(s, slowDiscoverer{clock}, &countingExecutor{}, SettlerConfig{}, discardLogger(),
		WithSettlerClock(clock.Now), WithSettlerMetrics(NewMetrics(reg)))

	_, err := settler.Settle(ctx, b.ID)
	require.NoError(t, err)

	families, err := reg.Gather()
	require.NoError(t, err)
	var found bool
	for _, mf := range families {
		if mf.GetName() != "moldtank_payout_duration_seconds" {
			continue
		}
		found = true
		require.Len(t, mf.GetMetric(), 1)
		h := mf.GetMetric()[0].GetHistogram()
		assert.EqualValues(t, 1, h.GetSampleCount())
		assert.InDelta(t, 4.0, h.GetSampleSum(), 1e-9)
	}
	assert.True(t, found, "payout duration histogram not registered")
}
