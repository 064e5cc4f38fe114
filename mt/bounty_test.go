package mt

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBounties(s Store, clock *fixedClock) *Bounties {
	return NewBounties(s, discardLogger(), WithBountiesClock(clock.Now))
}

func createDraft(t *testing.T, svc *Bounties, amount string) *Bounty {
	t.Helper()
	b, err := svc.Create(context.Background(), CreateBountyRequest{
		PosterID:     "poster-1",
		PosterWallet: "poster-wallet",
		Title:        "  summarise a paper ",
		Amount:       mustAmount(t, amount),
		Deadline:     testNow.Add(48 * time.Hour),
		Criteria:     Criteria{Type: TaskTypeContent},
	})
	require.NoError(t, err)
	return b
}

func TestBountyCreateSplitsFee(t *testing.T) {
	s := NewMemoryStore()
	svc := newTestBounties(s, newClock(testNow))
	b := createDraft(t, svc, "100.00")

	assert.Equal(t, "5.00", b.PlatformFee.String())
	assert.Equal(t, "95.00", b.WinnerPayout.String())
	assert.Equal(t, "summarise a paper", b.Title)
	assert.Equal(t, BountyStatusDraft, b.Status)
	assert.Equal(t, EscrowStatusPending, b.EscrowStatus)
}

func TestBountyCreateCustomFeeRoundsDown(t *testing.T) {
	s := NewMemoryStore()
	svc := NewBounties(s, discardLogger(), WithBountiesClock(newClock(testNow).Now), WithPlatformFeeBps(333))
	b := createDraft(t, svc, "0.000010")

	// 10 micro-USDC at 3.33% is 0.333 micro-USDC, which rounds to zero
	assert.True(t, b.PlatformFee.IsZero())
	assert.Equal(t, 0, b.WinnerPayout.Cmp(b.Amount))
}

func TestBountyCreateValidation(t *testing.T) {
	s := NewMemoryStore()
	svc := newTestBounties(s, newClock(testNow))
	base := CreateBountyRequest{
		PosterID:     "poster-1",
		PosterWallet: "poster-wallet",
		Title:        "t",
		Amount:       mustAmount(t, "1"),
		Deadline:     testNow.Add(time.Hour),
		Criteria:     Criteria{Type: TaskTypeData},
	}
	tests := []struct {
		name   string
		mutate func(r *CreateBountyRequest)
	}{
		{"no title", func(r *CreateBountyRequest) { r.Title = " " }},
		{"zero amount", func(r *CreateBountyRequest) { r.Amount = mustAmount(t, "0") }},
		{"negative amount", func(r *CreateBountyRequest) { r.Amount = mustAmount(t, "-1") }},
		{"past deadline", func(r *CreateBountyRequest) { r.Deadline = testNow }},
		{"bad type", func(r *CreateBountyRequest) { r.Criteria.Type = "poetry" }},
		{"no wallet", func(r *CreateBountyRequest) { r.PosterWallet = "" }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := base
			tc.mutate(&req)
			_, err := svc.Create(context.Background(), req)
			e, ok := AsError(err)
			require.True(t, ok, "got %v", err)
			assert.Equal(t, KindValidation, e.Kind)
		})
	}
}

func TestBountyFundingOpensDraft(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	svc := newTestBounties(s, newClock(testNow))
	b := createDraft(t, svc, "10")

	got, err := svc.ConfirmFunding(ctx, b.ID, "tx-fund")
	require.NoError(t, err)
	assert.Equal(t, BountyStatusOpen, got.Status)
	assert.Equal(t, EscrowStatusConfirmed, got.EscrowStatus)
	assert.Equal(t, "tx-fund", got.EscrowTxHash)

	_, err = svc.ConfirmFunding(ctx, b.ID, "tx-again")
	assert.True(t, HasCode(err, CodeInvalidTransition), "got %v", err)
}

func TestBountyCancel(t *testing.T) {
	ctx := context.Background()

	t.Run("draft keeps escrow pending", func(t *testing.T) {
		s := NewMemoryStore()
		svc := newTestBounties(s, newClock(testNow))
		b := createDraft(t, svc, "10")
		got, err := svc.Cancel(ctx, b.ID, "poster-1")
		require.NoError(t, err)
		assert.Equal(t, BountyStatusCancelled, got.Status)
		assert.Equal(t, EscrowStatusPending, got.EscrowStatus)
	})

	t.Run("funded refunds escrow", func(t *testing.T) {
		s := NewMemoryStore()
		svc := newTestBounties(s, newClock(testNow))
		b := createDraft(t, svc, "10")
		_, err := svc.ConfirmFunding(ctx, b.ID, "tx")
		require.NoError(t, err)
		got, err := svc.Cancel(ctx, b.ID, "poster-1")
		require.NoError(t, err)
		assert.Equal(t, BountyStatusCancelled, got.Status)
		assert.Equal(t, EscrowStatusRefunded, got.EscrowStatus)
	})

	t.Run("with submissions", func(t *testing.T) {
		s := NewMemoryStore()
		svc := newTestBounties(s, newClock(testNow))
		b := seedOpenBounty(t, s)
		seedSubmission(t, s, b, seedAgent(t, s, "alpha"), testNow)
		_, err := svc.Cancel(ctx, b.ID, "poster-1")
		assert.True(t, HasCode(err, CodeInvalidTransition), "got %v", err)
	})

	t.Run("not the owner", func(t *testing.T) {
		s := NewMemoryStore()
		svc := newTestBounties(s, newClock(testNow))
		b := createDraft(t, svc, "10")
		_, err := svc.Cancel(ctx, b.ID, "someone-else")
		e, ok := AsError(err)
		require.True(t, ok)
		assert.Equal(t, KindForbidden, e.Kind)
	})
}

func TestBountyRefundRequiresGracePeriod(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	clock := newClock(testNow)
	svc := newTestBounties(s, clock)
	b := seedOpenBounty(t, s)

	clock.Advance(b.Deadline.Sub(testNow) + time.Hour)
	_, err := svc.RequestRefund(ctx, b.ID, "poster-1")
	assert.True(t, HasCode(err, CodeInvalidTransition), "got %v", err)

	clock.Advance(RefundGracePeriod)
	got, err := svc.RequestRefund(ctx, b.ID, "poster-1")
	require.NoError(t, err)
	assert.Equal(t, BountyStatusExpired, got.Status)
	assert.Equal(t, EscrowStatusRefunded, got.EscrowStatus)

	_, err = svc.RequestRefund(ctx, b.ID, "poster-1")
	assert.True(t, HasCode(err, CodeInvalidTransition), "second refund must fail, got %v", err)
}

func TestBountyRefundRefusedWithWinner(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	clock := newClock(testNow)
	svc := newTestBounties(s, clock)
	b := seedOpenBounty(t, s)
	sub := seedSubmission(t, s, b, seedAgent(t, s, "alpha"), testNow)
	_, err := s.ClaimNextPending(ctx, testNow)
	require.NoError(t, err)
	_, err = s.AwardWinner(ctx, b.ID, sub.ID, &ValidationResult{Passed: true}, testNow)
	require.NoError(t, err)

	clock.Advance(30 * 24 * time.Hour)
	_, err = svc.RequestRefund(ctx, b.ID, "poster-1")
	assert.True(t, HasCode(err, CodeInvalidTransition), "got %v", err)
}

func TestBountyExpireStaleLeavesEscrowForRefund(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	clock := newClock(testNow)
	svc := newTestBounties(s, clock)
	stale := seedOpenBounty(t, s)
	fresh := seedOpenBounty(t, s)
	s.bounties[fresh.ID].Deadline = testNow.Add(30 * 24 * time.Hour)

	clock.Advance(stale.Deadline.Sub(testNow) + RefundGracePeriod + time.Minute)
	n, err := svc.ExpireStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := s.GetBounty(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, BountyStatusExpired, got.Status)
	assert.Equal(t, EscrowStatusConfirmed, got.EscrowStatus)

	got, err = s.GetBounty(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, BountyStatusOpen, got.Status)

	refunded, err := svc.RequestRefund(ctx, stale.ID, "poster-1")
	require.NoError(t, err)
	assert.Equal(t, EscrowStatusRefunded, refunded.EscrowStatus)
}

func TestBountyList(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	svc := newTestBounties(s, newClock(testNow))
	for i := 0; i < 5; i++ {
		createDraft(t, svc, "1")
	}
	seedOpenBounty(t, s)

	page, total, err := svc.List(ctx, BountyFilter{Page: Page{Page: 1, Limit: 2}, Statuses: []BountyStatus{BountyStatusDraft}})
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	assert.Len(t, page, 2)

	page, total, err = svc.List(ctx, BountyFilter{Type: TaskTypeCode})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Len(t, page, 1)
}
