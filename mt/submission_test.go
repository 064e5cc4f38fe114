package mt

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmissionVisibility(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	b := seedOpenBounty(t, s)
	alpha := seedAgent(t, s, "alpha")
	beta := seedAgent(t, s, "beta")
	sub := seedSubmission(t, s, b, alpha, testNow)
	svc := NewSubmissions(s, discardLogger())

	tests := []struct {
		name    string
		viewer  Viewer
		visible bool
	}{
		{"anonymous", Viewer{}, false},
		{"other agent", Viewer{AgentID: beta.ID}, false},
		{"own agent", Viewer{AgentID: alpha.ID}, true},
		{"poster", Viewer{PosterID: b.PosterID}, true},
		{"other poster", Viewer{PosterID: "poster-2"}, false},
		{"sudo", Viewer{Sudo: true}, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := svc.Get(ctx, sub.ID, tc.viewer)
			require.NoError(t, err)
			if tc.visible {
				require.NotNil(t, got.Payload)
				assert.Equal(t, "sig", got.Signature)
			} else {
				assert.Nil(t, got.Payload)
				assert.Empty(t, got.Signature)
			}
			assert.Equal(t, sub.PayloadHash, got.PayloadHash)
		})
	}
}

func TestWinningSubmissionIsPublic(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	b := seedOpenBounty(t, s)
	sub := seedSubmission(t, s, b, seedAgent(t, s, "alpha"), testNow)
	_, err := s.ClaimNextPending(ctx, testNow)
	require.NoError(t, err)
	_, err = s.AwardWinner(ctx, b.ID, sub.ID, &ValidationResult{Passed: true}, testNow)
	require.NoError(t, err)

	got, err := NewSubmissions(s, discardLogger()).Get(ctx, sub.ID, Viewer{})
	require.NoError(t, err)
	assert.NotNil(t, got.Payload)
}

func TestListForBountyRedactsPerViewer(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	b := seedOpenBounty(t, s)
	alpha := seedAgent(t, s, "alpha")
	beta := seedAgent(t, s, "beta")
	seedSubmission(t, s, b, alpha, testNow)
	seedSubmission(t, s, b, beta, testNow.Add(1))
	svc := NewSubmissions(s, discardLogger())

	subs, total, err := svc.ListForBounty(ctx, b.ID, Viewer{AgentID: alpha.ID}, Page{})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, subs, 2)
	assert.Equal(t, alpha.ID, subs[0].AgentID)
	assert.NotNil(t, subs[0].Payload)
	assert.Nil(t, subs[1].Payload)

	subs, _, err = svc.ListForBounty(ctx, b.ID, Viewer{PosterID: b.PosterID}, Page{})
	require.NoError(t, err)
	for _, sub := range subs {
		assert.NotNil(t, sub.Payload)
	}

	_, _, err = svc.ListForBounty(ctx, "missing", Viewer{}, Page{})
	e, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, KindNotFound, e.Kind)
}

func TestRequeueOnlyFailed(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	b := seedOpenBounty(t, s)
	sub := seedSubmission(t, s, b, seedAgent(t, s, "alpha"), testNow)

	var hooked int
	svc := NewSubmissions(s, discardLogger(), func(context.Context, *Submission) { hooked++ })

	_, err := svc.Requeue(ctx, sub.ID)
	assert.True(t, HasCode(err, CodeInvalidTransition), "pending cannot be requeued, got %v", err)

	_, err = s.ClaimNextPending(ctx, testNow)
	require.NoError(t, err)
	_, err = s.FinishSubmission(ctx, sub.ID, SubmissionStatusFailed, &ValidationResult{Error: "boom"}, testNow)
	require.NoError(t, err)

	got, err := svc.Requeue(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, SubmissionStatusPending, got.Status)
	assert.Equal(t, 1, hooked)

	_, err = svc.Requeue(ctx, "missing")
	e, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, KindNotFound, e.Kind)
}
