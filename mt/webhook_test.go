package mt

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestWebhookSignature(t *testing.T) {
	sig := SignWebhook("secret", "sub-1")
	assert.Regexp(t, `^sha256=[0-9a-f]{64}$`, sig)
	assert.True(t, VerifyWebhook("secret", "sub-1", sig))
	assert.False(t, VerifyWebhook("secret", "sub-2", sig))
	assert.False(t, VerifyWebhook("other", "sub-1", sig))
}

func TestNewWebhookEvent(t *testing.T) {
	score := 0.5
	tests := []struct {
		status SubmissionStatus
		event  string
		passed bool
		winner bool
	}{
		{SubmissionStatusPassed, EventSubmissionPassed, true, true},
		{SubmissionStatusRejected, EventSubmissionRejected, true, false},
		{SubmissionStatusFailed, EventSubmissionFailed, false, false},
	}
	for _, tc := range tests {
		t.Run(string(tc.status), func(t *testing.T) {
			ev := NewWebhookEvent(&Submission{ID: "s", BountyID: "b", AgentID: "a", Status: tc.status, Result: &ValidationResult{Score: &score}}, testNow)
			assert.Equal(t, tc.event, ev.Event)
			assert.Equal(t, tc.passed, ev.Passed)
			assert.Equal(t, tc.winner, ev.Winner)
			assert.Equal(t, &score, ev.Score)
		})
	}
}

func TestWebhookNotifierCountsDeliveries(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) > 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer srv.Close()

	m := NewMetrics(prometheus.NewRegistry())
	n := NewWebhookNotifier("", srv.Client(), discardLogger(), m)
	agent := &Agent{ID: "a", PaymentEndpoint: srv.URL}
	ev := WebhookEvent{Event: EventSubmissionFailed, SubmissionID: "s"}

	n.Notify(context.Background(), agent, ev)
	n.Wait()
	n.Notify(context.Background(), agent, ev)
	n.Wait()
	// agents without an endpoint are skipped
	n.Notify(context.Background(), &Agent{ID: "b"}, ev)
	n.Wait()

	assert.EqualValues(t, 2, atomic.LoadInt32(&hits))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.WebhookDeliveries.WithLabelValues(EventSubmissionFailed, "ok")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.WebhookDeliveries.WithLabelValues(EventSubmissionFailed, "error")))
}
