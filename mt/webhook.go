package mt

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

const (
	HeaderWebhookSignature = "X-MoldTank-Signature"
	HeaderWebhookEvent     = "X-MoldTank-Event"

	DefaultWebhookTimeout = 10 * time.Second
)

// Webhook event names.
const (
	EventSubmissionPassed   = "submission.passed"
	EventSubmissionFailed   = "submission.failed"
	EventSubmissionRejected = "submission.rejected"
)

// WebhookEvent is the body POSTed to an agent when its submission settles.
type WebhookEvent struct {
	Event        string    `json:"event"`
	SubmissionID string    `json:"submissionId"`
	BountyID     string    `json:"bountyId"`
	AgentID      string    `json:"agentId"`
	Passed       bool      `json:"passed"`
	Winner       bool      `json:"winner"`
	Score        *float64  `json:"score,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// NewWebhookEvent describes the terminal state of sub.
func NewWebhookEvent(sub *Submission, at time.Time) WebhookEvent {
	ev := WebhookEvent{
		SubmissionID: sub.ID,
		BountyID:     sub.BountyID,
		AgentID:      sub.AgentID,
		Timestamp:    at.UTC(),
	}
	if sub.Result != nil {
		ev.Score = sub.Result.Score
	}
	switch sub.Status {
	case SubmissionStatusPassed:
		ev.Event = EventSubmissionPassed
		ev.Passed = true
		ev.Winner = true
	case SubmissionStatusRejected:
		ev.Event = EventSubmissionRejected
		ev.Passed = true
	default:
		ev.Event = EventSubmissionFailed
	}
	return ev
}

// Notifier delivers submission outcomes to agents. Delivery is best effort:
// implementations never return errors to the caller.
type Notifier interface {
	Notify(ctx context.Context, agent *Agent, ev WebhookEvent)
}

// SignWebhook returns the signature header value for a submission id.
func SignWebhook(secret, submissionID string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(submissionID))
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifyWebhook checks a signature header produced by SignWebhook.
func VerifyWebhook(secret, submissionID, header string) bool {
	return hmac.Equal([]byte(SignWebhook(secret, submissionID)), []byte(header))
}

// WebhookNotifier POSTs events to the agent's payment endpoint in the
// background.
type WebhookNotifier struct {
	secret  string
	client  *http.Client
	timeout time.Duration
	logger  *slog.Logger
	metrics *Metrics
	wg      sync.WaitGroup
}

func NewWebhookNotifier(secret string, client *http.Client, logger *slog.Logger, metrics *Metrics) *WebhookNotifier {
	if client == nil {
		client = &http.Client{}
	}
	return &WebhookNotifier{
		secret:  secret,
		client:  client,
		timeout: DefaultWebhookTimeout,
		logger:  logger,
		metrics: metrics,
	}
}

// Notify returns immediately. The delivery runs detached from ctx so that a
// finished validation does not cancel its own webhook.
func (n *WebhookNotifier) Notify(ctx context.Context, agent *Agent, ev WebhookEvent) {
	if agent == nil || agent.PaymentEndpoint == "" {
		return
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), n.timeout)
		defer cancel()
		if err := n.deliver(ctx, agent.PaymentEndpoint, ev); err != nil {
			n.metrics.webhook(ev.Event, "error")
			n.logger.Warn("webhook delivery failed", "agent_id", agent.ID, "submission_id", ev.SubmissionID, "event", ev.Event, "error", err)
			return
		}
		n.metrics.webhook(ev.Event, "ok")
		n.logger.Debug("webhook delivered", "agent_id", agent.ID, "submission_id", ev.SubmissionID, "event", ev.Event)
	}()
}

// Wait blocks until in-flight deliveries finish.
func (n *WebhookNotifier) Wait() {
	n.wg.Wait()
}

func (n *WebhookNotifier) deliver(ctx context.Context, endpoint string, ev WebhookEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderWebhookEvent, ev.Event)
	if n.secret != "" {
		req.Header.Set(HeaderWebhookSignature, SignWebhook(n.secret, ev.SubmissionID))
	}
	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("endpoint returned status %d", resp.StatusCode)
	}
	return nil
}
