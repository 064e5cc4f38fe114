package mt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const (
	DefaultQueueConcurrency  = 3
	DefaultValidationTimeout = 2 * time.Minute
	DefaultQueuePollInterval = 5 * time.Second
	DefaultQueueBackoff      = 250 * time.Millisecond
)

// QueueConfig bounds the validation queue. Zero values take the defaults.
type QueueConfig struct {
	Concurrency  int
	Timeout      time.Duration
	PollInterval time.Duration
	Backoff      time.Duration
}

func (c QueueConfig) withDefaults() QueueConfig {
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultQueueConcurrency
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultValidationTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultQueuePollInterval
	}
	if c.Backoff <= 0 {
		c.Backoff = DefaultQueueBackoff
	}
	return c
}

// WinHandler is called once per bounty, after its winning submission has
// been recorded.
type WinHandler func(ctx context.Context, b *Bounty)

// Queue validates pending submissions with bounded concurrency. There is no
// in-memory list of work: every claim goes through the store, so several
// queues (in several processes) can share one database.
type Queue struct {
	store     Store
	validator Validator
	notifier  Notifier
	onWin     WinHandler
	cfg       QueueConfig
	now       func() time.Time
	metrics   *Metrics
	logger    *slog.Logger

	slots chan struct{}
	wake  chan struct{}
	wg    sync.WaitGroup
}

type QueueOption func(*Queue)

func WithNotifier(n Notifier) QueueOption {
	return func(q *Queue) { q.notifier = n }
}

func WithWinHandler(h WinHandler) QueueOption {
	return func(q *Queue) { q.onWin = h }
}

func WithQueueMetrics(m *Metrics) QueueOption {
	return func(q *Queue) { q.metrics = m }
}

func WithQueueClock(now func() time.Time) QueueOption {
	return func(q *Queue) { q.now = now }
}

func NewQueue(store Store, validator Validator, cfg QueueConfig, logger *slog.Logger, opts ...QueueOption) *Queue {
	cfg = cfg.withDefaults()
	q := &Queue{
		store:     store,
		validator: validator,
		cfg:       cfg,
		now:       time.Now,
		logger:    logger,
		slots:     make(chan struct{}, cfg.Concurrency),
		wake:      make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Kick re-arms an idle dispatcher. It never blocks.
func (q *Queue) Kick() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// EnqueueHook adapts Kick for Intake.
func (q *Queue) EnqueueHook() EnqueueHook {
	return func(context.Context, *Submission) { q.Kick() }
}

// Run dispatches until ctx is cancelled, then waits for in-flight
// validations. Submissions left in validating by a dead or restarted worker
// are returned to pending once their claim is older than the validation
// timeout, at startup and on every poll tick.
func (q *Queue) Run(ctx context.Context) error {
	if err := q.requeueStale(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(q.cfg.PollInterval)
	defer ticker.Stop()
	defer q.wg.Wait()

	q.logger.Info("validation queue started", "concurrency", q.cfg.Concurrency, "timeout", q.cfg.Timeout)
	for {
		q.drain(ctx)
		select {
		case <-ctx.Done():
			q.logger.Info("validation queue stopping")
			return nil
		case <-q.wake:
		case <-ticker.C:
			if err := q.requeueStale(ctx); err != nil && ctx.Err() == nil {
				q.logger.Error("requeue stale submissions", "error", err)
			}
		}
	}
}

// requeueStale returns abandoned claims to pending. A live validation is
// cut off at the timeout, so a claim older than the timeout plus one poll
// interval has no worker behind it.
func (q *Queue) requeueStale(ctx context.Context) error {
	cutoff := q.now().Add(-(q.cfg.Timeout + q.cfg.PollInterval))
	n, err := q.store.RequeueStale(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("requeue stale submissions: %w", err)
	}
	if n > 0 {
		q.metrics.staleRequeued(n)
		q.logger.Info("requeued stale submissions", "count", n)
	}
	return nil
}

// drain starts validations until the store has no pending work.
func (q *Queue) drain(ctx context.Context) {
	for ctx.Err() == nil {
		select {
		case q.slots <- struct{}{}:
		default:
			select {
			case <-ctx.Done():
				return
			case <-time.After(q.cfg.Backoff):
			}
			continue
		}

		sub, err := q.store.ClaimNextPending(ctx, q.now())
		if err != nil {
			<-q.slots
			if !IsNotFound(err) && ctx.Err() == nil {
				q.logger.Error("claim pending submission", "error", err)
			}
			return
		}

		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			won := q.process(ctx, sub)
			<-q.slots
			q.Kick()
			if won != nil && q.onWin != nil {
				q.onWin(ctx, won)
			}
		}()
	}
}

// process validates one claimed submission and records the outcome. It
// returns the completed bounty when this submission won it.
func (q *Queue) process(ctx context.Context, sub *Submission) *Bounty {
	start := q.now()
	q.metrics.validationStarted()
	logger := q.logger.With("submission_id", sub.ID, "bounty_id", sub.BountyID, "agent_id", sub.AgentID)

	taskType := ""
	if sub.Payload != nil {
		taskType = string(sub.Payload.Type)
	}

	result, err := q.validate(ctx, sub)
	if err != nil && ctx.Err() != nil {
		q.metrics.validationAbandoned()
		logger.Warn("validation interrupted by shutdown", "error", err)
		return nil
	}

	var (
		finished *Submission
		won      *Bounty
	)
	switch {
	case err != nil:
		logger.Warn("validation did not complete", "error", err)
		finished, err = q.store.FinishSubmission(ctx, sub.ID, SubmissionStatusFailed, &ValidationResult{Error: err.Error()}, q.now())
	case result.Passed:
		won, err = q.store.AwardWinner(ctx, sub.BountyID, sub.ID, result, q.now())
		switch {
		case err == nil:
			logger.Info("submission won bounty", "winner_id", won.WinnerID)
			finished, err = q.store.GetSubmission(ctx, sub.ID)
		case errors.Is(err, ErrWinnerExists), errors.Is(err, ErrBountyClosed):
			logger.Info("submission passed after bounty closed", "reason", err)
			finished, err = q.store.FinishSubmission(ctx, sub.ID, SubmissionStatusRejected, result, q.now())
		}
	default:
		finished, err = q.store.FinishSubmission(ctx, sub.ID, SubmissionStatusFailed, result, q.now())
	}
	if err != nil {
		q.metrics.validationAbandoned()
		logger.Error("record validation outcome", "error", err)
		return nil
	}
	q.metrics.validationFinished(taskType, finished.Status, q.now().Sub(start))
	logger.Info("validation finished", "status", finished.Status)

	q.notify(ctx, finished)
	return won
}

type validationOutcome struct {
	result *ValidationResult
	err    error
}

func (q *Queue) validate(ctx context.Context, sub *Submission) (*ValidationResult, error) {
	if sub.Payload == nil {
		return nil, errors.New("submission has no payload")
	}
	bounty, err := q.store.GetBounty(ctx, sub.BountyID)
	if err != nil {
		return nil, fmt.Errorf("load bounty: %w", err)
	}
	vctx, cancel := context.WithTimeout(ctx, q.cfg.Timeout)
	defer cancel()

	req := ValidationRequest{
		SubmissionID: sub.ID,
		Type:         sub.Payload.Type,
		Payload:      *sub.Payload,
		Criteria:     bounty.Criteria,
	}
	// the slot is released at the deadline even if the validator ignores vctx
	done := make(chan validationOutcome, 1)
	go func() {
		r, err := q.validator.Validate(vctx, req)
		done <- validationOutcome{r, err}
	}()
	var result *ValidationResult
	select {
	case out := <-done:
		result, err = out.result, out.err
	case <-vctx.Done():
		err = vctx.Err()
	}
	if err != nil {
		if errors.Is(vctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, fmt.Errorf("validation timed out after %s", q.cfg.Timeout)
		}
		return nil, err
	}
	if result == nil {
		return nil, errors.New("validation engine returned no result")
	}
	return result, nil
}

func (q *Queue) notify(ctx context.Context, sub *Submission) {
	if q.notifier == nil {
		return
	}
	agent, err := q.store.GetAgent(ctx, sub.AgentID)
	if err != nil {
		q.logger.Warn("load agent for webhook", "agent_id", sub.AgentID, "error", err)
		return
	}
	q.notifier.Notify(ctx, agent, NewWebhookEvent(sub, q.now()))
}
