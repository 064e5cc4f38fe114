package mt

import (
	"context"
	"fmt"
	"time"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

const (
	PayoutRetryMaxAttempts     = 5
	PayoutRetryInitialInterval = 30 * time.Second
	PayoutRetryMaxInterval     = 10 * time.Minute

	errTypeInvalidTransition = "InvalidTransition"
)

type PayoutRetryInput struct {
	BountyID string `json:"bounty_id"`
}

type PayoutRetryResult struct {
	PaymentID string `json:"payment_id"`
	TxHash    string `json:"tx_hash"`
	Attempts  int    `json:"attempts"`
}

// PayoutRetryWorkflow retries settlement of a bounty whose first payout
// failed. Temporal owns the backoff; each attempt records its own Payment.
func PayoutRetryWorkflow(ctx workflow.Context, input PayoutRetryInput) (*PayoutRetryResult, error) {
	ao := workflow.ActivityOptions{
		StartToCloseTimeout: DefaultDiscoveryTimeout + DefaultExecuteTimeout + 30*time.Second,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:        PayoutRetryInitialInterval,
			BackoffCoefficient:     2.0,
			MaximumInterval:        PayoutRetryMaxInterval,
			MaximumAttempts:        PayoutRetryMaxAttempts,
			NonRetryableErrorTypes: []string{errTypeInvalidTransition},
		},
	}
	ctx = workflow.WithActivityOptions(ctx, ao)

	var a *PayoutActivities
	var result PayoutRetryResult
	if err := workflow.ExecuteActivity(ctx, a.SettleBounty, input).Get(ctx, &result); err != nil {
		workflow.GetLogger(ctx).Error("Payout retries exhausted", "bounty_id", input.BountyID, "error", err)
		return nil, err
	}
	workflow.GetLogger(ctx).Info("Payout settled", "bounty_id", input.BountyID, "tx", result.TxHash)
	return &result, nil
}

// PayoutActivities exposes the Settler to Temporal workers.
type PayoutActivities struct {
	Settler *Settler
}

// SettleBounty runs one settlement attempt. Failures that no retry can fix
// are returned as non-retryable.
func (a *PayoutActivities) SettleBounty(ctx context.Context, input PayoutRetryInput) (*PayoutRetryResult, error) {
	logger := activity.GetLogger(ctx)
	info := activity.GetInfo(ctx)
	logger.Info("Settling bounty", "bounty_id", input.BountyID, "attempt", info.Attempt)

	p, err := a.Settler.Settle(ctx, input.BountyID)
	if err != nil {
		if e, ok := AsError(err); ok && (e.Kind == KindInvariant || e.Kind == KindNotFound) {
			return nil, temporal.NewNonRetryableApplicationError(e.Message, errTypeInvalidTransition, err)
		}
		return nil, err
	}
	return &PayoutRetryResult{PaymentID: p.ID, TxHash: p.TxHash, Attempts: p.Attempts}, nil
}

// PayoutRetryWorkflowID is stable per bounty so concurrent schedules collapse
// into one run.
func PayoutRetryWorkflowID(bountyID string) string {
	return "payout-retry-" + bountyID
}

// TemporalPayoutScheduler starts PayoutRetryWorkflow.
type TemporalPayoutScheduler struct {
	Client    client.Client
	TaskQueue string
}

func (s *TemporalPayoutScheduler) ScheduleRetry(ctx context.Context, bountyID string) error {
	opts := client.StartWorkflowOptions{
		ID:        PayoutRetryWorkflowID(bountyID),
		TaskQueue: s.TaskQueue,
		// first attempt already happened inline
		StartDelay: PayoutRetryInitialInterval,
	}
	if _, err := s.Client.ExecuteWorkflow(ctx, opts, PayoutRetryWorkflow, PayoutRetryInput{BountyID: bountyID}); err != nil {
		return fmt.Errorf("start payout retry workflow: %w", err)
	}
	return nil
}
