package mt

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/brojonat/moldtank/solana"
)

// BountyStatus is the lifecycle state of a bounty.
type BountyStatus string

const (
	BountyStatusDraft      BountyStatus = "draft"
	BountyStatusOpen       BountyStatus = "open"
	BountyStatusInProgress BountyStatus = "in_progress"
	BountyStatusCompleted  BountyStatus = "completed"
	BountyStatusExpired    BountyStatus = "expired"
	BountyStatusCancelled  BountyStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are possible.
func (s BountyStatus) IsTerminal() bool {
	switch s {
	case BountyStatusCompleted, BountyStatusExpired, BountyStatusCancelled:
		return true
	}
	return false
}

// AcceptsSubmissions reports whether agents may submit against the bounty.
func (s BountyStatus) AcceptsSubmissions() bool {
	return s == BountyStatusOpen || s == BountyStatusInProgress
}

// EscrowStatus tracks the poster's deposit. The escrow itself lives outside
// this service; we only keep its state.
type EscrowStatus string

const (
	EscrowStatusPending   EscrowStatus = "pending"
	EscrowStatusConfirmed EscrowStatus = "confirmed"
	EscrowStatusReleased  EscrowStatus = "released"
	EscrowStatusRefunded  EscrowStatus = "refunded"
)

// AgentStatus is the registration state of an agent.
type AgentStatus string

const (
	AgentStatusPending   AgentStatus = "pending"
	AgentStatusActive    AgentStatus = "active"
	AgentStatusInactive  AgentStatus = "inactive"
	AgentStatusSuspended AgentStatus = "suspended"
)

// SubmissionStatus is the validation state of a submission.
type SubmissionStatus string

const (
	SubmissionStatusPending    SubmissionStatus = "pending"
	SubmissionStatusValidating SubmissionStatus = "validating"
	SubmissionStatusPassed     SubmissionStatus = "passed"
	SubmissionStatusFailed     SubmissionStatus = "failed"
	SubmissionStatusRejected   SubmissionStatus = "rejected"
)

// IsTerminal reports whether the submission has a final verdict.
func (s SubmissionStatus) IsTerminal() bool {
	switch s {
	case SubmissionStatusPassed, SubmissionStatusFailed, SubmissionStatusRejected:
		return true
	}
	return false
}

// PaymentStatus is the state of a single payout attempt.
type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "pending"
	PaymentStatusConfirmed PaymentStatus = "confirmed"
	PaymentStatusFailed    PaymentStatus = "failed"
)

// TaskType tags criteria and payloads. The core routes on it and never looks
// inside the tagged data.
type TaskType string

const (
	TaskTypeCode    TaskType = "code"
	TaskTypeData    TaskType = "data"
	TaskTypeContent TaskType = "content"
	TaskTypeURL     TaskType = "url"
)

// Valid reports whether t is a known task type.
func (t TaskType) Valid() bool {
	switch t {
	case TaskTypeCode, TaskTypeData, TaskTypeContent, TaskTypeURL:
		return true
	}
	return false
}

// Criteria is the poster's machine-checkable definition of a correct answer.
type Criteria struct {
	Type TaskType        `json:"type"`
	Spec json.RawMessage `json:"spec,omitempty"`
}

// Payload is an agent's answer, typed the same way as the criteria it targets.
type Payload struct {
	Type TaskType        `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Canonical returns the compact JSON encoding used for hashing and size checks.
func (p Payload) Canonical() ([]byte, error) {
	var data bytes.Buffer
	if len(p.Data) > 0 {
		if err := json.Compact(&data, p.Data); err != nil {
			return nil, fmt.Errorf("payload data is not valid JSON: %w", err)
		}
	} else {
		data.WriteString("null")
	}
	return json.Marshal(struct {
		Type TaskType        `json:"type"`
		Data json.RawMessage `json:"data"`
	}{p.Type, data.Bytes()})
}

// HashPayload returns the hex SHA-256 of the canonical payload. Agents sign
// this string with their wallet.
func HashPayload(p Payload) (string, error) {
	b, err := p.Canonical()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// Bounty is a funded task agents compete on.
type Bounty struct {
	ID                  string             `json:"id"`
	PosterID            string             `json:"posterId"`
	PosterWallet        string             `json:"posterWallet"`
	Title               string             `json:"title"`
	Description         string             `json:"description,omitempty"`
	Amount              *solana.USDCAmount `json:"amount"`
	PlatformFee         *solana.USDCAmount `json:"platformFee"`
	WinnerPayout        *solana.USDCAmount `json:"winnerPayout"`
	Deadline            time.Time          `json:"deadline"`
	Status              BountyStatus       `json:"status"`
	EscrowStatus        EscrowStatus       `json:"escrowStatus"`
	EscrowTxHash        string             `json:"escrowTxHash,omitempty"`
	Criteria            Criteria           `json:"criteria"`
	SubmissionCount     int                `json:"submissionCount"`
	WinnerID            string             `json:"winnerId,omitempty"`
	WinningSubmissionID string             `json:"winningSubmissionId,omitempty"`
	CreatedAt           time.Time          `json:"createdAt"`
	UpdatedAt           time.Time          `json:"updatedAt"`
}

// Agent is an automated participant bound to a single wallet.
type Agent struct {
	ID                string             `json:"id"`
	Name              string             `json:"name"`
	Description       string             `json:"description,omitempty"`
	WalletAddress     string             `json:"walletAddress"`
	Status            AgentStatus        `json:"status"`
	Capabilities      []TaskType         `json:"capabilities"`
	PaymentEndpoint   string             `json:"paymentEndpoint,omitempty"`
	BountiesAttempted int                `json:"bountiesAttempted"`
	BountiesWon       int                `json:"bountiesWon"`
	WinRate           float64            `json:"winRate"`
	TotalEarnings     *solana.USDCAmount `json:"totalEarnings"`
	LastActiveAt      *time.Time         `json:"lastActiveAt,omitempty"`
	CreatedAt         time.Time          `json:"createdAt"`
}

// ValidationResult is what the validation engine (or the queue, on failure)
// recorded for a submission.
type ValidationResult struct {
	Passed      bool            `json:"passed"`
	Score       *float64        `json:"score,omitempty"`
	Diagnostics json.RawMessage `json:"diagnostics,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// Submission is one agent's attempt at one bounty.
type Submission struct {
	ID                  string            `json:"id"`
	BountyID            string            `json:"bountyId"`
	AgentID             string            `json:"agentId"`
	Payload             *Payload          `json:"payload,omitempty"`
	PayloadHash         string            `json:"payloadHash"`
	Signature           string            `json:"signature,omitempty"`
	Status              SubmissionStatus  `json:"status"`
	Result              *ValidationResult `json:"result,omitempty"`
	Timestamp           time.Time         `json:"timestamp"`
	ValidationStartedAt *time.Time        `json:"validationStartedAt,omitempty"`
	ValidatedAt         *time.Time        `json:"validatedAt,omitempty"`
}

// Payment is one payout attempt for a completed bounty.
type Payment struct {
	ID           string             `json:"id"`
	BountyID     string             `json:"bountyId"`
	SubmissionID string             `json:"submissionId"`
	WinnerID     string             `json:"winnerId"`
	Gross        *solana.USDCAmount `json:"gross"`
	Fee          *solana.USDCAmount `json:"fee"`
	Net          *solana.USDCAmount `json:"net"`
	Chain        string             `json:"chain"`
	Asset        string             `json:"asset"`
	PayTo        string             `json:"payTo"`
	Status       PaymentStatus      `json:"status"`
	TxHash       string             `json:"txHash,omitempty"`
	LastError    string             `json:"lastError,omitempty"`
	Attempts     int                `json:"attempts"`
	CreatedAt    time.Time          `json:"createdAt"`
	UpdatedAt    time.Time          `json:"updatedAt"`
}
