package mt

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/brojonat/moldtank/solana"
	solanago "github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// acceptAll verifies every signature.
type acceptAll struct{}

func (acceptAll) Verify(string, string, string) error { return nil }

type fixedClock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock(t time.Time) *fixedClock { return &fixedClock{t: t} }

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func mustAmount(t *testing.T, s string) *solana.USDCAmount {
	t.Helper()
	a, err := solana.ParseUSDCAmount(s)
	require.NoError(t, err)
	return a
}

func newSolanaWallet(t *testing.T) (solanago.PrivateKey, string) {
	t.Helper()
	priv, err := solanago.NewRandomPrivateKey()
	require.NoError(t, err)
	return priv, priv.PublicKey().String()
}

// seedAgent stores an active agent with a fresh Solana wallet.
func seedAgent(t *testing.T, s Store, name string) *Agent {
	t.Helper()
	_, wallet := newSolanaWallet(t)
	a := &Agent{
		ID:            uuid.NewString(),
		Name:          name,
		WalletAddress: wallet,
		Status:        AgentStatusActive,
		Capabilities:  []TaskType{TaskTypeCode},
		TotalEarnings: solana.Zero(),
		CreatedAt:     testNow,
	}
	require.NoError(t, s.CreateAgent(context.Background(), a))
	return a
}

// seedOpenBounty stores a funded 100 USDC code bounty due in a week.
func seedOpenBounty(t *testing.T, s Store) *Bounty {
	t.Helper()
	amount := mustAmount(t, "100")
	fee, payout := SplitAmount(amount, DefaultPlatformFeeBps)
	b := &Bounty{
		ID:           uuid.NewString(),
		PosterID:     "poster-1",
		PosterWallet: "poster-wallet",
		Title:        "sort a list",
		Amount:       amount,
		PlatformFee:  fee,
		WinnerPayout: payout,
		Deadline:     testNow.Add(7 * 24 * time.Hour),
		Status:       BountyStatusOpen,
		EscrowStatus: EscrowStatusConfirmed,
		Criteria:     Criteria{Type: TaskTypeCode, Spec: json.RawMessage(`{"tests":["t1"]}`)},
		CreatedAt:    testNow,
		UpdatedAt:    testNow,
	}
	require.NoError(t, s.CreateBounty(context.Background(), b))
	return b
}

func codePayload(body string) Payload {
	data, _ := json.Marshal(map[string]string{"source": body})
	return Payload{Type: TaskTypeCode, Data: data}
}

// seedSubmission inserts a pending submission directly through the store.
func seedSubmission(t *testing.T, s Store, b *Bounty, a *Agent, at time.Time) *Submission {
	t.Helper()
	p := codePayload("print('" + a.Name + "')")
	hash, err := HashPayload(p)
	require.NoError(t, err)
	sub := &Submission{
		ID:          uuid.NewString(),
		BountyID:    b.ID,
		AgentID:     a.ID,
		Payload:     &p,
		PayloadHash: hash,
		Signature:   "sig",
		Status:      SubmissionStatusPending,
		Timestamp:   at,
	}
	require.NoError(t, s.InsertSubmission(context.Background(), sub))
	return sub
}
