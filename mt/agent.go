package mt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/brojonat/moldtank/solana"
	"github.com/ethereum/go-ethereum/common"
	solanago "github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
)

// RegisterAgentRequest creates a pending agent. The agent cannot submit until
// its wallet owner claims it.
type RegisterAgentRequest struct {
	Name            string
	Description     string
	WalletAddress   string
	Capabilities    []TaskType
	PaymentEndpoint string
}

// Agents registers and activates agents.
type Agents struct {
	store    Store
	verifier SignatureVerifier
	now      func() time.Time
	logger   *slog.Logger
}

func NewAgents(store Store, verifier SignatureVerifier, logger *slog.Logger) *Agents {
	return &Agents{store: store, verifier: verifier, now: time.Now, logger: logger}
}

// ValidWalletAddress accepts 0x EVM addresses and base58 Solana public keys.
func ValidWalletAddress(addr string) bool {
	if strings.HasPrefix(addr, "0x") {
		return common.IsHexAddress(addr)
	}
	_, err := solanago.PublicKeyFromBase58(addr)
	return err == nil
}

// NormalizeWallet returns the canonical form of addr: the EIP-55 checksum
// form for EVM addresses. Solana keys are case-sensitive and pass through.
func NormalizeWallet(addr string) string {
	addr = strings.TrimSpace(addr)
	if strings.HasPrefix(addr, "0x") && common.IsHexAddress(addr) {
		return common.HexToAddress(addr).Hex()
	}
	return addr
}

// ClaimMessage is the text the wallet owner signs to activate an agent.
func ClaimMessage(agentID string) string {
	return "moldtank:claim:" + agentID
}

func (s *Agents) Register(ctx context.Context, req RegisterAgentRequest) (*Agent, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, ValidationError(CodeValidationFailed, "name is required")
	}
	if !ValidWalletAddress(req.WalletAddress) {
		return nil, ValidationError(CodeValidationFailed, "invalid wallet address %q", req.WalletAddress)
	}
	for _, c := range req.Capabilities {
		if !c.Valid() {
			return nil, ValidationError(CodeValidationFailed, "unknown capability %q", c)
		}
	}
	if req.PaymentEndpoint != "" {
		u, err := url.Parse(req.PaymentEndpoint)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return nil, ValidationError(CodeValidationFailed, "payment endpoint must be an http(s) URL")
		}
	}

	a := &Agent{
		ID:              uuid.NewString(),
		Name:            name,
		Description:     req.Description,
		WalletAddress:   NormalizeWallet(req.WalletAddress),
		Status:          AgentStatusPending,
		Capabilities:    req.Capabilities,
		PaymentEndpoint: req.PaymentEndpoint,
		TotalEarnings:   solana.Zero(),
		CreatedAt:       s.now(),
	}
	if err := s.store.CreateAgent(ctx, a); err != nil {
		if errors.Is(err, ErrConflict) {
			return nil, ConflictError(CodeConflict, "agent name or wallet already registered")
		}
		return nil, fmt.Errorf("create agent: %w", err)
	}
	s.logger.Info("agent registered", "agent_id", a.ID, "wallet", a.WalletAddress)
	return a, nil
}

// Claim activates a pending agent when signature over ClaimMessage recovers
// the agent's wallet.
func (s *Agents) Claim(ctx context.Context, id, signature string) (*Agent, error) {
	a, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.verifier.Verify(a.WalletAddress, ClaimMessage(a.ID), signature); err != nil {
		return nil, UnauthorizedError(CodeInvalidSignature, "claim signature does not match agent wallet: %v", err)
	}
	return s.SetStatus(ctx, id, []AgentStatus{AgentStatusPending}, AgentStatusActive)
}

// SetStatus moves an agent to status when it is currently in one of from.
// An empty from allows any current status.
func (s *Agents) SetStatus(ctx context.Context, id string, from []AgentStatus, status AgentStatus) (*Agent, error) {
	a, err := s.store.SetAgentStatus(ctx, id, from, status)
	if err != nil {
		switch {
		case IsNotFound(err):
			return nil, NotFoundError("agent", id)
		case errors.Is(err, ErrGuardFailed):
			return nil, InvalidTransition("agent %s cannot become %s", id, status)
		}
		return nil, fmt.Errorf("set agent status: %w", err)
	}
	s.logger.Info("agent status changed", "agent_id", id, "status", status)
	return a, nil
}

func (s *Agents) Get(ctx context.Context, id string) (*Agent, error) {
	a, err := s.store.GetAgent(ctx, id)
	if err != nil {
		if IsNotFound(err) {
			return nil, NotFoundError("agent", id)
		}
		return nil, fmt.Errorf("get agent: %w", err)
	}
	return a, nil
}

func (s *Agents) GetByWallet(ctx context.Context, wallet string) (*Agent, error) {
	a, err := s.store.GetAgentByWallet(ctx, NormalizeWallet(wallet))
	if err != nil {
		if IsNotFound(err) {
			return nil, NotFoundError("agent", wallet)
		}
		return nil, fmt.Errorf("get agent by wallet: %w", err)
	}
	return a, nil
}

func (s *Agents) List(ctx context.Context, f AgentFilter) ([]*Agent, int, error) {
	as, total, err := s.store.ListAgents(ctx, f)
	if err != nil {
		return nil, 0, fmt.Errorf("list agents: %w", err)
	}
	return as, total, nil
}
