package mt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/brojonat/moldtank/solana"
	solanago "github.com/gagliardetto/solana-go"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// PaymentRequirements is what a winner's payment endpoint asks for.
type PaymentRequirements struct {
	Chain  string             `json:"chain"`
	Asset  string             `json:"asset"`
	Amount *solana.USDCAmount `json:"amount,omitempty"`
	PayTo  string             `json:"payTo"`
}

// Discoverer fetches payment requirements from an agent's endpoint.
type Discoverer interface {
	Discover(ctx context.Context, endpoint string) (*PaymentRequirements, error)
}

// ExecuteRequest is one transfer to a winner.
type ExecuteRequest struct {
	PaymentID string             `json:"paymentId"`
	Endpoint  string             `json:"endpoint,omitempty"`
	Chain     string             `json:"chain"`
	Asset     string             `json:"asset"`
	Recipient string             `json:"recipient"`
	Amount    *solana.USDCAmount `json:"amount"`
}

// Executor moves funds and returns the transaction reference.
type Executor interface {
	Execute(ctx context.Context, req ExecuteRequest) (string, error)
}

const (
	discoveryCacheSize = 512
	discoveryCacheTTL  = 5 * time.Minute
)

// HTTPRail discovers requirements over HTTP (a 402 or 200 JSON body) and
// executes transfers by POSTing to a payment rail service.
type HTTPRail struct {
	railURL string
	client  *http.Client
	cache   *expirable.LRU[string, PaymentRequirements]
}

func NewHTTPRail(railURL string, client *http.Client) *HTTPRail {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPRail{
		railURL: railURL,
		client:  client,
		cache:   expirable.NewLRU[string, PaymentRequirements](discoveryCacheSize, nil, discoveryCacheTTL),
	}
}

// discoveryBody accepts flat requirements or an x402 style "accepts" list.
type discoveryBody struct {
	PaymentRequirements
	Accepts []struct {
		Network           string             `json:"network"`
		Asset             string             `json:"asset"`
		MaxAmountRequired *solana.USDCAmount `json:"maxAmountRequired"`
		PayTo             string             `json:"payTo"`
	} `json:"accepts"`
}

func (r *HTTPRail) Discover(ctx context.Context, endpoint string) (*PaymentRequirements, error) {
	if cached, ok := r.cache.Get(endpoint); ok {
		req := cached
		req.Amount = cached.Amount.Copy()
		return &req, nil
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create discovery request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	resp, err := r.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("discover payment requirements: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusPaymentRequired && resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("payment endpoint returned status %d", resp.StatusCode)
	}

	var body discoveryBody
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode payment requirements: %w", err)
	}
	req := body.PaymentRequirements
	if req.PayTo == "" && len(body.Accepts) > 0 {
		a := body.Accepts[0]
		req = PaymentRequirements{Chain: a.Network, Asset: a.Asset, Amount: a.MaxAmountRequired, PayTo: a.PayTo}
	}
	if req.PayTo == "" {
		return nil, fmt.Errorf("payment requirements missing payTo")
	}
	req.Chain = strings.ToLower(req.Chain)
	r.cache.Add(endpoint, req)
	return &req, nil
}

type railResponse struct {
	TxHash string `json:"txHash"`
	Error  string `json:"error"`
}

func (r *HTTPRail) Execute(ctx context.Context, req ExecuteRequest) (string, error) {
	if r.railURL == "" {
		return "", fmt.Errorf("payment rail URL not configured")
	}
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal payment: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.railURL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create payment request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.PaymentID)
	resp, err := r.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("call payment rail: %w", err)
	}
	defer resp.Body.Close()

	var out railResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&out); err != nil && resp.StatusCode < 300 {
		return "", fmt.Errorf("decode payment rail response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("payment rail returned status %d: %s", resp.StatusCode, out.Error)
	}
	if out.TxHash == "" {
		return "", fmt.Errorf("payment rail returned no transaction hash")
	}
	return out.TxHash, nil
}

// SolanaExecutor pays USDC from the escrow wallet, tagging the transfer with
// the payment id as memo.
type SolanaExecutor struct {
	transferrer solana.Transferrer
}

func NewSolanaExecutor(t solana.Transferrer) *SolanaExecutor {
	return &SolanaExecutor{transferrer: t}
}

func (e *SolanaExecutor) Execute(ctx context.Context, req ExecuteRequest) (string, error) {
	recipient, err := solanago.PublicKeyFromBase58(req.Recipient)
	if err != nil {
		return "", fmt.Errorf("invalid solana recipient %q: %w", req.Recipient, err)
	}
	sig, err := e.transferrer.TransferUSDC(ctx, recipient, req.Amount, req.PaymentID)
	if err != nil {
		return "", fmt.Errorf("transfer usdc: %w", err)
	}
	return sig.String(), nil
}

// ExecutorRouter picks an executor by chain name.
type ExecutorRouter struct {
	routes   map[string]Executor
	fallback Executor
}

func NewExecutorRouter(fallback Executor) *ExecutorRouter {
	return &ExecutorRouter{routes: map[string]Executor{}, fallback: fallback}
}

func (r *ExecutorRouter) Handle(chain string, e Executor) *ExecutorRouter {
	r.routes[strings.ToLower(chain)] = e
	return r
}

func (r *ExecutorRouter) Execute(ctx context.Context, req ExecuteRequest) (string, error) {
	if e, ok := r.routes[strings.ToLower(req.Chain)]; ok {
		return e.Execute(ctx, req)
	}
	if r.fallback != nil {
		return r.fallback.Execute(ctx, req)
	}
	return "", fmt.Errorf("no executor for chain %q", req.Chain)
}
