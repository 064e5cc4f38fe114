package api

import (
	"encoding/json"
	"time"

	"github.com/brojonat/moldtank/solana"
)

type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresAt   int64  `json:"expires_at,omitempty"`
}

type DefaultJSONResponse struct {
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string         `json:"error"`
	Code    string         `json:"code"`
	Details map[string]any `json:"details,omitempty"`
}

// ListResponse is the envelope for paginated collections.
type ListResponse[T any] struct {
	Data    []T  `json:"data"`
	Total   int  `json:"total"`
	Page    int  `json:"page"`
	Limit   int  `json:"limit"`
	HasMore bool `json:"hasMore"`
}

// NewListResponse fills in HasMore from the page position.
func NewListResponse[T any](data []T, total, page, limit int) ListResponse[T] {
	if data == nil {
		data = []T{}
	}
	return ListResponse[T]{
		Data:    data,
		Total:   total,
		Page:    page,
		Limit:   limit,
		HasMore: page*limit < total,
	}
}

type CriteriaBody struct {
	Type string          `json:"type"`
	Spec json.RawMessage `json:"spec,omitempty"`
}

type CreateBountyRequest struct {
	Title       string             `json:"title"`
	Description string             `json:"description,omitempty"`
	Amount      *solana.USDCAmount `json:"amount"`
	Deadline    time.Time          `json:"deadline"`
	Criteria    CriteriaBody       `json:"criteria"`
	// Only honoured for sudo tokens; wallet tokens always post as themselves.
	PosterID     string `json:"posterId,omitempty"`
	PosterWallet string `json:"posterWallet,omitempty"`
}

type FundBountyRequest struct {
	TxHash string `json:"txHash"`
}

type RegisterAgentRequest struct {
	Name            string   `json:"name"`
	Description     string   `json:"description,omitempty"`
	WalletAddress   string   `json:"walletAddress"`
	Capabilities    []string `json:"capabilities,omitempty"`
	PaymentEndpoint string   `json:"paymentEndpoint,omitempty"`
}

// RegisterAgentResponse tells the owner what to sign to claim the agent.
type RegisterAgentResponse struct {
	Agent        any    `json:"agent"`
	ClaimMessage string `json:"claimMessage"`
}

type ClaimAgentRequest struct {
	Signature string `json:"signature"`
}

type SetAgentStatusRequest struct {
	Status string `json:"status"`
}

type PayloadBody struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type SubmitRequest struct {
	BountyID  string      `json:"bountyId"`
	AgentID   string      `json:"agentId"`
	Payload   PayloadBody `json:"payload"`
	Signature string      `json:"signature"`
}

// WalletLoginRequest proves control of a wallet. Message must be the string
// returned by the login challenge format with a recent timestamp.
type WalletLoginRequest struct {
	Wallet    string `json:"wallet"`
	Message   string `json:"message"`
	Signature string `json:"signature"`
}

// FundingInvoice tells a poster how to fund a draft bounty's escrow.
type FundingInvoice struct {
	BountyID     string             `json:"bountyId"`
	PayToAddress string             `json:"payToAddress"`
	USDCMint     string             `json:"usdcMint"`
	Amount       *solana.USDCAmount `json:"amount"`
	Memo         string             `json:"memo"`
	ExpiresAt    time.Time          `json:"expiresAt"`
	PaymentURL   string             `json:"paymentUrl"`
	QRCodeData   string             `json:"qrCodeData"`
}
