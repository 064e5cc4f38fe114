package mt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// ValidationRequest is what the engine sees for one submission.
type ValidationRequest struct {
	SubmissionID string   `json:"submissionId"`
	Type         TaskType `json:"type"`
	Payload      Payload  `json:"payload"`
	Criteria     Criteria `json:"criteria"`
}

// Validator judges a payload against criteria. Returning an error means no
// verdict was reached (transport failure, timeout, engine crash).
type Validator interface {
	Validate(ctx context.Context, req ValidationRequest) (*ValidationResult, error)
}

// ValidatorFunc adapts a function to Validator.
type ValidatorFunc func(ctx context.Context, req ValidationRequest) (*ValidationResult, error)

func (f ValidatorFunc) Validate(ctx context.Context, req ValidationRequest) (*ValidationResult, error) {
	return f(ctx, req)
}

// HTTPValidator calls a validation engine at {BaseURL}/validate/{type}.
type HTTPValidator struct {
	BaseURL string
	Client  *http.Client
}

func NewHTTPValidator(baseURL string, client *http.Client) *HTTPValidator {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPValidator{BaseURL: strings.TrimRight(baseURL, "/"), Client: client}
}

type validateResponse struct {
	Passed      bool            `json:"passed"`
	Score       *float64        `json:"score"`
	Diagnostics json.RawMessage `json:"diagnostics"`
}

func (v *HTTPValidator) Validate(ctx context.Context, req ValidationRequest) (*ValidationResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal validation request: %w", err)
	}
	endpoint := fmt.Sprintf("%s/validate/%s", v.BaseURL, url.PathEscape(string(req.Type)))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create validation request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := v.Client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("call validation engine: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read validation response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("validation engine returned status %d: %s", resp.StatusCode, truncate(string(raw), 256))
	}
	var out validateResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode validation response: %w", err)
	}
	return &ValidationResult{Passed: out.Passed, Score: out.Score, Diagnostics: out.Diagnostics}, nil
}

// ValidatorRouter dispatches on the payload's type tag.
type ValidatorRouter struct {
	routes   map[TaskType]Validator
	fallback Validator
}

// NewValidatorRouter routes every type without an explicit route to fallback,
// which may be nil.
func NewValidatorRouter(fallback Validator) *ValidatorRouter {
	return &ValidatorRouter{routes: map[TaskType]Validator{}, fallback: fallback}
}

// Handle registers v for type t.
func (r *ValidatorRouter) Handle(t TaskType, v Validator) *ValidatorRouter {
	r.routes[t] = v
	return r
}

func (r *ValidatorRouter) Validate(ctx context.Context, req ValidationRequest) (*ValidationResult, error) {
	if v, ok := r.routes[req.Type]; ok {
		return v.Validate(ctx, req)
	}
	if r.fallback != nil {
		return r.fallback.Validate(ctx, req)
	}
	return nil, fmt.Errorf("no validator for task type %q", req.Type)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
