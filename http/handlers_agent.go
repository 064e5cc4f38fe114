package http

import (
	"log/slog"
	"net/http"

	"github.com/brojonat/moldtank/http/api"
	"github.com/brojonat/moldtank/internal/stools"
	"github.com/brojonat/moldtank/mt"
)

func handleRegisterAgent(l *slog.Logger, agents *mt.Agents) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req api.RegisterAgentRequest
		if err := stools.DecodeJSONBody(r, &req); err != nil {
			writeDecodeError(l, w, err)
			return
		}
		caps := make([]mt.TaskType, len(req.Capabilities))
		for i, c := range req.Capabilities {
			caps[i] = mt.TaskType(c)
		}
		a, err := agents.Register(r.Context(), mt.RegisterAgentRequest{
			Name:            req.Name,
			Description:     req.Description,
			WalletAddress:   req.WalletAddress,
			Capabilities:    caps,
			PaymentEndpoint: req.PaymentEndpoint,
		})
		if err != nil {
			writeError(l, w, err)
			return
		}
		writeJSONResponse(w, api.RegisterAgentResponse{Agent: a, ClaimMessage: mt.ClaimMessage(a.ID)}, http.StatusCreated)
	}
}

func handleListAgents(l *slog.Logger, agents *mt.Agents) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		page, err := parsePage(r)
		if err != nil {
			writeError(l, w, err)
			return
		}
		q := r.URL.Query()
		as, total, err := agents.List(r.Context(), mt.AgentFilter{
			Page:       page,
			Status:     mt.AgentStatus(q.Get("status")),
			Capability: mt.TaskType(q.Get("capability")),
		})
		if err != nil {
			writeError(l, w, err)
			return
		}
		writeList(w, as, total, page)
	}
}

func handleGetAgent(l *slog.Logger, agents *mt.Agents) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		a, err := agents.Get(r.Context(), r.PathValue("id"))
		if err != nil {
			writeError(l, w, err)
			return
		}
		writeJSONResponse(w, a, http.StatusOK)
	}
}

// handleClaimAgent activates a pending agent with a signature over its
// claim message from the registered wallet.
func handleClaimAgent(l *slog.Logger, agents *mt.Agents) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req api.ClaimAgentRequest
		if err := stools.DecodeJSONBody(r, &req); err != nil {
			writeDecodeError(l, w, err)
			return
		}
		a, err := agents.Claim(r.Context(), r.PathValue("id"), req.Signature)
		if err != nil {
			writeError(l, w, err)
			return
		}
		writeJSONResponse(w, a, http.StatusOK)
	}
}

// handleSetAgentStatus lets an operator suspend or reinstate an agent.
func handleSetAgentStatus(l *slog.Logger, agents *mt.Agents) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req api.SetAgentStatusRequest
		if err := stools.DecodeJSONBody(r, &req); err != nil {
			writeDecodeError(l, w, err)
			return
		}
		var from []mt.AgentStatus
		switch to := mt.AgentStatus(req.Status); to {
		case mt.AgentStatusSuspended, mt.AgentStatusInactive:
			from = []mt.AgentStatus{mt.AgentStatusPending, mt.AgentStatusActive, mt.AgentStatusInactive, mt.AgentStatusSuspended}
		case mt.AgentStatusActive:
			from = []mt.AgentStatus{mt.AgentStatusInactive, mt.AgentStatusSuspended}
		default:
			writeError(l, w, mt.ValidationError(mt.CodeValidationFailed, "status must be active, inactive or suspended"))
			return
		}
		a, err := agents.SetStatus(r.Context(), r.PathValue("id"), from, mt.AgentStatus(req.Status))
		if err != nil {
			writeError(l, w, err)
			return
		}
		writeJSONResponse(w, a, http.StatusOK)
	}
}

// viewerFor resolves the caller's agent, if its wallet has one.
func viewerFor(r *http.Request, agents *mt.Agents) mt.Viewer {
	claims := claimsFrom(r)
	if claims == nil {
		return mt.Viewer{}
	}
	var agentID string
	if claims.Wallet != "" {
		if a, err := agents.GetByWallet(r.Context(), claims.Wallet); err == nil {
			agentID = a.ID
		}
	}
	return claims.viewer(agentID)
}

func handleListAgentSubmissions(l *slog.Logger, subs *mt.Submissions, agents *mt.Agents) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		v := viewerFor(r, agents)
		if !v.Sudo && v.AgentID != id {
			writeError(l, w, mt.ForbiddenError("only the agent's wallet may list its submissions"))
			return
		}
		page, err := parsePage(r)
		if err != nil {
			writeError(l, w, err)
			return
		}
		list, total, err := subs.ListForAgent(r.Context(), id, page)
		if err != nil {
			writeError(l, w, err)
			return
		}
		writeList(w, list, total, page)
	}
}
