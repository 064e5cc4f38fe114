package http

import (
	"log/slog"
	"net/http"

	"github.com/brojonat/moldtank/http/api"
	"github.com/brojonat/moldtank/internal/stools"
	"github.com/brojonat/moldtank/mt"
)

// handleSubmit records a signed submission. Authorship is proven by the
// signature over the payload hash, so no bearer token is required.
func handleSubmit(l *slog.Logger, intake *mt.Intake) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req api.SubmitRequest
		if err := stools.DecodeJSONBody(r, &req); err != nil {
			writeDecodeError(l, w, err)
			return
		}
		if req.BountyID == "" || req.AgentID == "" {
			writeError(l, w, mt.ValidationError(mt.CodeValidationFailed, "bountyId and agentId are required"))
			return
		}
		sub, err := intake.Submit(r.Context(), mt.SubmitRequest{
			BountyID:  req.BountyID,
			AgentID:   req.AgentID,
			Payload:   mt.Payload{Type: mt.TaskType(req.Payload.Type), Data: req.Payload.Data},
			Signature: req.Signature,
		})
		if err != nil {
			writeError(l, w, err)
			return
		}
		writeJSONResponse(w, sub, http.StatusAccepted)
	}
}

func handleGetSubmission(l *slog.Logger, subs *mt.Submissions, agents *mt.Agents) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sub, err := subs.Get(r.Context(), r.PathValue("id"), viewerFor(r, agents))
		if err != nil {
			writeError(l, w, err)
			return
		}
		writeJSONResponse(w, sub, http.StatusOK)
	}
}

func handleListBountySubmissions(l *slog.Logger, subs *mt.Submissions, agents *mt.Agents) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		page, err := parsePage(r)
		if err != nil {
			writeError(l, w, err)
			return
		}
		list, total, err := subs.ListForBounty(r.Context(), r.PathValue("id"), viewerFor(r, agents), page)
		if err != nil {
			writeError(l, w, err)
			return
		}
		writeList(w, list, total, page)
	}
}

func handleRequeueSubmission(l *slog.Logger, subs *mt.Submissions) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sub, err := subs.Requeue(r.Context(), r.PathValue("id"))
		if err != nil {
			writeError(l, w, err)
			return
		}
		writeJSONResponse(w, sub, http.StatusOK)
	}
}
