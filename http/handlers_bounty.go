package http

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/brojonat/moldtank/http/api"
	"github.com/brojonat/moldtank/internal/stools"
	"github.com/brojonat/moldtank/mt"
)

func handleCreateBounty(l *slog.Logger, bounties *mt.Bounties) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req api.CreateBountyRequest
		if err := stools.DecodeJSONBody(r, &req); err != nil {
			writeDecodeError(l, w, err)
			return
		}
		claims := claimsFrom(r)
		posterID, posterWallet := claims.Wallet, claims.Wallet
		if claims.Status >= UserStatusSudo {
			posterID, posterWallet = req.PosterID, req.PosterWallet
		}
		if req.Amount == nil {
			writeError(l, w, mt.ValidationError(mt.CodeValidationFailed, "amount is required"))
			return
		}

		b, err := bounties.Create(r.Context(), mt.CreateBountyRequest{
			PosterID:     posterID,
			PosterWallet: posterWallet,
			Title:        req.Title,
			Description:  req.Description,
			Amount:       req.Amount,
			Deadline:     req.Deadline,
			Criteria:     mt.Criteria{Type: mt.TaskType(req.Criteria.Type), Spec: req.Criteria.Spec},
		})
		if err != nil {
			writeError(l, w, err)
			return
		}
		writeJSONResponse(w, b, http.StatusCreated)
	}
}

func handleListBounties(l *slog.Logger, bounties *mt.Bounties) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		page, err := parsePage(r)
		if err != nil {
			writeError(l, w, err)
			return
		}
		q := r.URL.Query()
		f := mt.BountyFilter{
			Page:     page,
			Type:     mt.TaskType(q.Get("type")),
			PosterID: q.Get("poster"),
		}
		if s := q.Get("status"); s != "" {
			for _, v := range strings.Split(s, ",") {
				f.Statuses = append(f.Statuses, mt.BountyStatus(strings.TrimSpace(v)))
			}
		}
		if s := q.Get("deadlineBefore"); s != "" {
			t, err := time.Parse(time.RFC3339, s)
			if err != nil {
				writeError(l, w, mt.ValidationError(mt.CodeValidationFailed, "deadlineBefore must be RFC3339"))
				return
			}
			f.DeadlineBefore = &t
		}

		bs, total, err := bounties.List(r.Context(), f)
		if err != nil {
			writeError(l, w, err)
			return
		}
		writeList(w, bs, total, page)
	}
}

func handleGetBounty(l *slog.Logger, bounties *mt.Bounties) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b, err := bounties.Get(r.Context(), r.PathValue("id"))
		if err != nil {
			writeError(l, w, err)
			return
		}
		writeJSONResponse(w, b, http.StatusOK)
	}
}

// handleBountyFunding returns the deposit instructions for a draft bounty.
func handleBountyFunding(l *slog.Logger, bounties *mt.Bounties, cfg FundingConfig, now func() time.Time) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b, err := bounties.Get(r.Context(), r.PathValue("id"))
		if err != nil {
			writeError(l, w, err)
			return
		}
		if b.Status != mt.BountyStatusDraft || b.EscrowStatus != mt.EscrowStatusPending {
			writeError(l, w, mt.InvalidTransition("bounty %s is %s with escrow %s and cannot be funded", b.ID, b.Status, b.EscrowStatus))
			return
		}
		invoice, err := generateFundingInvoice(cfg, b, now())
		if err != nil {
			writeInternalError(l, w, fmt.Errorf("funding invoice for %s: %w", b.ID, err))
			return
		}
		writeJSONResponse(w, invoice, http.StatusOK)
	}
}

func handleFundBounty(l *slog.Logger, bounties *mt.Bounties) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req api.FundBountyRequest
		if err := stools.DecodeJSONBody(r, &req); err != nil {
			writeDecodeError(l, w, err)
			return
		}
		if req.TxHash == "" {
			writeError(l, w, mt.ValidationError(mt.CodeValidationFailed, "txHash is required"))
			return
		}
		b, err := bounties.ConfirmFunding(r.Context(), r.PathValue("id"), req.TxHash)
		if err != nil {
			writeError(l, w, err)
			return
		}
		writeJSONResponse(w, b, http.StatusOK)
	}
}

// posterScope is the poster id a caller acts as. Sudo acts for everyone.
func posterScope(c *authJWTClaims) string {
	if c.Status >= UserStatusSudo {
		return ""
	}
	return c.Wallet
}

func handleCancelBounty(l *slog.Logger, bounties *mt.Bounties) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b, err := bounties.Cancel(r.Context(), r.PathValue("id"), posterScope(claimsFrom(r)))
		if err != nil {
			writeError(l, w, err)
			return
		}
		writeJSONResponse(w, b, http.StatusOK)
	}
}

func handleRefundBounty(l *slog.Logger, bounties *mt.Bounties) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b, err := bounties.RequestRefund(r.Context(), r.PathValue("id"), posterScope(claimsFrom(r)))
		if err != nil {
			writeError(l, w, err)
			return
		}
		writeJSONResponse(w, b, http.StatusOK)
	}
}

// handlePayoutBounty runs settlement by hand. Repeating it after success
// returns the settled payment.
func handlePayoutBounty(l *slog.Logger, settler *mt.Settler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := settler.Settle(r.Context(), r.PathValue("id"))
		if err != nil {
			writeError(l, w, err)
			return
		}
		writeJSONResponse(w, p, http.StatusOK)
	}
}

func handleListPayments(l *slog.Logger, settler *mt.Settler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ps, err := settler.Payments(r.Context(), r.PathValue("id"))
		if err != nil {
			writeError(l, w, err)
			return
		}
		writeList(w, ps, len(ps), mt.Page{Page: 1, Limit: max(len(ps), 1)})
	}
}
