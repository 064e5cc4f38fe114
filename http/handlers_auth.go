package http

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/brojonat/moldtank/http/api"
	"github.com/brojonat/moldtank/internal/stools"
	"github.com/brojonat/moldtank/mt"
	"github.com/golang-jwt/jwt"
)

// UserStatus orders token privileges.
type UserStatus int

const (
	UserStatusDefault UserStatus = 1
	UserStatusSudo    UserStatus = 100
)

const (
	sudoTokenTTL   = 2 * 7 * 24 * time.Hour
	walletTokenTTL = 24 * time.Hour
	// LoginMaxSkew bounds the age of a signed login message.
	LoginMaxSkew = 5 * time.Minute
)

type authJWTClaims struct {
	jwt.StandardClaims
	Email  string     `json:"email,omitempty"`
	Wallet string     `json:"wallet,omitempty"`
	Status UserStatus `json:"status"`
}

// Viewer maps token claims onto the identity used for visibility checks.
// Wallet holders see their own bounties as poster and their agent's
// submissions as that agent.
func (c *authJWTClaims) viewer(agentID string) mt.Viewer {
	if c == nil {
		return mt.Viewer{}
	}
	return mt.Viewer{
		AgentID:  agentID,
		PosterID: c.Wallet,
		Sudo:     c.Status >= UserStatusSudo,
	}
}

func generateAccessToken(secret string, claims authJWTClaims) (string, error) {
	t := jwt.New(jwt.SigningMethodHS256)
	t.Claims = claims
	return t.SignedString([]byte(secret))
}

// LoginMessage is the text a wallet signs to obtain a token.
func LoginMessage(wallet string, at time.Time) string {
	return fmt.Sprintf("moldtank:login:%s:%d", wallet, at.Unix())
}

func parseLoginMessage(msg string) (wallet string, at time.Time, err error) {
	parts := strings.Split(msg, ":")
	if len(parts) != 4 || parts[0] != "moldtank" || parts[1] != "login" {
		return "", time.Time{}, errors.New("login message must look like moldtank:login:<wallet>:<unix seconds>")
	}
	secs, err := strconv.ParseInt(parts[3], 10, 64)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("bad login timestamp: %w", err)
	}
	return parts[2], time.Unix(secs, 0), nil
}

func handleIssueSudoToken(l *slog.Logger, gsk func() string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		email, ok := r.Context().Value(ctxKeyEmail).(string)
		if !ok {
			writeInternalError(l, w, fmt.Errorf("missing context key for basic auth email"))
			return
		}
		exp := time.Now().Add(sudoTokenTTL)
		c := authJWTClaims{
			StandardClaims: jwt.StandardClaims{Subject: email, ExpiresAt: exp.Unix()},
			Email:          email,
			Status:         UserStatusSudo,
		}
		token, err := generateAccessToken(gsk(), c)
		if err != nil {
			writeInternalError(l, w, fmt.Errorf("sign token: %w", err))
			return
		}
		writeJSONResponse(w, api.TokenResponse{AccessToken: token, TokenType: "Bearer", ExpiresAt: exp.Unix()}, http.StatusOK)
	}
}

// handleWalletLogin trades a fresh signed login message for a wallet token.
func handleWalletLogin(l *slog.Logger, gsk func() string, verifier mt.SignatureVerifier, now func() time.Time) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req api.WalletLoginRequest
		if err := stools.DecodeJSONBody(r, &req); err != nil {
			writeDecodeError(l, w, err)
			return
		}
		wallet, at, err := parseLoginMessage(req.Message)
		if err != nil {
			writeError(l, w, mt.ValidationError(mt.CodeValidationFailed, "%v", err))
			return
		}
		if mt.NormalizeWallet(wallet) != mt.NormalizeWallet(req.Wallet) {
			writeError(l, w, mt.ValidationError(mt.CodeValidationFailed, "login message is for a different wallet"))
			return
		}
		skew := now().Sub(at)
		if skew < -LoginMaxSkew || skew > LoginMaxSkew {
			writeError(l, w, mt.UnauthorizedError(mt.CodeUnauthorized, "login message is stale"))
			return
		}
		if err := verifier.Verify(req.Wallet, req.Message, req.Signature); err != nil {
			writeError(l, w, mt.UnauthorizedError(mt.CodeInvalidSignature, "login signature does not match wallet: %v", err))
			return
		}
		holder := mt.NormalizeWallet(req.Wallet)
		exp := now().Add(walletTokenTTL)
		c := authJWTClaims{
			StandardClaims: jwt.StandardClaims{Subject: holder, ExpiresAt: exp.Unix()},
			Wallet:         holder,
			Status:         UserStatusDefault,
		}
		token, err := generateAccessToken(gsk(), c)
		if err != nil {
			writeInternalError(l, w, fmt.Errorf("sign token: %w", err))
			return
		}
		writeJSONResponse(w, api.TokenResponse{AccessToken: token, TokenType: "Bearer", ExpiresAt: exp.Unix()}, http.StatusOK)
	}
}
