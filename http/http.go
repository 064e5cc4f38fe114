package http

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/brojonat/moldtank/http/api"
	"github.com/brojonat/moldtank/internal/stools"
	"github.com/brojonat/moldtank/mt"
	"github.com/gorilla/handlers"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Environment Variable Keys
const (
	EnvServerSecretKey       = "MOLDTANK_SECRET_KEY"
	EnvCORSOrigins           = "CORS_ORIGINS"
	EnvCORSMethods           = "CORS_METHODS"
	EnvCORSHeaders           = "CORS_HEADERS"
	EnvSolanaEscrowWallet    = "SOLANA_ESCROW_WALLET"
	EnvSolanaUSDCMintAddress = "SOLANA_USDC_MINT_ADDRESS"
)

// request body ceiling for submissions: the payload cap plus room for the
// envelope and signature
const submissionBodyBytes = mt.MaxPayloadBytes + 64<<10

// Services are the domain components behind the API.
type Services struct {
	Bounties    *mt.Bounties
	Agents      *mt.Agents
	Intake      *mt.Intake
	Submissions *mt.Submissions
	Settler     *mt.Settler
	Verifier    mt.SignatureVerifier
	// Gatherer backs GET /metrics when set.
	Gatherer prometheus.Gatherer
	// Funding enables GET /bounties/{id}/funding when set.
	Funding *FundingConfig
}

// Config holds the transport settings.
type Config struct {
	SecretKey      string
	CORSOrigins    []string
	CORSMethods    []string
	CORSHeaders    []string
	SubmitInterval time.Duration
	SubmitBurst    int
	Now            func() time.Time
}

func (c Config) withDefaults() Config {
	if len(c.CORSMethods) == 0 {
		c.CORSMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	}
	if len(c.CORSHeaders) == 0 {
		c.CORSHeaders = []string{"Authorization", "Content-Type", "X-Requested-With"}
	}
	if c.SubmitInterval <= 0 {
		c.SubmitInterval = 6 * time.Second
	}
	if c.SubmitBurst <= 0 {
		c.SubmitBurst = 10
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// ConfigFromEnv reads the secret and CORS settings from the environment.
func ConfigFromEnv(logger *slog.Logger) Config {
	cfg := Config{SecretKey: os.Getenv(EnvServerSecretKey)}

	allowedOriginsEnv := os.Getenv(EnvCORSOrigins)
	switch {
	case allowedOriginsEnv == "*":
		cfg.CORSOrigins = []string{"*"}
		logger.Warn("CORS configured to allow all origins (*)")
	case allowedOriginsEnv != "":
		cfg.CORSOrigins = strings.Split(allowedOriginsEnv, ",")
		logger.Info("CORS configured with specific origins", "origins", cfg.CORSOrigins)
	default:
		logger.Warn("CORS_ORIGINS not set, CORS might not function correctly")
		cfg.CORSOrigins = []string{}
	}
	if v := os.Getenv(EnvCORSMethods); v != "" {
		cfg.CORSMethods = strings.Split(v, ",")
	}
	if v := os.Getenv(EnvCORSHeaders); v != "" {
		cfg.CORSHeaders = strings.Split(v, ",")
	}
	return cfg
}

// NewHandler builds the routed API.
func NewHandler(logger *slog.Logger, svc Services, cfg Config) http.Handler {
	cfg = cfg.withDefaults()
	gsk := func() string { return cfg.SecretKey }
	mux := http.NewServeMux()

	bearer := atLeastOneAuth(bearerAuthorizerCtxSetToken(gsk))
	sudo := requireStatus(UserStatusSudo)
	optional := optionalBearer(gsk)
	submitLimiter := NewRateLimiter(cfg.SubmitInterval, cfg.SubmitBurst)

	route := func(pattern string, h http.HandlerFunc, mws ...stools.Middleware) {
		mws = append([]stools.Middleware{makeGraceful(logger), withLogging(logger)}, mws...)
		mux.HandleFunc(pattern, stools.AdaptHandler(h, mws...))
	}

	route("GET /ping", handlePing())
	if svc.Gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(svc.Gatherer, promhttp.HandlerOpts{}))
	}

	route("POST /token", handleIssueSudoToken(logger, gsk), atLeastOneAuth(basicAuthorizerCtxSetEmail(gsk)))
	route("POST /auth/wallet", handleWalletLogin(logger, gsk, svc.Verifier, cfg.Now))

	route("POST /bounties", handleCreateBounty(logger, svc.Bounties), bearer)
	route("GET /bounties", handleListBounties(logger, svc.Bounties))
	route("GET /bounties/{id}", handleGetBounty(logger, svc.Bounties))
	if svc.Funding != nil {
		route("GET /bounties/{id}/funding", handleBountyFunding(logger, svc.Bounties, *svc.Funding, cfg.Now))
	}
	route("POST /bounties/{id}/fund", handleFundBounty(logger, svc.Bounties), bearer, sudo)
	route("POST /bounties/{id}/cancel", handleCancelBounty(logger, svc.Bounties), bearer)
	route("POST /bounties/{id}/refund", handleRefundBounty(logger, svc.Bounties), bearer)
	route("POST /bounties/{id}/payout", handlePayoutBounty(logger, svc.Settler), bearer, sudo)
	route("GET /bounties/{id}/submissions", handleListBountySubmissions(logger, svc.Submissions, svc.Agents), optional)
	route("GET /bounties/{id}/payments", handleListPayments(logger, svc.Settler))

	route("POST /submissions", handleSubmit(logger, svc.Intake),
		setMaxBytes(submissionBodyBytes), optional, rateLimitMiddleware(submitLimiter))
	route("GET /submissions/{id}", handleGetSubmission(logger, svc.Submissions, svc.Agents), optional)
	route("POST /submissions/{id}/requeue", handleRequeueSubmission(logger, svc.Submissions), bearer, sudo)

	route("POST /agents", handleRegisterAgent(logger, svc.Agents))
	route("GET /agents", handleListAgents(logger, svc.Agents))
	route("GET /agents/{id}", handleGetAgent(logger, svc.Agents))
	route("POST /agents/{id}/claim", handleClaimAgent(logger, svc.Agents))
	route("POST /agents/{id}/status", handleSetAgentStatus(logger, svc.Agents), bearer, sudo)
	route("GET /agents/{id}/submissions", handleListAgentSubmissions(logger, svc.Submissions, svc.Agents), bearer)

	return handlers.CORS(
		handlers.AllowedHeaders(cfg.CORSHeaders),
		handlers.AllowedMethods(cfg.CORSMethods),
		handlers.AllowedOrigins(cfg.CORSOrigins),
		handlers.AllowCredentials(),
	)(mux)
}

// RunServer serves handler on port until ctx is cancelled.
func RunServer(ctx context.Context, logger *slog.Logger, handler http.Handler, port string) error {
	server := &http.Server{
		Addr:              ":" + port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "port", port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	logger.Info("shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// handlePing returns a handler for the ping endpoint
func handlePing() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSONResponse(w, api.DefaultJSONResponse{Message: "pong"}, http.StatusOK)
	}
}

func setMaxBytes(n int64) func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			r = r.WithContext(stools.WithMaxBodyBytes(r.Context(), n))
			next(w, r)
		}
	}
}

// statusForKind maps an error kind onto an HTTP status.
func statusForKind(kind mt.ErrorKind) int {
	switch kind {
	case mt.KindValidation:
		return http.StatusBadRequest
	case mt.KindUnauthorized:
		return http.StatusUnauthorized
	case mt.KindForbidden:
		return http.StatusForbidden
	case mt.KindNotFound:
		return http.StatusNotFound
	case mt.KindConflict, mt.KindInvariant:
		return http.StatusConflict
	case mt.KindExternal:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func writeError(l *slog.Logger, w http.ResponseWriter, err error) {
	e, ok := mt.AsError(err)
	if !ok {
		writeInternalError(l, w, err)
		return
	}
	status := statusForKind(e.Kind)
	if e.Code == mt.CodePayloadTooLarge {
		status = http.StatusRequestEntityTooLarge
	}
	if status >= 500 {
		l.Error("request failed", "code", e.Code, "error", err)
	}
	writeJSONResponse(w, api.ErrorResponse{Error: e.Message, Code: e.Code, Details: e.Details}, status)
}

func writeDecodeError(l *slog.Logger, w http.ResponseWriter, err error) {
	var mbe *stools.MaxBytesError
	var mje *stools.MalformedJSONError
	switch {
	case errors.As(err, &mbe):
		writeError(l, w, mt.ValidationError(mt.CodePayloadTooLarge, "%s", mbe.Message))
	case errors.As(err, &mje):
		writeError(l, w, mt.ValidationError(mt.CodeValidationFailed, "%s", mje.Message))
	default:
		writeInternalError(l, w, err)
	}
}

func writeInternalError(l *slog.Logger, w http.ResponseWriter, e error) {
	l.Error("internal error", "error", e.Error())
	writeJSONResponse(w, api.ErrorResponse{Error: "internal error", Code: "INTERNAL"}, http.StatusInternalServerError)
}

// parsePage reads page and limit query parameters.
func parsePage(r *http.Request) (mt.Page, error) {
	var p mt.Page
	for _, f := range []struct {
		name string
		dst  *int
	}{{"page", &p.Page}, {"limit", &p.Limit}} {
		v := r.URL.Query().Get(f.name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return p, mt.ValidationError(mt.CodeValidationFailed, "%s must be a positive integer", f.name)
		}
		*f.dst = n
	}
	return p.Normalize(), nil
}

func writeList[T any](w http.ResponseWriter, data []T, total int, p mt.Page) {
	writeJSONResponse(w, api.NewListResponse(data, total, p.Page, p.Limit), http.StatusOK)
}
