package http

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/brojonat/moldtank/http/api"
	"github.com/brojonat/moldtank/mt"
	"github.com/golang-jwt/jwt"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"
)

// context keys
type contextKey int

var ctxKeyJWT contextKey = 1
var ctxKeyEmail contextKey = 2

// RateLimiter hands out one token bucket per caller key. Idle buckets fall
// out of the LRU after ttl.
type RateLimiter struct {
	limiters *expirable.LRU[string, *rate.Limiter]
	every    rate.Limit
	burst    int
}

// NewRateLimiter allows burst requests at once and then one request every
// interval per key.
func NewRateLimiter(interval time.Duration, burst int) *RateLimiter {
	return &RateLimiter{
		limiters: expirable.NewLRU[string, *rate.Limiter](10_000, nil, time.Hour),
		every:    rate.Every(interval),
		burst:    burst,
	}
}

func (rl *RateLimiter) limiter(key string) *rate.Limiter {
	if l, ok := rl.limiters.Get(key); ok {
		return l
	}
	l := rate.NewLimiter(rl.every, rl.burst)
	rl.limiters.Add(key, l)
	return l
}

// reserve reports whether key may proceed now and, if not, how long until it may.
func (rl *RateLimiter) reserve(key string) (bool, time.Duration) {
	l := rl.limiter(key)
	if l.Allow() {
		return true, 0
	}
	r := l.Reserve()
	delay := r.Delay()
	r.Cancel()
	return false, delay
}

func clientIP(r *http.Request) string {
	if forwardedFor := r.Header.Get("X-Forwarded-For"); forwardedFor != "" {
		return strings.TrimSpace(strings.Split(forwardedFor, ",")[0])
	}
	return r.RemoteAddr
}

// rateLimitMiddleware keys on the token's wallet when present and the client
// IP otherwise.
func rateLimitMiddleware(rl *RateLimiter) func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			key := "ip:" + clientIP(r)
			if claims, ok := r.Context().Value(ctxKeyJWT).(*authJWTClaims); ok && claims.Wallet != "" {
				key = "wallet:" + claims.Wallet
			}
			if ok, delay := rl.reserve(key); !ok {
				w.Header().Set("Retry-After", fmt.Sprintf("%d", int(math.Ceil(delay.Seconds()))))
				writeJSONResponse(w, api.ErrorResponse{Error: "rate limit exceeded", Code: "RATE_LIMITED"}, http.StatusTooManyRequests)
				return
			}
			next(w, r)
		}
	}
}

func setContentType(content string) func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", content)
			next(w, r)
		}
	}
}

func makeGraceful(l *slog.Logger) func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				err := recover()
				if err != nil {
					l.Error("recovered from panic")
					switch v := err.(type) {
					case error:
						writeInternalError(l, w, v)
					case string:
						writeInternalError(l, w, fmt.Errorf("panic error: %s", v))
					default:
						writeInternalError(l, w, fmt.Errorf("recovered but unexpected type from recover()"))
					}
				}
			}()
			next.ServeHTTP(w, r)
		}
	}
}

// withLogging wraps a handler with logging middleware
func withLogging(logger *slog.Logger) func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next(w, r)
			logger.Info("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"duration", time.Since(start),
				"remote_addr", r.RemoteAddr,
			)
		}
	}
}

// basicAuthorizerCtxSetEmail accepts any username with the server secret as
// the password.
func basicAuthorizerCtxSetEmail(gsk func() string) func(http.ResponseWriter, *http.Request) bool {
	return func(w http.ResponseWriter, r *http.Request) bool {
		w.Header().Set("WWW-Authenticate", `Basic realm="moldtank"`)
		email, pwd, ok := r.BasicAuth()
		if !ok || email == "" {
			return false
		}
		secret := gsk()
		if secret == "" || pwd != secret {
			return false
		}
		ctx := context.WithValue(r.Context(), ctxKeyEmail, email)
		*r = *r.WithContext(ctx)
		return true
	}
}

func parseBearer(gsk func() string, r *http.Request) (*authJWTClaims, bool) {
	ts := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if ts == "" || ts == r.Header.Get("Authorization") {
		return nil, false
	}
	var claims authJWTClaims
	kf := func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return []byte(gsk()), nil
	}
	token, err := jwt.ParseWithClaims(ts, &claims, kf)
	if err != nil || !token.Valid {
		return nil, false
	}
	return &claims, true
}

func bearerAuthorizerCtxSetToken(gsk func() string) func(http.ResponseWriter, *http.Request) bool {
	return func(w http.ResponseWriter, r *http.Request) bool {
		claims, ok := parseBearer(gsk, r)
		if !ok {
			return false
		}
		ctx := context.WithValue(r.Context(), ctxKeyJWT, claims)
		*r = *r.WithContext(ctx)
		return true
	}
}

// optionalBearer attaches claims when a valid token is present and lets
// anonymous requests through.
func optionalBearer(gsk func() string) func(http.HandlerFunc) http.HandlerFunc {
	authorize := bearerAuthorizerCtxSetToken(gsk)
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			authorize(w, r)
			next(w, r)
		}
	}
}

// Iterates over the supplied authorizers and if at least one passes, then the
// next handler is called, otherwise an unauthorized response is written.
func atLeastOneAuth(authorizers ...func(http.ResponseWriter, *http.Request) bool) func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			for _, a := range authorizers {
				if !a(w, r) {
					continue
				}
				next(w, r)
				return
			}
			writeJSONResponse(w, api.ErrorResponse{Error: "unauthorized", Code: mt.CodeUnauthorized}, http.StatusUnauthorized)
		}
	}
}

// requireStatus creates a middleware that checks if the user has the required status level.
func requireStatus(requiredStatus UserStatus) func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			claims, ok := r.Context().Value(ctxKeyJWT).(*authJWTClaims)
			if !ok || claims == nil {
				writeJSONResponse(w, api.ErrorResponse{Error: "unauthorized", Code: mt.CodeUnauthorized}, http.StatusUnauthorized)
				return
			}
			if claims.Status < requiredStatus {
				slog.Info("user status insufficient for endpoint", "subject", claims.Subject, "user_status", claims.Status, "required_status", requiredStatus)
				writeJSONResponse(w, api.ErrorResponse{Error: "forbidden: insufficient permissions", Code: mt.CodeForbidden}, http.StatusForbidden)
				return
			}
			next(w, r)
		}
	}
}

func claimsFrom(r *http.Request) *authJWTClaims {
	claims, _ := r.Context().Value(ctxKeyJWT).(*authJWTClaims)
	return claims
}

func writeJSONResponse(w http.ResponseWriter, resp interface{}, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(resp)
}
