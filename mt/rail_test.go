package mt

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPRailDiscover(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusPaymentRequired)
		w.Write([]byte(`{"chain":"Base","asset":"USDC","amount":"95.00","payTo":"0xfeed"}`))
	}))
	defer srv.Close()

	rail := NewHTTPRail("", srv.Client())
	reqs, err := rail.Discover(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "base", reqs.Chain)
	assert.Equal(t, "0xfeed", reqs.PayTo)
	assert.Equal(t, "95.00", reqs.Amount.String())

	_, err = rail.Discover(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.EqualValues(t, 1, atomic.LoadInt32(&hits), "second lookup should hit the cache")
}

func TestHTTPRailDiscoverAcceptsList(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		w.Write([]byte(`{"accepts":[{"network":"solana","asset":"USDC","maxAmountRequired":"1.5","payTo":"So1"}]}`))
	}))
	defer srv.Close()

	reqs, err := NewHTTPRail("", srv.Client()).Discover(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "solana", reqs.Chain)
	assert.Equal(t, "So1", reqs.PayTo)
	assert.Equal(t, "1.50", reqs.Amount.String())
}

func TestHTTPRailDiscoverErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"server error", http.StatusInternalServerError, `{}`},
		{"malformed", http.StatusPaymentRequired, `not json`},
		{"missing payTo", http.StatusOK, `{"chain":"solana"}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				w.Write([]byte(tc.body))
			}))
			defer srv.Close()
			_, err := NewHTTPRail("", srv.Client()).Discover(context.Background(), srv.URL)
			assert.Error(t, err)
		})
	}
}

func TestHTTPRailExecute(t *testing.T) {
	var got ExecuteRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "pay-1", r.Header.Get("Idempotency-Key"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(`{"txHash":"0xdeadbeef"}`))
	}))
	defer srv.Close()

	rail := NewHTTPRail(srv.URL, srv.Client())
	tx, err := rail.Execute(context.Background(), ExecuteRequest{
		PaymentID: "pay-1",
		Chain:     "base",
		Asset:     "USDC",
		Recipient: "0xfeed",
		Amount:    mustAmount(t, "95"),
	})
	require.NoError(t, err)
	assert.Equal(t, "0xdeadbeef", tx)
	assert.Equal(t, "0xfeed", got.Recipient)
	assert.Equal(t, "95.00", got.Amount.String())
}

func TestHTTPRailExecuteFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte(`{"error":"insufficient funds"}`))
	}))
	defer srv.Close()

	_, err := NewHTTPRail(srv.URL, srv.Client()).Execute(context.Background(), ExecuteRequest{PaymentID: "p", Amount: mustAmount(t, "1")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insufficient funds")
}

func TestExecutorRouter(t *testing.T) {
	sol := &countingExecutor{}
	fallback := &countingExecutor{}
	r := NewExecutorRouter(fallback).Handle("Solana", sol)

	_, err := r.Execute(context.Background(), ExecuteRequest{Chain: "solana"})
	require.NoError(t, err)
	_, err = r.Execute(context.Background(), ExecuteRequest{Chain: "base"})
	require.NoError(t, err)
	assert.EqualValues(t, 1, sol.calls)
	assert.EqualValues(t, 1, fallback.calls)

	_, err = NewExecutorRouter(nil).Execute(context.Background(), ExecuteRequest{Chain: "base"})
	assert.Error(t, err)
}
