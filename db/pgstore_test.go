package db

import (
	"context"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/brojonat/moldtank/mt"
	"github.com/brojonat/moldtank/mt/storetest"
	"github.com/stretchr/testify/require"
)

// TestPGStore runs the shared store suite against a real database. Point
// MOLDTANK_TEST_DATABASE_URL at a disposable database to enable it.
func TestPGStore(t *testing.T) {
	dbURL := os.Getenv("MOLDTANK_TEST_DATABASE_URL")
	if dbURL == "" {
		t.Skip("MOLDTANK_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	pool, err := Connect(ctx, dbURL, logger, 3, time.Second)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	require.NoError(t, Migrate(ctx, pool))

	storetest.Run(t, func(t *testing.T) mt.Store {
		_, err := pool.Exec(ctx, `TRUNCATE payments, submissions, bounties, agents`)
		require.NoError(t, err)
		return NewPGStore(pool)
	})
}

func TestWhereBuilder(t *testing.T) {
	var w where
	require.Equal(t, "", w.String())

	w.add("status = ANY(?)", []string{"open"})
	w.add("poster_id = ?", "p1")
	require.Equal(t, " WHERE status = ANY($1) AND poster_id = $2", w.String())
	require.Len(t, w.args, 2)
	require.Equal(t, " LIMIT 100 OFFSET 200", w.page(mt.Page{Page: 3, Limit: 500}))
	require.Equal(t, " LIMIT 20 OFFSET 0", w.page(mt.Page{}))
}

func TestJSONArg(t *testing.T) {
	require.Nil(t, jsonArg(nil))
	require.Equal(t, `{"a":1}`, jsonArg([]byte(`{"a":1}`)))
}

func TestWinRate(t *testing.T) {
	require.Zero(t, winRate(0, 0))
	require.InDelta(t, 0.25, winRate(1, 4), 1e-9)
}
