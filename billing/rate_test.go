package billing

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFixedRateProvider(t *testing.T) {
	provider := FixedRateProvider{"usdc": decimal.New(1, 6)}

	rate, err := provider.PicoUSDPerUnit(context.Background(), "usdc")
	require.NoError(t, err)
	assert.True(t, rate.Equal(decimal.New(1, 6)))

	_, err = provider.PicoUSDPerUnit(context.Background(), "unknown")
	assert.ErrorIs(t, err, ErrNoRate)
}

func TestHTTPRateProvider_FetchAndCache(t *testing.T) {
	var hits atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.Write([]byte(`{"usdc": "1000000", "rgas": "100"}`))
	}))
	defer server.Close()

	provider := NewHTTPRateProvider(server.URL, time.Minute)

	rate, err := provider.PicoUSDPerUnit(context.Background(), "usdc")
	require.NoError(t, err)
	assert.Equal(t, "1000000", rate.String())

	// Second lookup is served from cache.
	rate, err = provider.PicoUSDPerUnit(context.Background(), "rgas")
	require.NoError(t, err)
	assert.Equal(t, "100", rate.String())
	assert.Equal(t, int64(1), hits.Load())
}

func TestHTTPRateProvider_StaleOnFailure(t *testing.T) {
	var fail atomic.Bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if fail.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`{"usdc": "1000000"}`))
	}))
	defer server.Close()

	provider := NewHTTPRateProvider(server.URL, time.Nanosecond)

	_, err := provider.PicoUSDPerUnit(context.Background(), "usdc")
	require.NoError(t, err)

	// The oracle goes down; the stale entry keeps serving.
	fail.Store(true)
	rate, err := provider.PicoUSDPerUnit(context.Background(), "usdc")
	require.NoError(t, err)
	assert.Equal(t, "1000000", rate.String())

	// An asset never cached still fails.
	_, err = provider.PicoUSDPerUnit(context.Background(), "rgas")
	assert.Error(t, err)
}
