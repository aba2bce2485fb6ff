package clusters

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/leveragebot/internal/domain"
)

func TestClustersSortsNearestFirst(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/liquidation-clusters", r.URL.Path)
		assert.Equal(t, "BTCUSDT", r.URL.Query().Get("symbol"))
		assert.Equal(t, "secret", r.Header.Get("X-API-Key"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"symbol":"BTCUSDT","clusters":[
			{"price":"120","volume":"10","strength":0.4},
			{"price":"105","volume":"50","strength":0.9},
			{"price":"110","volume":"30","strength":1.7},
			{"price":"100","volume":"99","strength":0.5},
			{"price":"80","volume":"5","strength":0.2},
			{"price":"95","volume":"40","strength":-1},
			{"price":"90","volume":"20","strength":0.6}
		]}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "secret", time.Second)
	above, below, err := c.Clusters(context.Background(), "BTCUSDT", decimal.NewFromInt(100))
	require.NoError(t, err)

	require.Len(t, above, 2)
	assert.Equal(t, "105", above[0].Price.String())
	assert.Equal(t, "110", above[1].Price.String())
	assert.Equal(t, 1.0, above[1].Strength)
	assert.InDelta(t, 0.05, above[0].Distance, 1e-9)
	assert.Equal(t, domain.ClusterAbove, above[0].Side)

	require.Len(t, below, 2)
	assert.Equal(t, "95", below[0].Price.String())
	assert.Equal(t, 0.0, below[0].Strength)
	assert.Equal(t, "90", below[1].Price.String())
	assert.InDelta(t, -0.10, below[1].Distance, 1e-9)
	assert.False(t, below[0].Synthetic)
}

func TestClustersHTTPErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   error
	}{
		{"not found", http.StatusNotFound, domain.ErrNotFound},
		{"unauthorized", http.StatusUnauthorized, domain.ErrUnauthorized},
		{"rate limited", http.StatusTooManyRequests, domain.ErrRateLimited},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				http.Error(w, "nope", tt.status)
			}))
			defer srv.Close()

			_, _, err := NewClient(srv.URL, "", time.Second).Clusters(context.Background(), "ETHUSDT", decimal.NewFromInt(1))
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestClustersBadBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`not json`))
	}))
	defer srv.Close()

	_, _, err := NewClient(srv.URL, "", time.Second).Clusters(context.Background(), "ETHUSDT", decimal.NewFromInt(1))
	assert.ErrorContains(t, err, "clusters: decode ETHUSDT")
}
