package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSyncCollectors(t *testing.T) {
	m := New()

	m.QueueDepth(3, 1)
	m.Replayed("synced")
	m.Replayed("synced")
	m.Replayed("dead_letter")
	m.SetOnline(true)

	assert.Equal(t, 3.0, testutil.ToFloat64(m.queuePending))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.queueDead))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.replays.WithLabelValues("synced")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.replays.WithLabelValues("dead_letter")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.online))

	m.SetOnline(false)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.online))
}

func TestInstrumentUsesRoutePattern(t *testing.T) {
	m := New()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/products/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	h := m.Instrument(mux)

	for _, id := range []string{"a", "b"} {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/products/"+id, nil))
		require.Equal(t, http.StatusNotFound, rr.Code)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/nope", nil))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.httpRequests.WithLabelValues("GET", "/api/v1/products/{id}", "404")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.httpRequests.WithLabelValues("GET", "unmatched", "404")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.httpInFlight))
}

func TestHandlerExposesRegistry(t *testing.T) {
	m := New()
	m.Replayed("queued")

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.Contains(string(body), `pos_sync_replays_total{result="queued"} 1`))
}
