package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gregtusar/brokerd/pkg/engine"
	"github.com/gregtusar/brokerd/pkg/models"
	"github.com/gregtusar/brokerd/pkg/pool"
	"github.com/gregtusar/brokerd/pkg/subscription"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBackend struct {
	health    engine.Health
	healthErr error
	reloads   int
}

func (f *fakeBackend) Health(context.Context) (engine.Health, error) { return f.health, f.healthErr }
func (f *fakeBackend) Stats() engine.Stats                           { return engine.Stats{Passes: 7} }
func (f *fakeBackend) Reload()                                       { f.reloads++ }
func (f *fakeBackend) Symbols() []string                             { return []string{"NSE:INFY"} }
func (f *fakeBackend) Unassigned() []models.Instrument               { return nil }
func (f *fakeBackend) Assignment() []subscription.Assignment {
	return []subscription.Assignment{{
		Instrument: models.Instrument{Token: 408065, Exchange: "NSE", TradingSymbol: "INFY"},
		Account:    "primary",
		ConnID:     "primary-1",
	}}
}

func newTestServer(b Backend) (*Server, *prometheus.Registry) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	reg := prometheus.NewRegistry()
	return NewServer(b, reg, logger, "0"), reg
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name    string
		backend *fakeBackend
		code    int
		status  string
	}{
		{
			name:    "healthy",
			backend: &fakeBackend{health: engine.Health{Status: "healthy", Breaker: "closed", Connections: []pool.ConnStatus{{ID: "primary-1"}}}},
			code:    http.StatusOK,
			status:  "healthy",
		},
		{
			name:    "degraded",
			backend: &fakeBackend{health: engine.Health{Status: "degraded", Breaker: "open"}},
			code:    http.StatusServiceUnavailable,
			status:  "degraded",
		},
		{
			name:    "unavailable",
			backend: &fakeBackend{healthErr: errors.New("dispatch loop stopped")},
			code:    http.StatusServiceUnavailable,
			status:  "unavailable",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _ := newTestServer(tt.backend)
			rec := httptest.NewRecorder()
			s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))

			assert.Equal(t, tt.code, rec.Code)
			var body map[string]interface{}
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.status, body["status"])
			assert.Contains(t, body, "timestamp")
		})
	}
}

func TestReload(t *testing.T) {
	b := &fakeBackend{}
	s, _ := newTestServer(b)
	h := s.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/subscriptions/reload", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/subscriptions/reload", nil))
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, 1, b.reloads)
}

func TestSubscriptionsAndStats(t *testing.T) {
	s, _ := newTestServer(&fakeBackend{})
	h := s.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/subscriptions", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"conn_id":"primary-1"`)
	assert.Contains(t, rec.Body.String(), `"NSE:INFY"`)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/stats", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"reconcile_passes":7`)
}

func TestMetricsAndCORS(t *testing.T) {
	s, reg := newTestServer(&fakeBackend{})
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "brokerd_test_total", Help: "test"})
	reg.MustRegister(c)
	c.Inc()
	h := s.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "brokerd_test_total 1"))
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/api/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
