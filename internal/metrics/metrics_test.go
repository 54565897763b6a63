package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.ObserveTick("ok", time.Second)
	m.IncTickRetry()
	m.ObservePosition("roi", "credited")
	m.AddProfit("roi", 1)
	m.IncPositionError("data_integrity")
	m.IncNotificationFailure()
	assert.Nil(t, m.Registry())

	h := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
}

func TestCountersAndHandler(t *testing.T) {
	m := New()
	m.ObserveTick("ok", 10*time.Millisecond)
	m.ObservePosition("trading_bot", "credited")
	m.ObservePosition("trading_bot", "credited")
	m.AddProfit("trading_bot", 25)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.TicksTotal.WithLabelValues("ok")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.PositionsProcessed.WithLabelValues("trading_bot", "credited")))
	assert.Equal(t, 25.0, testutil.ToFloat64(m.ProfitCredited.WithLabelValues("trading_bot")))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "yieldsim_accrual_ticks_total"))
}

func TestMiddlewareRecordsStatus(t *testing.T) {
	m := New()
	h := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/x", nil))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequests.WithLabelValues("POST", "201")))
}
