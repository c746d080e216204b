package metrics_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Alia5/usbreplay/analysis"
	"github.com/Alia5/usbreplay/device"
	"github.com/Alia5/usbreplay/internal/metrics"
	"github.com/Alia5/usbreplay/usb"
)

var _ device.Observer = (*metrics.Metrics)(nil)

func scrape(t *testing.T, h http.Handler, path string) (int, string) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	body, err := io.ReadAll(rec.Result().Body)
	require.NoError(t, err)
	return rec.Code, string(body)
}

func TestHandlerExposesCounters(t *testing.T) {
	reg := metrics.NewRegistry()
	m := metrics.New(reg)
	m.Connection()
	m.Import(true)
	m.Import(false)
	m.Submit(metrics.OutcomeReply)
	m.Submit(metrics.OutcomeStall)
	m.Unlink()
	m.SetCorpusPairs(12)
	m.Recommended(context.Background(), usb.Transfer{}, []analysis.Match{{Distance: 0.85}})

	h := metrics.Handler(reg)
	code, body := scrape(t, h, "/metrics")
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "usbreplay_connections_total 1")
	assert.Contains(t, body, `usbreplay_imports_total{result="ok"} 1`)
	assert.Contains(t, body, `usbreplay_imports_total{result="unknown_device"} 1`)
	assert.Contains(t, body, `usbreplay_submits_total{outcome="stall"} 1`)
	assert.Contains(t, body, "usbreplay_unlinks_total 1")
	assert.Contains(t, body, "usbreplay_corpus_pairs 12")
	assert.Contains(t, body, "usbreplay_match_distance_count 1")
	assert.Contains(t, body, "go_goroutines")

	code, _ = scrape(t, h, "/health")
	assert.Equal(t, http.StatusOK, code)
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *metrics.Metrics
	assert.NotPanics(t, func() {
		m.Connection()
		m.Import(true)
		m.Submit(metrics.OutcomeSuppressed)
		m.Unlink()
		m.SetCorpusPairs(1)
		m.Recommended(context.Background(), usb.Transfer{}, []analysis.Match{{}})
	})
}
