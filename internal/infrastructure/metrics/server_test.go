package metrics

import (
	"context"
	"io"
	"net/http"
	"testing"

	"tradeguard/pkg/logging"
	"tradeguard/pkg/telemetry"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T, url string) string {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(body)
}

func TestServer_ServesDefaultRegistry(t *testing.T) {
	telemetry.GetGlobalMetrics().RecordReconcileRun("completed")

	s := NewServer(Options{}, logging.NewNopLogger())
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()
	require.NotEmpty(t, s.Addr())

	assert.Contains(t, scrape(t, "http://"+s.Addr()+"/metrics"), "go_goroutines")
}

func TestServer_CustomRegistryAndPath(t *testing.T) {
	reg := prometheus.NewRegistry()
	probes := prometheus.NewCounter(prometheus.CounterOpts{Name: "tradeguard_test_probes_total", Help: "probes"})
	reg.MustRegister(probes)
	probes.Add(3)

	s := NewServer(Options{Path: "/scrape", Registry: reg}, logging.NewNopLogger())
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	body := scrape(t, "http://"+s.Addr()+"/scrape")
	assert.Contains(t, body, "tradeguard_test_probes_total 3")
	assert.NotContains(t, body, "go_goroutines")

	// the scrape handler counts itself on the same registry
	body = scrape(t, "http://"+s.Addr()+"/scrape")
	assert.Contains(t, body, "promhttp_metric_handler_requests_total")

	resp, err := http.Get("http://" + s.Addr() + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_StopBeforeStart(t *testing.T) {
	s := NewServer(Options{}, logging.NewNopLogger())
	assert.NoError(t, s.Stop())
	assert.Empty(t, s.Addr())
}
