package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorderCounts(t *testing.T) {
	r := New()
	r.Commit("committed")
	r.Commit("committed")
	r.Commit("conflict")
	r.Release()
	r.Transition("COMPLETED")
	r.SideEffectFailed("publish")
	r.Match(2)

	assert.Equal(t, 2.0, testutil.ToFloat64(r.commits.WithLabelValues("committed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.commits.WithLabelValues("conflict")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.releases))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.transitions.WithLabelValues("COMPLETED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.sideEffects.WithLabelValues("publish")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.matches))
}

func TestHandlerExposesMetrics(t *testing.T) {
	r := New()
	r.Commit("committed")
	r.Observe("reserve", time.Now())

	srv := httptest.NewServer(r.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `lab_engine_reservation_commits_total{outcome="committed"} 1`)
	assert.Contains(t, string(body), `lab_engine_operation_duration_seconds_count{op="reserve"} 1`)
}
