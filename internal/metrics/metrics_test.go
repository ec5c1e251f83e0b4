package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountersAndReset(t *testing.T) {
	c := New()
	c.IncConsistencyFailure("story")
	c.IncConsistencyFailure("story")
	c.IncConsistencyFailure("workflow")
	c.IncEventsPublished("workflow")
	c.SetStaleSessionRatio(0.5)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.consistencyFailures.WithLabelValues("story")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.consistencyFailures.WithLabelValues("workflow")))
	assert.Equal(t, 0.5, testutil.ToFloat64(c.staleSessionRatio))

	c.Reset()
	assert.Equal(t, 0, testutil.CollectAndCount(c.consistencyFailures))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.staleSessionRatio))
}

func TestCollectorsAreIsolated(t *testing.T) {
	a, b := New(), New()
	a.IncSyncFailure("sync")
	assert.Equal(t, 1, testutil.CollectAndCount(a.syncFailures))
	assert.Equal(t, 0, testutil.CollectAndCount(b.syncFailures))
}

func TestHandlerExposesSeries(t *testing.T) {
	c := New()
	c.ObserveAPIRequest("GET", "/api/v1/workflows", 200, 12*time.Millisecond)
	c.ObserveLockWait("update_story_status", 50*time.Millisecond)
	c.IncSessionsClosed("heartbeat_timeout")

	srv := httptest.NewServer(c.Handler())
	defer srv.Close()
	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	text := string(body)
	assert.True(t, strings.Contains(text, `syncline_api_request_duration_seconds_count{method="GET",route="/api/v1/workflows",status="200"} 1`))
	assert.True(t, strings.Contains(text, `syncline_ws_sessions_closed_total{reason="heartbeat_timeout"} 1`))
	assert.True(t, strings.Contains(text, "syncline_sqlite_write_lock_wait_seconds_bucket"))
}
