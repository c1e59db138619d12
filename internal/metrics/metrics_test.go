package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/uusseis/sis-poller/internal/config"
)

func TestCycle_Counters(t *testing.T) {
	t.Parallel()

	c := NewCycle()

	c.NetworkObserved("UU", 4, 2)
	c.NetworkObserved("UU", 1, 0)
	c.NetworkFailed("IW")
	c.Written(3, 1)
	c.Ambiguous(2)

	started := time.Unix(1685438940, 0)
	c.Finished(started, started.Add(1500*time.Millisecond), true)

	require.InDelta(t, 5, testutil.ToFloat64(c.observed.WithLabelValues("UU")), 0)
	require.InDelta(t, 2, testutil.ToFloat64(c.skippedRows.WithLabelValues("UU")), 0)
	require.InDelta(t, 1, testutil.ToFloat64(c.failed.WithLabelValues("IW")), 0)
	require.InDelta(t, 3, testutil.ToFloat64(c.created), 0)
	require.InDelta(t, 1, testutil.ToFloat64(c.updated), 0)
	require.InDelta(t, 2, testutil.ToFloat64(c.ambiguous), 0)
	require.InDelta(t, 1.5, testutil.ToFloat64(c.cycleSeconds), 1e-9)
	require.InDelta(t, 1685438941, testutil.ToFloat64(c.lastSuccess), 0)
}

func TestCycle_FailedCycleKeepsLastSuccess(t *testing.T) {
	t.Parallel()

	c := NewCycle()
	now := time.Unix(100, 0)

	c.Finished(now, now.Add(time.Second), false)

	require.Zero(t, testutil.ToFloat64(c.lastSuccess))
	require.InDelta(t, 1, testutil.ToFloat64(c.cycleSeconds), 1e-9)
}

type pushed struct {
	method string
	path   string
	body   string
}

func newPushgateway(t *testing.T) (*httptest.Server, chan pushed) {
	t.Helper()

	received := make(chan pushed, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		received <- pushed{method: r.Method, path: r.URL.Path, body: string(body)}

		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(server.Close)

	return server, received
}

func TestCycle_Push(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name            string
		success         bool
		wantMethod      string
		wantLastSuccess bool
	}{
		{name: "successful cycle replaces the group", success: true, wantMethod: http.MethodPut, wantLastSuccess: true},
		{name: "failed cycle keeps the stored success time", success: false, wantMethod: http.MethodPost, wantLastSuccess: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			server, received := newPushgateway(t)

			c := NewCycle()
			c.Written(1, 0)

			now := time.Unix(1685438940, 0)
			c.Finished(now, now.Add(time.Second), tt.success)

			require.NoError(t, c.Push(context.Background(), config.Metrics{PushgatewayURL: server.URL, Job: "sis_test"}))

			got := <-received
			require.Equal(t, tt.wantMethod, got.method)
			require.Equal(t, "/metrics/job/sis_test", got.path)
			require.Contains(t, got.body, "sis_poller_created_stations_total")
			require.Contains(t, got.body, "sis_poller_cycle_duration_seconds")
			require.Equal(t, tt.wantLastSuccess, strings.Contains(got.body, "sis_poller_last_success_timestamp_seconds"))
		})
	}
}

func TestCycle_PushDisabled(t *testing.T) {
	t.Parallel()

	require.NoError(t, NewCycle().Push(context.Background(), config.Metrics{}))
}
