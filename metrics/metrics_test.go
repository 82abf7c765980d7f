package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RegistersAndExposes(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(reg)

	c.TasksSubmitted.WithLabelValues("AI_EXCHANGE").Inc()
	c.EventsDropped.Add(3)
	assert.Equal(t, 1.0, testutil.ToFloat64(c.TasksSubmitted.WithLabelValues("AI_EXCHANGE")))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.EventsDropped))

	srv := httptest.NewServer(Handler(reg))
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "elicit_dispatcher_tasks_submitted_total")
	assert.Contains(t, string(body), "elicit_events_dropped_total 3")
}

func TestNoop_DoesNotRegister(t *testing.T) {
	a := Noop()
	b := Noop()
	a.EventsDropped.Inc()
	assert.Equal(t, 0.0, testutil.ToFloat64(b.EventsDropped))
}
