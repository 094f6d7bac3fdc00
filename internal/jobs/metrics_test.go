package jobmetrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestTrackerRecordsOutcome(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	require.NoError(t, m.Track("scan").End(nil))
	err := m.Track("scan").End(errors.New("boom"))
	require.EqualError(t, err, "boom")

	require.Equal(t, float64(1), testutil.ToFloat64(m.runs.WithLabelValues("scan", "success")))
	require.Equal(t, float64(1), testutil.ToFloat64(m.runs.WithLabelValues("scan", "failure")))
	require.Equal(t, float64(1), testutil.ToFloat64(m.failures.WithLabelValues("scan")))
}

func TestAddStuckPosts(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.AddStuckPosts("t1", 2)
	m.AddStuckPosts("t1", 0)
	m.AddStuckPosts("", 1)

	require.Equal(t, float64(2), testutil.ToFloat64(m.stuckPosts.WithLabelValues("t1")))
	require.Equal(t, float64(1), testutil.ToFloat64(m.stuckPosts.WithLabelValues("unknown")))
}

func TestNilMetricsTrackerPassesErrorThrough(t *testing.T) {
	var m *Metrics
	err := errors.New("x")
	require.Same(t, err, m.Track("job").End(err))
	m.AddStuckPosts("t1", 3)
}
