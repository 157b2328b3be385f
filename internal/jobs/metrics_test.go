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

	require.NoError(t, m.Track("statement:import").End(nil))
	boom := errors.New("boom")
	require.ErrorIs(t, m.Track("statement:import").End(boom), boom)

	require.Equal(t, 1.0, testutil.ToFloat64(m.runs.WithLabelValues("statement:import", "success")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.failures.WithLabelValues("statement:import")))

	m.AddStatementRows("imported", 3)
	m.AddStatementRows("duplicate_in_file", 0)
	require.Equal(t, 3.0, testutil.ToFloat64(m.statement.WithLabelValues("imported")))

	var nilMetrics *Metrics
	require.NoError(t, nilMetrics.Track("x").End(nil))
}
