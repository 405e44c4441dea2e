package metrics_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/google/swtp/internal/metrics"
)

func TestCollectorRegistersAndCounts(t *testing.T) {
	c := metrics.New("swtp_test")
	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(c))

	c.SessionsOpened.Inc()
	c.SessionsClosed.WithLabelValues("ok").Inc()
	c.NAKs.Inc()

	families, err := reg.Gather()
	require.NoError(t, err)

	var found bool
	for _, f := range families {
		if f.GetName() == "swtp_test_sessions_opened_total" {
			found = true
			require.Equal(t, float64(1), f.Metric[0].Counter.GetValue())
		}
	}
	require.True(t, found, "expected swtp_test_sessions_opened_total to be registered")
}
