package metrics_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"sealchat/internal/metrics"
)

func TestCounters_Increment(t *testing.T) {
	c := metrics.FallbackUploads.WithLabelValues("ok")
	before := testutil.ToFloat64(c)
	c.Inc()
	require.Equal(t, before+1, testutil.ToFloat64(c))
}

func TestCollectors_Lint(t *testing.T) {
	problems, err := testutil.CollectAndLint(metrics.KeyFetches)
	require.NoError(t, err)
	require.Empty(t, problems)
}
