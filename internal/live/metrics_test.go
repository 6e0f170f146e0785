package live

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricNamesShareProcessPrefix(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	m.delivery(true)

	n, err := testutil.GatherAndCount(reg, "reimagine_live_subscribers", "reimagine_live_deliveries_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
