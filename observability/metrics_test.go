package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.TilesWritten(3, 4)
	m.TilesWritten(3, 2)
	m.TilesWritten(2, 1)
	assert.Equal(t, 6.0, testutil.ToFloat64(m.tilesWritten.WithLabelValues("3")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.tilesWritten.WithLabelValues("2")))

	m.RunFinished("done", time.Second, false)
	m.RunFinished("failed", time.Second, true)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.tilingFailed))
	assert.Equal(t, 2, testutil.CollectAndCount(m.runDuration))

	m.FastPathHit()
	m.QueryDone("discrete", time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.fastPathHits))
	assert.Equal(t, 1, testutil.CollectAndCount(m.queryDuration))

	m.ExposeBuildInfo("")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.buildInfo.WithLabelValues("dev")))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.TilesWritten(1, 1)
		m.RunFinished("done", time.Second, false)
		m.QueryDone("none", time.Second)
		m.FastPathHit()
		m.ExposeBuildInfo("v1")
	})
}

func TestDefault(t *testing.T) {
	assert.Same(t, Default(), Default())
}
