// Package observability holds the Prometheus collectors of the tiler and the
// aggregator.
package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Config struct {
	Enabled bool `yaml:"enabled"`
}

// Metrics is safe for concurrent use. All methods accept a nil receiver and
// then record nothing.
type Metrics struct {
	tilesWritten  *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec
	tilingFailed  prometheus.Counter
	queryDuration *prometheus.HistogramVec
	fastPathHits  prometheus.Counter
	buildInfo     *prometheus.GaugeVec
}

func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		tilesWritten: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rasterpyramid_tiles_written_total",
				Help: "Tiles written by tiling runs.",
			},
			[]string{"zoom"},
		),
		runDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rasterpyramid_run_duration_seconds",
				Help:    "Duration of tiling runs by final state.",
				Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
			},
			[]string{"state"},
		),
		tilingFailed: f.NewCounter(prometheus.CounterOpts{
			Name: "rasterpyramid_tiling_failures_total",
			Help: "Tiling runs that ended in the failed state.",
		}),
		queryDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rasterpyramid_aggregate_duration_seconds",
				Help:    "Duration of aggregation queries.",
				Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
			},
			[]string{"grouping"},
		),
		fastPathHits: f.NewCounter(prometheus.CounterOpts{
			Name: "rasterpyramid_aggregate_fast_path_total",
			Help: "Aggregation queries answered from stored value counts.",
		}),
		buildInfo: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "rasterpyramid_build_info",
				Help: "Build information for the binary.",
			},
			[]string{"version"},
		),
	}
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// Default returns the metrics registered on the default registry.
func Default() *Metrics {
	defaultOnce.Do(func() {
		defaultMetrics = New(prometheus.DefaultRegisterer)
	})
	return defaultMetrics
}

func (m *Metrics) TilesWritten(zoom uint, n int) {
	if m == nil {
		return
	}
	m.tilesWritten.WithLabelValues(strconv.FormatUint(uint64(zoom), 10)).Add(float64(n))
}

func (m *Metrics) RunFinished(state string, d time.Duration, failed bool) {
	if m == nil {
		return
	}
	m.runDuration.WithLabelValues(state).Observe(d.Seconds())
	if failed {
		m.tilingFailed.Inc()
	}
}

func (m *Metrics) QueryDone(grouping string, d time.Duration) {
	if m == nil {
		return
	}
	m.queryDuration.WithLabelValues(grouping).Observe(d.Seconds())
}

func (m *Metrics) FastPathHit() {
	if m == nil {
		return
	}
	m.fastPathHits.Inc()
}

func (m *Metrics) ExposeBuildInfo(version string) {
	if m == nil {
		return
	}
	if version == "" {
		version = "dev"
	}
	m.buildInfo.WithLabelValues(version).Set(1)
}
