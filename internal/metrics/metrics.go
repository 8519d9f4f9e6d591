package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "event_projection"

var (
	RecordsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_total",
			Help:      "Records consumed per projection by result (applied, decode_error, empty_key).",
		},
		[]string{"projection", "result"},
	)
	PutLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "put_latency_seconds",
			Help:      "Projection store write latency.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"projection"},
	)
	ErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Fatal loop errors by stage.",
		},
		[]string{"projection", "stage"},
	)
	LastOffset = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_offset",
			Help:      "Last applied offset per projection/partition.",
		},
		[]string{"projection", "partition"},
	)
	Running = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "running",
			Help:      "1 while the ingestion loop is running.",
		},
		[]string{"projection"},
	)
	CaughtUp = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "caught_up",
			Help:      "1 once the ingestion loop has caught up with the log.",
		},
		[]string{"projection"},
	)
	LookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lookups_total",
			Help:      "Point lookups by outcome (found, not_found, not_ready, error).",
		},
		[]string{"projection", "outcome"},
	)
	RestartsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "loop_restarts_total",
			Help:      "Ingestion loops recreated after a failure.",
		},
		[]string{"projection"},
	)
)

func init() {
	prometheus.MustRegister(
		RecordsTotal,
		PutLatency,
		ErrorsTotal,
		LastOffset,
		Running,
		CaughtUp,
		LookupsTotal,
		RestartsTotal,
	)
}

// SetFlag sets a 0/1 gauge.
func SetFlag(g *prometheus.GaugeVec, projection string, on bool) {
	v := 0.0
	if on {
		v = 1
	}
	g.WithLabelValues(projection).Set(v)
}

// SetLastOffset records the last applied offset of a partition.
func SetLastOffset(projection string, partition int32, offset int64) {
	LastOffset.WithLabelValues(projection, strconv.Itoa(int(partition))).Set(float64(offset))
}
