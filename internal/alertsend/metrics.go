package alertsend

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	AlertsPublished prometheus.Counter
	AlertsRecorded  prometheus.Counter
	FlushSeconds    prometheus.Histogram
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		AlertsPublished: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "fastdb",
			Subsystem: "alertsend",
			Name:      "alerts_published_total",
			Help:      "Alert records handed to the bus publisher.",
		}),
		AlertsRecorded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "fastdb",
			Subsystem: "alertsend",
			Name:      "alerts_recorded_total",
			Help:      "Source ids durably marked as sent.",
		}),
		FlushSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "fastdb",
			Subsystem: "alertsend",
			Name:      "flush_seconds",
			Help:      "Publisher flush latency.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}
