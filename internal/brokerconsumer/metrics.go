package brokerconsumer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	MessagesInserted prometheus.Counter
	InsertSeconds    prometheus.Histogram
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		MessagesInserted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "fastdb",
			Subsystem: "brokerconsumer",
			Name:      "messages_inserted_total",
			Help:      "Broker messages landed in the document store.",
		}),
		InsertSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "fastdb",
			Subsystem: "brokerconsumer",
			Name:      "insert_seconds",
			Help:      "Document store batch insert latency.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}
