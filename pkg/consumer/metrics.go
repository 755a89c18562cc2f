package consumer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type consumerMetrics struct {
	rebalancesTotal        prometheus.Counter
	rebalanceFailuresTotal prometheus.Counter
	rebalanceSeconds       prometheus.Histogram
	assignedPartitions     prometheus.Gauge
	recordsConsumedTotal   prometheus.Counter
}

func newConsumerMetrics(r prometheus.Registerer) *consumerMetrics {
	return &consumerMetrics{
		rebalancesTotal: promauto.With(r).NewCounter(prometheus.CounterOpts{
			Name: "balanced_consumer_rebalances_total",
			Help: "Total number of rebalance passes run by this consumer.",
		}),
		rebalanceFailuresTotal: promauto.With(r).NewCounter(prometheus.CounterOpts{
			Name: "balanced_consumer_rebalance_failures_total",
			Help: "Total number of rebalance passes that failed.",
		}),
		rebalanceSeconds: promauto.With(r).NewHistogram(prometheus.HistogramOpts{
			Name:    "balanced_consumer_rebalance_duration_seconds",
			Help:    "How long a rebalance pass took, including lock acquisition.",
			Buckets: prometheus.DefBuckets,
		}),
		assignedPartitions: promauto.With(r).NewGauge(prometheus.GaugeOpts{
			Name: "balanced_consumer_assigned_partitions",
			Help: "The number of partitions currently owned by this consumer.",
		}),
		recordsConsumedTotal: promauto.With(r).NewCounter(prometheus.CounterOpts{
			Name: "balanced_consumer_records_consumed_total",
			Help: "Total number of records handed to the caller.",
		}),
	}
}
