package auditstore

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var storeWriteDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "tweetbot_auditstore_write_duration_sec",
	Help:    "Duration of audit store write operations, including lock waits and retries",
	Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
}, []string{"op"})

var storeWriteRetries = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "tweetbot_auditstore_write_retries",
	Help: "Number of audit store write attempts retried after lock contention",
}, []string{"op"})

var storeWriteErrors = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "tweetbot_auditstore_write_errors",
	Help: "Number of audit store writes which failed",
}, []string{"op", "kind"})
