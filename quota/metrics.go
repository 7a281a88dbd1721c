package quota

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var quotaDeniedCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "tweetbot_quota_denied",
	Help: "Number of post/reply admissions denied, by reason",
}, []string{"kind", "reason"})

var quotaCommittedCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "tweetbot_quota_committed",
	Help: "Number of quota slots consumed by confirmed writes",
}, []string{"kind"})
