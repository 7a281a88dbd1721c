package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var decisionCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "tweetbot_decisions",
	Help: "Number of pipeline decisions, by terminal outcome",
}, []string{"kind", "outcome"})

var decisionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name: "tweetbot_decision_duration_sec",
	Help: "Duration of pipeline runs, including the publish call",
}, []string{"kind"})

var decisionErrorCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "tweetbot_decision_errors",
	Help: "Number of pipeline runs which failed on a storage error",
}, []string{"kind"})

var publishResultCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "tweetbot_publish_results",
	Help: "Number of publish calls, by result",
}, []string{"kind", "result"})
