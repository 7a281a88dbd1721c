package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var jobRunCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "tweetbot_job_runs",
	Help: "Number of job firings, by result (ok, error, panic, skipped, misfired)",
}, []string{"job", "result"})

var jobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name: "tweetbot_job_duration_sec",
	Help: "Duration of job runs",
}, []string{"job"})
