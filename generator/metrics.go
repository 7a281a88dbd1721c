package generator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var generatorFallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "tweetbot_generator_fallbacks",
	Help: "Number of generations served by the fallback template after a model failure",
}, []string{"kind"})

var generatorRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name: "tweetbot_generator_request_duration_sec",
	Help: "Duration of model API requests",
}, []string{"status"})
