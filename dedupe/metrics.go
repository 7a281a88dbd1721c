package dedupe

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var dedupeSourceErrors = promauto.NewCounter(prometheus.CounterOpts{
	Name: "tweetbot_dedupe_source_errors",
	Help: "Number of duplicate checks skipped because recent posts could not be loaded",
})

var dedupeComparisons = promauto.NewCounter(prometheus.CounterOpts{
	Name: "tweetbot_dedupe_similarity_comparisons",
	Help: "Number of edit distance comparisons computed against recent posts",
})

var dedupeExactRepeats = promauto.NewCounter(prometheus.CounterOpts{
	Name: "tweetbot_dedupe_exact_repeats",
	Help: "Number of candidates found to exactly repeat a recent post",
})
