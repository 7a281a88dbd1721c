package dedupe

import (
	"context"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/spaolacci/murmur3"
	"golang.org/x/text/cases"
)

// RecentSource supplies recently posted texts, most recent first.
type RecentSource interface {
	RecentPostedTexts(ctx context.Context, limit int) ([]string, error)
}

type Config struct {
	// how many recent posts to compare against
	Window int
	// similarity at or above which a candidate counts as a duplicate, in [0,1]
	Threshold float64
}

func DefaultConfig() Config {
	return Config{
		Window:    20,
		Threshold: 0.85,
	}
}

type Match struct {
	IsDuplicate bool
	Similarity  float64
	// the prior text which matched; empty if not a duplicate
	MatchedText string
}

// Detector flags candidate texts which are near-identical to something recently posted.
type Detector struct {
	Logger *slog.Logger

	src RecentSource
	cfg Config

	// raw prior text to its normalized form and hash, so the recent window
	// is not re-normalized on every check
	prints *lru.Cache[string, fingerprint]
}

// NewDetector fills in defaults for a zero Window, and for a Threshold
// outside (0,1]: a threshold of zero would flag every candidate.
func NewDetector(src RecentSource, cfg Config, logger *slog.Logger) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultConfig().Window
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultConfig().Threshold
	}
	if cfg.Threshold > 1 {
		cfg.Threshold = 1
	}
	prints, err := lru.New[string, fingerprint](max(4*cfg.Window, 64))
	if err != nil {
		panic(err)
	}
	return &Detector{
		Logger: logger.With("component", "dedupe"),
		src:    src,
		cfg:    cfg,
		prints: prints,
	}
}

func (d *Detector) Config() Config {
	return d.cfg
}

func Normalize(s string) string {
	return cases.Fold().String(strings.TrimSpace(s))
}

type fingerprint struct {
	norm string
	hash uint64
}

func fingerprintOf(s string) fingerprint {
	norm := Normalize(s)
	return fingerprint{norm: norm, hash: murmur3.Sum64([]byte(norm))}
}

func (fp fingerprint) equal(o fingerprint) bool {
	return fp.hash == o.hash && fp.norm == o.norm
}

func (d *Detector) priorFingerprint(text string) fingerprint {
	if fp, ok := d.prints.Get(text); ok {
		return fp
	}
	fp := fingerprintOf(text)
	d.prints.Add(text, fp)
	return fp
}

// Similarity is one minus the edit distance over the longer length, in runes,
// of the two already-normalized strings.
func Similarity(a, b string) float64 {
	la, lb := utf8.RuneCountInString(a), utf8.RuneCountInString(b)
	longest := max(la, lb)
	if longest == 0 {
		return 1.0
	}
	dist := levenshtein.ComputeDistance(a, b)
	return 1.0 - float64(dist)/float64(longest)
}

// Check compares the candidate against recent posts, most recent first, and
// returns the first prior text at or above the threshold. If the recent posts
// can't be loaded, the candidate is treated as unique.
//
// An exact repeat (same normalized text) is found by hash first. Only the
// priors more recent than it then need an edit distance computed.
func (d *Detector) Check(ctx context.Context, text string) Match {
	recent, err := d.src.RecentPostedTexts(ctx, d.cfg.Window)
	if err != nil {
		d.Logger.Warn("failed to load recent posts, skipping duplicate check", "err", err)
		dedupeSourceErrors.Inc()
		return Match{}
	}

	cand := fingerprintOf(text)
	prints := make([]fingerprint, len(recent))
	exact := -1
	for i, prior := range recent {
		prints[i] = d.priorFingerprint(prior)
		if exact < 0 && prints[i].equal(cand) {
			exact = i
		}
	}

	scan := prints
	if exact >= 0 {
		scan = prints[:exact]
	}
	best := 0.0
	for i, fp := range scan {
		sim := Similarity(cand.norm, fp.norm)
		dedupeComparisons.Inc()
		if sim >= d.cfg.Threshold {
			return Match{IsDuplicate: true, Similarity: sim, MatchedText: recent[i]}
		}
		best = max(best, sim)
	}
	if exact >= 0 {
		dedupeExactRepeats.Inc()
		return Match{IsDuplicate: true, Similarity: 1.0, MatchedText: recent[exact]}
	}
	return Match{Similarity: best}
}
