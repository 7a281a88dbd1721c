package safety

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/purell"
	"github.com/rivo/uniseg"
	"golang.org/x/text/cases"
)

const (
	FlagTooLong         = "text_too_long"
	FlagTooShort        = "text_too_short"
	FlagProfanity       = "profanity_detected"
	FlagFinancialAdvice = "financial_advice_detected"
	FlagSuspiciousURLs  = "suspicious_urls"
	FlagToxicity        = "potential_toxicity"
)

var urlRegex = regexp.MustCompile(`https?://[^\s]+`)

// CheckOutcome is the result of a single named check, persisted one row per draft and check.
type CheckOutcome struct {
	Name    string
	Passed  bool
	Flags   []string
	Details string
}

// Report is the aggregate of all checks. Flags are in check order.
type Report struct {
	Passed bool
	Flags  []string
	Checks []CheckOutcome
}

type checkFunc func(text, folded string) CheckOutcome

type namedCheck struct {
	name string
	fn   checkFunc
}

// Checker runs a fixed, ordered list of independent content checks. It holds no mutable state and is safe for concurrent use.
type Checker struct {
	Logger *slog.Logger

	cfg    Config
	checks []namedCheck
}

func NewChecker(cfg Config, logger *slog.Logger) (*Checker, error) {
	if logger == nil {
		logger = slog.Default()
	}
	urlPatterns := make([]*regexp.Regexp, 0, len(cfg.SuspiciousURLs))
	for _, p := range cfg.SuspiciousURLs {
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			return nil, fmt.Errorf("invalid suspicious url pattern %q: %w", p, err)
		}
		urlPatterns = append(urlPatterns, re)
	}
	c := &Checker{
		Logger: logger.With("component", "safety"),
		cfg:    cfg,
	}
	c.checks = []namedCheck{
		{"length", c.checkLength},
		{"minimum_length", c.checkMinimumLength},
		{"profanity", c.checkProfanity},
		{"financial_advice", c.checkFinancialAdvice},
		{"urls", func(text, folded string) CheckOutcome { return checkURLs(text, urlPatterns) }},
		{"toxicity", c.checkToxicity},
	}
	return c, nil
}

// Evaluate runs every check. A check which panics counts as failed with a "<name>_error" flag.
func (c *Checker) Evaluate(text string) Report {
	folded := cases.Fold().String(text)
	rep := Report{Passed: true}
	for _, nc := range c.checks {
		out := c.runCheck(nc, text, folded)
		if !out.Passed {
			rep.Passed = false
			rep.Flags = append(rep.Flags, out.Flags...)
		}
		rep.Checks = append(rep.Checks, out)
	}
	if !rep.Passed {
		c.Logger.Warn("safety checks failed", "flags", rep.Flags)
	}
	return rep
}

func (c *Checker) runCheck(nc namedCheck, text, folded string) (out CheckOutcome) {
	defer func() {
		if r := recover(); r != nil {
			c.Logger.Error("safety check exception", "check", nc.name, "err", r)
			out = CheckOutcome{
				Name:    nc.name,
				Passed:  false,
				Flags:   []string{nc.name + "_error"},
				Details: fmt.Sprintf("check error: %v", r),
			}
		}
	}()
	out = nc.fn(text, folded)
	out.Name = nc.name
	return out
}

// Length counts grapheme clusters, so that emoji and combined characters count as one unit each.
func Length(text string) int {
	n := 0
	gr := uniseg.NewGraphemes(text)
	for gr.Next() {
		n++
	}
	return n
}

func (c *Checker) checkLength(text, _ string) CheckOutcome {
	n := Length(text)
	if n <= c.cfg.MaxLength {
		return CheckOutcome{Passed: true}
	}
	return CheckOutcome{
		Flags:   []string{FlagTooLong},
		Details: fmt.Sprintf("text is %d chars, max %d allowed", n, c.cfg.MaxLength),
	}
}

func (c *Checker) checkMinimumLength(text, _ string) CheckOutcome {
	if Length(strings.TrimSpace(text)) >= c.cfg.MinLength {
		return CheckOutcome{Passed: true}
	}
	return CheckOutcome{
		Flags:   []string{FlagTooShort},
		Details: "text too short to be meaningful",
	}
}

// matchTerms returns the terms (folded) which appear in the folded text.
func matchTerms(folded string, terms []string) []string {
	var found []string
	for _, t := range terms {
		if t == "" {
			continue
		}
		if strings.Contains(folded, cases.Fold().String(t)) {
			found = append(found, t)
		}
	}
	return found
}

func (c *Checker) checkProfanity(_, folded string) CheckOutcome {
	found := matchTerms(folded, c.cfg.Profanity)
	if len(found) == 0 {
		return CheckOutcome{Passed: true}
	}
	return CheckOutcome{
		Flags:   []string{FlagProfanity},
		Details: "found profanity: " + strings.Join(found, ", "),
	}
}

// A disclaimer anywhere in the text suppresses the whole check, even if other
// promotional phrases are present. Product has not confirmed this is desired.
func (c *Checker) checkFinancialAdvice(_, folded string) CheckOutcome {
	if d := matchTerms(folded, c.cfg.Disclaimers); len(d) > 0 {
		return CheckOutcome{Passed: true, Details: "disclaimer present: " + d[0]}
	}
	found := matchTerms(folded, c.cfg.Financial)
	if len(found) == 0 {
		return CheckOutcome{Passed: true}
	}
	return CheckOutcome{
		Flags:   []string{FlagFinancialAdvice},
		Details: "found financial advice keywords: " + strings.Join(found, ", "),
	}
}

func checkURLs(text string, patterns []*regexp.Regexp) CheckOutcome {
	var suspicious []string
	for _, u := range urlRegex.FindAllString(text, -1) {
		norm := normalizeURL(u)
		for _, re := range patterns {
			if re.MatchString(u) || re.MatchString(norm) {
				suspicious = append(suspicious, u)
				break
			}
		}
	}
	if len(suspicious) == 0 {
		return CheckOutcome{Passed: true}
	}
	return CheckOutcome{
		Flags:   []string{FlagSuspiciousURLs},
		Details: "found suspicious urls: " + strings.Join(suspicious, ", "),
	}
}

// normalizeURL lowercases the host and strips default ports, "www." and
// fragments, so that trivially disguised links still match the patterns.
func normalizeURL(raw string) string {
	clean, err := purell.NormalizeURLString(raw, purell.FlagsUsuallySafeGreedy|purell.FlagRemoveFragment|purell.FlagRemoveDuplicateSlashes|purell.FlagRemoveWWW)
	if err != nil {
		return raw
	}
	return clean
}

func (c *Checker) checkToxicity(text, folded string) CheckOutcome {
	found := matchTerms(folded, c.cfg.Toxicity)
	// longer texts get the benefit of the doubt
	if len(found) == 0 || Length(text) >= c.cfg.ToxicityMaxLength {
		return CheckOutcome{Passed: true}
	}
	return CheckOutcome{
		Flags:   []string{FlagToxicity},
		Details: "short text with serious accusations: " + strings.Join(found, ", "),
	}
}
