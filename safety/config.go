package safety

import (
	"encoding/json"
	"fmt"
	"os"
)

// Config holds the keyword lists and thresholds used by the checks. All
// keyword matching is case-insensitive substring matching.
type Config struct {
	// maximum length, in grapheme clusters
	MaxLength int `json:"max_length"`
	// minimum length after trimming whitespace
	MinLength int `json:"min_length"`

	Profanity []string `json:"profanity"`
	Financial []string `json:"financial"`
	// any of these anywhere in the text disables the financial check entirely
	Disclaimers []string `json:"disclaimers"`
	// regular expressions matched (case-insensitive) against each URL in the text
	SuspiciousURLs []string `json:"suspicious_urls"`
	Toxicity       []string `json:"toxicity"`
	// toxicity terms only count in texts shorter than this
	ToxicityMaxLength int `json:"toxicity_max_length"`
}

func DefaultConfig() Config {
	return Config{
		MaxLength: 280,
		MinLength: 5,
		Profanity: []string{"fuck", "shit", "bitch", "damn"},
		Financial: []string{
			"buy now",
			"sell now",
			"guarantee",
			"guaranteed return",
			"sure thing",
			"financial advice",
			"investment advice",
			"invest now",
			"will make you money",
			"can't lose",
			"easy profit",
			"to the moon",
		},
		Disclaimers: []string{
			"not financial advice",
			"not investment advice",
		},
		SuspiciousURLs: []string{
			`bit\.ly`,
			`tinyurl`,
			`short\.link`,
		},
		Toxicity:          []string{"scam", "rug pull", "hack", "stolen"},
		ToxicityMaxLength: 100,
	}
}

// LoadConfigJSON reads a JSON file over the top of DefaultConfig. Lists present in the file replace the defaults wholesale.
func LoadConfigJSON(fpath string) (Config, error) {
	cfg := DefaultConfig()
	b, err := os.ReadFile(fpath)
	if err != nil {
		return cfg, fmt.Errorf("reading safety config: %w", err)
	}
	if err := json.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing safety config %s: %w", fpath, err)
	}
	return cfg, nil
}
