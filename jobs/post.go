// Package jobs holds the bodies of the periodic jobs: drafting posts,
// answering mentions, publishing approved drafts, and refreshing engagement.
package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/Riyaanquadri/imrantweetbot/generator"
	"github.com/Riyaanquadri/imrantweetbot/orchestrator"
)

const DefaultTopic = "Project update: commits + testnet activity"

// Variant is an experiment arm: drafts tagged with Name are generated in Tone.
type Variant struct {
	Name string
	Tone string
}

// ParseVariants builds the variant list from a comma separated list of names,
// and a comma separated list of "name:tone" pairs. Names without a tone use
// the default tone.
func ParseVariants(names, tones string) []Variant {
	toneOf := make(map[string]string)
	for _, pair := range strings.Split(tones, ",") {
		name, tone, ok := strings.Cut(pair, ":")
		if !ok {
			continue
		}
		toneOf[strings.TrimSpace(name)] = strings.TrimSpace(tone)
	}
	var out []Variant
	for _, name := range strings.Split(names, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		out = append(out, Variant{Name: name, Tone: toneOf[name]})
	}
	return out
}

// PostJob drafts one post per run and submits it. With variants configured,
// runs rotate through them in order.
type PostJob struct {
	Logger    *slog.Logger
	Orch      *orchestrator.Orchestrator
	Generator generator.Generator
	Topic     string
	Variants  []Variant

	lk   sync.Mutex
	next int
}

func (j *PostJob) pickVariant() Variant {
	j.lk.Lock()
	defer j.lk.Unlock()
	if len(j.Variants) == 0 {
		return Variant{}
	}
	v := j.Variants[j.next%len(j.Variants)]
	j.next++
	return v
}

func (j *PostJob) Run(ctx context.Context) error {
	topic := j.Topic
	if topic == "" {
		topic = DefaultTopic
	}
	v := j.pickVariant()
	text, err := j.Generator.GenerateText(ctx, topic, v.Tone)
	if err != nil {
		return fmt.Errorf("generating post: %w", err)
	}
	dec, err := j.Orch.SubmitPost(ctx, orchestrator.PostRequest{
		Text:    text,
		Context: topic,
		Variant: v.Name,
	})
	if err != nil {
		return err
	}
	logger(j.Logger).Debug("post job finished", "draft", dec.DraftID, "variant", v.Name, "outcome", dec.Outcome)
	return nil
}

func logger(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}
