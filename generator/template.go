package generator

import (
	"context"
	"fmt"
	"strings"

	"github.com/flosch/pongo2/v6"
)

// Template renders operator-provided pongo2 templates. Posts see {{ topic }}
// and {{ tone }}; replies see {{ mention }} and {{ tone }}. An empty template
// falls back to the Static text for that kind.
type Template struct {
	post  *pongo2.Template
	reply *pongo2.Template
}

var _ Generator = (*Template)(nil)

func NewTemplate(post, reply string) (*Template, error) {
	var t Template
	var err error
	if post != "" {
		if t.post, err = pongo2.FromString(post); err != nil {
			return nil, fmt.Errorf("parsing post template: %w", err)
		}
	}
	if reply != "" {
		if t.reply, err = pongo2.FromString(reply); err != nil {
			return nil, fmt.Errorf("parsing reply template: %w", err)
		}
	}
	return &t, nil
}

func (t *Template) GenerateText(ctx context.Context, topic, tone string) (string, error) {
	if t.post == nil {
		return Static{}.GenerateText(ctx, topic, tone)
	}
	// output is plain text, not HTML
	out, err := t.post.Execute(pongo2.Context{
		"topic": pongo2.AsSafeValue(strings.TrimSpace(topic)),
		"tone":  pongo2.AsSafeValue(tone),
	})
	if err != nil {
		return "", fmt.Errorf("rendering post template: %w", err)
	}
	return Truncate(out), nil
}

func (t *Template) GenerateReply(ctx context.Context, mentionText, tone string) (string, error) {
	if t.reply == nil {
		return Static{}.GenerateReply(ctx, mentionText, tone)
	}
	out, err := t.reply.Execute(pongo2.Context{
		"mention": pongo2.AsSafeValue(mentionText),
		"tone":    pongo2.AsSafeValue(tone),
	})
	if err != nil {
		return "", fmt.Errorf("rendering reply template: %w", err)
	}
	return Truncate(out), nil
}
