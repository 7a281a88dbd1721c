package generator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/rivo/uniseg"
)

const MaxPostLength = 280

// Generator drafts post and reply text. Output is not safety checked.
type Generator interface {
	GenerateText(ctx context.Context, topic, tone string) (string, error)
	GenerateReply(ctx context.Context, mentionText, tone string) (string, error)
}

// Static returns fixed templates. It is the fallback when no model is configured, or when the model call fails.
type Static struct{}

var _ Generator = Static{}

func (Static) GenerateText(ctx context.Context, topic, tone string) (string, error) {
	return Truncate(fmt.Sprintf("Update: %s. Follow official channels for details. Not financial advice.", strings.TrimSpace(topic))), nil
}

func (Static) GenerateReply(ctx context.Context, mentionText, tone string) (string, error) {
	return "Thanks for the mention! We appreciate your interest. Not financial advice.", nil
}

// Fallback tries Primary, and on error logs and uses Secondary.
type Fallback struct {
	Primary   Generator
	Secondary Generator
	Logger    *slog.Logger
}

var _ Generator = (*Fallback)(nil)

func (f *Fallback) logger() *slog.Logger {
	if f.Logger == nil {
		return slog.Default()
	}
	return f.Logger
}

func (f *Fallback) GenerateText(ctx context.Context, topic, tone string) (string, error) {
	out, err := f.Primary.GenerateText(ctx, topic, tone)
	if err == nil {
		return out, nil
	}
	f.logger().Warn("generator failed, using fallback", "err", err)
	generatorFallbacks.WithLabelValues("post").Inc()
	return f.Secondary.GenerateText(ctx, topic, tone)
}

func (f *Fallback) GenerateReply(ctx context.Context, mentionText, tone string) (string, error) {
	out, err := f.Primary.GenerateReply(ctx, mentionText, tone)
	if err == nil {
		return out, nil
	}
	f.logger().Warn("generator failed for reply, using fallback", "err", err)
	generatorFallbacks.WithLabelValues("reply").Inc()
	return f.Secondary.GenerateReply(ctx, mentionText, tone)
}

// Truncate shortens text to MaxPostLength grapheme clusters, preferring to cut
// at the last sentence boundary when that keeps a reasonable amount of text.
func Truncate(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	var clusters []string
	gr := uniseg.NewGraphemes(text)
	for gr.Next() {
		clusters = append(clusters, gr.Str())
	}
	if len(clusters) <= MaxPostLength {
		return text
	}
	head := strings.Join(clusters[:MaxPostLength-5], "")
	if i := strings.LastIndex(head, "."); i > 50 {
		return strings.TrimSpace(head[:i+1])
	}
	return strings.TrimSpace(strings.Join(clusters[:MaxPostLength-3], "")) + "..."
}
