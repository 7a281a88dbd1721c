package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/Riyaanquadri/imrantweetbot/generator"
	"github.com/Riyaanquadri/imrantweetbot/orchestrator"
	"github.com/Riyaanquadri/imrantweetbot/seenstore"
	"github.com/Riyaanquadri/imrantweetbot/xapi"

	"golang.org/x/text/cases"
)

const mentionCursor = "mentions"

type MentionSource interface {
	Mentions(ctx context.Context, userID, sinceID string, limit int) ([]xapi.Mention, string, error)
}

// MentionJob answers new mentions which contain one of the project keywords.
// A mention is answered at most once; it is marked seen after its reply
// reaches a terminal decision.
type MentionJob struct {
	Logger    *slog.Logger
	Orch      *orchestrator.Orchestrator
	Generator generator.Generator
	Source    MentionSource
	Seen      seenstore.SeenStore

	// the bot's own account; its own posts are never answered
	UserID   string
	Keywords []string
	Tone     string
	Limit    int
}

func (j *MentionJob) matches(text string) bool {
	folded := cases.Fold().String(text)
	for _, k := range j.Keywords {
		k = strings.TrimSpace(k)
		if k != "" && strings.Contains(folded, cases.Fold().String(k)) {
			return true
		}
	}
	return false
}

func (j *MentionJob) Run(ctx context.Context) error {
	log := logger(j.Logger)
	if len(j.Keywords) == 0 {
		log.Debug("no project keywords configured, not scanning mentions")
		return nil
	}
	limit := j.Limit
	if limit <= 0 {
		limit = 20
	}
	since, err := j.Seen.GetCursor(ctx, mentionCursor)
	if err != nil {
		return fmt.Errorf("loading mention cursor: %w", err)
	}
	mentions, newest, err := j.Source.Mentions(ctx, j.UserID, since, limit)
	if err != nil {
		return err
	}

	for _, m := range mentions {
		if err := j.handle(ctx, m); err != nil {
			// leave the cursor at the last mention fully handled, so this one is retried
			return fmt.Errorf("handling mention %s: %w", m.ID, err)
		}
		if err := j.Seen.SetCursor(ctx, mentionCursor, m.ID); err != nil {
			return fmt.Errorf("saving mention cursor: %w", err)
		}
	}
	if newest != "" && len(mentions) == 0 {
		return j.Seen.SetCursor(ctx, mentionCursor, newest)
	}
	return nil
}

func (j *MentionJob) handle(ctx context.Context, m xapi.Mention) error {
	log := logger(j.Logger).With("mention", m.ID, "author", m.AuthorID)
	if m.AuthorID != "" && m.AuthorID == j.UserID {
		return nil
	}
	if !j.matches(m.Text) {
		log.Debug("mention has no project keyword")
		return nil
	}
	seen, err := j.Seen.Seen(ctx, m.ID)
	if err != nil {
		return err
	}
	if seen {
		log.Debug("mention already handled")
		return nil
	}

	text, err := j.Generator.GenerateReply(ctx, m.Text, j.Tone)
	if err != nil {
		return fmt.Errorf("generating reply: %w", err)
	}
	if m.AuthorUsername != "" {
		text = "@" + m.AuthorUsername + " " + text
	}
	dec, err := j.Orch.SubmitReply(ctx, orchestrator.ReplyRequest{
		Text:        text,
		InReplyToID: m.ID,
		AuthorID:    m.AuthorID,
	})
	if err != nil {
		return err
	}
	log.Info("answered mention", "draft", dec.DraftID, "outcome", dec.Outcome)
	return j.Seen.MarkSeen(ctx, m.ID)
}
