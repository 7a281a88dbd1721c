package publisher

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
)

// DryRun logs what would have been posted and returns a synthetic id.
type DryRun struct {
	Logger *slog.Logger
}

var _ Publisher = (*DryRun)(nil)

func NewDryRun(logger *slog.Logger) *DryRun {
	if logger == nil {
		logger = slog.Default()
	}
	return &DryRun{Logger: logger.With("component", "publisher", "mode", "dry-run")}
}

// SyntheticID returns an id which can't collide with a real platform id.
func SyntheticID() string {
	return "dryrun-" + uuid.NewString()
}

func (d *DryRun) Publish(ctx context.Context, text string) Result {
	id := SyntheticID()
	d.Logger.Info("dry-run publish", "id", id, "text", text)
	return Success(id)
}

func (d *DryRun) Reply(ctx context.Context, text, inReplyToID string) Result {
	id := SyntheticID()
	d.Logger.Info("dry-run reply", "id", id, "in_reply_to", inReplyToID, "text", text)
	return Success(id)
}
