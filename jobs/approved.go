package jobs

import (
	"context"
	"errors"
	"log/slog"

	"github.com/Riyaanquadri/imrantweetbot/auditstore"
	"github.com/Riyaanquadri/imrantweetbot/orchestrator"
)

// ApprovedJob publishes drafts a reviewer has approved, oldest first.
type ApprovedJob struct {
	Logger *slog.Logger
	Orch   *orchestrator.Orchestrator
	Store  *auditstore.Store
	Limit  int
}

func (j *ApprovedJob) Run(ctx context.Context) error {
	limit := j.Limit
	if limit <= 0 {
		limit = 10
	}
	drafts, err := j.Store.ListApproved(ctx, limit)
	if err != nil {
		return err
	}
	var errs []error
	for _, d := range drafts {
		dec, err := j.Orch.PublishApproved(ctx, d.ID)
		if errors.Is(err, auditstore.ErrInvalidTransition) {
			// claimed elsewhere since it was listed
			logger(j.Logger).Debug("approved draft no longer approved", "draft", d.ID, "err", err)
			continue
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		logger(j.Logger).Info("approved draft processed", "draft", d.ID, "outcome", dec.Outcome, "reason", dec.Reason)
	}
	return errors.Join(errs...)
}
