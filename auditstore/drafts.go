package auditstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// NewDraft is a draft as it enters the pipeline, along with its safety results.
type NewDraft struct {
	Text         string
	Context      string
	Variant      string
	SafetyPassed bool
	SafetyFlags  []string
	Checks       []CheckResult
}

type CheckResult struct {
	Name    string
	Passed  bool
	Details string
}

func strPtr(s string) *string {
	return &s
}

func optStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// LogDraft inserts a draft in the initial status, together with one row per safety check, in a single transaction.
func (s *Store) LogDraft(ctx context.Context, nd NewDraft) (*Draft, error) {
	now := s.Now().UTC()
	flags := nd.SafetyFlags
	if flags == nil {
		flags = []string{}
	}
	d := Draft{
		Text:         nd.Text,
		Context:      nd.Context,
		Status:       StatusGenerated,
		SafetyPassed: nd.SafetyPassed,
		SafetyFlags:  flags,
		Variant:      optStr(nd.Variant),
		CreatedAt:    now,
	}
	err := s.write(ctx, "log_draft", func(tx *gorm.DB) error {
		if err := tx.Create(&d).Error; err != nil {
			return err
		}
		if len(nd.Checks) == 0 {
			return nil
		}
		rows := make([]SafetyCheck, 0, len(nd.Checks))
		for _, c := range nd.Checks {
			rows = append(rows, SafetyCheck{
				DraftID:   d.ID,
				CheckName: c.Name,
				Passed:    c.Passed,
				Details:   c.Details,
				CheckedAt: now,
			})
		}
		return tx.Create(&rows).Error
	})
	if err != nil {
		return nil, err
	}
	s.Logger.Debug("logged draft", "draft", d.ID, "safety_passed", d.SafetyPassed)
	return &d, nil
}

// must be called inside a write transaction
func upsertReview(tx *gorm.DB, draftID uint, reason string, priority Priority, now time.Time) error {
	if !priority.Valid() {
		return fmt.Errorf("invalid review priority: %q", priority)
	}
	entry := ReviewEntry{
		DraftID:   draftID,
		Reason:    reason,
		Priority:  priority,
		CreatedAt: now,
	}
	// re-queueing an existing entry updates it in place and re-opens it
	return tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "draft_id"}},
		DoUpdates: clause.Assignments(map[string]any{
			"reason":            reason,
			"priority":          priority,
			"reviewed":          false,
			"reviewer_decision": nil,
			"reviewed_at":       nil,
		}),
	}).Create(&entry).Error
}

// setDraftFields updates a draft which has not been posted yet. Posted is terminal.
//
// must be called inside a write transaction
func setDraftFields(tx *gorm.DB, id uint, fields map[string]any) error {
	res := tx.Model(&Draft{}).Where("id = ? AND status <> ?", id, StatusPosted).Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		if _, err := findDraft(tx, id); err != nil {
			return err
		}
		return fmt.Errorf("%w: draft %d is already posted", ErrInvalidTransition, id)
	}
	return nil
}

// QueueForReview routes a draft to the review queue, setting it to pending
// approval. If the draft already has a queue entry, the reason and priority are
// updated in place.
func (s *Store) QueueForReview(ctx context.Context, draftID uint, reason string, priority Priority) error {
	return s.routeToReview(ctx, "queue_for_review", draftID, StatusPendingApproval, reason, priority, nil)
}

// DeferForQuota marks a post as held back by quota and queues it at low priority with the quota reason.
func (s *Store) DeferForQuota(ctx context.Context, draftID uint, quotaReason string) error {
	return s.routeToReview(ctx, "defer_for_quota", draftID, StatusQueued, quotaReason, PriorityLow, nil)
}

// RecordPublishError stores the failure on the draft and queues it at high priority.
func (s *Store) RecordPublishError(ctx context.Context, draftID uint, errMsg string) error {
	return s.routeToReview(ctx, "record_publish_error", draftID, StatusError, ReasonPostingError, PriorityHigh, strPtr(errMsg))
}

func (s *Store) routeToReview(ctx context.Context, op string, draftID uint, status Status, reason string, priority Priority, errMsg *string) error {
	now := s.Now().UTC()
	err := s.write(ctx, op, func(tx *gorm.DB) error {
		fields := map[string]any{"status": status}
		if errMsg != nil {
			fields["error_message"] = *errMsg
		}
		if err := setDraftFields(tx, draftID, fields); err != nil {
			return err
		}
		return upsertReview(tx, draftID, reason, priority, now)
	})
	if err != nil {
		return err
	}
	s.Logger.Info("queued draft for review", "draft", draftID, "status", status, "reason", reason, "priority", priority)
	return nil
}

// MarkSimulated records a dry-run publish: the draft is posted under a
// synthetic id, without a post record.
func (s *Store) MarkSimulated(ctx context.Context, draftID uint, syntheticID string) error {
	now := s.Now().UTC()
	return s.write(ctx, "mark_simulated", func(tx *gorm.DB) error {
		return setDraftFields(tx, draftID, map[string]any{
			"status":           StatusPosted,
			"external_post_id": syntheticID,
			"posted_at":        now,
		})
	})
}

// MarkSkipped records a reply which was dropped without review, eg for quota.
func (s *Store) MarkSkipped(ctx context.Context, draftID uint, reason string) error {
	return s.write(ctx, "mark_skipped", func(tx *gorm.DB) error {
		return setDraftFields(tx, draftID, map[string]any{
			"status":        StatusSkipped,
			"error_message": reason,
		})
	})
}

// ClaimApproved moves an approved draft to publishing and returns it. Only one
// caller can claim a given draft; the others get ErrInvalidTransition.
func (s *Store) ClaimApproved(ctx context.Context, draftID uint) (*Draft, error) {
	var d *Draft
	err := s.write(ctx, "claim_approved", func(tx *gorm.DB) error {
		res := tx.Model(&Draft{}).
			Where("id = ? AND status = ?", draftID, StatusApproved).
			Update("status", StatusPublishing)
		if res.Error != nil {
			return res.Error
		}
		found, err := findDraft(tx, draftID)
		if err != nil {
			return err
		}
		if res.RowsAffected != 1 {
			return fmt.Errorf("%w: draft %d is %s, not approved", ErrInvalidTransition, draftID, found.Status)
		}
		d = found
		return nil
	})
	if err != nil {
		return nil, err
	}
	return d, nil
}

// ReleaseClaim hands a claimed draft back to the approved state, for when
// publishing was not attempted.
func (s *Store) ReleaseClaim(ctx context.Context, draftID uint) error {
	return s.write(ctx, "release_claim", func(tx *gorm.DB) error {
		res := tx.Model(&Draft{}).
			Where("id = ? AND status = ?", draftID, StatusPublishing).
			Update("status", StatusApproved)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			found, err := findDraft(tx, draftID)
			if err != nil {
				return err
			}
			return fmt.Errorf("%w: draft %d is %s, not publishing", ErrInvalidTransition, draftID, found.Status)
		}
		return nil
	})
}

// LogPostedTweet marks the draft posted and inserts the post record, atomically.
func (s *Store) LogPostedTweet(ctx context.Context, draftID uint, externalID, text string) (*Post, error) {
	if externalID == "" {
		return nil, fmt.Errorf("log posted tweet: empty external id")
	}
	now := s.Now().UTC()
	p := Post{
		DraftID:        draftID,
		ExternalPostID: externalID,
		Text:           text,
		PostedAt:       now,
	}
	err := s.write(ctx, "log_posted_tweet", func(tx *gorm.DB) error {
		if err := setDraftFields(tx, draftID, map[string]any{
			"status":           StatusPosted,
			"external_post_id": externalID,
			"posted_at":        now,
			"error_message":    nil,
		}); err != nil {
			return err
		}
		return tx.Create(&p).Error
	})
	if err != nil {
		return nil, err
	}
	s.Logger.Info("logged posted tweet", "draft", draftID, "external_id", externalID)
	return &p, nil
}

func (s *Store) GetDraft(ctx context.Context, id uint) (*Draft, error) {
	var d Draft
	if err := s.db.WithContext(ctx).Where("id = ?", id).Take(&d).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %d", ErrDraftNotFound, id)
		}
		return nil, err
	}
	return &d, nil
}

// ListDrafts returns drafts newest first, optionally filtered by status. limit <= 0 means no limit.
func (s *Store) ListDrafts(ctx context.Context, status Status, limit int) ([]Draft, error) {
	q := s.db.WithContext(ctx).Model(&Draft{}).Order("created_at DESC").Order("id DESC")
	if status != "" {
		q = q.Where("status = ?", status)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var out []Draft
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// ListApproved returns approved drafts, oldest review first, for publishing.
func (s *Store) ListApproved(ctx context.Context, limit int) ([]Draft, error) {
	q := s.db.WithContext(ctx).Where("status = ?", StatusApproved).Order("reviewed_at ASC").Order("id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var out []Draft
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// RecentPostedTexts returns the text of the most recently posted drafts, newest first. Simulated posts are included.
func (s *Store) RecentPostedTexts(ctx context.Context, limit int) ([]string, error) {
	var out []string
	err := s.db.WithContext(ctx).Model(&Draft{}).
		Where("status = ?", StatusPosted).
		Order("posted_at DESC").Order("id DESC").
		Limit(limit).
		Pluck("text", &out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) SafetyChecks(ctx context.Context, draftID uint) ([]SafetyCheck, error) {
	var out []SafetyCheck
	if err := s.db.WithContext(ctx).Where("draft_id = ?", draftID).Order("id ASC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}
