package auditstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"gorm.io/gorm"
)

// high > normal > low, never lexical
const priorityRank = "CASE rq.priority WHEN 'high' THEN 2 WHEN 'normal' THEN 1 ELSE 0 END DESC"

// GetReviewQueue returns queue entries joined with their drafts, highest
// priority first and oldest first within a priority.
func (s *Store) GetReviewQueue(ctx context.Context, onlyUnreviewed bool) ([]ReviewItem, error) {
	q := s.db.WithContext(ctx).
		Table("review_queue AS rq").
		Select("rq.id, rq.draft_id, rq.reason, rq.priority, rq.created_at, rq.reviewed, rq.reviewer_decision, rq.reviewer_notes, rq.reject_reason, rq.reviewed_at, " +
			"d.text, d.context, d.status, d.variant, d.safety_flags").
		Joins("JOIN drafts d ON d.id = rq.draft_id")
	if onlyUnreviewed {
		q = q.Where("rq.reviewed = ?", false)
	}
	var items []ReviewItem
	if err := q.Order(priorityRank).Order("rq.created_at ASC").Order("rq.id ASC").Scan(&items).Error; err != nil {
		return nil, err
	}
	for i := range items {
		items[i].SafetyFlags = []string{}
		if items[i].SafetyFlagsRaw == "" {
			continue
		}
		if err := json.Unmarshal([]byte(items[i].SafetyFlagsRaw), &items[i].SafetyFlags); err != nil {
			s.Logger.Warn("undecodable safety flags on draft", "draft", items[i].DraftID, "err", err)
		}
	}
	return items, nil
}

func (s *Store) GetReviewEntry(ctx context.Context, draftID uint) (*ReviewEntry, error) {
	var e ReviewEntry
	if err := s.db.WithContext(ctx).Where("draft_id = ?", draftID).Take(&e).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %d", ErrNotQueued, draftID)
		}
		return nil, err
	}
	return &e, nil
}

// ApproveForPosting marks the draft approved and resolves its queue entry, in one transaction.
func (s *Store) ApproveForPosting(ctx context.Context, draftID uint, reviewer, notes string) error {
	err := s.resolveReview(ctx, "approve_for_posting", draftID, StatusApproved, DecisionApproved, reviewer, notes, "")
	if err != nil {
		return err
	}
	s.Logger.Info("approved draft for posting", "draft", draftID, "reviewer", reviewer)
	return nil
}

// RejectDraft marks the draft rejected and resolves its queue entry, in one transaction.
func (s *Store) RejectDraft(ctx context.Context, draftID uint, reviewer, reason, notes string) error {
	err := s.resolveReview(ctx, "reject_draft", draftID, StatusRejected, DecisionRejected, reviewer, notes, reason)
	if err != nil {
		return err
	}
	s.Logger.Info("rejected draft", "draft", draftID, "reviewer", reviewer, "reason", reason)
	return nil
}

func (s *Store) resolveReview(ctx context.Context, op string, draftID uint, status Status, decision, reviewer, notes, rejectReason string) error {
	now := s.Now().UTC()
	return s.write(ctx, op, func(tx *gorm.DB) error {
		d, err := findDraft(tx, draftID)
		if err != nil {
			return err
		}
		if !d.Status.Reviewable() {
			return fmt.Errorf("%w: draft %d is %s", ErrInvalidTransition, draftID, d.Status)
		}
		if err := setDraftFields(tx, draftID, map[string]any{
			"status":       status,
			"reviewed_by":  reviewer,
			"reviewed_at":  now,
			"review_notes": optStr(notes),
		}); err != nil {
			return err
		}
		res := tx.Model(&ReviewEntry{}).Where("draft_id = ?", draftID).Updates(map[string]any{
			"reviewed":          true,
			"reviewer_decision": decision,
			"reviewer_notes":    optStr(notes),
			"reject_reason":     optStr(rejectReason),
			"reviewed_at":       now,
		})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// rolls back the draft update too
			return fmt.Errorf("%w: %d", ErrNotQueued, draftID)
		}
		return nil
	})
}
