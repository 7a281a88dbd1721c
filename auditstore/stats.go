package auditstore

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"gorm.io/gorm"
)

type Stats struct {
	TotalDrafts    int64            `json:"total_drafts"`
	PostedTweets   int64            `json:"posted_tweets"`
	RejectedDrafts int64            `json:"rejected_drafts"`
	ErroredDrafts  int64            `json:"errored_drafts"`
	PendingReviews int64            `json:"pending_reviews"`
	PostRecords    int64            `json:"post_records"`
	ByStatus       map[Status]int64 `json:"by_status"`
}

func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	db := s.db.WithContext(ctx)
	var rows []struct {
		Status Status
		N      int64
	}
	if err := db.Model(&Draft{}).Select("status, COUNT(*) AS n").Group("status").Scan(&rows).Error; err != nil {
		return nil, err
	}
	st := Stats{ByStatus: make(map[Status]int64, len(rows))}
	for _, r := range rows {
		st.ByStatus[r.Status] = r.N
		st.TotalDrafts += r.N
	}
	st.PostedTweets = st.ByStatus[StatusPosted]
	st.RejectedDrafts = st.ByStatus[StatusRejected]
	st.ErroredDrafts = st.ByStatus[StatusError]

	if err := db.Model(&ReviewEntry{}).Where("reviewed = ?", false).Count(&st.PendingReviews).Error; err != nil {
		return nil, err
	}
	if err := db.Model(&Post{}).Count(&st.PostRecords).Error; err != nil {
		return nil, err
	}
	return &st, nil
}

type ExportDoc struct {
	ExportedAt  time.Time     `json:"exported_at"`
	Drafts      []Draft       `json:"drafts"`
	SafetyCheck []SafetyCheck `json:"safety_checks"`
	Posts       []Post        `json:"posts"`
	ReviewQueue []ReviewEntry `json:"review_queue"`
	Stats       *Stats        `json:"stats"`
}

// Export writes the full audit log as a single indented JSON document.
func (s *Store) Export(ctx context.Context, w io.Writer) error {
	db := s.db.WithContext(ctx)
	doc := ExportDoc{ExportedAt: s.Now().UTC()}
	if err := db.Order("created_at DESC").Order("id DESC").Find(&doc.Drafts).Error; err != nil {
		return fmt.Errorf("reading drafts: %w", err)
	}
	if err := db.Order("id ASC").Find(&doc.SafetyCheck).Error; err != nil {
		return fmt.Errorf("reading safety checks: %w", err)
	}
	if err := db.Order("posted_at DESC").Order("id DESC").Find(&doc.Posts).Error; err != nil {
		return fmt.Errorf("reading posts: %w", err)
	}
	if err := db.Order("id ASC").Find(&doc.ReviewQueue).Error; err != nil {
		return fmt.Errorf("reading review queue: %w", err)
	}
	var err error
	if doc.Stats, err = s.Stats(ctx); err != nil {
		return err
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(doc)
}

// ListPostsForRefresh returns posts whose engagement counters are stale,
// newest first. staleAfter <= 0 returns posts regardless of age.
func (s *Store) ListPostsForRefresh(ctx context.Context, limit int, staleAfter time.Duration) ([]Post, error) {
	q := s.db.WithContext(ctx).Order("posted_at DESC").Order("id DESC")
	if staleAfter > 0 {
		cutoff := s.Now().UTC().Add(-staleAfter)
		q = q.Where("last_updated IS NULL OR last_updated < ?", cutoff)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var out []Post
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

type Engagement struct {
	Likes   int64
	Reposts int64
	Replies int64
}

// UpdateEngagement sets the counters for the given external post ids and returns how many posts were updated. Unknown ids are ignored.
func (s *Store) UpdateEngagement(ctx context.Context, metrics map[string]Engagement) (int, error) {
	now := s.Now().UTC()
	updated := 0
	err := s.write(ctx, "update_engagement", func(tx *gorm.DB) error {
		updated = 0
		for extID, m := range metrics {
			res := tx.Model(&Post{}).Where("external_post_id = ?", extID).Updates(map[string]any{
				"likes":        m.Likes,
				"reposts":      m.Reposts,
				"replies":      m.Replies,
				"last_updated": now,
			})
			if res.Error != nil {
				return res.Error
			}
			updated += int(res.RowsAffected)
		}
		return nil
	})
	return updated, err
}

type VariantEngagement struct {
	Variant       string  `json:"variant"`
	TotalPosts    int64   `json:"total_posts"`
	AvgEngagement float64 `json:"avg_engagement"`
	AvgLikes      float64 `json:"avg_likes"`
	AvgReposts    float64 `json:"avg_reposts"`
	AvgReplies    float64 `json:"avg_replies"`
}

type DuplicateRate struct {
	Count          int64   `json:"count"`
	TotalGenerated int64   `json:"total_generated"`
	Rate           float64 `json:"rate"`
}

type EngagementReport struct {
	Since       time.Time           `json:"since"`
	TotalPosted int64               `json:"total_posted"`
	Variants    []VariantEngagement `json:"variants"`
	Duplicates  DuplicateRate       `json:"duplicate_recent"`
}

// EngagementReport summarizes engagement per A/B variant for posts since the
// given time, and how often drafts were held back as duplicates. Drafts without
// a variant are reported under "default".
func (s *Store) EngagementReport(ctx context.Context, since time.Time) (*EngagementReport, error) {
	db := s.db.WithContext(ctx)
	rep := EngagementReport{Since: since.UTC(), Variants: []VariantEngagement{}}

	err := db.Table("posts AS p").
		Select("COALESCE(d.variant, 'default') AS variant, " +
			"COUNT(*) AS total_posts, " +
			"AVG(p.likes + p.reposts + p.replies) AS avg_engagement, " +
			"AVG(p.likes) AS avg_likes, " +
			"AVG(p.reposts) AS avg_reposts, " +
			"AVG(p.replies) AS avg_replies").
		Joins("JOIN drafts d ON d.id = p.draft_id").
		Where("p.posted_at >= ?", rep.Since).
		Group("COALESCE(d.variant, 'default')").
		Order("total_posts DESC").Order("variant ASC").
		Scan(&rep.Variants).Error
	if err != nil {
		return nil, err
	}
	for _, v := range rep.Variants {
		rep.TotalPosted += v.TotalPosts
	}

	if err := db.Model(&ReviewEntry{}).
		Where("reason = ? AND created_at >= ?", ReasonDuplicateRecent, rep.Since).
		Count(&rep.Duplicates.Count).Error; err != nil {
		return nil, err
	}
	if err := db.Model(&Draft{}).Where("created_at >= ?", rep.Since).Count(&rep.Duplicates.TotalGenerated).Error; err != nil {
		return nil, err
	}
	if rep.Duplicates.TotalGenerated > 0 {
		rep.Duplicates.Rate = float64(rep.Duplicates.Count) / float64(rep.Duplicates.TotalGenerated)
	}
	return &rep, nil
}
