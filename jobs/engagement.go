package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Riyaanquadri/imrantweetbot/auditstore"
	"github.com/Riyaanquadri/imrantweetbot/xapi"

	"golang.org/x/sync/errgroup"
)

type MetricsSource interface {
	Metrics(ctx context.Context, ids []string) (map[string]xapi.PublicMetrics, error)
}

// EngagementJob refreshes like/repost/reply counters on recorded posts. Posts
// refreshed more recently than StaleAfter are left alone.
type EngagementJob struct {
	Logger      *slog.Logger
	Store       *auditstore.Store
	Source      MetricsSource
	Limit       int
	StaleAfter  time.Duration
	Concurrency int
}

func (j *EngagementJob) Run(ctx context.Context) error {
	_, err := j.Refresh(ctx)
	return err
}

// Refresh returns how many posts were updated.
func (j *EngagementJob) Refresh(ctx context.Context) (int, error) {
	limit := j.Limit
	if limit <= 0 {
		limit = 500
	}
	posts, err := j.Store.ListPostsForRefresh(ctx, limit, j.StaleAfter)
	if err != nil {
		return 0, err
	}
	if len(posts) == 0 {
		return 0, nil
	}

	var lk sync.Mutex
	updates := make(map[string]auditstore.Engagement, len(posts))
	eg, egctx := errgroup.WithContext(ctx)
	eg.SetLimit(max(j.Concurrency, 1))
	for start := 0; start < len(posts); start += xapi.MaxLookupIDs {
		batch := posts[start:min(start+xapi.MaxLookupIDs, len(posts))]
		ids := make([]string, 0, len(batch))
		for _, p := range batch {
			ids = append(ids, p.ExternalPostID)
		}
		eg.Go(func() error {
			res, err := j.Source.Metrics(egctx, ids)
			if err != nil {
				return err
			}
			lk.Lock()
			defer lk.Unlock()
			for id, m := range res {
				updates[id] = auditstore.Engagement{
					Likes:   m.LikeCount,
					Reposts: m.RetweetCount,
					Replies: m.ReplyCount,
				}
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return 0, fmt.Errorf("fetching engagement: %w", err)
	}

	n, err := j.Store.UpdateEngagement(ctx, updates)
	if err != nil {
		return 0, err
	}
	logger(j.Logger).Info("refreshed engagement", "posts", len(posts), "updated", n)
	return n, nil
}
