package auditstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Riyaanquadri/imrantweetbot/util/cliutil"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type stepClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

func testDB(t *testing.T) *gorm.DB {
	db, err := cliutil.SetupDatabase("sqlite://"+filepath.Join(t.TempDir(), "audit.db"), 4, nil)
	require.NoError(t, err)
	return db
}

func testStore(t *testing.T) *Store {
	st, err := Open(context.Background(), testDB(t), Config{
		WriteAttempts:  4,
		RetryBaseDelay: time.Millisecond,
		RetryMaxDelay:  4 * time.Millisecond,
	}, nil)
	require.NoError(t, err)
	clk := &stepClock{t: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}
	st.Now = clk.Now
	return st
}

func logDraft(t *testing.T, st *Store, text string) *Draft {
	d, err := st.LogDraft(context.Background(), NewDraft{Text: text, Context: "test", SafetyPassed: true})
	require.NoError(t, err)
	return d
}

func TestLogDraftWithChecks(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	st := testStore(t)

	d, err := st.LogDraft(ctx, NewDraft{
		Text:         "hello world, here is a release",
		Context:      "scheduled_post",
		Variant:      "B",
		SafetyPassed: false,
		SafetyFlags:  []string{"text_too_long", "potential_toxicity"},
		Checks: []CheckResult{
			{Name: "length", Passed: false, Details: "too long"},
			{Name: "minimum_length", Passed: true},
		},
	})
	require.NoError(t, err)
	assert.NotZero(d.ID)

	got, err := st.GetDraft(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(StatusGenerated, got.Status)
	assert.Equal([]string{"text_too_long", "potential_toxicity"}, got.SafetyFlags)
	require.NotNil(t, got.Variant)
	assert.Equal("B", *got.Variant)
	assert.Nil(got.ExternalPostID)

	checks, err := st.SafetyChecks(ctx, d.ID)
	require.NoError(t, err)
	require.Len(t, checks, 2)
	assert.Equal("length", checks[0].CheckName)
	assert.False(checks[0].Passed)
	assert.Equal("minimum_length", checks[1].CheckName)

	_, err = st.GetDraft(ctx, 9999)
	assert.ErrorIs(err, ErrDraftNotFound)
}

func TestQueueForReviewUpserts(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	st := testStore(t)

	d := logDraft(t, st, "queued twice")
	require.NoError(t, st.QueueForReview(ctx, d.ID, ReasonSafetyCheckFailed, PriorityNormal))
	first, err := st.GetReviewEntry(ctx, d.ID)
	require.NoError(t, err)

	require.NoError(t, st.QueueForReview(ctx, d.ID, ReasonRateLimitExceeded, PriorityHigh))

	var n int64
	require.NoError(t, st.db.Model(&ReviewEntry{}).Where("draft_id = ?", d.ID).Count(&n).Error)
	assert.Equal(int64(1), n)

	e, err := st.GetReviewEntry(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(first.ID, e.ID)
	assert.Equal(ReasonRateLimitExceeded, e.Reason)
	assert.Equal(PriorityHigh, e.Priority)
	assert.True(first.CreatedAt.Equal(e.CreatedAt))

	got, err := st.GetDraft(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(StatusPendingApproval, got.Status)

	assert.Error(st.QueueForReview(ctx, d.ID, "whatever", Priority("urgent")))
	assert.ErrorIs(st.QueueForReview(ctx, 4242, ReasonSafetyCheckFailed, PriorityLow), ErrDraftNotFound)
}

func TestReviewQueueOrdering(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	st := testStore(t)

	low := logDraft(t, st, "low priority draft")
	normalOld := logDraft(t, st, "normal older draft")
	high := logDraft(t, st, "high priority draft")
	normalNew := logDraft(t, st, "normal newer draft")
	resolved := logDraft(t, st, "already reviewed draft")

	require.NoError(t, st.DeferForQuota(ctx, low.ID, "post_daily_quota_reached"))
	require.NoError(t, st.QueueForReview(ctx, normalOld.ID, ReasonSafetyCheckFailed, PriorityNormal))
	require.NoError(t, st.QueueForReview(ctx, high.ID, ReasonOwnerApproval, PriorityHigh))
	require.NoError(t, st.QueueForReview(ctx, normalNew.ID, ReasonSafetyCheckFailed, PriorityNormal))
	require.NoError(t, st.QueueForReview(ctx, resolved.ID, ReasonSafetyCheckFailed, PriorityHigh))
	require.NoError(t, st.RejectDraft(ctx, resolved.ID, "ops", "off topic", ""))

	items, err := st.GetReviewQueue(ctx, true)
	require.NoError(t, err)
	var ids []uint
	for _, it := range items {
		ids = append(ids, it.DraftID)
	}
	// lexical ordering would put "normal" ahead of "low" ahead of "high"
	assert.Equal([]uint{high.ID, normalOld.ID, normalNew.ID, low.ID}, ids)
	assert.Equal("high priority draft", items[0].Text)
	assert.Equal(StatusQueued, items[3].Status)
	assert.Equal([]string{}, items[0].SafetyFlags)

	all, err := st.GetReviewQueue(ctx, false)
	require.NoError(t, err)
	assert.Len(all, 5)
	assert.Equal(resolved.ID, all[1].DraftID)
	assert.True(all[1].Reviewed)
}

func TestApproveAndReject(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	st := testStore(t)

	a := logDraft(t, st, "approve me please")
	r := logDraft(t, st, "reject me please")
	require.NoError(t, st.QueueForReview(ctx, a.ID, ReasonOwnerApproval, PriorityHigh))
	require.NoError(t, st.QueueForReview(ctx, r.ID, ReasonSafetyCheckFailed, PriorityNormal))

	require.NoError(t, st.ApproveForPosting(ctx, a.ID, "alice", "looks good"))
	require.NoError(t, st.RejectDraft(ctx, r.ID, "bob", "too salesy", "rewrite it"))

	got, err := st.GetDraft(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(StatusApproved, got.Status)
	require.NotNil(t, got.ReviewedBy)
	assert.Equal("alice", *got.ReviewedBy)
	assert.NotNil(got.ReviewedAt)

	e, err := st.GetReviewEntry(ctx, a.ID)
	require.NoError(t, err)
	assert.True(e.Reviewed)
	require.NotNil(t, e.ReviewerDecision)
	assert.Equal(DecisionApproved, *e.ReviewerDecision)
	require.NotNil(t, e.ReviewerNotes)
	assert.Equal("looks good", *e.ReviewerNotes)

	e, err = st.GetReviewEntry(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(DecisionRejected, *e.ReviewerDecision)
	require.NotNil(t, e.RejectReason)
	assert.Equal("too salesy", *e.RejectReason)

	approved, err := st.ListApproved(ctx, 10)
	require.NoError(t, err)
	require.Len(t, approved, 1)
	assert.Equal(a.ID, approved[0].ID)

	// rejected drafts can't be approved afterwards
	assert.ErrorIs(st.ApproveForPosting(ctx, r.ID, "alice", ""), ErrInvalidTransition)
}

func TestApproveWithoutQueueEntryRollsBack(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	st := testStore(t)

	d := logDraft(t, st, "never queued for review")
	// force a reviewable status without a queue row
	require.NoError(t, st.db.Model(&Draft{}).Where("id = ?", d.ID).Update("status", StatusError).Error)

	err := st.ApproveForPosting(ctx, d.ID, "alice", "")
	assert.ErrorIs(err, ErrNotQueued)

	got, err := st.GetDraft(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(StatusError, got.Status)
	assert.Nil(got.ReviewedBy)
}

func TestClaimApproved(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	st := testStore(t)

	d := logDraft(t, st, "claim me once")
	_, err := st.ClaimApproved(ctx, d.ID)
	assert.ErrorIs(err, ErrInvalidTransition)
	_, err = st.ClaimApproved(ctx, 4242)
	assert.ErrorIs(err, ErrDraftNotFound)

	require.NoError(t, st.QueueForReview(ctx, d.ID, ReasonOwnerApproval, PriorityHigh))
	require.NoError(t, st.ApproveForPosting(ctx, d.ID, "alice", ""))

	claimed, err := st.ClaimApproved(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(StatusPublishing, claimed.Status)
	assert.Equal("claim me once", claimed.Text)

	_, err = st.ClaimApproved(ctx, d.ID)
	assert.ErrorIs(err, ErrInvalidTransition)
	approved, err := st.ListApproved(ctx, 0)
	require.NoError(t, err)
	assert.Empty(approved)

	require.NoError(t, st.ReleaseClaim(ctx, d.ID))
	got, err := st.GetDraft(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(StatusApproved, got.Status)
	assert.ErrorIs(st.ReleaseClaim(ctx, d.ID), ErrInvalidTransition)

	_, err = st.ClaimApproved(ctx, d.ID)
	require.NoError(t, err)
	_, err = st.LogPostedTweet(ctx, d.ID, "1001", "claim me once")
	require.NoError(t, err)
	assert.ErrorIs(st.ReleaseClaim(ctx, d.ID), ErrInvalidTransition)
}

func TestClaimApprovedAcrossStores(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "audit.db")
	open := func() *Store {
		db, err := cliutil.SetupDatabase("sqlite://"+path, 2, nil)
		require.NoError(t, err)
		st, err := Open(ctx, db, DefaultConfig(), nil)
		require.NoError(t, err)
		return st
	}
	a, b := open(), open()

	d := logDraft(t, a, "two workers, one post")
	require.NoError(t, a.QueueForReview(ctx, d.ID, ReasonOwnerApproval, PriorityHigh))
	require.NoError(t, a.ApproveForPosting(ctx, d.ID, "alice", ""))

	_, err := a.ClaimApproved(ctx, d.ID)
	require.NoError(t, err)
	// the other store has its own writer lock, so only the row guard stops it
	_, err = b.ClaimApproved(ctx, d.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestPostedLifecycleAndInvariant(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	st := testStore(t)

	posted := logDraft(t, st, "first real post")
	sim := logDraft(t, st, "simulated post")
	errored := logDraft(t, st, "post that failed")
	skipped := logDraft(t, st, "reply that was skipped")
	deferred := logDraft(t, st, "post over quota")
	logDraft(t, st, "still generated")

	p, err := st.LogPostedTweet(ctx, posted.ID, "1790000000000000001", posted.Text)
	require.NoError(t, err)
	assert.Equal(posted.ID, p.DraftID)
	require.NoError(t, st.MarkSimulated(ctx, sim.ID, "dryrun-abc"))
	require.NoError(t, st.RecordPublishError(ctx, errored.ID, "upstream 503"))
	require.NoError(t, st.MarkSkipped(ctx, skipped.ID, "reply_user_hourly_quota_reached"))
	require.NoError(t, st.DeferForQuota(ctx, deferred.ID, "post_daily_quota_reached"))

	_, err = st.LogPostedTweet(ctx, posted.ID, "1790000000000000002", posted.Text)
	assert.ErrorIs(err, ErrInvalidTransition)
	assert.ErrorIs(st.QueueForReview(ctx, posted.ID, ReasonPostingError, PriorityHigh), ErrInvalidTransition)

	drafts, err := st.ListDrafts(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, drafts, 6)
	for _, d := range drafts {
		assert.True(d.Status.Valid(), "status %q", d.Status)
		assert.Equal(d.Status == StatusPosted, d.ExternalPostID != nil, "draft %d status %s", d.ID, d.Status)
	}

	e, err := st.GetReviewEntry(ctx, errored.ID)
	require.NoError(t, err)
	assert.Equal(ReasonPostingError, e.Reason)
	assert.Equal(PriorityHigh, e.Priority)
	got, err := st.GetDraft(ctx, errored.ID)
	require.NoError(t, err)
	require.NotNil(t, got.ErrorMessage)
	assert.Equal("upstream 503", *got.ErrorMessage)

	_, err = st.GetReviewEntry(ctx, skipped.ID)
	assert.ErrorIs(err, ErrNotQueued)

	texts, err := st.RecentPostedTexts(ctx, 10)
	require.NoError(t, err)
	assert.Equal([]string{"simulated post", "first real post"}, texts)

	stats, err := st.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(int64(6), stats.TotalDrafts)
	assert.Equal(int64(2), stats.PostedTweets)
	assert.Equal(int64(1), stats.ErroredDrafts)
	assert.Equal(int64(2), stats.PendingReviews)
	assert.Equal(int64(1), stats.PostRecords)
	assert.Equal(int64(1), stats.ByStatus[StatusSkipped])
}

func TestExport(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	st := testStore(t)

	d := logDraft(t, st, "exported post")
	_, err := st.LogPostedTweet(ctx, d.ID, "42", d.Text)
	require.NoError(t, err)
	q := logDraft(t, st, "exported queue entry")
	require.NoError(t, st.QueueForReview(ctx, q.ID, ReasonDuplicateRecent, PriorityLow))

	var buf bytes.Buffer
	require.NoError(t, st.Export(ctx, &buf))

	var doc map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &doc))
	for _, k := range []string{"exported_at", "drafts", "posts", "review_queue", "stats", "safety_checks"} {
		assert.Contains(doc, k)
	}
	assert.Len(doc["drafts"], 2)
	assert.Len(doc["posts"], 1)
	assert.Len(doc["review_queue"], 1)
}

func TestEngagementRefreshAndReport(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	st := testStore(t)
	since := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	var variants = []string{"A", "A", "B", ""}
	for i, v := range variants {
		d, err := st.LogDraft(ctx, NewDraft{Text: fmt.Sprintf("variant post %d", i), Variant: v, SafetyPassed: true})
		require.NoError(t, err)
		_, err = st.LogPostedTweet(ctx, d.ID, fmt.Sprintf("ext-%d", i), d.Text)
		require.NoError(t, err)
	}
	dup := logDraft(t, st, "duplicate draft")
	require.NoError(t, st.QueueForReview(ctx, dup.ID, ReasonDuplicateRecent, PriorityLow))

	stale, err := st.ListPostsForRefresh(ctx, 10, time.Hour)
	require.NoError(t, err)
	assert.Len(stale, 4)

	n, err := st.UpdateEngagement(ctx, map[string]Engagement{
		"ext-0":   {Likes: 10, Reposts: 2, Replies: 0},
		"ext-1":   {Likes: 4, Reposts: 0, Replies: 2},
		"ext-2":   {Likes: 1, Reposts: 1, Replies: 1},
		"missing": {Likes: 100},
	})
	require.NoError(t, err)
	assert.Equal(3, n)

	stale, err = st.ListPostsForRefresh(ctx, 10, time.Hour)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal("ext-3", stale[0].ExternalPostID)

	rep, err := st.EngagementReport(ctx, since)
	require.NoError(t, err)
	assert.Equal(int64(4), rep.TotalPosted)
	require.Len(t, rep.Variants, 3)
	assert.Equal("A", rep.Variants[0].Variant)
	assert.Equal(int64(2), rep.Variants[0].TotalPosts)
	assert.InDelta(9.0, rep.Variants[0].AvgEngagement, 0.001)
	assert.InDelta(7.0, rep.Variants[0].AvgLikes, 0.001)
	assert.Equal("B", rep.Variants[1].Variant)
	assert.Equal("default", rep.Variants[2].Variant)
	assert.Equal(int64(1), rep.Duplicates.Count)
	assert.Equal(int64(5), rep.Duplicates.TotalGenerated)
	assert.InDelta(0.2, rep.Duplicates.Rate, 0.0001)
}

func TestAdditiveMigration(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	db := testDB(t)

	// schema from before variants and review notes existed
	require.NoError(t, db.Exec(`CREATE TABLE drafts (
		id integer PRIMARY KEY AUTOINCREMENT,
		text text NOT NULL,
		context text,
		status text NOT NULL DEFAULT 'generated',
		safety_passed numeric NOT NULL DEFAULT false,
		safety_flags text,
		external_post_id text,
		posted_at datetime,
		error_message text,
		reviewed_by text,
		reviewed_at datetime,
		created_at datetime
	)`).Error)
	require.NoError(t, db.Exec(`INSERT INTO drafts (text, status, created_at) VALUES ('legacy row', 'generated', '2023-01-01 00:00:00+00:00')`).Error)

	m := db.Migrator()
	assert.False(m.HasColumn(&Draft{}, "Variant"))

	st, err := Open(ctx, db, DefaultConfig(), nil)
	require.NoError(t, err)
	assert.True(m.HasColumn(&Draft{}, "Variant"))
	assert.True(m.HasColumn(&Draft{}, "ReviewNotes"))

	// running again is a no-op
	_, err = Open(ctx, db, DefaultConfig(), nil)
	require.NoError(t, err)

	d, err := st.GetDraft(ctx, 1)
	require.NoError(t, err)
	assert.Equal("legacy row", d.Text)
	assert.Nil(d.Variant)

	_, err = st.LogDraft(ctx, NewDraft{Text: "new row", Variant: "A"})
	require.NoError(t, err)
}

func TestIsTransient(t *testing.T) {
	assert := assert.New(t)

	assert.True(isTransient(sqlite3.Error{Code: sqlite3.ErrBusy}))
	assert.True(isTransient(fmt.Errorf("wrapped: %w", sqlite3.Error{Code: sqlite3.ErrLocked})))
	assert.False(isTransient(sqlite3.Error{Code: sqlite3.ErrConstraint}))
	assert.True(isTransient(&pgconn.PgError{Code: "40P01"}))
	assert.False(isTransient(&pgconn.PgError{Code: "23505"}))
	assert.True(isTransient(errors.New("database is locked")))
	assert.False(isTransient(errors.New("no such table: drafts")))
	assert.False(isTransient(nil))
}

func TestWriteRetriesTransientErrors(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	st := testStore(t)

	attempts := 0
	err := st.write(ctx, "flaky", func(tx *gorm.DB) error {
		attempts++
		if attempts < 3 {
			return sqlite3.Error{Code: sqlite3.ErrBusy}
		}
		return nil
	})
	assert.NoError(err)
	assert.Equal(3, attempts)

	attempts = 0
	err = st.write(ctx, "always_busy", func(tx *gorm.DB) error {
		attempts++
		return sqlite3.Error{Code: sqlite3.ErrBusy}
	})
	assert.ErrorIs(err, ErrStoreBusy)
	assert.Equal(4, attempts)

	attempts = 0
	boom := errors.New("constraint failed")
	err = st.write(ctx, "fatal", func(tx *gorm.DB) error {
		attempts++
		return boom
	})
	assert.ErrorIs(err, boom)
	assert.NotErrorIs(err, ErrStoreBusy)
	assert.Equal(1, attempts)
}

func TestConcurrentWriters(t *testing.T) {
	ctx := context.Background()
	st := testStore(t)

	texts := make([]string, 40)
	for i := range texts {
		texts[i] = fmt.Sprintf("%d %s", i, gofakeit.Sentence(10))
	}

	var wg sync.WaitGroup
	errs := make(chan error, 40)
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d, err := st.LogDraft(ctx, NewDraft{Text: texts[i]})
			if err != nil {
				errs <- err
				return
			}
			errs <- st.QueueForReview(ctx, d.ID, ReasonOwnerApproval, PriorityHigh)
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	items, err := st.GetReviewQueue(ctx, true)
	require.NoError(t, err)
	assert.Len(t, items, 40)
}
