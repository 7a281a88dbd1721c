package quota

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func testManager(cfg Config) (*Manager, *fakeClock) {
	clk := newFakeClock()
	m := NewManager(cfg, nil)
	m.Now = clk.Now
	return m, clk
}

func TestPostDailyWindow(t *testing.T) {
	assert := assert.New(t)
	m, clk := testManager(Config{PostsPerDay: 1})

	ok, reason := m.CanPost()
	assert.True(ok)
	assert.Equal("", reason)

	m.RecordPost()
	clk.Advance(23 * time.Hour)
	ok, reason = m.CanPost()
	assert.False(ok)
	assert.Equal(ReasonPostDaily, reason)

	clk.Advance(time.Hour + time.Second)
	ok, reason = m.CanPost()
	assert.True(ok)
	assert.Equal("", reason)
}

func TestNonPositiveCapsClampToOne(t *testing.T) {
	assert := assert.New(t)
	m, _ := testManager(Config{PostsPerDay: 0, RepliesPerDay: -3, GlobalRepliesPerHour: 0, RepliesPerUserPerHour: 0})

	ok, _ := m.CanPost()
	assert.True(ok)
	m.RecordPost()
	ok, _ = m.CanPost()
	assert.False(ok)

	ok, _ = m.CanReply("alice")
	assert.True(ok)
	m.RecordReply("alice")
	ok, _ = m.CanReply("bob")
	assert.False(ok)
}

func TestMonthlyLimitCheckedFirst(t *testing.T) {
	assert := assert.New(t)
	m, clk := testManager(Config{
		PostsPerDay:           1,
		MonthlyWriteLimit:     2,
		MonthlyWriteLimitDays: 30,
		RepliesPerDay:         10,
		GlobalRepliesPerHour:  10,
		RepliesPerUserPerHour: 10,
	})

	m.RecordPost()
	m.RecordReply("alice")

	// both the daily and monthly windows are full; monthly wins
	ok, reason := m.CanPost()
	assert.False(ok)
	assert.Equal(ReasonMonthlyWriteLimit, reason)

	_, reason = m.CanReply("bob")
	assert.Equal(ReasonMonthlyWriteLimit, reason)

	clk.Advance(30*24*time.Hour + time.Minute)
	ok, _ = m.CanPost()
	assert.True(ok)
}

func TestMonthlyDisabled(t *testing.T) {
	assert := assert.New(t)
	m, clk := testManager(Config{PostsPerDay: 1, MonthlyWriteLimit: 0})

	for i := 0; i < 40; i++ {
		ok, reason := m.CanPost()
		assert.True(ok, reason)
		m.RecordPost()
		clk.Advance(25 * time.Hour)
	}
}

func TestReplyWindows(t *testing.T) {
	assert := assert.New(t)
	m, clk := testManager(Config{
		RepliesPerDay:         3,
		GlobalRepliesPerHour:  2,
		RepliesPerUserPerHour: 1,
	})

	m.RecordReply("alice")
	_, reason := m.CanReply("alice")
	assert.Equal(ReasonReplyUserHourly, reason)

	ok, _ := m.CanReply("bob")
	assert.True(ok)
	m.RecordReply("bob")

	// carol is under her own cap, but the global hourly window is full
	_, reason = m.CanReply("carol")
	assert.Equal(ReasonReplyGlobalHourly, reason)

	clk.Advance(time.Hour + time.Second)
	ok, _ = m.CanReply("carol")
	assert.True(ok)
	m.RecordReply("carol")

	clk.Advance(time.Hour + time.Second)
	_, reason = m.CanReply("dave")
	assert.Equal(ReasonReplyDaily, reason)
}

func TestUnknownAuthorBucket(t *testing.T) {
	assert := assert.New(t)
	m, _ := testManager(Config{RepliesPerDay: 10, GlobalRepliesPerHour: 10, RepliesPerUserPerHour: 1})

	m.RecordReply("")
	_, reason := m.CanReply(UnknownAuthor)
	assert.Equal(ReasonReplyUserHourly, reason)
	_, reason = m.CanReply("")
	assert.Equal(ReasonReplyUserHourly, reason)
}

func TestReservationCommitAndRelease(t *testing.T) {
	assert := assert.New(t)
	m, _ := testManager(Config{PostsPerDay: 1, MonthlyWriteLimit: 10})

	r, reason := m.ReservePost()
	assert.NotNil(r)
	assert.Equal("", reason)

	// the held slot already counts
	r2, reason := m.ReservePost()
	assert.Nil(r2)
	assert.Equal(ReasonPostDaily, reason)
	assert.Equal(1, m.Usage().PendingReservations)

	r.Release()
	r.Release()
	r.Commit()
	u := m.Usage()
	assert.Equal(0, u.PostsToday)
	assert.Equal(0, u.WritesThisMonth)
	assert.Equal(0, u.PendingReservations)

	r, _ = m.ReservePost()
	assert.NotNil(r)
	r.Commit()
	r.Release()
	u = m.Usage()
	assert.Equal(1, u.PostsToday)
	assert.Equal(1, u.WritesThisMonth)
	assert.Equal(0, u.PendingReservations)

	var nilRes *Reservation
	nilRes.Commit()
	nilRes.Release()
}

func TestReplyReservationReleasePrunesAuthor(t *testing.T) {
	assert := assert.New(t)
	m, _ := testManager(Config{RepliesPerDay: 5, GlobalRepliesPerHour: 5, RepliesPerUserPerHour: 1})

	r, reason := m.ReserveReply("alice")
	assert.Equal("", reason)
	assert.Equal(1, m.Usage().ActiveAuthors)

	r.Release()
	u := m.Usage()
	assert.Equal(0, u.ActiveAuthors)
	assert.Equal(0, u.RepliesToday)

	ok, _ := m.CanReply("alice")
	assert.True(ok)
}

func TestConcurrentReservationsNeverOvershoot(t *testing.T) {
	m, _ := testManager(Config{PostsPerDay: 5})

	var admitted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if r, _ := m.ReservePost(); r != nil {
				admitted.Add(1)
				r.Commit()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(5), admitted.Load())
	assert.Equal(t, 5, m.Usage().PostsToday)
}
