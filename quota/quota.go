package quota

import (
	"log/slog"
	"sync"
	"time"
)

const (
	ReasonMonthlyWriteLimit = "monthly_write_limit_reached"
	ReasonPostDaily         = "post_daily_quota_reached"
	ReasonReplyDaily        = "reply_daily_quota_reached"
	ReasonReplyGlobalHourly = "reply_global_hourly_quota_reached"
	ReasonReplyUserHourly   = "reply_user_hourly_quota_reached"

	// bucket for replies where the author identity is not known
	UnknownAuthor = "unknown"
)

const (
	day  = 24 * time.Hour
	hour = time.Hour
)

type Config struct {
	PostsPerDay int
	// aggregate of posts and replies over MonthlyWriteLimitDays. zero or negative disables
	MonthlyWriteLimit     int
	MonthlyWriteLimitDays int
	RepliesPerDay         int
	GlobalRepliesPerHour  int
	RepliesPerUserPerHour int
}

func DefaultConfig() Config {
	return Config{
		PostsPerDay:           8,
		MonthlyWriteLimit:     500,
		MonthlyWriteLimitDays: 30,
		RepliesPerDay:         50,
		GlobalRepliesPerHour:  10,
		RepliesPerUserPerHour: 2,
	}
}

// Manager tracks post and reply budgets with in-memory sliding windows. State
// does not survive a restart.
//
// All checks and records happen under a single mutex. Callers which need the
// check and the record to be atomic across a slow external call should use
// ReservePost / ReserveReply, which hold a slot until it is committed or released.
type Manager struct {
	Logger *slog.Logger
	// Now defaults to time.Now; tests swap in a fake clock
	Now func() time.Time

	mu          sync.Mutex
	cfg         Config
	posts       *window
	monthly     *window
	replyDaily  *window
	replyHourly *window
	replyAuthor map[string]*window
	nextID      uint64
	pending     int
}

func NewManager(cfg Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	monthDays := cfg.MonthlyWriteLimitDays
	if monthDays <= 0 {
		monthDays = 30
	}
	return &Manager{
		Logger:      logger.With("component", "quota"),
		Now:         time.Now,
		cfg:         cfg,
		posts:       newWindow(day),
		monthly:     newWindow(time.Duration(monthDays) * day),
		replyDaily:  newWindow(day),
		replyHourly: newWindow(hour),
		replyAuthor: make(map[string]*window),
	}
}

// non-monthly caps below one are clamped to one
func atLeastOne(n int) int {
	if n < 1 {
		return 1
	}
	return n
}

func authorKey(author string) string {
	if author == "" {
		return UnknownAuthor
	}
	return author
}

// must hold lock
func (m *Manager) checkMonthly(now time.Time) string {
	if m.cfg.MonthlyWriteLimit <= 0 {
		return ""
	}
	if m.monthly.count(now) >= m.cfg.MonthlyWriteLimit {
		return ReasonMonthlyWriteLimit
	}
	return ""
}

// must hold lock
func (m *Manager) checkPost(now time.Time) string {
	if reason := m.checkMonthly(now); reason != "" {
		return reason
	}
	if m.posts.count(now) >= atLeastOne(m.cfg.PostsPerDay) {
		return ReasonPostDaily
	}
	return ""
}

// must hold lock. most specific window first, after the monthly budget.
func (m *Manager) checkReply(now time.Time, key string) string {
	if reason := m.checkMonthly(now); reason != "" {
		return reason
	}
	if w, ok := m.replyAuthor[key]; ok {
		n := w.count(now)
		if n == 0 {
			delete(m.replyAuthor, key)
		} else if n >= atLeastOne(m.cfg.RepliesPerUserPerHour) {
			return ReasonReplyUserHourly
		}
	}
	if m.replyHourly.count(now) >= atLeastOne(m.cfg.GlobalRepliesPerHour) {
		return ReasonReplyGlobalHourly
	}
	if m.replyDaily.count(now) >= atLeastOne(m.cfg.RepliesPerDay) {
		return ReasonReplyDaily
	}
	return ""
}

// must hold lock
func (m *Manager) addPost(ev event) {
	m.posts.add(ev)
	m.monthly.add(ev)
}

// must hold lock
func (m *Manager) addReply(ev event, key string) {
	m.replyDaily.add(ev)
	m.replyHourly.add(ev)
	w, ok := m.replyAuthor[key]
	if !ok {
		w = newWindow(hour)
		m.replyAuthor[key] = w
	}
	w.add(ev)
	m.monthly.add(ev)
}

// must hold lock
func (m *Manager) newEvent() event {
	m.nextID++
	return event{id: m.nextID, at: m.Now()}
}

// CanPost reports whether a post would currently be admitted, and if not, why.
func (m *Manager) CanPost() (bool, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	reason := m.checkPost(m.Now())
	return reason == "", reason
}

func (m *Manager) RecordPost() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.addPost(m.newEvent())
	quotaCommittedCount.WithLabelValues("post").Inc()
}

func (m *Manager) CanReply(author string) (bool, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	reason := m.checkReply(m.Now(), authorKey(author))
	return reason == "", reason
}

func (m *Manager) RecordReply(author string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.addReply(m.newEvent(), authorKey(author))
	quotaCommittedCount.WithLabelValues("reply").Inc()
}

// ReservePost atomically checks the post budget and, if admitted, holds a
// slot. The returned reservation must be either committed or released. On
// denial the reservation is nil and the reason is non-empty.
func (m *Manager) ReservePost() (*Reservation, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if reason := m.checkPost(m.Now()); reason != "" {
		quotaDeniedCount.WithLabelValues("post", reason).Inc()
		return nil, reason
	}
	ev := m.newEvent()
	m.addPost(ev)
	m.pending++
	return &Reservation{m: m, kind: "post", ev: ev}, ""
}

func (m *Manager) ReserveReply(author string) (*Reservation, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := authorKey(author)
	if reason := m.checkReply(m.Now(), key); reason != "" {
		quotaDeniedCount.WithLabelValues("reply", reason).Inc()
		m.Logger.Debug("reply quota denied", "author", key, "reason", reason)
		return nil, reason
	}
	ev := m.newEvent()
	m.addReply(ev, key)
	m.pending++
	return &Reservation{m: m, kind: "reply", ev: ev, author: key}, ""
}

// Usage is a point-in-time view of the windows, for stats output.
type Usage struct {
	PostsToday          int `json:"posts_today"`
	WritesThisMonth     int `json:"writes_this_month"`
	RepliesToday        int `json:"replies_today"`
	RepliesThisHour     int `json:"replies_this_hour"`
	ActiveAuthors       int `json:"active_authors"`
	PendingReservations int `json:"pending_reservations"`
}

func (m *Manager) Usage() Usage {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.Now()
	for key, w := range m.replyAuthor {
		if w.count(now) == 0 {
			delete(m.replyAuthor, key)
		}
	}
	return Usage{
		PostsToday:          m.posts.count(now),
		WritesThisMonth:     m.monthly.count(now),
		RepliesToday:        m.replyDaily.count(now),
		RepliesThisHour:     m.replyHourly.count(now),
		ActiveAuthors:       len(m.replyAuthor),
		PendingReservations: m.pending,
	}
}

// Reservation is a held quota slot. The slot counts against every window it
// affects from the moment it is reserved, timestamped at reservation time.
type Reservation struct {
	m      *Manager
	kind   string
	ev     event
	author string
	done   bool
}

// Commit keeps the slot as a consumed write. Calling Commit or Release after the first resolution is a no-op.
func (r *Reservation) Commit() {
	if r == nil {
		return
	}
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if r.done {
		return
	}
	r.done = true
	r.m.pending--
	quotaCommittedCount.WithLabelValues(r.kind).Inc()
}

// Release returns the slot to the budget.
func (r *Reservation) Release() {
	if r == nil {
		return
	}
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if r.done {
		return
	}
	r.done = true
	r.m.pending--
	switch r.kind {
	case "post":
		r.m.posts.remove(r.ev.id)
	case "reply":
		r.m.replyDaily.remove(r.ev.id)
		r.m.replyHourly.remove(r.ev.id)
		if w, ok := r.m.replyAuthor[r.author]; ok {
			w.remove(r.ev.id)
			if len(w.events) == 0 {
				delete(r.m.replyAuthor, r.author)
			}
		}
	}
	r.m.monthly.remove(r.ev.id)
}
