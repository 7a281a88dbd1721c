package seenstore

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/puzpuzpuz/xsync/v3"
)

// MemSeenStore keeps seen IDs in an expiring LRU. Cursors live only as long
// as the process, so a restart re-reads mentions from the newest page.
type MemSeenStore struct {
	Data    *expirable.LRU[string, struct{}]
	Cursors *xsync.MapOf[string, string]
}

var _ SeenStore = (*MemSeenStore)(nil)

func NewMemSeenStore(capacity int, ttl time.Duration) *MemSeenStore {
	return &MemSeenStore{
		Data:    expirable.NewLRU[string, struct{}](capacity, nil, ttl),
		Cursors: xsync.NewMapOf[string, string](),
	}
}

func (s *MemSeenStore) Seen(ctx context.Context, id string) (bool, error) {
	_, ok := s.Data.Get(id)
	return ok, nil
}

func (s *MemSeenStore) MarkSeen(ctx context.Context, id string) error {
	s.Data.Add(id, struct{}{})
	return nil
}

func (s *MemSeenStore) GetCursor(ctx context.Context, name string) (string, error) {
	v, _ := s.Cursors.Load(name)
	return v, nil
}

func (s *MemSeenStore) SetCursor(ctx context.Context, name, val string) error {
	s.Cursors.Store(name, val)
	return nil
}
