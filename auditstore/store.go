package auditstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"
	"go.opentelemetry.io/otel"
	"gorm.io/gorm"
)

var tracer = otel.Tracer("auditstore")

var (
	ErrDraftNotFound = errors.New("draft not found")
	// the write could not get the database lock within the retry budget
	ErrStoreBusy         = errors.New("audit store busy")
	ErrInvalidTransition = errors.New("invalid draft status transition")
	ErrNotQueued         = errors.New("draft has no review queue entry")
)

type Config struct {
	// total attempts for a write, including the first
	WriteAttempts  int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
}

func DefaultConfig() Config {
	return Config{
		WriteAttempts:  6,
		RetryBaseDelay: 100 * time.Millisecond,
		RetryMaxDelay:  5 * time.Second,
	}
}

// Store is the durable audit log: drafts, safety check results, the review
// queue, and posted content.
//
// Every mutation goes through a single in-process writer lock and runs in one
// transaction, retried on lock contention. Reads use the connection pool
// directly and do not take the lock. Other processes sharing the database are
// only coordinated by the database's own locking.
type Store struct {
	Logger *slog.Logger
	// Now defaults to time.Now; used for every timestamp the store writes
	Now func() time.Time

	db      *gorm.DB
	writeLk sync.Mutex
	retry   retrypolicy.RetryPolicy[any]
	cfg     Config
}

// Open wraps an existing gorm handle (see util/cliutil.SetupDatabase) and
// brings the schema up to date.
func Open(ctx context.Context, db *gorm.DB, cfg Config, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.WriteAttempts <= 0 {
		cfg.WriteAttempts = 1
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = DefaultConfig().RetryBaseDelay
	}
	if cfg.RetryMaxDelay < cfg.RetryBaseDelay {
		cfg.RetryMaxDelay = cfg.RetryBaseDelay
	}
	s := &Store{
		Logger: logger.With("component", "auditstore"),
		Now:    time.Now,
		db:     db,
		cfg:    cfg,
		retry: retrypolicy.NewBuilder[any]().
			HandleIf(func(_ any, err error) bool {
				return isTransient(err)
			}).
			WithMaxRetries(cfg.WriteAttempts-1).
			WithBackoff(cfg.RetryBaseDelay, cfg.RetryMaxDelay).
			Build(),
	}
	if err := s.migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrating audit store: %w", err)
	}
	return s, nil
}

// isTransient reports whether err is lock contention which is worth retrying.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", // serialization_failure
			"40P01", // deadlock_detected
			"55P03": // lock_not_available
			return true
		}
		return false
	}
	return strings.Contains(err.Error(), "database is locked")
}

// write runs fn in a transaction under the writer lock, retrying on lock
// contention. op names the operation in logs and errors.
func (s *Store) write(ctx context.Context, op string, fn func(tx *gorm.DB) error) error {
	ctx, span := tracer.Start(ctx, "auditstore."+op)
	defer span.End()

	s.writeLk.Lock()
	defer s.writeLk.Unlock()

	start := time.Now()
	attempts := 0
	var lastErr error
	_, err := failsafe.With[any](s.retry).WithContext(ctx).Get(func() (any, error) {
		attempts++
		if attempts > 1 {
			storeWriteRetries.WithLabelValues(op).Inc()
			s.Logger.Warn("retrying audit store write after lock contention", "op", op, "attempt", attempts, "err", lastErr)
		}
		lastErr = s.db.WithContext(ctx).Transaction(fn)
		return nil, lastErr
	})
	storeWriteDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err == nil {
		return nil
	}
	span.RecordError(err)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s: %w", op, ctxErr)
	}
	if lastErr == nil {
		lastErr = err
	}
	if isTransient(lastErr) {
		storeWriteErrors.WithLabelValues(op, "busy").Inc()
		s.Logger.Error("audit store write gave up after lock contention", "op", op, "attempts", attempts, "err", lastErr)
		return fmt.Errorf("%w: %s: %w", ErrStoreBusy, op, lastErr)
	}
	storeWriteErrors.WithLabelValues(op, "error").Inc()
	return fmt.Errorf("%s: %w", op, lastErr)
}

type additiveColumn struct {
	model any
	field string
}

// columns added after the first release of each table. adding is skipped when present.
var additiveColumns = []additiveColumn{
	{&Draft{}, "Variant"},
	{&Draft{}, "ReviewNotes"},
	{&ReviewEntry{}, "ReviewerNotes"},
	{&ReviewEntry{}, "RejectReason"},
	{&Post{}, "LastUpdated"},
}

// migrate creates missing tables and adds missing optional columns. It never
// alters or drops existing columns, and is safe to run on every startup.
func (s *Store) migrate(ctx context.Context) error {
	m := s.db.WithContext(ctx).Migrator()
	for _, model := range []any{&Draft{}, &SafetyCheck{}, &ReviewEntry{}, &Post{}} {
		if m.HasTable(model) {
			continue
		}
		if err := m.CreateTable(model); err != nil {
			return err
		}
	}
	for _, col := range additiveColumns {
		if m.HasColumn(col.model, col.field) {
			continue
		}
		s.Logger.Info("adding audit store column", "field", col.field)
		if err := m.AddColumn(col.model, col.field); err != nil {
			return fmt.Errorf("adding column %s: %w", col.field, err)
		}
	}
	return nil
}

// must be called inside a write transaction
func findDraft(tx *gorm.DB, id uint) (*Draft, error) {
	var d Draft
	if err := tx.Where("id = ?", id).Take(&d).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %d", ErrDraftNotFound, id)
		}
		return nil, err
	}
	return &d, nil
}
