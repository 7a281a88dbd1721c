// Package seenstore remembers which mentions have already been handled, and
// the newest mention id the scanner has consumed.
package seenstore

import (
	"context"
)

type SeenStore interface {
	Seen(ctx context.Context, id string) (bool, error)
	MarkSeen(ctx context.Context, id string) error
	// GetCursor returns "" if no cursor has been stored.
	GetCursor(ctx context.Context, name string) (string, error)
	SetCursor(ctx context.Context, name, val string) error
}
