package publisher

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrRateLimited = errors.New("rate limited by platform")
	ErrPublish     = errors.New("publish failed")
)

type Outcome int

const (
	OK Outcome = iota
	RateLimited
	Failed
)

func (o Outcome) String() string {
	switch o {
	case OK:
		return "ok"
	case RateLimited:
		return "rate_limited"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Result is the tagged outcome of a publish or reply call.
//
// ID is set only for OK. RetryAfter is a hint from the platform for
// RateLimited, and may be zero. Err carries the cause for Failed and
// RateLimited.
type Result struct {
	Outcome    Outcome
	ID         string
	RetryAfter time.Duration
	Err        error
}

func Success(id string) Result {
	return Result{Outcome: OK, ID: id}
}

func Throttled(retryAfter time.Duration, cause error) Result {
	if cause == nil {
		cause = ErrRateLimited
	}
	return Result{Outcome: RateLimited, RetryAfter: retryAfter, Err: cause}
}

func Failure(cause error) Result {
	if cause == nil {
		cause = ErrPublish
	}
	return Result{Outcome: Failed, Err: cause}
}

// Error returns a message suitable for persisting on a draft, or "" for OK.
func (r Result) Error() string {
	switch r.Outcome {
	case OK:
		return ""
	case RateLimited:
		if r.RetryAfter > 0 {
			return fmt.Sprintf("rate limited (retry after %s): %v", r.RetryAfter, r.Err)
		}
		return fmt.Sprintf("rate limited: %v", r.Err)
	default:
		if r.Err == nil {
			return ErrPublish.Error()
		}
		return r.Err.Error()
	}
}

// Normalize makes a result from an arbitrary implementation safe to act on.
// An OK without an id, or an unknown outcome, becomes a failure, and a
// missing cause is filled in.
func (r Result) Normalize() Result {
	switch r.Outcome {
	case OK:
		if r.ID == "" {
			return Failure(fmt.Errorf("%w: publisher returned ok without a post id", ErrPublish))
		}
		return Result{Outcome: OK, ID: r.ID}
	case RateLimited:
		return Throttled(r.RetryAfter, r.Err)
	case Failed:
		return Failure(r.Err)
	default:
		return Failure(fmt.Errorf("%w: unknown publish outcome %d", ErrPublish, int(r.Outcome)))
	}
}

// Publisher posts text to the platform. Implementations do their own bounded
// retries for transient transport failures, but must not retry rate limits.
type Publisher interface {
	Publish(ctx context.Context, text string) Result
	Reply(ctx context.Context, text, inReplyToID string) Result
}
