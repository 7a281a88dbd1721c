package orchestrator

import (
	"errors"
	"fmt"
	"strings"
)

type Kind string

const (
	KindPost  Kind = "post"
	KindReply Kind = "reply"
)

// Outcome is the terminal state a draft reached in one pipeline run.
type Outcome string

const (
	OutcomeReviewQueued        Outcome = "review_queued"
	OutcomeQuotaDeferred       Outcome = "quota_deferred"
	OutcomeQuotaSkipped        Outcome = "quota_skipped"
	OutcomeDuplicateSuppressed Outcome = "duplicate_suppressed"
	OutcomeDryRunSimulated     Outcome = "dry_run_simulated"
	OutcomePosted              Outcome = "posted"
	OutcomePostErrored         Outcome = "post_errored"
)

type Decision struct {
	DraftID    uint     `json:"draft_id"`
	Kind       Kind     `json:"kind"`
	Outcome    Outcome  `json:"outcome"`
	ExternalID string   `json:"external_id,omitempty"`
	Flags      []string `json:"flags,omitempty"`

	// review or quota reason code; empty when posted
	Reason string `json:"reason,omitempty"`

	// true if the draft has a live review queue entry as a result of this run
	Queued bool `json:"queued"`
}

type PostRequest struct {
	Text    string
	Context string
	Variant string

	// route straight to the owner for approval, after safety checks
	ForceReview bool
}

type ReplyRequest struct {
	Text        string
	InReplyToID string
	// key for per-author reply quota; empty is bucketed as unknown
	AuthorID    string
	ForceReview bool
}

const replyContextPrefix = "reply_to:"

// ErrReservedContext is returned for a post whose context would be read back
// as a reply context.
var ErrReservedContext = errors.New("post context uses the reserved reply prefix")

// ReplyContext is the draft context recorded for a reply, from which an
// approved reply can later be published.
func ReplyContext(inReplyToID, authorID string) string {
	if authorID == "" {
		return replyContextPrefix + inReplyToID
	}
	return fmt.Sprintf("%s%s author:%s", replyContextPrefix, inReplyToID, authorID)
}

// ParseReplyContext returns ok=false if the context is not a reply context.
func ParseReplyContext(c string) (inReplyToID, authorID string, ok bool) {
	rest, ok := strings.CutPrefix(c, replyContextPrefix)
	if !ok {
		return "", "", false
	}
	id, author, _ := strings.Cut(rest, " author:")
	id = strings.TrimSpace(id)
	if id == "" {
		return "", "", false
	}
	return id, strings.TrimSpace(author), true
}
