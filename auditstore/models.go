package auditstore

import (
	"time"
)

type Status string

const (
	StatusGenerated       Status = "generated"
	StatusPendingApproval Status = "pending_approval"
	StatusQueued          Status = "queued"
	StatusApproved        Status = "approved"
	StatusPublishing      Status = "publishing"
	StatusRejected        Status = "rejected"
	StatusPosted          Status = "posted"
	StatusError           Status = "error"
	StatusSkipped         Status = "skipped"
)

var AllStatuses = []Status{
	StatusGenerated,
	StatusPendingApproval,
	StatusQueued,
	StatusApproved,
	StatusPublishing,
	StatusRejected,
	StatusPosted,
	StatusError,
	StatusSkipped,
}

func (s Status) Valid() bool {
	for _, v := range AllStatuses {
		if s == v {
			return true
		}
	}
	return false
}

// Reviewable statuses are the ones a human can approve or reject.
func (s Status) Reviewable() bool {
	return s == StatusPendingApproval || s == StatusQueued || s == StatusError
}

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

func (p Priority) Valid() bool {
	return p == PriorityLow || p == PriorityNormal || p == PriorityHigh
}

// review queue reason codes
const (
	ReasonSafetyCheckFailed = "safety_check_failed"
	ReasonOwnerApproval     = "owner_approval_required"
	ReasonDuplicateRecent   = "duplicate_recent"
	ReasonRateLimitExceeded = "rate_limit_exceeded"
	ReasonPostingError      = "posting_error"
)

const (
	DecisionApproved = "approved"
	DecisionRejected = "rejected"
)

// Draft is one candidate piece of content. Rows are never deleted.
//
// ExternalPostID is set if and only if Status is StatusPosted.
type Draft struct {
	ID             uint       `gorm:"primaryKey" json:"id"`
	Text           string     `gorm:"not null" json:"text"`
	Context        string     `json:"context"`
	Status         Status     `gorm:"index;not null;default:generated" json:"status"`
	SafetyPassed   bool       `gorm:"not null;default:false" json:"safety_passed"`
	SafetyFlags    []string   `gorm:"serializer:json" json:"safety_flags"`
	ExternalPostID *string    `json:"external_post_id,omitempty"`
	PostedAt       *time.Time `json:"posted_at,omitempty"`
	ErrorMessage   *string    `json:"error_message,omitempty"`
	ReviewedBy     *string    `json:"reviewed_by,omitempty"`
	ReviewedAt     *time.Time `json:"reviewed_at,omitempty"`
	ReviewNotes    *string    `json:"review_notes,omitempty"`
	Variant        *string    `gorm:"index" json:"variant,omitempty"`
	CreatedAt      time.Time  `gorm:"index" json:"created_at"`
}

func (Draft) TableName() string { return "drafts" }

type SafetyCheck struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	DraftID   uint      `gorm:"index;not null" json:"draft_id"`
	CheckName string    `gorm:"not null" json:"check_name"`
	Passed    bool      `gorm:"not null" json:"passed"`
	Details   string    `json:"details"`
	CheckedAt time.Time `json:"checked_at"`
}

func (SafetyCheck) TableName() string { return "safety_checks" }

// ReviewEntry is the review queue row for a draft. There is at most one per draft.
type ReviewEntry struct {
	ID               uint       `gorm:"primaryKey" json:"id"`
	DraftID          uint       `gorm:"uniqueIndex;not null" json:"draft_id"`
	Reason           string     `gorm:"not null" json:"reason"`
	Priority         Priority   `gorm:"not null;default:normal" json:"priority"`
	CreatedAt        time.Time  `gorm:"index" json:"created_at"`
	Reviewed         bool       `gorm:"not null;default:false" json:"reviewed"`
	ReviewerDecision *string    `json:"reviewer_decision,omitempty"`
	ReviewerNotes    *string    `json:"reviewer_notes,omitempty"`
	RejectReason     *string    `json:"reject_reason,omitempty"`
	ReviewedAt       *time.Time `json:"reviewed_at,omitempty"`
}

func (ReviewEntry) TableName() string { return "review_queue" }

// Post is a confirmed external publish. Only the engagement counters change after insert.
type Post struct {
	ID             uint       `gorm:"primaryKey" json:"id"`
	DraftID        uint       `gorm:"index;not null" json:"draft_id"`
	ExternalPostID string     `gorm:"uniqueIndex;not null" json:"external_post_id"`
	Text           string     `gorm:"not null" json:"text"`
	PostedAt       time.Time  `gorm:"index" json:"posted_at"`
	Likes          int64      `gorm:"not null;default:0" json:"likes"`
	Reposts        int64      `gorm:"not null;default:0" json:"reposts"`
	Replies        int64      `gorm:"not null;default:0" json:"replies"`
	LastUpdated    *time.Time `json:"last_updated,omitempty"`
}

func (Post) TableName() string { return "posts" }

// ReviewItem is a review queue row joined with its draft.
type ReviewItem struct {
	ID               uint       `json:"id"`
	DraftID          uint       `json:"draft_id"`
	Reason           string     `json:"reason"`
	Priority         Priority   `json:"priority"`
	CreatedAt        time.Time  `json:"created_at"`
	Reviewed         bool       `json:"reviewed"`
	ReviewerDecision *string    `json:"reviewer_decision,omitempty"`
	ReviewerNotes    *string    `json:"reviewer_notes,omitempty"`
	RejectReason     *string    `json:"reject_reason,omitempty"`
	ReviewedAt       *time.Time `json:"reviewed_at,omitempty"`

	Text        string   `json:"text"`
	Context     string   `json:"context"`
	Status      Status   `json:"status"`
	Variant     *string  `json:"variant,omitempty"`
	SafetyFlags []string `gorm:"-" json:"safety_flags"`

	SafetyFlagsRaw string `gorm:"column:safety_flags" json:"-"`
}
