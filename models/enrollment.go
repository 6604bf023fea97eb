package models

import (
	"time"

	"gorm.io/gorm"
)

// Enrollment statuses. "dispatching" is a transient claim marker used by the
// scheduler; it never survives a scheduler pass.
const (
	EnrollmentStatusActive      = "active"
	EnrollmentStatusDispatching = "dispatching"
	EnrollmentStatusPaused      = "paused"
	EnrollmentStatusBounced     = "bounced"
	EnrollmentStatusCompleted   = "completed"
)

// Pause reasons
const (
	PauseReasonReplied             = "replied"
	PauseReasonBounceRetryExceeded = "bounce-retry-exhausted"
	PauseReasonSendRetryExceeded   = "send-retry-exhausted"
	PauseReasonBadRecipient        = "bad-recipient"
	PauseReasonSendRejected        = "send-rejected"
	PauseReasonCampaignPaused      = "campaign-paused"
	PauseReasonBadWindow           = "window-misconfigured"
)

// Enrollment tracks one prospect's progress through one campaign's sequence.
// Invariant: NextSendAt is non-nil iff the enrollment is active.
// "bounced" and "completed" are terminal.
type Enrollment struct {
	gorm.Model
	CampaignID uint `gorm:"not null;index;uniqueIndex:idx_campaign_prospect" json:"campaign_id"`
	ProspectID uint `gorm:"not null;index;uniqueIndex:idx_campaign_prospect" json:"prospect_id"`

	Status      string     `gorm:"default:'active';index" json:"status"`
	StepIndex   int        `gorm:"default:0" json:"step_index"` // current step, 0-based
	NextSendAt  *time.Time `gorm:"index" json:"next_send_at"`
	PauseReason *string    `json:"pause_reason"`

	// Bounded retries of the current step (transient errors, soft bounces)
	RetryCount int `gorm:"default:0" json:"retry_count"`

	// Relations
	Campaign Campaign `json:"-"`
	Prospect Prospect `json:"-"`
}

// IsTerminal reports whether no transition may leave this enrollment's status.
func (e *Enrollment) IsTerminal() bool {
	return e.Status == EnrollmentStatusBounced || e.Status == EnrollmentStatusCompleted
}

// SentEmail statuses
const (
	SentEmailStatusSent    = "sent"
	SentEmailStatusFailed  = "failed"
	SentEmailStatusBounced = "bounced"
)

// SentEmail is an append-only record of one send attempt outcome.
// At most one row per (enrollment, step) may carry status "sent".
type SentEmail struct {
	gorm.Model
	EnrollmentID uint `gorm:"not null;index" json:"enrollment_id"`
	CampaignID   uint `gorm:"not null;index" json:"campaign_id"`
	SenderID     uint `gorm:"not null;index" json:"sender_id"`

	StepIndex  int    `gorm:"not null" json:"step_index"`
	TrackingID string `gorm:"not null;uniqueIndex" json:"tracking_id"`
	MessageID  string `gorm:"index" json:"message_id"` // provider-assigned
	Recipient  string `gorm:"not null" json:"recipient"`
	Subject    string `json:"subject"`

	Status     string     `gorm:"not null" json:"status"` // sent, failed, bounced
	SentAt     *time.Time `json:"sent_at"`
	FailReason string     `json:"fail_reason"`

	// Engagement (webhook-fed, informational only)
	OpenedAt   *time.Time `json:"opened_at"`
	ClickedAt  *time.Time `json:"clicked_at"`
	RepliedAt  *time.Time `json:"replied_at"`
	BouncedAt  *time.Time `json:"bounced_at"`
	BounceCode string     `json:"bounce_code"`

	// Relations
	Enrollment Enrollment `json:"-"`
}

// Prospect is a minimal projection of the external CRM contact record:
// just enough identity to address an email.
type Prospect struct {
	gorm.Model
	UserID uint `gorm:"not null;index" json:"user_id"`

	Email     string `gorm:"not null;index" json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}
