package store

import (
	"context"
	"errors"
	"time"

	"mailcadence/models"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrQuotaExhausted is returned by ReserveQuota when the daily budget is spent.
	ErrQuotaExhausted = errors.New("daily send quota exhausted")
	// ErrDuplicateSend is returned when a (enrollment, step) pair already has a sent row.
	ErrDuplicateSend = errors.New("step already sent for enrollment")
)

// EnrollmentStore covers the scheduler's claim/advance lifecycle. Every status
// transition is a compare-and-swap: it succeeds only if the row still carries
// the expected prior status, so concurrent scheduler passes and webhook-driven
// pauses never trample each other.
type EnrollmentStore interface {
	// ClaimDueEnrollments atomically moves up to limit active enrollments with
	// next_send_at <= now into the transient "dispatching" status and returns
	// them. Two concurrent calls never claim the same enrollment.
	ClaimDueEnrollments(ctx context.Context, now time.Time, limit int) ([]models.Enrollment, error)

	GetEnrollment(ctx context.Context, id uint) (*models.Enrollment, error)

	// ReleaseEnrollment returns a claimed enrollment to active with a new
	// next_send_at (skip path: window closed, quota exhausted, transient error).
	ReleaseEnrollment(ctx context.Context, id uint, nextSendAt time.Time) error

	// AdvanceEnrollment moves a claimed enrollment to the next step: back to
	// active, step index bumped, retry counter cleared.
	AdvanceEnrollment(ctx context.Context, id uint, stepIndex int, nextSendAt time.Time) error

	// CompleteEnrollment terminates a claimed enrollment whose sequence is
	// exhausted. next_send_at becomes null.
	CompleteEnrollment(ctx context.Context, id uint) error

	// PauseEnrollment transitions id from fromStatus to paused with the given
	// reason and null next_send_at. Returns false when the CAS lost (status
	// changed underneath) without error.
	PauseEnrollment(ctx context.Context, id uint, fromStatus, reason string) (bool, error)

	// ResumeEnrollment transitions a paused enrollment back to active with a
	// freshly computed next_send_at. Terminal enrollments are never touched.
	ResumeEnrollment(ctx context.Context, id uint, nextSendAt time.Time) (bool, error)

	// BounceEnrollment moves an enrollment to the terminal bounced status from
	// any non-terminal status.
	BounceEnrollment(ctx context.Context, id uint) (bool, error)

	// RetryEnrollmentStep rewinds an active enrollment to the given step and
	// reschedules it (soft-bounce redelivery of an already-advanced step).
	RetryEnrollmentStep(ctx context.Context, id uint, stepIndex int, nextSendAt time.Time) (bool, error)

	// IncrementEnrollmentRetry bumps the bounded per-step retry counter and
	// returns the new value.
	IncrementEnrollmentRetry(ctx context.Context, id uint) (int, error)

	// CreateEnrollments inserts the given enrollments, silently skipping
	// prospects already enrolled in the campaign. Returns the number actually
	// created.
	CreateEnrollments(ctx context.Context, enrollments []models.Enrollment) (int, error)

	ListCampaignEnrollments(ctx context.Context, campaignID uint, statuses ...string) ([]models.Enrollment, error)
}

// CampaignStore reads campaign/sequence configuration and keeps the
// denormalized counters.
type CampaignStore interface {
	GetCampaign(ctx context.Context, id uint) (*models.Campaign, error)
	GetCampaignSteps(ctx context.Context, campaignID uint) ([]models.SequenceStep, error)
	UpdateCampaignStatus(ctx context.Context, id uint, from, to string) (bool, error)
	IncrementCampaignCounter(ctx context.Context, id uint, column string, delta int) error
	GetTemplate(ctx context.Context, id uint) (*models.Template, error)
	GetProspects(ctx context.Context, ids []uint) ([]models.Prospect, error)
}

// SenderStore manages sending accounts and their persisted OAuth tokens.
type SenderStore interface {
	GetSender(ctx context.Context, id uint) (*models.Sender, error)
	// ListIMAPSenders returns active accounts with an IMAP host configured,
	// for reply/bounce inbox polling.
	ListIMAPSenders(ctx context.Context) ([]models.Sender, error)
	// SaveSenderTokens durably stores rotated tokens. The adapter must not use
	// a refreshed token before this returns.
	SaveSenderTokens(ctx context.Context, senderID uint, accessToken, refreshToken string, expiry time.Time) error
	// DisableSender marks an account unusable after an auth failure.
	DisableSender(ctx context.Context, senderID uint, reason string) error
}

// QuotaStore is the authoritative daily budget. Reserve is a single
// conditional increment, never read-then-write.
type QuotaStore interface {
	GetQuota(ctx context.Context, senderID uint) (*models.SenderQuota, error)
	// ReserveQuota increments used_today iff used_today < daily_limit,
	// returning ErrQuotaExhausted otherwise.
	ReserveQuota(ctx context.Context, senderID uint) error
	// ReleaseQuota undoes a reservation whose send was never attempted.
	ReleaseQuota(ctx context.Context, senderID uint) error
	// ResetQuotaIfDue zeroes the counter and advances reset_at when reset_at
	// has passed. Atomic: concurrent callers reset at most once.
	ResetQuotaIfDue(ctx context.Context, senderID uint, now time.Time) error
	// SetQuotaUsed overwrites the local counter after reconciling against the
	// provider-reported value.
	SetQuotaUsed(ctx context.Context, senderID uint, used int) error
}

// SentEmailStore is the append-only attempt log plus engagement updates.
type SentEmailStore interface {
	// CreateSentEmail appends an attempt outcome. Inserting a second row with
	// status sent for the same (enrollment, step) returns ErrDuplicateSend.
	CreateSentEmail(ctx context.Context, email *models.SentEmail) error
	HasSentEmail(ctx context.Context, enrollmentID uint, stepIndex int) (bool, error)
	GetSentEmail(ctx context.Context, id uint) (*models.SentEmail, error)
	GetSentEmailByTrackingID(ctx context.Context, trackingID string) (*models.SentEmail, error)
	// GetSentEmailByMessageID resolves an inbound In-Reply-To or References
	// header back to the outbound send it answers.
	GetSentEmailByMessageID(ctx context.Context, messageID string) (*models.SentEmail, error)
	MarkSentEmailBounced(ctx context.Context, id uint, code string, at time.Time) error
	RecordEngagement(ctx context.Context, trackingID, event string, at time.Time) error
}

// BounceRuleStore loads the operator-supplied bounce classification rules.
type BounceRuleStore interface {
	GetBounceRules(ctx context.Context, userID uint) ([]models.BounceRule, error)
}

// Store is the full persistence surface consumed by the engine.
type Store interface {
	EnrollmentStore
	CampaignStore
	SenderStore
	QuotaStore
	SentEmailStore
	BounceRuleStore
}
