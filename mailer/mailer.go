package mailer

import (
	"context"
	"errors"
)

var (
	// ErrAuthFailed marks a provider authentication failure. The account is
	// unusable until reauthenticated; callers must not retry.
	ErrAuthFailed = errors.New("provider authentication failed")
	// ErrSendTimeout marks a provider call that exceeded its deadline.
	// Treated as transient, never as a hang.
	ErrSendTimeout = errors.New("provider send timed out")
	// ErrQuotaUnsupported is returned by GetQuotaStatus for accounts whose
	// provider exposes no quota API (plain SMTP).
	ErrQuotaUnsupported = errors.New("provider does not report quota")
)

// OutgoingEmail is one fully rendered message ready for transport.
// Template variable substitution happens upstream; the body arrives final.
type OutgoingEmail struct {
	To         string
	Subject    string
	HTMLBody   string
	TextBody   string
	TrackingID string

	// Threading headers for reply correlation
	InReplyTo  string
	References []string
}

// QuotaSnapshot is the provider-reported view of the account's send budget,
// used as a secondary source of truth for reconciliation.
type QuotaSnapshot struct {
	DailyLimit int `json:"daily_limit"`
	Remaining  int `json:"remaining"`
}

// Adapter wraps one outbound email account: token lifecycle, message
// construction, the send call, and provider-reported quota.
type Adapter interface {
	// Initialize loads persisted tokens and refreshes them when inside the
	// expiry margin. A rotated token is durably stored before it is used.
	Initialize(ctx context.Context) error

	// SendEmail builds and submits the message, returning the message id
	// assigned to it.
	SendEmail(ctx context.Context, email OutgoingEmail) (string, error)

	// GetQuotaStatus reads the provider-reported remaining quota.
	GetQuotaStatus(ctx context.Context) (*QuotaSnapshot, error)

	// Close releases the adapter. A closed adapter must be re-obtained from
	// the registry.
	Close() error
}
