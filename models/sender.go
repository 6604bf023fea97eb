package models

import (
	"time"

	"gorm.io/gorm"
)

// Sender represents one outbound email account (SMTP credentials plus
// optional OAuth token lifecycle) belonging to a user.
type Sender struct {
	gorm.Model
	UserID uint `gorm:"not null;index" json:"user_id"`

	// Basic identification
	Name      string `gorm:"not null" json:"name"`
	FromEmail string `gorm:"not null" json:"from_email"`
	FromName  string `gorm:"not null" json:"from_name"`

	// Connection type
	ProviderType string `gorm:"not null" json:"provider_type"` // smtp, gmail, outlook

	// ========= SMTP Configuration =========
	SMTPHost     string `gorm:"not null" json:"smtp_host"`
	SMTPPort     int    `gorm:"not null" json:"smtp_port"`
	SMTPUsername string `gorm:"not null" json:"smtp_username"`
	SMTPPassword string `gorm:"not null" json:"-"` // Encrypted in application layer

	// ========= IMAP Configuration (reply/bounce polling) =========
	IMAPHost     string `json:"imap_host"`
	IMAPPort     int    `json:"imap_port" gorm:"default:993"`
	IMAPUsername string `json:"imap_username"`
	IMAPPassword string `json:"-"` // Encrypted in application layer
	IMAPMailbox  string `json:"imap_mailbox" gorm:"default:'INBOX'"`

	// ========= OAuth Configuration =========
	OAuthProvider     string    `gorm:"column:oauth_provider" json:"oauth_provider"`
	OAuthToken        string    `gorm:"column:oauth_token" json:"-"`         // Encrypted
	OAuthRefreshToken string    `gorm:"column:oauth_refresh_token" json:"-"` // Encrypted
	OAuthExpiry       time.Time `gorm:"column:oauth_expiry" json:"oauth_expiry"`

	// ========= Status =========
	IsActive  bool    `gorm:"default:true" json:"is_active"`
	LastError *string `json:"last_error"`

	// Relations
	Quota SenderQuota `gorm:"foreignKey:SenderID" json:"quota,omitempty"`
}

// Sanitize strips secrets before the record leaves the API surface.
func (s *Sender) Sanitize() {
	s.SMTPPassword = ""
	s.IMAPPassword = ""
	s.OAuthToken = ""
	s.OAuthRefreshToken = ""
}

// SenderQuota is the authoritative per-account daily send budget.
// Invariant: UsedToday never exceeds DailyLimit; the counter resets
// atomically once ResetAt passes.
type SenderQuota struct {
	gorm.Model
	SenderID uint `gorm:"not null;uniqueIndex" json:"sender_id"`

	DailyLimit int       `gorm:"default:500" json:"daily_limit"`
	UsedToday  int       `gorm:"default:0" json:"used_today"`
	ResetAt    time.Time `gorm:"not null" json:"reset_at"`
}

// Remaining returns the sends left in the current budget day.
func (q *SenderQuota) Remaining() int {
	if r := q.DailyLimit - q.UsedToday; r > 0 {
		return r
	}
	return 0
}

// Bounce classifications
const (
	BounceClassHard = "hard"
	BounceClassSoft = "soft"
)

// BounceRule maps a provider bounce status code prefix to a hard or soft
// classification. Rules are operator-supplied configuration, not a hardcoded
// provider taxonomy; longest matching prefix wins.
type BounceRule struct {
	gorm.Model
	UserID uint `gorm:"index" json:"user_id"` // zero = global default rule

	CodePrefix     string `gorm:"not null;index" json:"code_prefix"` // e.g. "5.1", "4."
	Classification string `gorm:"not null" json:"classification"`    // hard, soft
}
