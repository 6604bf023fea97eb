package models

import (
	"time"

	"gorm.io/gorm"
)

// Campaign statuses
const (
	CampaignStatusDraft     = "draft"
	CampaignStatusActive    = "active"
	CampaignStatusPaused    = "paused"
	CampaignStatusCompleted = "completed"
	CampaignStatusArchived  = "archived"
)

// Campaign represents an outbound drip campaign owned by a user
type Campaign struct {
	gorm.Model
	UserID   uint `gorm:"not null;index" json:"user_id"`
	SenderID uint `gorm:"not null;index" json:"sender_id"`

	Name        string `gorm:"not null" json:"name"`
	Description string `json:"description"`

	Status      string     `gorm:"default:'draft'" json:"status"` // draft, active, paused, completed, archived
	ActivatedAt *time.Time `json:"activated_at"`
	CompletedAt *time.Time `json:"completed_at"`

	// Sending window stored as JSON, evaluated in its own timezone
	Window SendingWindow `gorm:"type:jsonb;serializer:json" json:"window"`

	// Statistics (denormalized for performance)
	EnrolledCount int `gorm:"default:0" json:"enrolled_count"`
	SentCount     int `gorm:"default:0" json:"sent_count"`
	ReplyCount    int `gorm:"default:0" json:"reply_count"`
	BounceCount   int `gorm:"default:0" json:"bounce_count"`

	// Relations
	Steps       []SequenceStep `gorm:"foreignKey:CampaignID" json:"steps,omitempty"`
	Enrollments []Enrollment   `gorm:"foreignKey:CampaignID" json:"enrollments,omitempty"`
}

// SendingWindow is the timezone-aware weekday/time-of-day range in which
// sends are permitted. End is exclusive: [start, end).
type SendingWindow struct {
	Timezone    string         `json:"timezone"` // IANA name, e.g. "America/New_York"
	Weekdays    []time.Weekday `json:"weekdays"`
	StartHour   int            `json:"start_hour"`
	StartMinute int            `json:"start_minute"`
	EndHour     int            `json:"end_hour"`
	EndMinute   int            `json:"end_minute"`
}

// SequenceStep represents one templated message in a campaign sequence.
// Steps are append-only once the campaign is active so in-flight enrollment
// indices stay valid.
type SequenceStep struct {
	gorm.Model
	CampaignID uint `gorm:"not null;index" json:"campaign_id"`
	TemplateID uint `gorm:"not null;index" json:"template_id"`

	StepIndex int `gorm:"not null" json:"step_index"` // 0-based, contiguous
	DelayDays int `gorm:"not null" json:"delay_days"` // delay from the previous step

	// Tracking
	SentCount int `gorm:"default:0" json:"sent_count"`

	// Relations
	Template Template `json:"-"`
}

// Template represents a rendered email template. Variable substitution is
// handled by an external service before content reaches this engine.
type Template struct {
	gorm.Model
	UserID uint `gorm:"not null;index" json:"user_id"`

	Name        string `gorm:"not null" json:"name"`
	Subject     string `gorm:"not null" json:"subject"`
	HTMLContent string `gorm:"type:text" json:"html_content"`
	TextContent string `gorm:"type:text" json:"text_content"`
}
