package models

import "gorm.io/gorm"

// User represents a tenant account. Registration and credential management
// live in the external auth service; this record backs JWT validation and
// row ownership only.
type User struct {
	gorm.Model
	Email        string `gorm:"not null;uniqueIndex" json:"email"`
	Name         string `json:"name"`
	IsActive     bool   `gorm:"default:true" json:"is_active"`
	TokenVersion int    `gorm:"default:0" json:"-"`

	// Relations
	Senders   []Sender   `gorm:"foreignKey:UserID" json:"senders,omitempty"`
	Campaigns []Campaign `gorm:"foreignKey:UserID" json:"campaigns,omitempty"`
}
