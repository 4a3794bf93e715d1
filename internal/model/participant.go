package model

import "time"

// Participant is one user's presence within one session of a consultation.
// A user may accumulate several rows across sessions (reconnects), but holds
// at most one open row (LeftAt == nil) per session.
type Participant struct {
	ID                   int64  `gorm:"primaryKey"`
	ConsultationID       string `gorm:"size:36;not null;index"`
	SessionID            string `gorm:"size:36;not null;index"`
	UserID               int64  `gorm:"not null;index"`
	Role                 string `gorm:"size:16;not null"`
	JoinedAt             time.Time `gorm:"not null"`
	LeftAt               *time.Time
	DeviceInfo           string `gorm:"size:256"`
	ConnectionIssueCount int
}

// TechnicalIssue is a user-reported problem during a consultation.
type TechnicalIssue struct {
	ID              int64  `gorm:"primaryKey"`
	ConsultationID  string `gorm:"size:36;not null;index"`
	ReporterID      int64  `gorm:"not null"`
	Category        string `gorm:"size:32;not null"`
	Severity        string `gorm:"size:16;not null"`
	Description     string
	Resolved        bool
	ResolutionNotes string
	CreatedAt       time.Time
}
