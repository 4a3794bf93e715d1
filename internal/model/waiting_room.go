package model

import "time"

// WaitingRoomEntry records one user waiting for a consultation to start.
// Open entries (LeftAt == nil) for the same doctor form the queue used for
// position and wait-time estimates.
type WaitingRoomEntry struct {
	ID             int64  `gorm:"primaryKey"`
	ConsultationID string `gorm:"size:36;not null;index:ix_waiting_consultation"`
	DoctorID       int64  `gorm:"not null;index"`
	UserID         int64  `gorm:"not null"`
	Role           string `gorm:"size:16;not null"`
	EnteredAt      time.Time `gorm:"not null"`
	LeftAt         *time.Time
}
