package model

import "time"

// RecordingSegment is one provider-reported recording chunk of a consultation.
// Segments are ordered by StartTime; the file URL may expire upstream, which
// ExpiresAt captures when the provider reports it.
type RecordingSegment struct {
	ID               int64  `gorm:"primaryKey"`
	ConsultationID   string `gorm:"size:36;not null;index"`
	SegmentID        string `gorm:"size:128;not null;uniqueIndex"`
	FileURL          string `gorm:"size:512"`
	StartTime        time.Time `gorm:"not null"`
	EndTime          time.Time
	ProcessingStatus string `gorm:"size:16;not null;default:processing"`
	ExpiresAt        *time.Time
	CreatedAt        time.Time
}
