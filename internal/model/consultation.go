package model

import "time"

// ConsultationStatus is the lifecycle state of a video consultation.
type ConsultationStatus string

const (
	ConsultationScheduled   ConsultationStatus = "scheduled"
	ConsultationWaiting     ConsultationStatus = "waiting"
	ConsultationInProgress  ConsultationStatus = "in_progress"
	ConsultationCompleted   ConsultationStatus = "completed"
	ConsultationCancelled   ConsultationStatus = "cancelled"
	ConsultationNoShow      ConsultationStatus = "no_show"
	ConsultationRescheduled ConsultationStatus = "rescheduled"
)

// Terminal reports whether no further transition is allowed from s.
func (s ConsultationStatus) Terminal() bool {
	switch s {
	case ConsultationCompleted, ConsultationCancelled, ConsultationNoShow, ConsultationRescheduled:
		return true
	}
	return false
}

// Active reports whether the consultation currently occupies its booking.
func (s ConsultationStatus) Active() bool {
	return s == ConsultationWaiting || s == ConsultationInProgress
}

// Consultation is a video-based clinical visit, optionally linked to a booking.
// Rows are never physically deleted; cancellation is a terminal status.
type Consultation struct {
	ID                      string `gorm:"primaryKey;size:36"`
	BookingID               *int64 `gorm:"index"`
	DoctorID                int64  `gorm:"not null;index"`
	PatientID               int64  `gorm:"not null;index"`
	VideoProvider           string `gorm:"size:32;not null"`
	MeetingID               string `gorm:"size:128;index"`
	MeetingURL              string `gorm:"size:512"`
	MeetingPassword         string `gorm:"size:128"`
	Status                  ConsultationStatus `gorm:"size:16;not null;default:scheduled"`
	ScheduledStart          time.Time          `gorm:"not null;index"`
	ActualStart             *time.Time
	ActualEnd               *time.Time
	DurationMinutes         int
	RecordingEnabled        bool
	RecordingConsentDoctor  bool
	RecordingConsentPatient bool
	ConnectionQuality       string `gorm:"size:16"`
	Notes                   string
	RescheduledTo           *string `gorm:"size:36"`
	CreatedAt               time.Time
	UpdatedAt               time.Time

	Sessions []ConsultationSession `gorm:"foreignKey:ConsultationID"`
}

// ConsultationSession is one continuous connection window of a consultation.
// Reconnects open a new session under the same consultation.
type ConsultationSession struct {
	ID               string    `gorm:"primaryKey;size:36"`
	ConsultationID   string    `gorm:"size:36;not null;index"`
	StartedAt        time.Time `gorm:"not null"`
	EndedAt          *time.Time
	ParticipantCount int
}
