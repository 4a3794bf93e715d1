package model

import "time"

// TimeOffException blocks out part of a doctor's recurring availability.
// A full-day exception removes every window on the covered dates; otherwise
// only the StartMinute..EndMinute range is subtracted.
type TimeOffException struct {
	ID          int64     `gorm:"primaryKey"`
	DoctorID    int64     `gorm:"not null;index"`
	StartDate   time.Time `gorm:"not null"` // midnight UTC
	EndDate     time.Time `gorm:"not null"` // inclusive, midnight UTC
	FullDay     bool      `gorm:"not null"`
	StartMinute int
	EndMinute   int
	Reason      string `gorm:"size:256"`
	CreatedAt   time.Time
}
