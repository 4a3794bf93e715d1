package model

import "time"

// AvailabilityTemplate is one recurring weekly working window for a doctor.
// Times are stored as minutes from midnight, which keeps the window
// arithmetic integer-only.
type AvailabilityTemplate struct {
	ID          int64 `gorm:"primaryKey"`
	DoctorID    int64 `gorm:"not null;uniqueIndex:ux_template_window,priority:1"`
	Weekday     int   `gorm:"not null;uniqueIndex:ux_template_window,priority:2"` // 0 = Sunday
	StartMinute int   `gorm:"not null;uniqueIndex:ux_template_window,priority:3"`
	EndMinute   int   `gorm:"not null;uniqueIndex:ux_template_window,priority:4"`
	Active      bool  `gorm:"not null;default:true"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
