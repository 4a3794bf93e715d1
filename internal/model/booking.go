package model

import (
	"fmt"
	"time"
)

// BookingStatus is the lifecycle status of a booking.
type BookingStatus string

const (
	BookingPending   BookingStatus = "pending"
	BookingConfirmed BookingStatus = "confirmed"
	BookingCompleted BookingStatus = "completed"
	BookingCancelled BookingStatus = "cancelled"
	BookingNoShow    BookingStatus = "no_show"
)

// Terminal reports whether no further transition is allowed from s.
func (s BookingStatus) Terminal() bool {
	switch s {
	case BookingCompleted, BookingCancelled, BookingNoShow:
		return true
	}
	return false
}

// Booking is one appointment slot held by a patient with a doctor.
//
// SlotKey materializes the (doctor, date, time) uniqueness rule: it is set on
// every live booking and cleared when the booking is cancelled, so the unique
// index rejects a second live booking for the same slot while still allowing
// the slot to be rebooked after a cancellation.
type Booking struct {
	ID          int64         `gorm:"primaryKey"`
	DoctorID    int64         `gorm:"not null;index"`
	PatientID   int64         `gorm:"not null;index"`
	Date        time.Time     `gorm:"not null"` // midnight UTC
	StartMinute int           `gorm:"not null"`
	Status      BookingStatus `gorm:"size:16;not null;default:pending"`
	SlotKey     *string       `gorm:"uniqueIndex;size:64"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// SlotKeyFor builds the slot uniqueness key for a (doctor, date, time) triple.
func SlotKeyFor(doctorID int64, date time.Time, startMinute int) string {
	return fmt.Sprintf("%d:%s:%04d", doctorID, date.Format("2006-01-02"), startMinute)
}
