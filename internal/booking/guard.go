package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"telehealth-backend/internal/actor"
	"telehealth-backend/internal/availability"
	"telehealth-backend/internal/events"
	"telehealth-backend/internal/model"
	"telehealth-backend/internal/store"
)

var (
	// ErrSlotConflict means another live booking already holds the slot.
	// Callers should re-query availability and pick a different slot; the
	// engine never retries this on their behalf.
	ErrSlotConflict = errors.New("slot already booked")

	// ErrIllegalTransition means the requested status change is not allowed
	// from the booking's current status.
	ErrIllegalTransition = errors.New("illegal booking status transition")
)

// ConsultationCanceller cancels the active consultation attached to a
// booking, if any. Implemented by the consultation state machine; declared
// here to keep the dependency one-way.
type ConsultationCanceller interface {
	CancelActiveForBooking(ctx context.Context, bookingID int64, who actor.Actor) error
}

// Guard owns booking creation and status transitions. Slot uniqueness is the
// primary correctness invariant of the scheduling subsystem: the
// check-then-insert runs as one transaction backed by a unique index, so of
// two concurrent requests for the same slot exactly one succeeds.
type Guard struct {
	store         store.Store
	bus           events.Publisher
	consultations ConsultationCanceller
}

// NewGuard creates a booking guard.
func NewGuard(s store.Store, bus events.Publisher) *Guard {
	return &Guard{store: s, bus: bus}
}

// SetConsultationCanceller wires the consultation cascade. Called once at
// startup after the state machine exists.
func (g *Guard) SetConsultationCanceller(c ConsultationCanceller) {
	g.consultations = c
}

// Create books the slot for the patient, or fails with ErrSlotConflict when
// the slot is already held.
func (g *Guard) Create(ctx context.Context, doctorID, patientID int64, date time.Time, startMinute int) (*model.Booking, error) {
	if doctorID <= 0 || patientID <= 0 {
		return nil, fmt.Errorf("doctor and patient ids are required")
	}
	if startMinute < 0 || startMinute >= 24*60 {
		return nil, fmt.Errorf("invalid slot time %d", startMinute)
	}

	b := &model.Booking{
		DoctorID:    doctorID,
		PatientID:   patientID,
		Date:        availability.Midnight(date),
		StartMinute: startMinute,
		Status:      model.BookingPending,
	}
	if err := g.store.CreateBooking(ctx, b); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, ErrSlotConflict
		}
		return nil, err
	}

	g.emit(b, "", model.BookingPending, actor.Actor{ID: patientID, Role: actor.RolePatient})
	return b, nil
}

// IsSlotFree reports whether the exact (doctor, date, time) slot is open.
func (g *Guard) IsSlotFree(ctx context.Context, doctorID int64, date time.Time, startMinute int) (bool, error) {
	return g.store.IsSlotFree(ctx, doctorID, availability.Midnight(date), startMinute)
}

// Transition moves the booking to a new status, enforcing the legal edges:
// pending and confirmed may move to confirmed, cancelled, completed, or
// no_show; terminal statuses are immutable. Cancelling a booking with an
// active consultation cascades into the consultation state machine.
func (g *Guard) Transition(ctx context.Context, bookingID int64, next model.BookingStatus, who actor.Actor) (*model.Booking, error) {
	var b model.Booking
	var from model.BookingStatus

	// The guard check must see the current row, so the read takes a row
	// lock inside the same transaction as the update. Otherwise two
	// concurrent transitions could both pass the check and both commit.
	err := g.store.DB().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&b, bookingID).Error; err != nil {
			return err
		}
		if !legalTransition(b.Status, next) {
			return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, b.Status, next)
		}
		from = b.Status

		updates := map[string]any{"status": next}
		if next == model.BookingCancelled {
			// Free the slot so it can be rebooked.
			updates["slot_key"] = nil
		}
		return tx.Model(&model.Booking{}).Where("id = ?", b.ID).Updates(updates).Error
	})
	if err != nil {
		if errors.Is(err, ErrIllegalTransition) || errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to update booking %d: %w", bookingID, err)
	}

	b.Status = next
	if next == model.BookingCancelled {
		b.SlotKey = nil
	}

	if next == model.BookingCancelled && g.consultations != nil {
		if err := g.consultations.CancelActiveForBooking(ctx, b.ID, who); err != nil {
			return nil, fmt.Errorf("booking cancelled but consultation cascade failed: %w", err)
		}
	}

	g.emit(&b, from, next, who)
	return &b, nil
}

func legalTransition(from, to model.BookingStatus) bool {
	if from.Terminal() || from == to {
		return false
	}
	switch from {
	case model.BookingPending, model.BookingConfirmed:
		switch to {
		case model.BookingConfirmed, model.BookingCancelled, model.BookingCompleted, model.BookingNoShow:
			return true
		}
	}
	return false
}

func (g *Guard) emit(b *model.Booking, from, to model.BookingStatus, who actor.Actor) {
	if g.bus == nil {
		return
	}
	g.bus.Publish(events.LifecycleEvent{
		Kind:       events.KindBooking,
		BookingID:  b.ID,
		FromState:  string(from),
		ToState:    string(to),
		ActorID:    who.ID,
		ActorRole:  string(who.Role),
		OccurredAt: time.Now().UTC(),
	})
}
