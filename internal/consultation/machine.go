package consultation

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"telehealth-backend/config"
	"telehealth-backend/internal/actor"
	"telehealth-backend/internal/events"
	"telehealth-backend/internal/model"
	"telehealth-backend/internal/store"
	"telehealth-backend/internal/video"
)

var (
	// ErrIllegalTransition is a state-machine guard violation. No state is
	// changed and the caller sees the current/requested states in the message.
	ErrIllegalTransition = errors.New("illegal consultation transition")

	// ErrUnauthorizedActor means the caller is not a party to the
	// consultation or lacks the role the action requires.
	ErrUnauthorizedActor = errors.New("actor not allowed to perform this action")

	// ErrConsultationExists means the booking already has a live consultation.
	ErrConsultationExists = errors.New("booking already has a consultation")

	// ErrOutsideJoinWindow means the waiting room cannot be entered yet (or
	// anymore) for this consultation.
	ErrOutsideJoinWindow = errors.New("outside the allowed join window")
)

// Machine owns the consultation lifecycle. Every transition runs under the
// per-consultation lock of the store, validates its guard, persists, and
// emits a lifecycle event.
type Machine struct {
	store      store.Store
	registry   *video.Registry
	bus        events.Publisher
	sched      config.SchedulingConfig
	maxRetries int

	now func() time.Time // injectable clock for tests
}

// NewMachine creates the consultation state machine.
func NewMachine(s store.Store, reg *video.Registry, bus events.Publisher, sched config.SchedulingConfig, maxRetries int) *Machine {
	return &Machine{
		store:      s,
		registry:   reg,
		bus:        bus,
		sched:      sched,
		maxRetries: maxRetries,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the machine's clock. Test helper.
func (m *Machine) SetClock(now func() time.Time) { m.now = now }

// CreateParams describes a consultation to provision.
type CreateParams struct {
	BookingID        *int64
	DoctorID         int64
	PatientID        int64
	Provider         string
	RecordingEnabled bool
	ScheduledStart   time.Time
}

// Create provisions a consultation and its meeting. When the booking already
// has a non-terminal consultation the call fails with ErrConsultationExists.
// A provider outage does not fail the call: the consultation is persisted
// without meeting details and the meeting can be provisioned again later.
func (m *Machine) Create(ctx context.Context, p CreateParams, who actor.Actor) (*model.Consultation, *video.MeetingInfo, error) {
	if p.BookingID != nil {
		var b model.Booking
		if err := m.store.DB().WithContext(ctx).First(&b, *p.BookingID).Error; err != nil {
			return nil, nil, fmt.Errorf("booking %d: %w", *p.BookingID, err)
		}
		if b.Status.Terminal() {
			return nil, nil, fmt.Errorf("%w: booking %d is %s", ErrIllegalTransition, b.ID, b.Status)
		}
		p.DoctorID, p.PatientID = b.DoctorID, b.PatientID
		if p.ScheduledStart.IsZero() {
			p.ScheduledStart = b.Date.Add(time.Duration(b.StartMinute) * time.Minute)
		}

		var live int64
		err := m.store.DB().WithContext(ctx).Model(&model.Consultation{}).
			Where("booking_id = ? AND status NOT IN ?", b.ID, terminalStatuses()).
			Count(&live).Error
		if err != nil {
			return nil, nil, err
		}
		if live > 0 {
			return nil, nil, ErrConsultationExists
		}
	}
	if p.DoctorID <= 0 || p.PatientID <= 0 {
		return nil, nil, fmt.Errorf("doctor and patient ids are required")
	}
	if p.Provider == "" {
		p.Provider = m.registry.Default().Name()
	}

	c := &model.Consultation{
		ID:               uuid.NewString(),
		BookingID:        p.BookingID,
		DoctorID:         p.DoctorID,
		PatientID:        p.PatientID,
		VideoProvider:    p.Provider,
		Status:           model.ConsultationScheduled,
		ScheduledStart:   p.ScheduledStart.UTC(),
		RecordingEnabled: p.RecordingEnabled,
	}

	info, err := m.provisionMeeting(ctx, c)
	if err != nil {
		if !errors.Is(err, video.ErrProviderUnavailable) {
			return nil, nil, err
		}
		log.Printf("provider %s unavailable, creating consultation %s without a meeting: %v", p.Provider, c.ID, err)
		info = nil
	}

	// The uniqueness check runs again inside the insert transaction, under
	// a lock on the booking row, so two racing creations for the same
	// booking serialize and the loser sees the winner's row.
	err = m.store.DB().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if p.BookingID != nil {
			var b model.Booking
			if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
				First(&b, *p.BookingID).Error; err != nil {
				return err
			}
			var live int64
			err := tx.Model(&model.Consultation{}).
				Where("booking_id = ? AND status NOT IN ?", b.ID, terminalStatuses()).
				Count(&live).Error
			if err != nil {
				return err
			}
			if live > 0 {
				return ErrConsultationExists
			}
		}
		return tx.Create(c).Error
	})
	if err != nil {
		if errors.Is(err, ErrConsultationExists) {
			return nil, nil, err
		}
		return nil, nil, fmt.Errorf("failed to create consultation: %w", err)
	}

	m.emit(c.ID, "", model.ConsultationScheduled, who)
	return c, info, nil
}

// provisionMeeting creates the meeting on the requested provider (with retry
// and default-provider fallback) and fills the meeting fields of c.
func (m *Machine) provisionMeeting(ctx context.Context, c *model.Consultation) (*video.MeetingInfo, error) {
	recording := c.RecordingEnabled && c.RecordingConsentDoctor && c.RecordingConsentPatient
	served, info, err := video.CreateMeetingWithRetry(ctx, m.registry, c.VideoProvider, m.maxRetries, video.CreateMeetingRequest{
		Topic:            fmt.Sprintf("Consultation %s", c.ID),
		StartTime:        c.ScheduledStart,
		DurationMinutes:  m.sched.DefaultVisitMinutes,
		RecordingEnabled: recording,
	})
	if err != nil {
		return nil, err
	}
	c.VideoProvider = served
	c.MeetingID = info.MeetingID
	c.MeetingURL = info.JoinURL
	c.MeetingPassword = info.Password
	return info, nil
}

// RetryMeeting provisions a meeting for a consultation created degraded.
func (m *Machine) RetryMeeting(ctx context.Context, id string) (*video.MeetingInfo, error) {
	var info *video.MeetingInfo
	err := m.store.WithConsultationLock(ctx, id, func(tx *gorm.DB, c *model.Consultation) error {
		if c.MeetingID != "" {
			info = &video.MeetingInfo{MeetingID: c.MeetingID, JoinURL: c.MeetingURL, Password: c.MeetingPassword}
			return nil
		}
		if c.Status.Terminal() {
			return fmt.Errorf("%w: consultation is %s", ErrIllegalTransition, c.Status)
		}
		var err error
		if info, err = m.provisionMeeting(ctx, c); err != nil {
			return err
		}
		return tx.Model(c).Updates(map[string]any{
			"video_provider":   c.VideoProvider,
			"meeting_id":       c.MeetingID,
			"meeting_url":      c.MeetingURL,
			"meeting_password": c.MeetingPassword,
		}).Error
	})
	return info, err
}

// Overdue reports whether the consultation is still scheduled past its late
// join bound. Overdue consultations are flagged, never auto-transitioned.
func (m *Machine) Overdue(c *model.Consultation) bool {
	if c.Status != model.ConsultationScheduled {
		return false
	}
	late := c.ScheduledStart.Add(time.Duration(m.sched.JoinLateMinutes) * time.Minute)
	return m.now().After(late)
}

// EnterWaiting moves scheduled -> waiting when the first party arrives.
// Either participant may enter, but only within the configured join window
// around the scheduled start.
func (m *Machine) EnterWaiting(ctx context.Context, id string, who actor.Actor) (*model.Consultation, error) {
	var out *model.Consultation
	var from model.ConsultationStatus
	err := m.store.WithConsultationLock(ctx, id, func(tx *gorm.DB, c *model.Consultation) error {
		if err := m.requireParty(c, who); err != nil {
			return err
		}
		switch c.Status {
		case model.ConsultationScheduled:
			now := m.now()
			early := c.ScheduledStart.Add(-time.Duration(m.sched.JoinEarlyMinutes) * time.Minute)
			late := c.ScheduledStart.Add(time.Duration(m.sched.JoinLateMinutes) * time.Minute)
			if now.Before(early) || now.After(late) {
				return fmt.Errorf("%w: scheduled for %s", ErrOutsideJoinWindow, c.ScheduledStart.Format(time.RFC3339))
			}
			from = c.Status
			c.Status = model.ConsultationWaiting
			if err := tx.Model(c).Update("status", c.Status).Error; err != nil {
				return err
			}
		case model.ConsultationWaiting, model.ConsultationInProgress:
			// Second party or a reconnect; no transition.
		default:
			return fmt.Errorf("%w: cannot enter waiting from %s", ErrIllegalTransition, c.Status)
		}
		out = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	if from != "" {
		m.emit(id, from, model.ConsultationWaiting, who)
	}
	return out, nil
}

// Start moves waiting -> in_progress. Only the doctor may start, and only
// once both the doctor and the patient hold an open waiting-room session.
func (m *Machine) Start(ctx context.Context, id string, who actor.Actor) (*model.Consultation, error) {
	var out *model.Consultation
	err := m.store.WithConsultationLock(ctx, id, func(tx *gorm.DB, c *model.Consultation) error {
		if who.Role != actor.RoleDoctor || who.ID != c.DoctorID {
			return fmt.Errorf("%w: only the doctor may start the consultation", ErrUnauthorizedActor)
		}
		if c.Status != model.ConsultationWaiting {
			return fmt.Errorf("%w: start requires waiting, got %s", ErrIllegalTransition, c.Status)
		}

		for _, userID := range []int64{c.DoctorID, c.PatientID} {
			var open int64
			err := tx.Model(&model.WaitingRoomEntry{}).
				Where("consultation_id = ? AND user_id = ? AND left_at IS NULL", c.ID, userID).
				Count(&open).Error
			if err != nil {
				return err
			}
			if open == 0 {
				return fmt.Errorf("%w: user %d has no open waiting-room session", ErrIllegalTransition, userID)
			}
		}

		now := m.now()
		c.Status = model.ConsultationInProgress
		c.ActualStart = &now
		out = c
		return tx.Model(c).Updates(map[string]any{
			"status":       c.Status,
			"actual_start": now,
		}).Error
	})
	if err != nil {
		return nil, err
	}
	m.emit(id, model.ConsultationWaiting, model.ConsultationInProgress, who)
	return out, nil
}

// End moves in_progress -> completed. Only the doctor may end. Duration is
// rounded to the minute. Open sessions and waiting entries are closed.
func (m *Machine) End(ctx context.Context, id string, who actor.Actor, notes string) (*model.Consultation, error) {
	var out *model.Consultation
	err := m.store.WithConsultationLock(ctx, id, func(tx *gorm.DB, c *model.Consultation) error {
		if who.Role != actor.RoleDoctor || who.ID != c.DoctorID {
			return fmt.Errorf("%w: only the doctor may end the consultation", ErrUnauthorizedActor)
		}
		if c.Status != model.ConsultationInProgress {
			return fmt.Errorf("%w: end requires in_progress, got %s", ErrIllegalTransition, c.Status)
		}

		now := m.now()
		c.Status = model.ConsultationCompleted
		c.ActualEnd = &now
		if c.ActualStart != nil {
			c.DurationMinutes = int(math.Round(now.Sub(*c.ActualStart).Minutes()))
		}
		c.Notes = notes

		if err := tx.Model(c).Updates(map[string]any{
			"status":           c.Status,
			"actual_end":       now,
			"duration_minutes": c.DurationMinutes,
			"notes":            notes,
		}).Error; err != nil {
			return err
		}
		if err := closeOpenTracking(tx, c.ID, now); err != nil {
			return err
		}
		if c.BookingID != nil {
			if err := syncBooking(tx, *c.BookingID, model.BookingCompleted); err != nil {
				return err
			}
		}
		out = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.emit(id, model.ConsultationInProgress, model.ConsultationCompleted, who)
	return out, nil
}

// Cancel moves any non-terminal state -> cancelled. Any party (or staff) may
// request it; a linked booking is synchronized to cancelled.
func (m *Machine) Cancel(ctx context.Context, id string, who actor.Actor) (*model.Consultation, error) {
	return m.cancel(ctx, id, who, true)
}

// CancelActiveForBooking cancels the live consultation of a booking, if any.
// Used by the booking guard cascade; the booking row is already cancelled so
// it is not synchronized again.
func (m *Machine) CancelActiveForBooking(ctx context.Context, bookingID int64, who actor.Actor) error {
	var ids []string
	err := m.store.DB().WithContext(ctx).Model(&model.Consultation{}).
		Where("booking_id = ? AND status NOT IN ?", bookingID, terminalStatuses()).
		Pluck("id", &ids).Error
	if err != nil {
		return err
	}
	for _, id := range ids {
		if _, err := m.cancel(ctx, id, who, false); err != nil {
			return err
		}
	}
	return nil
}

func (m *Machine) cancel(ctx context.Context, id string, who actor.Actor, syncBookingRow bool) (*model.Consultation, error) {
	var out *model.Consultation
	var from model.ConsultationStatus
	err := m.store.WithConsultationLock(ctx, id, func(tx *gorm.DB, c *model.Consultation) error {
		if who.Role != actor.RoleSystem && who.Role != actor.RoleStaff {
			if err := m.requireParty(c, who); err != nil {
				return err
			}
		}
		if c.Status.Terminal() {
			return fmt.Errorf("%w: consultation is already %s", ErrIllegalTransition, c.Status)
		}

		from = c.Status
		now := m.now()
		c.Status = model.ConsultationCancelled
		if err := tx.Model(c).Update("status", c.Status).Error; err != nil {
			return err
		}
		if err := closeOpenTracking(tx, c.ID, now); err != nil {
			return err
		}
		if syncBookingRow && c.BookingID != nil {
			if err := syncBooking(tx, *c.BookingID, model.BookingCancelled); err != nil {
				return err
			}
		}
		out = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.emit(id, from, model.ConsultationCancelled, who)
	return out, nil
}

// MarkNoShow moves scheduled -> no_show once the grace period has elapsed
// with nobody having entered the waiting room. Called by the sweeper.
func (m *Machine) MarkNoShow(ctx context.Context, id string) (*model.Consultation, error) {
	var out *model.Consultation
	err := m.store.WithConsultationLock(ctx, id, func(tx *gorm.DB, c *model.Consultation) error {
		if c.Status != model.ConsultationScheduled {
			return fmt.Errorf("%w: no_show requires scheduled, got %s", ErrIllegalTransition, c.Status)
		}
		grace := time.Duration(m.sched.NoShowGraceMinutes) * time.Minute
		if m.now().Before(c.ScheduledStart.Add(grace)) {
			return fmt.Errorf("%w: grace period has not elapsed", ErrIllegalTransition)
		}
		var entries int64
		if err := tx.Model(&model.WaitingRoomEntry{}).
			Where("consultation_id = ?", c.ID).
			Count(&entries).Error; err != nil {
			return err
		}
		if entries > 0 {
			return fmt.Errorf("%w: a party entered the waiting room", ErrIllegalTransition)
		}

		c.Status = model.ConsultationNoShow
		if err := tx.Model(c).Update("status", c.Status).Error; err != nil {
			return err
		}
		if c.BookingID != nil {
			if err := syncBooking(tx, *c.BookingID, model.BookingNoShow); err != nil {
				return err
			}
		}
		out = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.emit(id, model.ConsultationScheduled, model.ConsultationNoShow, actor.System)
	return out, nil
}

// Reschedule closes the consultation as rescheduled and spawns a replacement
// at the new start time, provisioning a fresh meeting.
func (m *Machine) Reschedule(ctx context.Context, id string, newStart time.Time, who actor.Actor) (*model.Consultation, error) {
	var replacement *model.Consultation
	var from model.ConsultationStatus
	err := m.store.WithConsultationLock(ctx, id, func(tx *gorm.DB, c *model.Consultation) error {
		if who.Role != actor.RoleStaff {
			if err := m.requireParty(c, who); err != nil {
				return err
			}
		}
		if c.Status != model.ConsultationScheduled && c.Status != model.ConsultationWaiting {
			return fmt.Errorf("%w: reschedule requires scheduled or waiting, got %s", ErrIllegalTransition, c.Status)
		}

		next := &model.Consultation{
			ID:               uuid.NewString(),
			BookingID:        c.BookingID,
			DoctorID:         c.DoctorID,
			PatientID:        c.PatientID,
			VideoProvider:    c.VideoProvider,
			Status:           model.ConsultationScheduled,
			ScheduledStart:   newStart.UTC(),
			RecordingEnabled: c.RecordingEnabled,
		}
		if _, err := m.provisionMeeting(ctx, next); err != nil && !errors.Is(err, video.ErrProviderUnavailable) {
			return err
		}
		if err := tx.Create(next).Error; err != nil {
			return err
		}

		from = c.Status
		c.Status = model.ConsultationRescheduled
		c.RescheduledTo = &next.ID
		if err := tx.Model(c).Updates(map[string]any{
			"status":         c.Status,
			"rescheduled_to": next.ID,
		}).Error; err != nil {
			return err
		}
		if err := closeOpenTracking(tx, c.ID, m.now()); err != nil {
			return err
		}
		replacement = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.emit(id, from, model.ConsultationRescheduled, who)
	m.emit(replacement.ID, "", model.ConsultationScheduled, who)
	return replacement, nil
}

// SetRecordingConsent stores the caller's consent flag. Toggling consent
// after recording has started never alters segments already captured.
func (m *Machine) SetRecordingConsent(ctx context.Context, id string, who actor.Actor, consent bool) (*model.Consultation, error) {
	var out *model.Consultation
	err := m.store.WithConsultationLock(ctx, id, func(tx *gorm.DB, c *model.Consultation) error {
		column := ""
		switch {
		case who.Role == actor.RoleDoctor && who.ID == c.DoctorID:
			column = "recording_consent_doctor"
			c.RecordingConsentDoctor = consent
		case who.Role == actor.RolePatient && who.ID == c.PatientID:
			column = "recording_consent_patient"
			c.RecordingConsentPatient = consent
		default:
			return fmt.Errorf("%w: only the doctor or patient may set consent", ErrUnauthorizedActor)
		}
		out = c
		return tx.Model(c).Update(column, consent).Error
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// RecordingAuthorized reports whether recording may run: the consultation
// must have recording enabled and both parties consenting.
func RecordingAuthorized(c *model.Consultation) bool {
	return c.RecordingEnabled && c.RecordingConsentDoctor && c.RecordingConsentPatient
}

// ApplyMeetingStarted is the webhook-driven start: the provider reports the
// meeting is live. Idempotent: already in_progress is a no-op.
func (m *Machine) ApplyMeetingStarted(ctx context.Context, id string, at time.Time) error {
	var from model.ConsultationStatus
	err := m.store.WithConsultationLock(ctx, id, func(tx *gorm.DB, c *model.Consultation) error {
		switch c.Status {
		case model.ConsultationInProgress:
			return nil
		case model.ConsultationScheduled, model.ConsultationWaiting:
			from = c.Status
			c.Status = model.ConsultationInProgress
			c.ActualStart = &at
			return tx.Model(c).Updates(map[string]any{
				"status":       c.Status,
				"actual_start": at,
			}).Error
		default:
			return fmt.Errorf("%w: meeting started while %s", ErrIllegalTransition, c.Status)
		}
	})
	if err != nil {
		return err
	}
	if from != "" {
		m.emit(id, from, model.ConsultationInProgress, actor.System)
	}
	return nil
}

// ApplyMeetingEnded is the webhook-driven completion. Idempotent.
func (m *Machine) ApplyMeetingEnded(ctx context.Context, id string, at time.Time) error {
	var applied bool
	err := m.store.WithConsultationLock(ctx, id, func(tx *gorm.DB, c *model.Consultation) error {
		if c.Status.Terminal() {
			return nil
		}
		if c.Status != model.ConsultationInProgress {
			return fmt.Errorf("%w: meeting ended while %s", ErrIllegalTransition, c.Status)
		}
		applied = true
		c.Status = model.ConsultationCompleted
		c.ActualEnd = &at
		if c.ActualStart != nil {
			c.DurationMinutes = int(math.Round(at.Sub(*c.ActualStart).Minutes()))
		}
		if err := tx.Model(c).Updates(map[string]any{
			"status":           c.Status,
			"actual_end":       at,
			"duration_minutes": c.DurationMinutes,
		}).Error; err != nil {
			return err
		}
		if err := closeOpenTracking(tx, c.ID, at); err != nil {
			return err
		}
		if c.BookingID != nil {
			return syncBooking(tx, *c.BookingID, model.BookingCompleted)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if applied {
		m.emit(id, model.ConsultationInProgress, model.ConsultationCompleted, actor.System)
	}
	return nil
}

// SetConnectionQuality records the latest provider quality report.
func (m *Machine) SetConnectionQuality(ctx context.Context, id, quality string) error {
	return m.store.DB().WithContext(ctx).Model(&model.Consultation{}).
		Where("id = ?", id).
		Update("connection_quality", quality).Error
}

func (m *Machine) requireParty(c *model.Consultation, who actor.Actor) error {
	switch who.Role {
	case actor.RoleDoctor:
		if who.ID == c.DoctorID {
			return nil
		}
	case actor.RolePatient:
		if who.ID == c.PatientID {
			return nil
		}
	}
	return fmt.Errorf("%w: user %d (%s) is not a party to consultation %s", ErrUnauthorizedActor, who.ID, who.Role, c.ID)
}

func (m *Machine) emit(id string, from, to model.ConsultationStatus, who actor.Actor) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(events.LifecycleEvent{
		Kind:           events.KindConsultation,
		ConsultationID: id,
		FromState:      string(from),
		ToState:        string(to),
		ActorID:        who.ID,
		ActorRole:      string(who.Role),
		OccurredAt:     m.now(),
	})
}

// closeOpenTracking closes any open sessions, participants and waiting-room
// entries once the consultation reaches a terminal state.
func closeOpenTracking(tx *gorm.DB, consultationID string, at time.Time) error {
	if err := tx.Model(&model.Participant{}).
		Where("consultation_id = ? AND left_at IS NULL", consultationID).
		Update("left_at", at).Error; err != nil {
		return err
	}
	if err := tx.Model(&model.ConsultationSession{}).
		Where("consultation_id = ? AND ended_at IS NULL", consultationID).
		Update("ended_at", at).Error; err != nil {
		return err
	}
	return tx.Model(&model.WaitingRoomEntry{}).
		Where("consultation_id = ? AND left_at IS NULL", consultationID).
		Update("left_at", at).Error
}

// syncBooking mirrors a consultation outcome onto the linked booking without
// re-entering the booking guard. Terminal bookings are left untouched.
func syncBooking(tx *gorm.DB, bookingID int64, status model.BookingStatus) error {
	var b model.Booking
	if err := tx.First(&b, bookingID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		return err
	}
	if b.Status.Terminal() {
		return nil
	}
	updates := map[string]any{"status": status}
	if status == model.BookingCancelled {
		updates["slot_key"] = nil
	}
	return tx.Model(&model.Booking{}).Where("id = ?", bookingID).Updates(updates).Error
}

func terminalStatuses() []model.ConsultationStatus {
	return []model.ConsultationStatus{
		model.ConsultationCompleted,
		model.ConsultationCancelled,
		model.ConsultationNoShow,
		model.ConsultationRescheduled,
	}
}
