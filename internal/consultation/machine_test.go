package consultation

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"telehealth-backend/config"
	"telehealth-backend/internal/actor"
	"telehealth-backend/internal/db"
	"telehealth-backend/internal/model"
	"telehealth-backend/internal/store"
	"telehealth-backend/internal/video"
)

// stubProvider provisions deterministic meetings and can be switched into an
// outage.
type stubProvider struct {
	name    string
	down    bool
	created atomic.Int64
}

func (p *stubProvider) Name() string { return p.name }

func (p *stubProvider) CreateMeeting(ctx context.Context, req video.CreateMeetingRequest) (*video.MeetingInfo, error) {
	if p.down {
		return nil, video.ErrProviderUnavailable
	}
	n := p.created.Add(1)
	return &video.MeetingInfo{
		MeetingID: fmt.Sprintf("%s-meeting-%d", p.name, n),
		JoinURL:   fmt.Sprintf("https://%s.example/room/%d", p.name, n),
	}, nil
}

func (p *stubProvider) GetMeetingInfo(ctx context.Context, meetingID string) (*video.MeetingInfo, error) {
	return &video.MeetingInfo{MeetingID: meetingID}, nil
}

func (p *stubProvider) GetRecordingInfo(ctx context.Context, meetingID string) ([]video.Recording, error) {
	return nil, nil
}

func (p *stubProvider) VerifySignature(header http.Header, body []byte) error { return nil }

func (p *stubProvider) ParseEvent(body []byte) (*video.Event, error) { return nil, nil }

type fixture struct {
	machine  *Machine
	provider *stubProvider
	gdb      *gorm.DB
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gdb, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)
	sqlDB, err := gdb.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.Migrate(gdb))

	provider := &stubProvider{name: "stub"}
	registry, err := video.NewRegistry("stub", provider)
	require.NoError(t, err)

	sched := config.SchedulingConfig{
		SlotDurationMinutes: 30,
		JoinEarlyMinutes:    15,
		JoinLateMinutes:     120,
		NoShowGraceMinutes:  15,
		DefaultVisitMinutes: 15,
	}

	f := &fixture{
		machine:  NewMachine(store.NewGormStore(gdb), registry, nil, sched, 1),
		provider: provider,
		gdb:      gdb,
		now:      time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
	}
	f.machine.SetClock(func() time.Time { return f.now })
	return f
}

func (f *fixture) advance(d time.Duration) { f.now = f.now.Add(d) }

func (f *fixture) create(t *testing.T) *model.Consultation {
	t.Helper()
	c, _, err := f.machine.Create(context.Background(), CreateParams{
		DoctorID:       1,
		PatientID:      100,
		ScheduledStart: f.now.Add(10 * time.Minute),
	}, actor.Actor{ID: 1, Role: actor.RoleStaff})
	require.NoError(t, err)
	return c
}

var (
	doctor  = actor.Actor{ID: 1, Role: actor.RoleDoctor}
	patient = actor.Actor{ID: 100, Role: actor.RolePatient}
)

func TestCreateProvisionsMeeting(t *testing.T) {
	f := newFixture(t)
	c := f.create(t)

	assert.Equal(t, model.ConsultationScheduled, c.Status)
	assert.Equal(t, "stub", c.VideoProvider)
	assert.NotEmpty(t, c.MeetingID)
	assert.NotEmpty(t, c.MeetingURL)
}

func TestCreateDegradedWhenProviderDown(t *testing.T) {
	f := newFixture(t)
	f.provider.down = true

	c, info, err := f.machine.Create(context.Background(), CreateParams{
		DoctorID:       1,
		PatientID:      100,
		ScheduledStart: f.now,
	}, actor.Actor{ID: 1, Role: actor.RoleStaff})
	require.NoError(t, err)
	assert.Nil(t, info)
	assert.Empty(t, c.MeetingID)
	assert.Equal(t, model.ConsultationScheduled, c.Status)

	// Once the provider recovers the meeting can be provisioned in place.
	f.provider.down = false
	retried, err := f.machine.RetryMeeting(context.Background(), c.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, retried.MeetingID)

	// A second retry returns the existing meeting instead of minting another.
	again, err := f.machine.RetryMeeting(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, retried.MeetingID, again.MeetingID)
	assert.EqualValues(t, 1, f.provider.created.Load())
}

func TestCreateRejectsSecondLiveConsultation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	b := model.Booking{DoctorID: 1, PatientID: 100, Date: time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC), StartMinute: 560, Status: model.BookingConfirmed}
	require.NoError(t, f.gdb.Create(&b).Error)

	_, _, err := f.machine.Create(ctx, CreateParams{BookingID: &b.ID}, actor.Actor{ID: 1, Role: actor.RoleStaff})
	require.NoError(t, err)

	_, _, err = f.machine.Create(ctx, CreateParams{BookingID: &b.ID}, actor.Actor{ID: 1, Role: actor.RoleStaff})
	assert.ErrorIs(t, err, ErrConsultationExists)
}

func TestConcurrentCreatesForBookingAdmitExactlyOne(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	b := model.Booking{DoctorID: 1, PatientID: 100, Date: time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC), StartMinute: 560, Status: model.BookingConfirmed}
	require.NoError(t, f.gdb.Create(&b).Error)

	const attempts = 8
	var wg sync.WaitGroup
	errs := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, errs[i] = f.machine.Create(ctx, CreateParams{BookingID: &b.ID}, actor.Actor{ID: 1, Role: actor.RoleStaff})
		}(i)
	}
	wg.Wait()

	var successes, rejected int
	for _, err := range errs {
		switch {
		case err == nil:
			successes++
		case assert.ErrorIs(t, err, ErrConsultationExists):
			rejected++
		}
	}
	assert.Equal(t, 1, successes)
	assert.Equal(t, attempts-1, rejected)

	var live int64
	require.NoError(t, f.gdb.Model(&model.Consultation{}).
		Where("booking_id = ?", b.ID).
		Count(&live).Error)
	assert.EqualValues(t, 1, live)
}

func enterBoth(t *testing.T, f *fixture, id string) {
	t.Helper()
	ctx := context.Background()
	_, err := f.machine.EnterWaiting(ctx, id, patient)
	require.NoError(t, err)
	for _, who := range []actor.Actor{patient, doctor} {
		entry := model.WaitingRoomEntry{ConsultationID: id, DoctorID: 1, UserID: who.ID, Role: string(who.Role), EnteredAt: f.now}
		require.NoError(t, f.gdb.Create(&entry).Error)
	}
}

func TestJoinWindowIsEnforced(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.create(t) // scheduled 10 minutes from now

	// 15 minutes early is allowed, 16 is not.
	f.now = c.ScheduledStart.Add(-16 * time.Minute)
	_, err := f.machine.EnterWaiting(ctx, c.ID, patient)
	assert.ErrorIs(t, err, ErrOutsideJoinWindow)

	f.now = c.ScheduledStart.Add(-15 * time.Minute)
	updated, err := f.machine.EnterWaiting(ctx, c.ID, patient)
	require.NoError(t, err)
	assert.Equal(t, model.ConsultationWaiting, updated.Status)

	// The second party entering is a no-op, not a transition error.
	updated, err = f.machine.EnterWaiting(ctx, c.ID, doctor)
	require.NoError(t, err)
	assert.Equal(t, model.ConsultationWaiting, updated.Status)
}

func TestJoinWindowClosesAfterLateBound(t *testing.T) {
	f := newFixture(t)
	c := f.create(t)

	f.now = c.ScheduledStart.Add(121 * time.Minute)
	_, err := f.machine.EnterWaiting(context.Background(), c.ID, patient)
	assert.ErrorIs(t, err, ErrOutsideJoinWindow)
}

func TestStartRequiresDoctorAndBothParties(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.create(t)

	// Cannot start straight from scheduled.
	_, err := f.machine.Start(ctx, c.ID, doctor)
	assert.ErrorIs(t, err, ErrIllegalTransition)

	f.now = c.ScheduledStart
	_, err = f.machine.EnterWaiting(ctx, c.ID, patient)
	require.NoError(t, err)

	// Patients cannot start.
	_, err = f.machine.Start(ctx, c.ID, patient)
	assert.ErrorIs(t, err, ErrUnauthorizedActor)

	// The doctor cannot start until both parties hold open waiting entries.
	entry := model.WaitingRoomEntry{ConsultationID: c.ID, DoctorID: 1, UserID: patient.ID, Role: string(patient.Role), EnteredAt: f.now}
	require.NoError(t, f.gdb.Create(&entry).Error)
	_, err = f.machine.Start(ctx, c.ID, doctor)
	assert.ErrorIs(t, err, ErrIllegalTransition)

	entry = model.WaitingRoomEntry{ConsultationID: c.ID, DoctorID: 1, UserID: doctor.ID, Role: string(doctor.Role), EnteredAt: f.now}
	require.NoError(t, f.gdb.Create(&entry).Error)
	started, err := f.machine.Start(ctx, c.ID, doctor)
	require.NoError(t, err)
	assert.Equal(t, model.ConsultationInProgress, started.Status)
	require.NotNil(t, started.ActualStart)
	assert.Equal(t, f.now, started.ActualStart.UTC())
}

func TestEndRoundsDurationToMinutes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.create(t)

	f.now = c.ScheduledStart
	enterBoth(t, f, c.ID)
	_, err := f.machine.Start(ctx, c.ID, doctor)
	require.NoError(t, err)

	f.advance(22*time.Minute + 40*time.Second)
	ended, err := f.machine.End(ctx, c.ID, doctor, "routine follow-up")
	require.NoError(t, err)

	assert.Equal(t, model.ConsultationCompleted, ended.Status)
	assert.Equal(t, 23, ended.DurationMinutes)
	assert.Equal(t, "routine follow-up", ended.Notes)

	// Tracking rows are closed with the consultation.
	var open int64
	require.NoError(t, f.gdb.Model(&model.WaitingRoomEntry{}).
		Where("consultation_id = ? AND left_at IS NULL", c.ID).
		Count(&open).Error)
	assert.Zero(t, open)
}

func TestEndSynchronizesBooking(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	b := model.Booking{DoctorID: 1, PatientID: 100, Date: time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC), StartMinute: 550, Status: model.BookingConfirmed}
	require.NoError(t, f.gdb.Create(&b).Error)

	c, _, err := f.machine.Create(ctx, CreateParams{BookingID: &b.ID}, actor.Actor{ID: 1, Role: actor.RoleStaff})
	require.NoError(t, err)

	f.now = c.ScheduledStart
	enterBoth(t, f, c.ID)
	_, err = f.machine.Start(ctx, c.ID, doctor)
	require.NoError(t, err)
	f.advance(15 * time.Minute)
	_, err = f.machine.End(ctx, c.ID, doctor, "")
	require.NoError(t, err)

	var synced model.Booking
	require.NoError(t, f.gdb.First(&synced, b.ID).Error)
	assert.Equal(t, model.BookingCompleted, synced.Status)
}

func TestTerminalStatesAreImmutable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.create(t)

	f.now = c.ScheduledStart
	enterBoth(t, f, c.ID)
	_, err := f.machine.Start(ctx, c.ID, doctor)
	require.NoError(t, err)
	_, err = f.machine.End(ctx, c.ID, doctor, "")
	require.NoError(t, err)

	_, err = f.machine.Cancel(ctx, c.ID, doctor)
	assert.ErrorIs(t, err, ErrIllegalTransition)
	_, err = f.machine.Start(ctx, c.ID, doctor)
	assert.ErrorIs(t, err, ErrIllegalTransition)
	_, err = f.machine.EnterWaiting(ctx, c.ID, patient)
	assert.ErrorIs(t, err, ErrIllegalTransition)
}

func TestCancelClosesLinkedBooking(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	b := model.Booking{DoctorID: 1, PatientID: 100, Date: time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC), StartMinute: 540, Status: model.BookingConfirmed}
	require.NoError(t, f.gdb.Create(&b).Error)

	c, _, err := f.machine.Create(ctx, CreateParams{BookingID: &b.ID}, actor.Actor{ID: 1, Role: actor.RoleStaff})
	require.NoError(t, err)

	cancelled, err := f.machine.Cancel(ctx, c.ID, patient)
	require.NoError(t, err)
	assert.Equal(t, model.ConsultationCancelled, cancelled.Status)

	var synced model.Booking
	require.NoError(t, f.gdb.First(&synced, b.ID).Error)
	assert.Equal(t, model.BookingCancelled, synced.Status)
}

func TestCancelRejectsStrangers(t *testing.T) {
	f := newFixture(t)
	c := f.create(t)

	_, err := f.machine.Cancel(context.Background(), c.ID, actor.Actor{ID: 999, Role: actor.RolePatient})
	assert.ErrorIs(t, err, ErrUnauthorizedActor)
}

func TestMarkNoShow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.create(t)

	// Inside the grace period the transition is refused.
	f.now = c.ScheduledStart.Add(10 * time.Minute)
	_, err := f.machine.MarkNoShow(ctx, c.ID)
	assert.ErrorIs(t, err, ErrIllegalTransition)

	f.now = c.ScheduledStart.Add(16 * time.Minute)
	marked, err := f.machine.MarkNoShow(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ConsultationNoShow, marked.Status)
}

func TestMarkNoShowSkippedWhenSomeoneWaited(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.create(t)

	f.now = c.ScheduledStart
	_, err := f.machine.EnterWaiting(ctx, c.ID, patient)
	require.NoError(t, err)
	entry := model.WaitingRoomEntry{ConsultationID: c.ID, DoctorID: 1, UserID: patient.ID, Role: string(patient.Role), EnteredAt: f.now}
	require.NoError(t, f.gdb.Create(&entry).Error)

	// waiting is not scheduled, so the status guard refuses the sweep.
	f.now = c.ScheduledStart.Add(30 * time.Minute)
	_, err = f.machine.MarkNoShow(ctx, c.ID)
	assert.ErrorIs(t, err, ErrIllegalTransition)
}

func TestReschedule(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.create(t)

	newStart := c.ScheduledStart.Add(24 * time.Hour)
	replacement, err := f.machine.Reschedule(ctx, c.ID, newStart, patient)
	require.NoError(t, err)

	assert.Equal(t, newStart, replacement.ScheduledStart)
	assert.Equal(t, model.ConsultationScheduled, replacement.Status)
	assert.NotEqual(t, c.MeetingID, replacement.MeetingID)

	var original model.Consultation
	require.NoError(t, f.gdb.First(&original, "id = ?", c.ID).Error)
	assert.Equal(t, model.ConsultationRescheduled, original.Status)
	require.NotNil(t, original.RescheduledTo)
	assert.Equal(t, replacement.ID, *original.RescheduledTo)

	// The old consultation is terminal now.
	_, err = f.machine.Reschedule(ctx, c.ID, newStart, patient)
	assert.ErrorIs(t, err, ErrIllegalTransition)
}

func TestWebhookTransitionsAreIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.create(t)

	startedAt := c.ScheduledStart.Add(2 * time.Minute)
	require.NoError(t, f.machine.ApplyMeetingStarted(ctx, c.ID, startedAt))
	require.NoError(t, f.machine.ApplyMeetingStarted(ctx, c.ID, startedAt))

	var current model.Consultation
	require.NoError(t, f.gdb.First(&current, "id = ?", c.ID).Error)
	assert.Equal(t, model.ConsultationInProgress, current.Status)

	endedAt := startedAt.Add(31 * time.Minute)
	require.NoError(t, f.machine.ApplyMeetingEnded(ctx, c.ID, endedAt))
	require.NoError(t, f.machine.ApplyMeetingEnded(ctx, c.ID, endedAt))

	require.NoError(t, f.gdb.First(&current, "id = ?", c.ID).Error)
	assert.Equal(t, model.ConsultationCompleted, current.Status)
	assert.Equal(t, 31, current.DurationMinutes)
}

func TestRecordingConsent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	c, _, err := f.machine.Create(ctx, CreateParams{
		DoctorID:         1,
		PatientID:        100,
		RecordingEnabled: true,
		ScheduledStart:   f.now,
	}, actor.Actor{ID: 1, Role: actor.RoleStaff})
	require.NoError(t, err)
	assert.False(t, RecordingAuthorized(c))

	c, err = f.machine.SetRecordingConsent(ctx, c.ID, doctor, true)
	require.NoError(t, err)
	assert.False(t, RecordingAuthorized(c))

	c, err = f.machine.SetRecordingConsent(ctx, c.ID, patient, true)
	require.NoError(t, err)
	assert.True(t, RecordingAuthorized(c))

	_, err = f.machine.SetRecordingConsent(ctx, c.ID, actor.Actor{ID: 999, Role: actor.RolePatient}, true)
	assert.ErrorIs(t, err, ErrUnauthorizedActor)
}

func TestOverdue(t *testing.T) {
	f := newFixture(t)
	c := f.create(t)

	assert.False(t, f.machine.Overdue(c))
	f.now = c.ScheduledStart.Add(121 * time.Minute)
	assert.True(t, f.machine.Overdue(c))

	c.Status = model.ConsultationCompleted
	assert.False(t, f.machine.Overdue(c))
}
