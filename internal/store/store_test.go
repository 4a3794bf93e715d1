package store

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"telehealth-backend/internal/db"
	"telehealth-backend/internal/model"
)

// newMockDB wires gorm over a sqlmock connection for SQL-level assertions.
func newMockDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	t.Helper()
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)

	gormDB, err := gorm.Open(postgres.New(postgres.Config{Conn: conn}), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	return gormDB, mock
}

func newSqliteDB(t *testing.T) *gorm.DB {
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
	return gdb
}

func TestIsSlotFreeQueriesBySlotKey(t *testing.T) {
	gormDB, mock := newMockDB(t)
	s := NewGormStore(gormDB)

	date := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`SELECT count\(\*\) FROM "bookings" WHERE slot_key = \$1`).
		WithArgs("1:2026-03-02:0540").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	free, err := s.IsSlotFree(context.Background(), 1, date, 540)
	require.NoError(t, err)
	assert.False(t, free)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateBookingSetsSlotKey(t *testing.T) {
	s := NewGormStore(newSqliteDB(t))

	b := &model.Booking{
		DoctorID:    1,
		PatientID:   100,
		Date:        time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC),
		StartMinute: 540,
		Status:      model.BookingPending,
	}
	require.NoError(t, s.CreateBooking(context.Background(), b))
	require.NotNil(t, b.SlotKey)
	assert.Equal(t, "1:2026-03-02:0540", *b.SlotKey)

	dup := &model.Booking{DoctorID: 1, PatientID: 101, Date: b.Date, StartMinute: 540, Status: model.BookingPending}
	err := s.CreateBooking(context.Background(), dup)
	assert.ErrorIs(t, err, gorm.ErrDuplicatedKey)
}

func TestRecordWebhookEventDeduplicates(t *testing.T) {
	s := NewGormStore(newSqliteDB(t))
	ctx := context.Background()

	ev := &model.WebhookEvent{
		Provider:   "zoom",
		EventID:    "e-1",
		MeetingID:  "m-1",
		EventType:  "meeting.started",
		ReceivedAt: time.Now().UTC(),
	}
	fresh, err := s.RecordWebhookEvent(ctx, ev)
	require.NoError(t, err)
	assert.True(t, fresh)

	replay := &model.WebhookEvent{Provider: "zoom", EventID: "e-1", EventType: "meeting.started", ReceivedAt: time.Now().UTC()}
	fresh, err = s.RecordWebhookEvent(ctx, replay)
	require.NoError(t, err)
	assert.False(t, fresh)

	// A different provider with the same event id is a distinct delivery.
	other := &model.WebhookEvent{Provider: "whereby", EventID: "e-1", EventType: "meeting.started", ReceivedAt: time.Now().UTC()}
	fresh, err = s.RecordWebhookEvent(ctx, other)
	require.NoError(t, err)
	assert.True(t, fresh)

	// Releasing the entry lets the same delivery through again.
	require.NoError(t, s.ReleaseWebhookEvent(ctx, "zoom", "e-1"))
	retried := &model.WebhookEvent{Provider: "zoom", EventID: "e-1", EventType: "meeting.started", ReceivedAt: time.Now().UTC()}
	fresh, err = s.RecordWebhookEvent(ctx, retried)
	require.NoError(t, err)
	assert.True(t, fresh)
}

func TestWithConsultationLockSerializesTransitions(t *testing.T) {
	gdb := newSqliteDB(t)
	s := NewGormStore(gdb)
	ctx := context.Background()

	c := &model.Consultation{
		ID:             "c-1",
		DoctorID:       1,
		PatientID:      100,
		VideoProvider:  "jitsi",
		Status:         model.ConsultationScheduled,
		ScheduledStart: time.Now().UTC(),
	}
	require.NoError(t, gdb.Create(c).Error)

	// Two sequential lock holders each observe the other's committed write.
	err := s.WithConsultationLock(ctx, "c-1", func(tx *gorm.DB, got *model.Consultation) error {
		return tx.Model(got).Update("status", model.ConsultationWaiting).Error
	})
	require.NoError(t, err)

	err = s.WithConsultationLock(ctx, "c-1", func(tx *gorm.DB, got *model.Consultation) error {
		assert.Equal(t, model.ConsultationWaiting, got.Status)
		return nil
	})
	require.NoError(t, err)

	err = s.WithConsultationLock(ctx, "missing", func(tx *gorm.DB, got *model.Consultation) error {
		t.Fatal("callback must not run for a missing consultation")
		return nil
	})
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
}
