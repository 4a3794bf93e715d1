package noshow

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"telehealth-backend/config"
	"telehealth-backend/internal/consultation"
	"telehealth-backend/internal/db"
	"telehealth-backend/internal/model"
	"telehealth-backend/internal/store"
	"telehealth-backend/internal/video"
)

type noopProvider struct{}

func (noopProvider) Name() string { return "noop" }
func (noopProvider) CreateMeeting(ctx context.Context, req video.CreateMeetingRequest) (*video.MeetingInfo, error) {
	return &video.MeetingInfo{MeetingID: "m"}, nil
}
func (noopProvider) GetMeetingInfo(ctx context.Context, meetingID string) (*video.MeetingInfo, error) {
	return nil, nil
}
func (noopProvider) GetRecordingInfo(ctx context.Context, meetingID string) ([]video.Recording, error) {
	return nil, nil
}
func (noopProvider) VerifySignature(header http.Header, body []byte) error { return nil }
func (noopProvider) ParseEvent(body []byte) (*video.Event, error) { return nil, nil }

func TestSweepOnce(t *testing.T) {
	gdb, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)
	sqlDB, err := gdb.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.Migrate(gdb))

	registry, err := video.NewRegistry("noop", noopProvider{})
	require.NoError(t, err)
	sched := config.SchedulingConfig{JoinEarlyMinutes: 15, JoinLateMinutes: 120, NoShowGraceMinutes: 15, DefaultVisitMinutes: 15}
	machine := consultation.NewMachine(store.NewGormStore(gdb), registry, nil, sched, 1)

	now := time.Now().UTC()

	stale := model.Consultation{
		ID: "stale", DoctorID: 1, PatientID: 100, VideoProvider: "noop",
		Status: model.ConsultationScheduled, ScheduledStart: now.Add(-time.Hour),
	}
	fresh := model.Consultation{
		ID: "fresh", DoctorID: 1, PatientID: 101, VideoProvider: "noop",
		Status: model.ConsultationScheduled, ScheduledStart: now.Add(-5 * time.Minute),
	}
	attended := model.Consultation{
		ID: "attended", DoctorID: 1, PatientID: 102, VideoProvider: "noop",
		Status: model.ConsultationScheduled, ScheduledStart: now.Add(-time.Hour),
	}
	for _, c := range []model.Consultation{stale, fresh, attended} {
		require.NoError(t, gdb.Create(&c).Error)
	}
	entry := model.WaitingRoomEntry{ConsultationID: "attended", DoctorID: 1, UserID: 102, Role: "patient", EnteredAt: now.Add(-50 * time.Minute)}
	require.NoError(t, gdb.Create(&entry).Error)

	sweeper := NewSweeper(gdb, machine, 15)
	sweeper.SweepOnce(context.Background())

	statuses := map[string]model.ConsultationStatus{}
	var all []model.Consultation
	require.NoError(t, gdb.Find(&all).Error)
	for _, c := range all {
		statuses[c.ID] = c.Status
	}

	assert.Equal(t, model.ConsultationNoShow, statuses["stale"])
	assert.Equal(t, model.ConsultationScheduled, statuses["fresh"])
	assert.Equal(t, model.ConsultationScheduled, statuses["attended"])
}
