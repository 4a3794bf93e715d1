// Package waitingroom queues participants ahead of a consultation and tracks
// join/leave telemetry per session.
package waitingroom

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"gorm.io/gorm"

	"telehealth-backend/internal/actor"
	"telehealth-backend/internal/model"
)

// ErrInvalidSessionOrder is returned when join/leave timestamps are not
// monotonically ordered, or a user joins a session they already occupy.
var ErrInvalidSessionOrder = errors.New("invalid session order")

// QueueStatus is what a freshly queued participant learns about their wait.
type QueueStatus struct {
	Entry                *model.WaitingRoomEntry `json:"-"`
	QueuePosition        int                     `json:"queue_position"`
	EstimatedWaitMinutes int                     `json:"estimated_wait_minutes"`
}

// Coordinator manages the waiting-room queue and participant records.
type Coordinator struct {
	db *gorm.DB

	// Average consultation length per doctor is a heuristic policy input,
	// cached briefly so every join does not rescan history.
	durations           *cache.Cache
	defaultVisitMinutes int

	now func() time.Time
}

// NewCoordinator creates a waiting-room coordinator.
func NewCoordinator(db *gorm.DB, defaultVisitMinutes int) *Coordinator {
	return &Coordinator{
		db:                  db,
		durations:           cache.New(5*time.Minute, 10*time.Minute),
		defaultVisitMinutes: defaultVisitMinutes,
		now:                 func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the coordinator's clock. Test helper.
func (co *Coordinator) SetClock(now func() time.Time) { co.now = now }

// JoinWaiting creates (or refreshes) the caller's waiting-room entry for the
// consultation and computes their queue position and estimated wait.
func (co *Coordinator) JoinWaiting(ctx context.Context, c *model.Consultation, who actor.Actor) (*QueueStatus, error) {
	now := co.now()
	var entry model.WaitingRoomEntry

	err := co.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("consultation_id = ? AND user_id = ? AND left_at IS NULL", c.ID, who.ID).
			First(&entry).Error
		switch {
		case err == nil:
			// Already waiting; keep the original queue position.
		case errors.Is(err, gorm.ErrRecordNotFound):
			entry = model.WaitingRoomEntry{
				ConsultationID: c.ID,
				DoctorID:       c.DoctorID,
				UserID:         who.ID,
				Role:           string(who.Role),
				EnteredAt:      now,
			}
			if err := tx.Create(&entry).Error; err != nil {
				return fmt.Errorf("failed to create waiting entry: %w", err)
			}
		default:
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	position, err := co.queuePosition(ctx, &entry)
	if err != nil {
		return nil, err
	}
	return &QueueStatus{
		Entry:                &entry,
		QueuePosition:        position,
		EstimatedWaitMinutes: position * co.averageVisitMinutes(ctx, c.DoctorID),
	}, nil
}

// LeaveWaiting closes the caller's open waiting-room entry, if any.
func (co *Coordinator) LeaveWaiting(ctx context.Context, consultationID string, userID int64) error {
	now := co.now()
	return co.db.WithContext(ctx).Model(&model.WaitingRoomEntry{}).
		Where("consultation_id = ? AND user_id = ? AND left_at IS NULL", consultationID, userID).
		Update("left_at", now).Error
}

// queuePosition counts patients waiting for the same doctor who entered
// before this entry.
func (co *Coordinator) queuePosition(ctx context.Context, entry *model.WaitingRoomEntry) (int, error) {
	var ahead int64
	err := co.db.WithContext(ctx).Model(&model.WaitingRoomEntry{}).
		Where("doctor_id = ? AND role = ? AND left_at IS NULL AND entered_at < ? AND id <> ?",
			entry.DoctorID, string(actor.RolePatient), entry.EnteredAt, entry.ID).
		Count(&ahead).Error
	if err != nil {
		return 0, err
	}
	return int(ahead), nil
}

// averageVisitMinutes is the wait heuristic: mean completed-consultation
// duration for the doctor, falling back to the configured default when there
// is no history. A policy parameter, not a contract.
func (co *Coordinator) averageVisitMinutes(ctx context.Context, doctorID int64) int {
	key := fmt.Sprintf("avg:%d", doctorID)
	if v, ok := co.durations.Get(key); ok {
		return v.(int)
	}

	var avg float64
	err := co.db.WithContext(ctx).Model(&model.Consultation{}).
		Where("doctor_id = ? AND status = ? AND duration_minutes > 0", doctorID, model.ConsultationCompleted).
		Select("COALESCE(AVG(duration_minutes), 0)").
		Scan(&avg).Error
	minutes := co.defaultVisitMinutes
	if err == nil && avg > 0 {
		minutes = int(avg + 0.5)
	}
	co.durations.Set(key, minutes, cache.DefaultExpiration)
	return minutes
}

// RecordJoin appends a Participant row for the user in the given session,
// creating the session when sessionID is empty. A user may hold at most one
// open participant record per session.
func (co *Coordinator) RecordJoin(ctx context.Context, consultationID, sessionID string, who actor.Actor, deviceInfo string) (*model.Participant, error) {
	now := co.now()
	var p model.Participant

	err := co.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if sessionID == "" {
			session := model.ConsultationSession{
				ID:             uuid.NewString(),
				ConsultationID: consultationID,
				StartedAt:      now,
			}
			if err := tx.Create(&session).Error; err != nil {
				return fmt.Errorf("failed to create session: %w", err)
			}
			sessionID = session.ID
		} else {
			var session model.ConsultationSession
			if err := tx.First(&session, "id = ? AND consultation_id = ?", sessionID, consultationID).Error; err != nil {
				return fmt.Errorf("session %s: %w", sessionID, err)
			}
			if session.EndedAt != nil {
				return fmt.Errorf("%w: session %s has ended", ErrInvalidSessionOrder, sessionID)
			}
		}

		var open int64
		err := tx.Model(&model.Participant{}).
			Where("session_id = ? AND user_id = ? AND left_at IS NULL", sessionID, who.ID).
			Count(&open).Error
		if err != nil {
			return err
		}
		if open > 0 {
			return fmt.Errorf("%w: user %d already has an open record in session %s", ErrInvalidSessionOrder, who.ID, sessionID)
		}

		p = model.Participant{
			ConsultationID: consultationID,
			SessionID:      sessionID,
			UserID:         who.ID,
			Role:           string(who.Role),
			JoinedAt:       now,
			DeviceInfo:     deviceInfo,
		}
		if err := tx.Create(&p).Error; err != nil {
			return fmt.Errorf("failed to create participant: %w", err)
		}

		return co.refreshParticipantCount(tx, sessionID)
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// RecordLeave closes the user's open participant record in the session.
// left_at must not precede joined_at; when the last participant leaves the
// session is closed too.
func (co *Coordinator) RecordLeave(ctx context.Context, consultationID, sessionID string, userID int64, at time.Time) error {
	if at.IsZero() {
		at = co.now()
	}

	return co.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var p model.Participant
		err := tx.Where("consultation_id = ? AND session_id = ? AND user_id = ? AND left_at IS NULL",
			consultationID, sessionID, userID).
			First(&p).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: no open record for user %d in session %s", ErrInvalidSessionOrder, userID, sessionID)
			}
			return err
		}
		if at.Before(p.JoinedAt) {
			return fmt.Errorf("%w: left_at %s precedes joined_at %s", ErrInvalidSessionOrder,
				at.Format(time.RFC3339), p.JoinedAt.Format(time.RFC3339))
		}

		if err := tx.Model(&p).Update("left_at", at).Error; err != nil {
			return err
		}

		var remaining int64
		err = tx.Model(&model.Participant{}).
			Where("session_id = ? AND left_at IS NULL", sessionID).
			Count(&remaining).Error
		if err != nil {
			return err
		}
		if remaining == 0 {
			if err := tx.Model(&model.ConsultationSession{}).
				Where("id = ?", sessionID).
				Update("ended_at", at).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// ReportConnectionIssue bumps the participant's issue counter for quality
// telemetry.
func (co *Coordinator) ReportConnectionIssue(ctx context.Context, consultationID string, userID int64) error {
	return co.db.WithContext(ctx).Model(&model.Participant{}).
		Where("consultation_id = ? AND user_id = ? AND left_at IS NULL", consultationID, userID).
		UpdateColumn("connection_issue_count", gorm.Expr("connection_issue_count + 1")).Error
}

// ReportIssue files a technical issue against the consultation.
func (co *Coordinator) ReportIssue(ctx context.Context, consultationID string, reporterID int64, category, severity, description string) (*model.TechnicalIssue, error) {
	issue := model.TechnicalIssue{
		ConsultationID: consultationID,
		ReporterID:     reporterID,
		Category:       category,
		Severity:       severity,
		Description:    description,
	}
	if err := co.db.WithContext(ctx).Create(&issue).Error; err != nil {
		return nil, fmt.Errorf("failed to create technical issue: %w", err)
	}
	return &issue, nil
}

// refreshParticipantCount keeps the session's participant_count at the peak
// concurrent participant total.
func (co *Coordinator) refreshParticipantCount(tx *gorm.DB, sessionID string) error {
	var open int64
	err := tx.Model(&model.Participant{}).
		Where("session_id = ? AND left_at IS NULL", sessionID).
		Count(&open).Error
	if err != nil {
		return err
	}
	return tx.Model(&model.ConsultationSession{}).
		Where("id = ? AND participant_count < ?", sessionID, open).
		Update("participant_count", open).Error
}
