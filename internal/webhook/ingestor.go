// Package webhook receives provider callbacks and feeds them into the
// consultation engine idempotently.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"

	"gorm.io/gorm"

	"telehealth-backend/internal/actor"
	"telehealth-backend/internal/consultation"
	"telehealth-backend/internal/model"
	"telehealth-backend/internal/store"
	"telehealth-backend/internal/video"
	"telehealth-backend/internal/waitingroom"
)

// ErrPayloadRejected means the provider payload could not be parsed into an
// event. The delivery should not be retried.
var ErrPayloadRejected = errors.New("payload rejected")

// Ingestor verifies, deduplicates, and dispatches provider webhooks.
//
// Providers deliver at least once, so everything downstream of the signature
// check is forgiving: unknown meetings and duplicate events are absorbed
// silently, and only the signature check or a malformed payload surface as
// request errors.
type Ingestor struct {
	registry *video.Registry
	store    store.Store
	machine  *consultation.Machine
	tracker  *waitingroom.Coordinator
}

// NewIngestor creates a webhook ingestor.
func NewIngestor(reg *video.Registry, s store.Store, m *consultation.Machine, t *waitingroom.Coordinator) *Ingestor {
	return &Ingestor{registry: reg, store: s, machine: m, tracker: t}
}

// Handle processes one webhook delivery. The error is nil for everything the
// provider should treat as accepted, video.ErrSignatureInvalid or a parse
// error for a 400, and an internal error for a retryable 500.
func (i *Ingestor) Handle(ctx context.Context, providerName string, header http.Header, body []byte) error {
	p, err := i.registry.Get(providerName)
	if err != nil {
		return err
	}

	if err := p.VerifySignature(header, body); err != nil {
		log.Printf("webhook signature rejected for provider %s: %v", providerName, err)
		return video.ErrSignatureInvalid
	}

	ev, err := p.ParseEvent(body)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPayloadRejected, err)
	}

	fresh, err := i.store.RecordWebhookEvent(ctx, &model.WebhookEvent{
		Provider:   providerName,
		EventID:    ev.EventID,
		MeetingID:  ev.MeetingID,
		EventType:  string(ev.Type),
		ReceivedAt: ev.Timestamp,
	})
	if err != nil {
		return err
	}
	if !fresh {
		log.Printf("duplicate webhook event %s/%s ignored", providerName, ev.EventID)
		return nil
	}

	if err := i.process(ctx, providerName, ev); err != nil {
		// The ledger must only hold processed events. Release the entry so
		// the provider's redelivery gets a second attempt instead of being
		// dropped as a duplicate.
		if relErr := i.store.ReleaseWebhookEvent(ctx, providerName, ev.EventID); relErr != nil {
			log.Printf("failed to release webhook event %s/%s: %v", providerName, ev.EventID, relErr)
		}
		return err
	}
	return nil
}

func (i *Ingestor) process(ctx context.Context, providerName string, ev *video.Event) error {
	var c model.Consultation
	err := i.store.DB().WithContext(ctx).
		Where("video_provider = ? AND meeting_id = ?", providerName, ev.MeetingID).
		Order("created_at DESC").
		First(&c).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// Webhooks can outlive local state; acknowledged, not an error.
			log.Printf("webhook for unknown meeting %s/%s ignored", providerName, ev.MeetingID)
			return nil
		}
		return err
	}

	return i.apply(ctx, &c, ev)
}

func (i *Ingestor) apply(ctx context.Context, c *model.Consultation, ev *video.Event) error {
	var err error
	switch ev.Type {
	case video.EventMeetingStarted:
		err = i.machine.ApplyMeetingStarted(ctx, c.ID, ev.Timestamp)
	case video.EventMeetingEnded:
		err = i.machine.ApplyMeetingEnded(ctx, c.ID, ev.Timestamp)
	case video.EventParticipantJoined:
		who := i.resolveParticipant(c, ev.UserID)
		_, err = i.tracker.RecordJoin(ctx, c.ID, "", who, "webhook")
	case video.EventParticipantLeft:
		who := i.resolveParticipant(c, ev.UserID)
		err = i.leaveLatestSession(ctx, c.ID, who.ID, ev)
	case video.EventRecordingCompleted:
		err = i.storeRecording(ctx, c, ev)
	case video.EventQualityReport:
		err = i.machine.SetConnectionQuality(ctx, c.ID, ev.Quality)
	default:
		log.Printf("webhook event type %s has no handler, ignoring", ev.Type)
	}

	// State-machine guard violations on replayed or out-of-order deliveries
	// are expected under at-least-once semantics; absorb them.
	if errors.Is(err, consultation.ErrIllegalTransition) || errors.Is(err, waitingroom.ErrInvalidSessionOrder) {
		log.Printf("webhook event %s for consultation %s dropped: %v", ev.Type, c.ID, err)
		return nil
	}
	return err
}

// resolveParticipant maps a provider-reported user onto the consultation's
// parties, defaulting to the patient when the provider cannot identify them.
func (i *Ingestor) resolveParticipant(c *model.Consultation, userID int64) actor.Actor {
	switch userID {
	case c.DoctorID:
		return actor.Actor{ID: c.DoctorID, Role: actor.RoleDoctor}
	case c.PatientID:
		return actor.Actor{ID: c.PatientID, Role: actor.RolePatient}
	default:
		return actor.Actor{ID: c.PatientID, Role: actor.RolePatient}
	}
}

func (i *Ingestor) leaveLatestSession(ctx context.Context, consultationID string, userID int64, ev *video.Event) error {
	var p model.Participant
	err := i.store.DB().WithContext(ctx).
		Where("consultation_id = ? AND user_id = ? AND left_at IS NULL", consultationID, userID).
		Order("joined_at DESC").
		First(&p).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		return err
	}
	return i.tracker.RecordLeave(ctx, consultationID, p.SessionID, userID, ev.Timestamp)
}

func (i *Ingestor) storeRecording(ctx context.Context, c *model.Consultation, ev *video.Event) error {
	if ev.Recording == nil {
		return nil
	}
	segment := model.RecordingSegment{
		ConsultationID:   c.ID,
		SegmentID:        ev.Recording.SegmentID,
		FileURL:          ev.Recording.FileURL,
		StartTime:        ev.Recording.Start,
		EndTime:          ev.Recording.End,
		ProcessingStatus: ev.Recording.Status,
		ExpiresAt:        ev.Recording.ExpiresAt,
	}
	err := i.store.DB().WithContext(ctx).Create(&segment).Error
	if err != nil && isDuplicateSegment(err) {
		return nil
	}
	return err
}

func isDuplicateSegment(err error) bool {
	return errors.Is(err, gorm.ErrDuplicatedKey)
}
