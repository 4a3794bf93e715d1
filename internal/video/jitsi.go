package video

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"telehealth-backend/config"
)

const jitsiSignatureHeader = "X-Jitsi-Signature"

// Jitsi is the self-hosted provider: meetings are plain room URLs and no API
// call is needed to provision one.
type Jitsi struct {
	baseURL          string
	webhookSecret    string
	requireSignature bool
}

// NewJitsi creates the self-hosted adapter.
func NewJitsi(cfg config.ProviderConfig) *Jitsi {
	base := cfg.BaseURL
	if base == "" {
		base = "https://meet.jit.si"
	}
	return &Jitsi{
		baseURL:          strings.TrimRight(base, "/"),
		webhookSecret:    cfg.WebhookSecret,
		requireSignature: cfg.RequireSignature,
	}
}

func (j *Jitsi) Name() string { return "jitsi" }

func (j *Jitsi) CreateMeeting(ctx context.Context, req CreateMeetingRequest) (*MeetingInfo, error) {
	room := uuid.NewString()
	return &MeetingInfo{
		MeetingID: room,
		JoinURL:   j.baseURL + "/" + room,
	}, nil
}

func (j *Jitsi) GetMeetingInfo(ctx context.Context, meetingID string) (*MeetingInfo, error) {
	return &MeetingInfo{
		MeetingID: meetingID,
		JoinURL:   j.baseURL + "/" + meetingID,
	}, nil
}

func (j *Jitsi) GetRecordingInfo(ctx context.Context, meetingID string) ([]Recording, error) {
	// Self-hosted deployments store recordings out of band; segments arrive
	// via webhook instead.
	return nil, nil
}

func (j *Jitsi) VerifySignature(header http.Header, body []byte) error {
	if j.webhookSecret == "" {
		if j.requireSignature {
			return ErrSignatureInvalid
		}
		return nil
	}
	return verifyHMAC(j.webhookSecret, body, header.Get(jitsiSignatureHeader))
}

type jitsiWebhook struct {
	IdempotencyKey string `json:"idempotencyKey"`
	EventType      string `json:"eventType"`
	Timestamp      int64  `json:"timestamp"` // milliseconds
	Data           struct {
		RoomName      string `json:"roomName"`
		ParticipantID int64  `json:"participantId"`
		RecordingID   string `json:"recordingId"`
		RecordingURL  string `json:"recordingUrl"`
		StartedAt     int64  `json:"startedAt"`
		EndedAt       int64  `json:"endedAt"`
	} `json:"data"`
}

func (j *Jitsi) ParseEvent(body []byte) (*Event, error) {
	var wh jitsiWebhook
	if err := json.Unmarshal(body, &wh); err != nil {
		return nil, fmt.Errorf("malformed jitsi payload: %w", err)
	}

	var typ EventType
	switch wh.EventType {
	case "ROOM_CREATED":
		typ = EventMeetingStarted
	case "ROOM_DESTROYED":
		typ = EventMeetingEnded
	case "PARTICIPANT_JOINED":
		typ = EventParticipantJoined
	case "PARTICIPANT_LEFT":
		typ = EventParticipantLeft
	case "RECORDING_UPLOADED":
		typ = EventRecordingCompleted
	default:
		return nil, fmt.Errorf("unsupported jitsi event %q", wh.EventType)
	}

	ev := &Event{
		EventID:   wh.IdempotencyKey,
		MeetingID: wh.Data.RoomName,
		Type:      typ,
		Timestamp: time.UnixMilli(wh.Timestamp).UTC(),
		UserID:    wh.Data.ParticipantID,
	}
	if ev.EventID == "" {
		ev.EventID = fmt.Sprintf("%s:%s:%d", wh.EventType, wh.Data.RoomName, wh.Timestamp)
	}
	if typ == EventRecordingCompleted {
		ev.Recording = &Recording{
			SegmentID: wh.Data.RecordingID,
			FileURL:   wh.Data.RecordingURL,
			Start:     time.UnixMilli(wh.Data.StartedAt).UTC(),
			End:       time.UnixMilli(wh.Data.EndedAt).UTC(),
			Status:    "completed",
		}
	}
	return ev, nil
}
