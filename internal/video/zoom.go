package video

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"telehealth-backend/config"
)

const (
	zoomSignatureHeader = "x-zm-signature"
	zoomTimestampHeader = "x-zm-request-timestamp"
)

// Zoom talks to the Zoom REST API with an OAuth bearer token.
type Zoom struct {
	baseURL       string
	apiKey        string
	webhookSecret string
	client        *http.Client
}

// NewZoom creates the Zoom adapter.
func NewZoom(cfg config.ProviderConfig, timeout time.Duration) *Zoom {
	base := cfg.BaseURL
	if base == "" {
		base = "https://api.zoom.us/v2"
	}
	return &Zoom{
		baseURL:       strings.TrimRight(base, "/"),
		apiKey:        cfg.APIKey,
		webhookSecret: cfg.WebhookSecret,
		client:        newHTTPClient(timeout),
	}
}

func (z *Zoom) Name() string { return "zoom" }

func (z *Zoom) authHeaders() map[string]string {
	return map[string]string{"Authorization": "Bearer " + z.apiKey}
}

type zoomMeeting struct {
	ID       int64  `json:"id"`
	JoinURL  string `json:"join_url"`
	Password string `json:"password"`
}

func (z *Zoom) CreateMeeting(ctx context.Context, req CreateMeetingRequest) (*MeetingInfo, error) {
	autoRecording := "none"
	if req.RecordingEnabled {
		autoRecording = "cloud"
	}
	body := map[string]any{
		"topic":      req.Topic,
		"type":       2, // scheduled meeting
		"start_time": req.StartTime.UTC().Format(time.RFC3339),
		"duration":   req.DurationMinutes,
		"settings": map[string]any{
			"auto_recording":   autoRecording,
			"waiting_room":     true,
			"join_before_host": false,
		},
	}

	var m zoomMeeting
	if err := doJSON(ctx, z.client, http.MethodPost, z.baseURL+"/users/me/meetings", z.authHeaders(), body, &m); err != nil {
		return nil, err
	}
	return &MeetingInfo{
		MeetingID: strconv.FormatInt(m.ID, 10),
		JoinURL:   m.JoinURL,
		Password:  m.Password,
	}, nil
}

func (z *Zoom) GetMeetingInfo(ctx context.Context, meetingID string) (*MeetingInfo, error) {
	var m zoomMeeting
	if err := doJSON(ctx, z.client, http.MethodGet, z.baseURL+"/meetings/"+meetingID, z.authHeaders(), nil, &m); err != nil {
		return nil, err
	}
	return &MeetingInfo{
		MeetingID: strconv.FormatInt(m.ID, 10),
		JoinURL:   m.JoinURL,
		Password:  m.Password,
	}, nil
}

func (z *Zoom) GetRecordingInfo(ctx context.Context, meetingID string) ([]Recording, error) {
	var resp struct {
		RecordingFiles []struct {
			ID             string    `json:"id"`
			DownloadURL    string    `json:"download_url"`
			RecordingStart time.Time `json:"recording_start"`
			RecordingEnd   time.Time `json:"recording_end"`
			Status         string    `json:"status"`
		} `json:"recording_files"`
	}
	if err := doJSON(ctx, z.client, http.MethodGet, z.baseURL+"/meetings/"+meetingID+"/recordings", z.authHeaders(), nil, &resp); err != nil {
		return nil, err
	}

	out := make([]Recording, 0, len(resp.RecordingFiles))
	for _, f := range resp.RecordingFiles {
		out = append(out, Recording{
			SegmentID: f.ID,
			FileURL:   f.DownloadURL,
			Start:     f.RecordingStart,
			End:       f.RecordingEnd,
			Status:    f.Status,
		})
	}
	return out, nil
}

// VerifySignature checks Zoom's v0 scheme: HMAC over "v0:{timestamp}:{body}".
func (z *Zoom) VerifySignature(header http.Header, body []byte) error {
	ts := header.Get(zoomTimestampHeader)
	sig := header.Get(zoomSignatureHeader)
	if ts == "" || sig == "" {
		return ErrSignatureInvalid
	}
	payload := "v0:" + ts + ":" + string(body)
	return verifyHMAC(z.webhookSecret, []byte(payload), strings.TrimPrefix(sig, "v0="))
}

type zoomWebhook struct {
	Event   string `json:"event"`
	EventTS int64  `json:"event_ts"` // milliseconds
	Payload struct {
		Object struct {
			ID          int64  `json:"id"`
			UUID        string `json:"uuid"`
			Participant struct {
				UserID int64 `json:"user_id"`
			} `json:"participant"`
			RecordingFiles []struct {
				ID             string    `json:"id"`
				DownloadURL    string    `json:"download_url"`
				RecordingStart time.Time `json:"recording_start"`
				RecordingEnd   time.Time `json:"recording_end"`
			} `json:"recording_files"`
		} `json:"object"`
	} `json:"payload"`
}

func (z *Zoom) ParseEvent(body []byte) (*Event, error) {
	var wh zoomWebhook
	if err := json.Unmarshal(body, &wh); err != nil {
		return nil, fmt.Errorf("malformed zoom payload: %w", err)
	}

	var typ EventType
	switch wh.Event {
	case "meeting.started":
		typ = EventMeetingStarted
	case "meeting.ended":
		typ = EventMeetingEnded
	case "meeting.participant_joined":
		typ = EventParticipantJoined
	case "meeting.participant_left":
		typ = EventParticipantLeft
	case "recording.completed":
		typ = EventRecordingCompleted
	default:
		return nil, fmt.Errorf("unsupported zoom event %q", wh.Event)
	}

	meetingID := strconv.FormatInt(wh.Payload.Object.ID, 10)
	ev := &Event{
		EventID:   fmt.Sprintf("%s:%s:%d", wh.Event, wh.Payload.Object.UUID, wh.EventTS),
		MeetingID: meetingID,
		Type:      typ,
		Timestamp: time.UnixMilli(wh.EventTS).UTC(),
		UserID:    wh.Payload.Object.Participant.UserID,
	}
	if typ == EventRecordingCompleted && len(wh.Payload.Object.RecordingFiles) > 0 {
		f := wh.Payload.Object.RecordingFiles[0]
		ev.Recording = &Recording{
			SegmentID: f.ID,
			FileURL:   f.DownloadURL,
			Start:     f.RecordingStart,
			End:       f.RecordingEnd,
			Status:    "completed",
		}
	}
	return ev, nil
}
