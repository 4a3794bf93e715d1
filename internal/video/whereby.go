package video

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"telehealth-backend/config"
)

const wherebySignatureHeader = "Whereby-Signature"

// Whereby talks to the Whereby embedded meetings API with an API key.
type Whereby struct {
	baseURL       string
	apiKey        string
	webhookSecret string
	client        *http.Client
}

// NewWhereby creates the Whereby adapter.
func NewWhereby(cfg config.ProviderConfig, timeout time.Duration) *Whereby {
	base := cfg.BaseURL
	if base == "" {
		base = "https://api.whereby.dev/v1"
	}
	return &Whereby{
		baseURL:       strings.TrimRight(base, "/"),
		apiKey:        cfg.APIKey,
		webhookSecret: cfg.WebhookSecret,
		client:        newHTTPClient(timeout),
	}
}

func (w *Whereby) Name() string { return "whereby" }

func (w *Whereby) authHeaders() map[string]string {
	return map[string]string{"Authorization": "Bearer " + w.apiKey}
}

type wherebyMeeting struct {
	MeetingID string `json:"meetingId"`
	RoomURL   string `json:"roomUrl"`
}

func (w *Whereby) CreateMeeting(ctx context.Context, req CreateMeetingRequest) (*MeetingInfo, error) {
	end := req.StartTime.Add(time.Duration(req.DurationMinutes) * time.Minute)
	body := map[string]any{
		"roomNamePrefix": "consultation-",
		"roomMode":       "normal",
		"startDate":      req.StartTime.UTC().Format(time.RFC3339),
		"endDate":        end.UTC().Format(time.RFC3339),
		"fields":         []string{"hostRoomUrl"},
	}
	if req.RecordingEnabled {
		body["recording"] = map[string]any{"type": "cloud"}
	}

	var m wherebyMeeting
	if err := doJSON(ctx, w.client, http.MethodPost, w.baseURL+"/meetings", w.authHeaders(), body, &m); err != nil {
		return nil, err
	}
	return &MeetingInfo{MeetingID: m.MeetingID, JoinURL: m.RoomURL}, nil
}

func (w *Whereby) GetMeetingInfo(ctx context.Context, meetingID string) (*MeetingInfo, error) {
	var m wherebyMeeting
	if err := doJSON(ctx, w.client, http.MethodGet, w.baseURL+"/meetings/"+meetingID, w.authHeaders(), nil, &m); err != nil {
		return nil, err
	}
	return &MeetingInfo{MeetingID: m.MeetingID, JoinURL: m.RoomURL}, nil
}

func (w *Whereby) GetRecordingInfo(ctx context.Context, meetingID string) ([]Recording, error) {
	var resp struct {
		Results []struct {
			RecordingID string     `json:"recordingId"`
			URL         string     `json:"url"`
			StartedAt   time.Time  `json:"startedAt"`
			EndedAt     time.Time  `json:"endedAt"`
			State       string     `json:"state"`
			ExpiresAt   *time.Time `json:"expiresAt"`
		} `json:"results"`
	}
	if err := doJSON(ctx, w.client, http.MethodGet, w.baseURL+"/recordings?meetingId="+meetingID, w.authHeaders(), nil, &resp); err != nil {
		return nil, err
	}

	out := make([]Recording, 0, len(resp.Results))
	for _, r := range resp.Results {
		out = append(out, Recording{
			SegmentID: r.RecordingID,
			FileURL:   r.URL,
			Start:     r.StartedAt,
			End:       r.EndedAt,
			Status:    r.State,
			ExpiresAt: r.ExpiresAt,
		})
	}
	return out, nil
}

// VerifySignature checks Whereby's "t=<ts>,v1=<hex>" scheme over "<ts>.<body>".
func (w *Whereby) VerifySignature(header http.Header, body []byte) error {
	sig := header.Get(wherebySignatureHeader)
	var ts, v1 string
	for _, part := range strings.Split(sig, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			ts = v
		case "v1":
			v1 = v
		}
	}
	if ts == "" || v1 == "" {
		return ErrSignatureInvalid
	}
	return verifyHMAC(w.webhookSecret, []byte(ts+"."+string(body)), v1)
}

type wherebyWebhook struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	CreatedAt time.Time `json:"createdAt"`
	Data      struct {
		MeetingID   string `json:"meetingId"`
		DisplayName string `json:"displayName"`
		RecordingID string `json:"recordingId"`
		URL         string `json:"url"`
	} `json:"data"`
}

func (w *Whereby) ParseEvent(body []byte) (*Event, error) {
	var wh wherebyWebhook
	if err := json.Unmarshal(body, &wh); err != nil {
		return nil, fmt.Errorf("malformed whereby payload: %w", err)
	}

	var typ EventType
	switch wh.Type {
	case "room.session.started":
		typ = EventMeetingStarted
	case "room.session.ended":
		typ = EventMeetingEnded
	case "room.client.joined":
		typ = EventParticipantJoined
	case "room.client.left":
		typ = EventParticipantLeft
	case "recording.finished":
		typ = EventRecordingCompleted
	default:
		return nil, fmt.Errorf("unsupported whereby event %q", wh.Type)
	}

	ev := &Event{
		EventID:   wh.ID,
		MeetingID: wh.Data.MeetingID,
		Type:      typ,
		Timestamp: wh.CreatedAt.UTC(),
	}
	if typ == EventRecordingCompleted {
		ev.Recording = &Recording{
			SegmentID: wh.Data.RecordingID,
			FileURL:   wh.Data.URL,
			Start:     wh.CreatedAt.UTC(),
			Status:    "completed",
		}
	}
	return ev, nil
}
