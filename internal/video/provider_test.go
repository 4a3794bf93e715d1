package video

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"telehealth-backend/config"
)

func TestJitsiCreateMeeting(t *testing.T) {
	j := NewJitsi(config.ProviderConfig{BaseURL: "https://meet.example.org"})

	info, err := j.CreateMeeting(context.Background(), CreateMeetingRequest{Topic: "visit"})
	require.NoError(t, err)
	assert.NotEmpty(t, info.MeetingID)
	assert.Equal(t, "https://meet.example.org/"+info.MeetingID, info.JoinURL)
}

func TestZoomCreateMeeting(t *testing.T) {
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		assert.Equal(t, "/users/me/meetings", r.URL.Path)
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id": 81234567890, "join_url": "https://zoom.example/j/81234567890", "password": "s3cret"}`))
	}))
	defer server.Close()

	z := NewZoom(config.ProviderConfig{BaseURL: server.URL, APIKey: "token"}, 5*time.Second)
	info, err := z.CreateMeeting(context.Background(), CreateMeetingRequest{
		Topic:           "visit",
		StartTime:       time.Now(),
		DurationMinutes: 30,
	})
	require.NoError(t, err)
	assert.Equal(t, "Bearer token", gotAuth)
	assert.Equal(t, "81234567890", info.MeetingID)
	assert.Equal(t, "s3cret", info.Password)
}

func TestZoomCreateMeeting_ServerErrorIsUnavailable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	z := NewZoom(config.ProviderConfig{BaseURL: server.URL}, 5*time.Second)
	_, err := z.CreateMeeting(context.Background(), CreateMeetingRequest{})
	assert.ErrorIs(t, err, ErrProviderUnavailable)
}

func TestZoomVerifySignature(t *testing.T) {
	z := NewZoom(config.ProviderConfig{WebhookSecret: "whsec"}, time.Second)
	body := []byte(`{"event":"meeting.started"}`)
	ts := "1717171717"

	header := http.Header{}
	header.Set(zoomTimestampHeader, ts)
	header.Set(zoomSignatureHeader, "v0="+hmacHex("whsec", []byte("v0:"+ts+":"+string(body))))
	assert.NoError(t, z.VerifySignature(header, body))

	header.Set(zoomSignatureHeader, "v0=deadbeef")
	assert.ErrorIs(t, z.VerifySignature(header, body), ErrSignatureInvalid)
}

func TestWherebyVerifySignature(t *testing.T) {
	w := NewWhereby(config.ProviderConfig{WebhookSecret: "whsec"}, time.Second)
	body := []byte(`{"type":"room.client.joined"}`)

	header := http.Header{}
	header.Set(wherebySignatureHeader, "t=100,v1="+hmacHex("whsec", []byte("100."+string(body))))
	assert.NoError(t, w.VerifySignature(header, body))

	header.Set(wherebySignatureHeader, "t=100,v1=deadbeef")
	assert.ErrorIs(t, w.VerifySignature(header, body), ErrSignatureInvalid)

	header.Del(wherebySignatureHeader)
	assert.ErrorIs(t, w.VerifySignature(header, body), ErrSignatureInvalid)
}

func TestZoomParseEvent(t *testing.T) {
	z := NewZoom(config.ProviderConfig{}, time.Second)
	body := []byte(`{
		"event": "meeting.participant_joined",
		"event_ts": 1717171717000,
		"payload": {"object": {"id": 812, "uuid": "abc==", "participant": {"user_id": 42}}}
	}`)

	ev, err := z.ParseEvent(body)
	require.NoError(t, err)
	assert.Equal(t, EventParticipantJoined, ev.Type)
	assert.Equal(t, "812", ev.MeetingID)
	assert.Equal(t, int64(42), ev.UserID)
	assert.NotEmpty(t, ev.EventID)

	_, err = z.ParseEvent([]byte(`{"event":"meeting.alert"}`))
	assert.Error(t, err)
}

// flakyProvider fails a fixed number of times before succeeding.
type flakyProvider struct {
	Jitsi
	failures int
	calls    int
}

func (f *flakyProvider) Name() string { return "flaky" }

func (f *flakyProvider) CreateMeeting(ctx context.Context, req CreateMeetingRequest) (*MeetingInfo, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, ErrProviderUnavailable
	}
	return &MeetingInfo{MeetingID: "m1", JoinURL: "https://x/m1"}, nil
}

func TestCreateMeetingWithRetry_RecoversFromTransientFailure(t *testing.T) {
	old := baseBackoff
	baseBackoff = time.Millisecond
	defer func() { baseBackoff = old }()

	flaky := &flakyProvider{failures: 2}
	reg, err := NewRegistry("flaky", flaky)
	require.NoError(t, err)

	name, info, err := CreateMeetingWithRetry(context.Background(), reg, "flaky", 3, CreateMeetingRequest{})
	require.NoError(t, err)
	assert.Equal(t, "flaky", name)
	assert.Equal(t, "m1", info.MeetingID)
	assert.Equal(t, 3, flaky.calls)
}

func TestCreateMeetingWithRetry_FallsBackToDefault(t *testing.T) {
	old := baseBackoff
	baseBackoff = time.Millisecond
	defer func() { baseBackoff = old }()

	broken := &flakyProvider{failures: 100}
	fallback := NewJitsi(config.ProviderConfig{BaseURL: "https://meet.example.org"})
	reg, err := NewRegistry("jitsi", broken, fallback)
	require.NoError(t, err)

	name, info, err := CreateMeetingWithRetry(context.Background(), reg, "flaky", 2, CreateMeetingRequest{})
	require.NoError(t, err)
	assert.Equal(t, "jitsi", name)
	assert.NotEmpty(t, info.MeetingID)
}

func TestCreateMeetingWithRetry_UnknownProvider(t *testing.T) {
	reg, err := NewRegistry("jitsi", NewJitsi(config.ProviderConfig{}))
	require.NoError(t, err)

	_, _, err = CreateMeetingWithRetry(context.Background(), reg, "nope", 3, CreateMeetingRequest{})
	assert.ErrorIs(t, err, ErrUnknownProvider)
}
