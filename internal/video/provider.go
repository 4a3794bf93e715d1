// Package video abstracts the external video-conferencing providers behind a
// single adapter interface so the consultation engine never sees a
// provider-specific response shape.
package video

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

var (
	// ErrProviderUnavailable marks a transient network/auth failure. Callers
	// may retry with backoff or fall back to the default provider.
	ErrProviderUnavailable = errors.New("video provider unavailable")

	// ErrSignatureInvalid marks a webhook signature mismatch. Never retried.
	ErrSignatureInvalid = errors.New("webhook signature invalid")

	// ErrUnknownProvider means no adapter is registered under the name.
	ErrUnknownProvider = errors.New("unknown video provider")
)

// MeetingInfo is the provider-neutral description of a provisioned meeting.
type MeetingInfo struct {
	MeetingID string `json:"meeting_id"`
	JoinURL   string `json:"join_url"`
	Password  string `json:"password,omitempty"`
}

// CreateMeetingRequest carries everything an adapter needs to provision a
// meeting.
type CreateMeetingRequest struct {
	Topic            string
	StartTime        time.Time
	DurationMinutes  int
	RecordingEnabled bool
}

// Recording is one provider-reported recording segment.
type Recording struct {
	SegmentID string
	FileURL   string
	Start     time.Time
	End       time.Time
	Status    string
	ExpiresAt *time.Time
}

// Event is the provider-neutral webhook event.
type Event struct {
	EventID   string
	MeetingID string
	Type      EventType
	Timestamp time.Time
	UserID    int64 // participant events; 0 when the provider doesn't map users
	Recording *Recording
	Quality   string
}

// EventType enumerates the webhook events the engine reacts to.
type EventType string

const (
	EventMeetingStarted     EventType = "meeting.started"
	EventMeetingEnded       EventType = "meeting.ended"
	EventParticipantJoined  EventType = "participant.joined"
	EventParticipantLeft    EventType = "participant.left"
	EventRecordingCompleted EventType = "recording.completed"
	EventQualityReport      EventType = "quality.report"
)

// Provider is the uniform interface over one external video service.
type Provider interface {
	Name() string
	CreateMeeting(ctx context.Context, req CreateMeetingRequest) (*MeetingInfo, error)
	GetMeetingInfo(ctx context.Context, meetingID string) (*MeetingInfo, error)
	GetRecordingInfo(ctx context.Context, meetingID string) ([]Recording, error)

	// VerifySignature validates the webhook request; failure is fatal for
	// that delivery and must not be retried.
	VerifySignature(header http.Header, body []byte) error

	// ParseEvent maps the raw webhook payload into the neutral event.
	ParseEvent(body []byte) (*Event, error)
}

// Registry holds the configured adapters and the default fallback.
type Registry struct {
	providers   map[string]Provider
	defaultName string
}

// NewRegistry builds a registry. defaultName must be one of the registered
// provider names.
func NewRegistry(defaultName string, providers ...Provider) (*Registry, error) {
	r := &Registry{providers: make(map[string]Provider, len(providers)), defaultName: defaultName}
	for _, p := range providers {
		r.providers[p.Name()] = p
	}
	if _, ok := r.providers[defaultName]; !ok {
		return nil, fmt.Errorf("default provider %q is not registered", defaultName)
	}
	return r, nil
}

// Get returns the adapter registered under name.
func (r *Registry) Get(name string) (Provider, error) {
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
	return p, nil
}

// Default returns the configured fallback provider.
func (r *Registry) Default() Provider {
	return r.providers[r.defaultName]
}
