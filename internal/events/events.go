package events

import "time"

// Kind discriminates lifecycle event streams.
type Kind string

const (
	KindConsultation Kind = "consultation"
	KindBooking      Kind = "booking"
)

// LifecycleEvent is emitted on every booking or consultation state change
// and consumed by collaborators (audit log, notification service, Kafka).
type LifecycleEvent struct {
	Kind           Kind      `json:"kind"`
	ConsultationID string    `json:"consultation_id,omitempty"`
	BookingID      int64     `json:"booking_id,omitempty"`
	FromState      string    `json:"from_state"`
	ToState        string    `json:"to_state"`
	ActorID        int64     `json:"actor_id"`
	ActorRole      string    `json:"actor_role"`
	OccurredAt     time.Time `json:"occurred_at"`
}

// Key returns the partitioning key for the event.
func (e LifecycleEvent) Key() string {
	if e.ConsultationID != "" {
		return e.ConsultationID
	}
	return "booking"
}

// Publisher receives lifecycle events. Implementations must not block the
// emitting transition; slow sinks should buffer internally.
type Publisher interface {
	Publish(event LifecycleEvent)
}
