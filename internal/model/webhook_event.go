package model

import "time"

// WebhookEvent is the idempotency ledger for provider callbacks. Providers
// deliver at least once; the unique index on (provider, event_id) turns a
// duplicate delivery into a detectable no-op.
type WebhookEvent struct {
	ID         int64  `gorm:"primaryKey"`
	Provider   string `gorm:"size:32;not null;uniqueIndex:ux_webhook_event,priority:1"`
	EventID    string `gorm:"size:128;not null;uniqueIndex:ux_webhook_event,priority:2"`
	MeetingID  string `gorm:"size:128;index"`
	EventType  string `gorm:"size:64;not null"`
	ReceivedAt time.Time `gorm:"not null"`
}
