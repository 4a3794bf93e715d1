package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"telehealth-backend/internal/model"
)

// Store defines the invariant-critical database operations. Plain reads go
// through DB() directly, the same way handlers query gorm in the rest of the
// codebase.
type Store interface {
	DB() *gorm.DB

	// CreateBooking inserts a booking with its slot key atomically; a live
	// booking already holding the slot surfaces as gorm.ErrDuplicatedKey.
	CreateBooking(ctx context.Context, b *model.Booking) error

	// IsSlotFree reports whether no live booking holds the exact slot.
	IsSlotFree(ctx context.Context, doctorID int64, date time.Time, startMinute int) (bool, error)

	// RecordWebhookEvent inserts into the idempotency ledger. The bool is
	// false when the (provider, event_id) pair was already processed.
	RecordWebhookEvent(ctx context.Context, ev *model.WebhookEvent) (bool, error)

	// ReleaseWebhookEvent removes a ledger entry. Used when processing an
	// event fails after the entry was recorded, so the provider's
	// redelivery is not mistaken for a duplicate.
	ReleaseWebhookEvent(ctx context.Context, provider, eventID string) error

	// WithConsultationLock runs fn inside a transaction holding both the
	// per-consultation process lock and a row lock on the consultation, so
	// near-simultaneous transitions serialize instead of losing updates.
	WithConsultationLock(ctx context.Context, id string, fn func(tx *gorm.DB, c *model.Consultation) error) error
}

// gormStore implements the Store interface using GORM.
type gormStore struct {
	db *gorm.DB

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewGormStore creates a new GORM-backed store.
func NewGormStore(db *gorm.DB) Store {
	return &gormStore{
		db:    db,
		locks: make(map[string]*sync.Mutex),
	}
}

func (s *gormStore) DB() *gorm.DB { return s.db }

func (s *gormStore) CreateBooking(ctx context.Context, b *model.Booking) error {
	key := model.SlotKeyFor(b.DoctorID, b.Date, b.StartMinute)
	b.SlotKey = &key

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// The unique index on slot_key is the authoritative guard; the
		// locked pre-read keeps sqlite (which gorm does not always
		// translate) behaving identically in tests.
		var count int64
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Model(&model.Booking{}).
			Where("slot_key = ?", key).
			Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return gorm.ErrDuplicatedKey
		}
		if err := tx.Create(b).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) || isUniqueViolation(err) {
				return gorm.ErrDuplicatedKey
			}
			return fmt.Errorf("failed to create booking: %w", err)
		}
		return nil
	})
}

func (s *gormStore) IsSlotFree(ctx context.Context, doctorID int64, date time.Time, startMinute int) (bool, error) {
	key := model.SlotKeyFor(doctorID, date, startMinute)
	var count int64
	err := s.db.WithContext(ctx).
		Model(&model.Booking{}).
		Where("slot_key = ?", key).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count == 0, nil
}

func (s *gormStore) RecordWebhookEvent(ctx context.Context, ev *model.WebhookEvent) (bool, error) {
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "provider"}, {Name: "event_id"}},
		DoNothing: true,
	}).Create(ev)
	if res.Error != nil {
		return false, fmt.Errorf("failed to record webhook event: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

func (s *gormStore) ReleaseWebhookEvent(ctx context.Context, provider, eventID string) error {
	return s.db.WithContext(ctx).
		Where("provider = ? AND event_id = ?", provider, eventID).
		Delete(&model.WebhookEvent{}).Error
}

func (s *gormStore) WithConsultationLock(ctx context.Context, id string, fn func(tx *gorm.DB, c *model.Consultation) error) error {
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var c model.Consultation
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&c, "id = ?", id).Error; err != nil {
			return err
		}
		return fn(tx, &c)
	})
}

func (s *gormStore) lockFor(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.locks[id]; ok {
		return l
	}
	l := &sync.Mutex{}
	s.locks[id] = l
	return l
}

// isUniqueViolation catches driver errors that gorm's TranslateError misses.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "duplicate key value violates unique constraint") || // postgres
		strings.Contains(msg, "UNIQUE constraint failed") // sqlite
}
