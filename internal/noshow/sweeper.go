// Package noshow periodically marks consultations whose scheduled time
// elapsed with nobody showing up.
package noshow

import (
	"context"
	"log"
	"time"

	"github.com/robfig/cron/v3"
	"gorm.io/gorm"

	"telehealth-backend/internal/consultation"
	"telehealth-backend/internal/model"
)

// Sweeper finds scheduled consultations past the grace period with no
// waiting-room activity and transitions them to no_show via the state
// machine, so the usual events and booking synchronization apply.
type Sweeper struct {
	db           *gorm.DB
	machine      *consultation.Machine
	graceMinutes int
	cron         *cron.Cron
}

// NewSweeper creates a no-show sweeper.
func NewSweeper(db *gorm.DB, machine *consultation.Machine, graceMinutes int) *Sweeper {
	return &Sweeper{
		db:           db,
		machine:      machine,
		graceMinutes: graceMinutes,
	}
}

// Start schedules the sweep on the given cron expression and runs until the
// context is cancelled.
func (s *Sweeper) Start(ctx context.Context, schedule string) error {
	s.cron = cron.New()
	_, err := s.cron.AddFunc(schedule, func() { s.SweepOnce(ctx) })
	if err != nil {
		return err
	}
	s.cron.Start()

	go func() {
		<-ctx.Done()
		s.cron.Stop()
		log.Println("no-show sweeper stopped")
	}()
	return nil
}

// SweepOnce runs a single sweep pass.
func (s *Sweeper) SweepOnce(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-time.Duration(s.graceMinutes) * time.Minute)

	var ids []string
	err := s.db.WithContext(ctx).Model(&model.Consultation{}).
		Where("status = ? AND scheduled_start < ?", model.ConsultationScheduled, cutoff).
		Where("id NOT IN (?)", s.db.Model(&model.WaitingRoomEntry{}).Select("consultation_id")).
		Pluck("id", &ids).Error
	if err != nil {
		log.Printf("no-show sweep query failed: %v", err)
		return
	}

	for _, id := range ids {
		if _, err := s.machine.MarkNoShow(ctx, id); err != nil {
			// Lost the race against a late join; the next pass re-evaluates.
			log.Printf("no-show transition for consultation %s skipped: %v", id, err)
		}
	}
	if len(ids) > 0 {
		log.Printf("no-show sweep processed %d consultations", len(ids))
	}
}
