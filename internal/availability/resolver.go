package availability

import (
	"context"
	"sort"
	"time"

	"gorm.io/gorm"

	"telehealth-backend/internal/model"
)

// DayWindows is the resolved open time for one date.
type DayWindows struct {
	Date    time.Time
	Windows []Window
}

// Resolver computes open availability windows for a doctor from the recurring
// weekly templates minus any time-off exceptions.
type Resolver struct {
	db *gorm.DB
}

// NewResolver creates a resolver backed by the given database.
func NewResolver(db *gorm.DB) *Resolver {
	return &Resolver{db: db}
}

// Resolve returns the ordered per-date open windows for doctorID over the
// inclusive [from, to] range. It has no side effects.
func (r *Resolver) Resolve(ctx context.Context, doctorID int64, from, to time.Time) ([]DayWindows, error) {
	from, to = Midnight(from), Midnight(to)
	if from.IsZero() || to.IsZero() || from.After(to) {
		return nil, ErrInvalidRange
	}

	var templates []model.AvailabilityTemplate
	if err := r.db.WithContext(ctx).
		Where("doctor_id = ? AND active = ?", doctorID, true).
		Find(&templates).Error; err != nil {
		return nil, err
	}

	var exceptions []model.TimeOffException
	if err := r.db.WithContext(ctx).
		Where("doctor_id = ? AND start_date <= ? AND end_date >= ?", doctorID, to, from).
		Find(&exceptions).Error; err != nil {
		return nil, err
	}

	return ResolveWindows(from, to, templates, exceptions), nil
}

// ResolveWindows is the pure computation behind Resolve: for every date in the
// range, the active templates matching the weekday, minus overlapping
// exceptions. Full-day exceptions drop the whole date; partial exceptions
// subtract their time range from each window, possibly splitting it.
func ResolveWindows(from, to time.Time, templates []model.AvailabilityTemplate, exceptions []model.TimeOffException) []DayWindows {
	byWeekday := make(map[int][]Window)
	for _, t := range templates {
		if !t.Active || t.StartMinute >= t.EndMinute {
			continue
		}
		byWeekday[t.Weekday] = append(byWeekday[t.Weekday], Window{Start: t.StartMinute, End: t.EndMinute})
	}
	for _, ws := range byWeekday {
		sort.Slice(ws, func(i, j int) bool { return ws[i].Start < ws[j].Start })
	}

	var out []DayWindows
	for date := from; !date.After(to); date = date.AddDate(0, 0, 1) {
		windows := append([]Window(nil), byWeekday[int(date.Weekday())]...)
		if len(windows) == 0 {
			continue
		}

		blocked := false
		for _, ex := range exceptions {
			if date.Before(Midnight(ex.StartDate)) || date.After(Midnight(ex.EndDate)) {
				continue
			}
			if ex.FullDay {
				blocked = true
				break
			}
			windows = subtractAll(windows, Window{Start: ex.StartMinute, End: ex.EndMinute})
		}
		if blocked || len(windows) == 0 {
			continue
		}

		out = append(out, DayWindows{Date: date, Windows: windows})
	}
	return out
}

func subtractAll(windows []Window, block Window) []Window {
	out := make([]Window, 0, len(windows))
	for _, w := range windows {
		out = append(out, w.Subtract(block)...)
	}
	return out
}
