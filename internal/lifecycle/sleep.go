package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/opencode/opencode-dashboard/internal/store"
)

// ErrInvalidSchedule marks a sleep-schedule configuration the manager
// rejected before persisting.
var ErrInvalidSchedule = errors.New("invalid sleep schedule")

// GetSleepSchedule returns the active configuration. When nothing was ever
// configured the window is disabled.
func (m *Manager) GetSleepSchedule(ctx context.Context) (*store.SleepSchedule, error) {
	m.mu.Lock()
	cached := m.schedule
	m.mu.Unlock()
	if cached != nil {
		copied := *cached
		return &copied, nil
	}

	schedule, err := m.store.GetSleepSchedule(ctx)
	if err != nil {
		if store.IsNotFound(err) {
			return &store.SleepSchedule{Timezone: "UTC"}, nil
		}
		return nil, err
	}

	m.mu.Lock()
	m.schedule = schedule
	m.mu.Unlock()
	copied := *schedule
	return &copied, nil
}

// SetSleepSchedule validates, persists, and activates the configuration.
func (m *Manager) SetSleepSchedule(ctx context.Context, schedule *store.SleepSchedule) error {
	if schedule.StartHour < 0 || schedule.StartHour > 23 {
		return fmt.Errorf("%w: start_hour must be 0-23, got %d", ErrInvalidSchedule, schedule.StartHour)
	}
	if schedule.EndHour < 0 || schedule.EndHour > 24 {
		return fmt.Errorf("%w: end_hour must be 0-24, got %d", ErrInvalidSchedule, schedule.EndHour)
	}
	if schedule.Timezone == "" {
		schedule.Timezone = "UTC"
	}
	if _, err := time.LoadLocation(schedule.Timezone); err != nil {
		return fmt.Errorf("%w: unknown timezone %q", ErrInvalidSchedule, schedule.Timezone)
	}

	if err := m.store.PutSleepSchedule(ctx, schedule); err != nil {
		return err
	}

	m.mu.Lock()
	copied := *schedule
	m.schedule = &copied
	m.mu.Unlock()
	return nil
}

// inSleepWindowAt evaluates the active schedule at the given instant.
func (m *Manager) inSleepWindowAt(now time.Time) bool {
	m.mu.Lock()
	schedule := m.schedule
	m.mu.Unlock()
	return inSleepWindow(schedule, now)
}

// inSleepWindow reports whether now falls inside the [start, end) hour range
// of the schedule's time zone. A range with start >= end wraps midnight:
// {22, 6} covers hours 22..23 and 0..5.
func inSleepWindow(schedule *store.SleepSchedule, now time.Time) bool {
	if schedule == nil || !schedule.Enabled {
		return false
	}

	loc, err := time.LoadLocation(schedule.Timezone)
	if err != nil {
		loc = time.UTC
	}
	hour := now.In(loc).Hour()

	if schedule.StartHour >= schedule.EndHour {
		return hour >= schedule.StartHour || hour < schedule.EndHour
	}
	return hour >= schedule.StartHour && hour < schedule.EndHour
}
