package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/opencode/opencode-dashboard/internal/store"
)

const sleepScheduleKey = "sleep_schedule"

// GetSleepSchedule loads the persisted sleep window. ErrNotFound when unset.
func (s *Store) GetSleepSchedule(ctx context.Context) (*store.SleepSchedule, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var value string
	err := s.ro.QueryRowxContext(ctx, `SELECT value FROM settings WHERE key = ?`, sleepScheduleKey).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("sleep schedule: %w", store.ErrNotFound)
	}
	if err != nil {
		return nil, classify(err)
	}

	var schedule store.SleepSchedule
	if err := json.Unmarshal([]byte(value), &schedule); err != nil {
		return nil, fmt.Errorf("corrupt sleep schedule setting: %w", err)
	}
	return &schedule, nil
}

// PutSleepSchedule persists the sleep window.
func (s *Store) PutSleepSchedule(ctx context.Context, schedule *store.SleepSchedule) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	value, err := json.Marshal(schedule)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, sleepScheduleKey, string(value))
	return classify(err)
}
