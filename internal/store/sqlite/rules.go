package sqlite

import (
	"context"
	"fmt"

	"github.com/opencode/opencode-dashboard/internal/store"
)

const ruleColumns = `id, "trigger", priority_filter, delay_ms, channel, enabled`

// defaultRules are the seeded notification policies. The completed batch
// policy covers medium and low priority via two rows since priority_filter
// holds a single value; each row gets its own batch window.
var defaultRules = []store.AlertRule{
	{ID: "blocked-high", Trigger: store.TriggerBlocked, PriorityFilter: "high", DelayMS: 0, Channel: store.ChannelBoth, Enabled: true},
	{ID: "blocked-medium", Trigger: store.TriggerBlocked, PriorityFilter: "medium", DelayMS: 600_000, Channel: store.ChannelBoth, Enabled: true},
	{ID: "blocked-low", Trigger: store.TriggerBlocked, PriorityFilter: "low", DelayMS: 3_600_000, Channel: store.ChannelInApp, Enabled: true},
	{ID: "error-all", Trigger: store.TriggerError, PriorityFilter: store.PriorityFilterAll, DelayMS: 0, Channel: store.ChannelBoth, Enabled: true},
	{ID: "completed-high", Trigger: store.TriggerCompleted, PriorityFilter: "high", DelayMS: 0, Channel: store.ChannelInApp, Enabled: true},
	{ID: "completed-batch-medium", Trigger: store.TriggerCompleted, PriorityFilter: "medium", DelayMS: 900_000, Channel: store.ChannelInApp, Enabled: true},
	{ID: "completed-batch-low", Trigger: store.TriggerCompleted, PriorityFilter: "low", DelayMS: 900_000, Channel: store.ChannelInApp, Enabled: true},
	{ID: "idle-all", Trigger: store.TriggerIdleTooLong, PriorityFilter: store.PriorityFilterAll, DelayMS: 1_800_000, Channel: store.ChannelInApp, Enabled: true},
	{ID: "stale-all", Trigger: store.TriggerStaleTask, PriorityFilter: store.PriorityFilterAll, DelayMS: 7_200_000, Channel: store.ChannelPush, Enabled: true},
}

// SeedDefaultAlertRules inserts the default rules, leaving existing rows
// untouched. Idempotent.
func (s *Store) SeedDefaultAlertRules(ctx context.Context) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	for _, rule := range defaultRules {
		_, err := s.db.ExecContext(ctx, `
			INSERT OR IGNORE INTO alert_rules (`+ruleColumns+`) VALUES (?, ?, ?, ?, ?, ?)
		`, rule.ID, rule.Trigger, rule.PriorityFilter, rule.DelayMS, rule.Channel, boolToInt(rule.Enabled))
		if err != nil {
			return classify(err)
		}
	}
	return nil
}

// ListAlertRules returns every rule.
func (s *Store) ListAlertRules(ctx context.Context) ([]*store.AlertRule, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	return s.queryRules(ctx, `SELECT `+ruleColumns+` FROM alert_rules ORDER BY id`)
}

// ListAlertRulesFor returns the enabled rules matching trigger and priority.
func (s *Store) ListAlertRulesFor(ctx context.Context, trigger store.Trigger, priority store.Priority) ([]*store.AlertRule, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	return s.queryRules(ctx, `
		SELECT `+ruleColumns+` FROM alert_rules
		WHERE "trigger" = ? AND enabled = 1 AND priority_filter IN (?, ?)
		ORDER BY id
	`, trigger, store.PriorityFilterAll, priority)
}

// CreateAlertRule inserts a rule.
func (s *Store) CreateAlertRule(ctx context.Context, rule *store.AlertRule) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO alert_rules (`+ruleColumns+`) VALUES (?, ?, ?, ?, ?, ?)
	`, rule.ID, rule.Trigger, rule.PriorityFilter, rule.DelayMS, rule.Channel, boolToInt(rule.Enabled))
	return classify(err)
}

// UpdateAlertRule applies the non-nil fields and returns the updated rule.
func (s *Store) UpdateAlertRule(ctx context.Context, id string, update store.AlertRuleUpdate) (*store.AlertRule, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `UPDATE alert_rules SET id = id`
	args := []interface{}{}
	if update.Enabled != nil {
		query += `, enabled = ?`
		args = append(args, boolToInt(*update.Enabled))
	}
	if update.DelayMS != nil {
		query += `, delay_ms = ?`
		args = append(args, *update.DelayMS)
	}
	if update.Channel != nil {
		query += `, channel = ?`
		args = append(args, *update.Channel)
	}
	query += ` WHERE id = ?`
	args = append(args, id)

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, classify(err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return nil, fmt.Errorf("alert rule %s: %w", id, store.ErrNotFound)
	}

	rules, err := s.queryRules(ctx, `SELECT `+ruleColumns+` FROM alert_rules WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(rules) == 0 {
		return nil, fmt.Errorf("alert rule %s: %w", id, store.ErrNotFound)
	}
	return rules[0], nil
}

// DeleteAlertRule removes a rule.
func (s *Store) DeleteAlertRule(ctx context.Context, id string) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	result, err := s.db.ExecContext(ctx, `DELETE FROM alert_rules WHERE id = ?`, id)
	if err != nil {
		return classify(err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return fmt.Errorf("alert rule %s: %w", id, store.ErrNotFound)
	}
	return nil
}

func (s *Store) queryRules(ctx context.Context, query string, args ...interface{}) ([]*store.AlertRule, error) {
	rows, err := s.ro.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer func() { _ = rows.Close() }()

	var rules []*store.AlertRule
	for rows.Next() {
		rule := &store.AlertRule{}
		var enabled int
		if err := rows.Scan(&rule.ID, &rule.Trigger, &rule.PriorityFilter, &rule.DelayMS, &rule.Channel, &enabled); err != nil {
			return nil, classify(err)
		}
		rule.Enabled = enabled != 0
		rules = append(rules, rule)
	}
	return rules, classify(rows.Err())
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}
