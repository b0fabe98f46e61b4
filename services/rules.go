package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"dmarcwatch/db"
	"dmarcwatch/models"
)

// Crossed reports whether value breaches threshold under op.
func Crossed(op string, value, threshold float64) (bool, error) {
	switch strings.TrimSpace(op) {
	case ">":
		return value > threshold, nil
	case ">=":
		return value >= threshold, nil
	case "<":
		return value < threshold, nil
	case "<=":
		return value <= threshold, nil
	case "==":
		// Metrics are percentages and counts; compare with a small epsilon.
		return math.Abs(value-threshold) < 1e-9, nil
	default:
		return false, fmt.Errorf("%w: %q", ErrInvalidOperator, op)
	}
}

const ruleColumns = `r.id, r.owner_id, r.name, r.description, r.metric, r.threshold_value,
	r.threshold_operator, r.time_window_minutes, r.domain_filter, r.group_filter,
	r.severity, r.notification_channels, r.notification_recipients, r.webhook_url, r.enabled`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRule(row rowScanner) (models.Rule, error) {
	var (
		r                            models.Rule
		owner, domain, group, hook   sql.NullString
		description, severity        sql.NullString
		metric                       string
		channelsJSON, recipientsJSON sql.NullString
	)
	err := row.Scan(&r.ID, &owner, &r.Name, &description, &metric, &r.ThresholdValue,
		&r.ThresholdOperator, &r.TimeWindowMinutes, &domain, &group,
		&severity, &channelsJSON, &recipientsJSON, &hook, &r.Enabled)
	if err != nil {
		return r, err
	}
	r.OwnerID = owner.String
	r.Description = description.String
	r.Metric = models.Metric(metric)
	r.DomainFilter = domain.String
	r.GroupFilter = group.String
	r.Severity = models.Severity(severity.String)
	r.WebhookURL = hook.String

	if err := decodeJSONList(channelsJSON.String, &r.NotificationChannels); err != nil {
		return r, fmt.Errorf("rule %s channels: %w", r.ID, err)
	}
	if err := decodeJSONList(recipientsJSON.String, &r.NotificationRecipients); err != nil {
		return r, fmt.Errorf("rule %s recipients: %w", r.ID, err)
	}
	return r, nil
}

func decodeJSONList[T any](raw string, dst *[]T) error {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "null" {
		*dst = nil
		return nil
	}
	return json.Unmarshal([]byte(raw), dst)
}

// LoadRule reads a single rule by id. A missing rule is ErrNotFound.
func LoadRule(ctx context.Context, conn *db.DB, id string) (models.Rule, error) {
	query := conn.Dialect.Rebind(`SELECT ` + ruleColumns + ` FROM alert_rules r WHERE r.id = ?`)
	rule, err := scanRule(conn.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return rule, ErrNotFound
	}
	if err != nil {
		return rule, fmt.Errorf("load rule %s: %w", id, err)
	}
	return rule, nil
}

// LoadDueRules returns enabled rules that were never evaluated or whose last
// evaluation is at or before dueBefore.
func LoadDueRules(ctx context.Context, conn *db.DB, dueBefore string) ([]models.Rule, error) {
	query := db.NewQuery(`SELECT `+ruleColumns+`
		FROM alert_rules r
		LEFT JOIN rule_state s ON s.rule_id = r.id
		WHERE r.enabled = ? AND (s.rule_id IS NULL OR s.last_evaluated_at <= ?)
		ORDER BY r.id`, true, dueBefore)
	sqlText, args := query.Build(conn.Dialect)

	rows, err := conn.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, fmt.Errorf("load due rules: %w", err)
	}
	defer rows.Close()

	var rules []models.Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}
