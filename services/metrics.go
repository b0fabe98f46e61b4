package services

import (
	"context"
	"fmt"
	"time"

	"dmarcwatch/db"
	"dmarcwatch/models"
	"dmarcwatch/timewindow"
)

// maxDetailItems caps the IPs and record ids copied into incident details.
const maxDetailItems = 50

// Evaluation is a metric value plus the context operators need to triage it.
type Evaluation struct {
	Value   float64
	Details map[string]any
}

// Evaluator computes rule metrics over dmarc_records.
type Evaluator struct {
	db  *db.DB
	now func() time.Time
}

func NewEvaluator(conn *db.DB) *Evaluator {
	return &Evaluator{db: conn, now: time.Now}
}

// Evaluate returns the rule's metric value under scope.
func (e *Evaluator) Evaluate(ctx context.Context, rule models.Rule, scope models.AccessScope) (float64, error) {
	ev, err := e.EvaluateDetailed(ctx, rule, scope)
	return ev.Value, err
}

// EvaluateDetailed is Evaluate plus incident details.
func (e *Evaluator) EvaluateDetailed(ctx context.Context, rule models.Rule, scope models.AccessScope) (Evaluation, error) {
	if !rule.Metric.Valid() {
		return Evaluation{}, fmt.Errorf("%w: %q", ErrInvalidMetric, rule.Metric)
	}
	if rule.TimeWindowMinutes <= 0 {
		return Evaluation{}, fmt.Errorf("rule %s: time window must be positive, got %d", rule.ID, rule.TimeWindowMinutes)
	}
	window := timewindow.Trailing(e.now(), rule.TimeWindowMinutes)

	var (
		ev  Evaluation
		err error
	)
	switch rule.Metric {
	case models.MetricDMARCFailureRate:
		ev, err = e.failureRate(ctx, rule, scope, window)
	case models.MetricVolumeIncrease:
		ev, err = e.volumeIncrease(ctx, rule, scope, window)
	case models.MetricNewFailureIPs:
		ev, err = e.newFailureIPs(ctx, rule, scope, window)
	case models.MetricSPFFailures:
		ev, err = e.spfFailures(ctx, rule, scope, window)
	default:
		return Evaluation{}, fmt.Errorf("%w: %q", ErrInvalidMetric, rule.Metric)
	}
	if err != nil {
		return Evaluation{}, fmt.Errorf("evaluate %s for rule %s: %w", rule.Metric, rule.ID, err)
	}

	from, to := window.Bounds()
	ev.Details["metric"] = string(rule.Metric)
	ev.Details["window_from"] = from
	ev.Details["window_to"] = to
	return ev, nil
}

func filterFor(rule models.Rule, scope models.AccessScope, alias string, w timewindow.Window) db.RecordFilter {
	from, to := w.Bounds()
	return db.RecordFilter{
		Alias:        alias,
		From:         from,
		To:           to,
		DomainFilter: rule.DomainFilter,
		GroupFilter:  rule.GroupFilter,
		Scope:        scope,
	}
}

func (e *Evaluator) failureRate(ctx context.Context, rule models.Rule, scope models.AccessScope, w timewindow.Window) (Evaluation, error) {
	q := db.NewQuery(`SELECT COUNT(*), COALESCE(SUM(CASE WHEN r.disposition <> 'none' THEN 1 ELSE 0 END), 0)
		FROM dmarc_records r WHERE 1 = 1`).
		Filter(filterFor(rule, scope, "r", w))
	sqlText, args := q.Build(e.db.Dialect)

	var total, failing int64
	if err := e.db.QueryRowContext(ctx, sqlText, args...).Scan(&total, &failing); err != nil {
		return Evaluation{}, err
	}
	value := 0.0
	if total > 0 {
		value = float64(failing) / float64(total) * 100
	}
	return Evaluation{Value: value, Details: map[string]any{
		"total_records":   total,
		"failing_records": failing,
	}}, nil
}

func (e *Evaluator) messageVolume(ctx context.Context, f db.RecordFilter) (int64, error) {
	q := db.NewQuery(`SELECT COALESCE(SUM(r.message_count), 0) FROM dmarc_records r WHERE 1 = 1`).Filter(f)
	sqlText, args := q.Build(e.db.Dialect)
	var n int64
	err := e.db.QueryRowContext(ctx, sqlText, args...).Scan(&n)
	return n, err
}

func (e *Evaluator) volumeIncrease(ctx context.Context, rule models.Rule, scope models.AccessScope, w timewindow.Window) (Evaluation, error) {
	current, err := e.messageVolume(ctx, filterFor(rule, scope, "r", w))
	if err != nil {
		return Evaluation{}, err
	}
	prevWindow := w.Previous()
	previous, err := e.messageVolume(ctx, filterFor(rule, scope, "r", prevWindow))
	if err != nil {
		return Evaluation{}, err
	}
	value := 0.0
	if previous > 0 {
		value = float64(current-previous) / float64(previous) * 100
	}
	prevFrom, prevTo := prevWindow.Bounds()
	return Evaluation{Value: value, Details: map[string]any{
		"current_volume":       current,
		"previous_volume":      previous,
		"previous_window_from": prevFrom,
		"previous_window_to":   prevTo,
	}}, nil
}

func (e *Evaluator) newFailureIPs(ctx context.Context, rule models.Rule, scope models.AccessScope, w timewindow.Window) (Evaluation, error) {
	current := filterFor(rule, scope, "r", w)

	// History uses the same domain, group and actor scope, bounded only by
	// the start of the current window.
	history := current
	history.Alias = "h"
	history.From = ""
	history.To = current.From

	seen := db.NewQuery(`SELECT 1 FROM dmarc_records h
		WHERE h.source_ip = r.source_ip AND h.disposition <> 'none'`).Filter(history)

	q := db.NewQuery(`SELECT r.id, r.source_ip FROM dmarc_records r
		WHERE r.disposition <> 'none'`).
		Filter(current).
		Write(` AND NOT EXISTS (`).Sub(seen).Write(`)
		ORDER BY r.source_ip, r.id`)
	sqlText, args := q.Build(e.db.Dialect)

	rows, err := e.db.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return Evaluation{}, err
	}
	defer rows.Close()

	var ips, recordIDs []string
	distinct := make(map[string]struct{})
	for rows.Next() {
		var id, ip string
		if err := rows.Scan(&id, &ip); err != nil {
			return Evaluation{}, err
		}
		if _, ok := distinct[ip]; !ok {
			distinct[ip] = struct{}{}
			if len(ips) < maxDetailItems {
				ips = append(ips, ip)
			}
		}
		if len(recordIDs) < maxDetailItems {
			recordIDs = append(recordIDs, id)
		}
	}
	if err := rows.Err(); err != nil {
		return Evaluation{}, err
	}
	return Evaluation{Value: float64(len(distinct)), Details: map[string]any{
		"new_ips":    ips,
		"record_ids": recordIDs,
	}}, nil
}

func (e *Evaluator) spfFailures(ctx context.Context, rule models.Rule, scope models.AccessScope, w timewindow.Window) (Evaluation, error) {
	q := db.NewQuery(`SELECT COUNT(*), COALESCE(SUM(r.message_count), 0)
		FROM dmarc_records r WHERE r.spf_result <> 'pass'`).
		Filter(filterFor(rule, scope, "r", w))
	sqlText, args := q.Build(e.db.Dialect)

	var rowsMatched, messages int64
	if err := e.db.QueryRowContext(ctx, sqlText, args...).Scan(&rowsMatched, &messages); err != nil {
		return Evaluation{}, err
	}
	return Evaluation{Value: float64(messages), Details: map[string]any{
		"failing_rows":     rowsMatched,
		"failing_messages": messages,
	}}, nil
}
