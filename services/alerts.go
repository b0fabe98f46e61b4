package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"dmarcwatch/db"
	"dmarcwatch/logging"
	"dmarcwatch/models"
	"dmarcwatch/timewindow"
)

// IncidentManager turns threshold crossings into incidents and moves them
// through open, acknowledged and resolved.
type IncidentManager struct {
	db        *db.DB
	evaluator *Evaluator
	scopes    *ScopeResolver
	logger    logging.Logger

	// CheckInterval is how long a rule rests after an evaluation.
	CheckInterval time.Duration

	now   func() time.Time
	newID func() string
}

func NewIncidentManager(conn *db.DB, evaluator *Evaluator, scopes *ScopeResolver, logger logging.Logger) *IncidentManager {
	return &IncidentManager{
		db:            conn,
		evaluator:     evaluator,
		scopes:        scopes,
		logger:        logger,
		CheckInterval: 5 * time.Minute,
		now:           time.Now,
		newID:         uuid.NewString,
	}
}

// DueRules returns the enabled rules whose rest period has elapsed.
func (m *IncidentManager) DueRules(ctx context.Context) ([]models.Rule, error) {
	dueBefore := timewindow.Format(m.now().Add(-m.CheckInterval))
	return LoadDueRules(ctx, m.db, dueBefore)
}

// ruleScope is what the rule's owner can see. Rules without an owner were
// created by the system and run elevated; rules whose owner is gone fail
// with ErrOwnerNotFound.
func (m *IncidentManager) ruleScope(ctx context.Context, rule models.Rule) (models.AccessScope, error) {
	if rule.OwnerID == "" {
		return models.ElevatedScope(), nil
	}
	return m.scopes.ResolveOwner(ctx, rule.OwnerID)
}

// Preview evaluates a rule without recording anything.
func (m *IncidentManager) Preview(ctx context.Context, rule models.Rule) (Evaluation, bool, error) {
	scope, err := m.ruleScope(ctx, rule)
	if err != nil {
		return Evaluation{}, false, err
	}
	ev, err := m.evaluator.EvaluateDetailed(ctx, rule, scope)
	if err != nil {
		return Evaluation{}, false, err
	}
	crossed, err := Crossed(rule.ThresholdOperator, ev.Value, rule.ThresholdValue)
	return ev, crossed, err
}

// CheckRule evaluates the rule and opens an incident when the threshold is
// crossed. It returns nil when nothing crossed or an open incident for the
// rule already exists.
func (m *IncidentManager) CheckRule(ctx context.Context, rule models.Rule) (*models.Incident, error) {
	ev, crossed, err := m.Preview(ctx, rule)
	if err != nil {
		ruleEvaluationsTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	now := m.now().UTC().Truncate(time.Second)
	stamp := timewindow.Format(now)

	var incident *models.Incident
	if crossed {
		ev.Details["severity"] = string(rule.Severity)
		if rule.DomainFilter != "" {
			ev.Details["domain_filter"] = rule.DomainFilter
		}
		if rule.GroupFilter != "" {
			ev.Details["group_filter"] = rule.GroupFilter
		}
		incident = &models.Incident{
			ID:             m.newID(),
			RuleID:         rule.ID,
			MetricValue:    ev.Value,
			ThresholdValue: rule.ThresholdValue,
			Message:        incidentMessage(rule, ev.Value),
			Details:        ev.Details,
			Status:         models.StatusOpen,
			TriggeredAt:    now,
		}
	}

	err = m.db.WithTx(ctx, func(tx *sql.Tx) error {
		if incident != nil {
			created, err := m.insertIncident(ctx, tx, incident, stamp)
			if err != nil {
				return err
			}
			if !created {
				incident = nil
			}
		}
		return m.saveState(ctx, tx, rule.ID, stamp, ev.Value, incident)
	})
	if err != nil {
		ruleEvaluationsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("record evaluation of rule %s: %w", rule.ID, err)
	}

	entry := m.logger.WithFields(logging.Fields{
		"rule_id": rule.ID,
		"metric":  rule.Metric,
		"value":   ev.Value,
	})
	switch {
	case incident != nil:
		ruleEvaluationsTotal.WithLabelValues("incident").Inc()
		incidentsCreatedTotal.WithLabelValues(string(rule.Metric), string(rule.Severity)).Inc()
		entry.WithField("incident_id", incident.ID).Warn("Incident opened")
	case crossed:
		ruleEvaluationsTotal.WithLabelValues("suppressed").Inc()
		incidentsSuppressedTotal.WithLabelValues(string(rule.Metric)).Inc()
		entry.Debug("Threshold crossed but an incident is already open")
	default:
		ruleEvaluationsTotal.WithLabelValues("ok").Inc()
		entry.Debug("Rule within threshold")
	}
	return incident, nil
}

func incidentMessage(rule models.Rule, value float64) string {
	name := rule.Name
	if name == "" {
		name = rule.ID
	}
	return fmt.Sprintf("%s: %s is %.2f (threshold %s %g)", name, rule.Metric, value, rule.ThresholdOperator, rule.ThresholdValue)
}

// insertIncident relies on the one-open-incident-per-rule unique index; a
// conflicting insert is skipped and reported as not created.
func (m *IncidentManager) insertIncident(ctx context.Context, tx *sql.Tx, inc *models.Incident, stamp string) (bool, error) {
	details, err := json.Marshal(inc.Details)
	if err != nil {
		return false, fmt.Errorf("encode details: %w", err)
	}
	stmt := m.db.Dialect.InsertIgnore("incidents", []string{
		"id", "rule_id", "metric_value", "threshold_value", "message", "details", "status", "triggered_at",
	})
	res, err := tx.ExecContext(ctx, stmt,
		inc.ID, inc.RuleID, inc.MetricValue, inc.ThresholdValue, inc.Message, string(details), string(inc.Status), stamp)
	if err != nil {
		return false, fmt.Errorf("insert incident: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (m *IncidentManager) saveState(ctx context.Context, tx *sql.Tx, ruleID, stamp string, value float64, inc *models.Incident) error {
	keys := []string{"rule_id"}
	if inc == nil {
		stmt := m.db.Dialect.Upsert("rule_state", keys, []string{"last_evaluated_at", "last_value"})
		_, err := tx.ExecContext(ctx, stmt, ruleID, stamp, value)
		return err
	}
	stmt := m.db.Dialect.Upsert("rule_state", keys, []string{"last_evaluated_at", "last_value", "last_incident_id"})
	_, err := tx.ExecContext(ctx, stmt, ruleID, stamp, value, inc.ID)
	return err
}

const incidentColumns = `i.id, i.rule_id, i.metric_value, i.threshold_value, i.message, i.details,
	i.status, i.triggered_at, i.acknowledged_at, i.acknowledged_by, i.resolved_at,
	i.notified_at, i.notify_error`

func scanIncident(row rowScanner) (models.Incident, error) {
	var (
		inc                   models.Incident
		details, ackBy, notifyErr       sql.NullString
		status                          string
		triggered, ack, resol, notified db.NullTime
	)
	if err := row.Scan(&inc.ID, &inc.RuleID, &inc.MetricValue, &inc.ThresholdValue, &inc.Message,
		&details, &status, &triggered, &ack, &ackBy, &resol, &notified, &notifyErr); err != nil {
		return inc, err
	}
	inc.NotifiedAt = notified.Ptr()
	inc.NotifyError = notifyErr.String
	inc.Status = models.IncidentStatus(status)
	inc.TriggeredAt = triggered.Time
	inc.AcknowledgedAt = ack.Ptr()
	inc.AcknowledgedBy = ackBy.String
	inc.ResolvedAt = resol.Ptr()
	inc.Details = map[string]any{}
	if details.String != "" {
		if err := json.Unmarshal([]byte(details.String), &inc.Details); err != nil {
			return inc, fmt.Errorf("decode details of incident %s: %w", inc.ID, err)
		}
	}
	return inc, nil
}

// visibleIncident loads an incident the actor may see. Missing and hidden
// incidents both come back as ErrNotFound.
func (m *IncidentManager) visibleIncident(ctx context.Context, id, actor string) (models.Incident, error) {
	inc, err := m.loadIncident(ctx, id)
	if err != nil {
		return inc, err
	}
	if _, err := m.VisibleRule(ctx, inc.RuleID, actor); err != nil {
		return models.Incident{}, err
	}
	return inc, nil
}

func (m *IncidentManager) loadIncident(ctx context.Context, id string) (models.Incident, error) {
	query := m.db.Dialect.Rebind(`SELECT ` + incidentColumns + ` FROM incidents i WHERE i.id = ?`)
	inc, err := scanIncident(m.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return inc, ErrNotFound
	}
	if err != nil {
		return inc, fmt.Errorf("load incident %s: %w", id, err)
	}
	return inc, nil
}

// VisibleRule loads a rule the actor may see; hidden rules are ErrNotFound.
func (m *IncidentManager) VisibleRule(ctx context.Context, id, actor string) (models.Rule, error) {
	rule, err := LoadRule(ctx, m.db, id)
	if err != nil {
		return rule, err
	}
	scope, err := m.scopes.Resolve(ctx, actor)
	if err != nil {
		return rule, err
	}
	if !scope.CanSeeRule(actor, rule) {
		return models.Rule{}, ErrNotFound
	}
	return rule, nil
}

// Acknowledge moves an open incident to acknowledged.
func (m *IncidentManager) Acknowledge(ctx context.Context, id, actor string) (models.Incident, error) {
	inc, err := m.visibleIncident(ctx, id, actor)
	if err != nil {
		return inc, err
	}
	if !models.CanTransition(inc.Status, models.StatusAcknowledged) {
		return inc, ErrAlreadyAcknowledged
	}
	now := m.now().UTC().Truncate(time.Second)

	// The status condition still guards against a concurrent transition.
	query := m.db.Dialect.Rebind(`UPDATE incidents SET status = ?, acknowledged_at = ?, acknowledged_by = ?
		WHERE id = ? AND status = ?`)
	res, err := m.db.ExecContext(ctx, query,
		string(models.StatusAcknowledged), timewindow.Format(now), actor, id, string(models.StatusOpen))
	if err != nil {
		return inc, fmt.Errorf("acknowledge incident %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return inc, err
	} else if n == 0 {
		return inc, ErrAlreadyAcknowledged
	}

	inc.Status = models.StatusAcknowledged
	inc.AcknowledgedAt = &now
	inc.AcknowledgedBy = actor
	m.logger.WithFields(logging.Fields{"incident_id": id, "actor": actor}).Info("Incident acknowledged")
	return inc, nil
}

// Resolve closes an open or acknowledged incident, which lets the rule open
// a new one on its next crossing.
func (m *IncidentManager) Resolve(ctx context.Context, id, actor string) (models.Incident, error) {
	inc, err := m.visibleIncident(ctx, id, actor)
	if err != nil {
		return inc, err
	}
	if !models.CanTransition(inc.Status, models.StatusResolved) {
		return inc, ErrAlreadyResolved
	}
	now := m.now().UTC().Truncate(time.Second)

	query := m.db.Dialect.Rebind(`UPDATE incidents SET status = ?, resolved_at = ?
		WHERE id = ? AND status IN (?, ?)`)
	res, err := m.db.ExecContext(ctx, query,
		string(models.StatusResolved), timewindow.Format(now), id,
		string(models.StatusOpen), string(models.StatusAcknowledged))
	if err != nil {
		return inc, fmt.Errorf("resolve incident %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return inc, err
	} else if n == 0 {
		return inc, ErrAlreadyResolved
	}

	inc.Status = models.StatusResolved
	inc.ResolvedAt = &now
	m.logger.WithFields(logging.Fields{"incident_id": id, "actor": actor}).Info("Incident resolved")
	return inc, nil
}

// IncidentFilter narrows ListIncidents.
type IncidentFilter struct {
	Status models.IncidentStatus
	RuleID string
	Limit  int
}

// visibility mirrors AccessScope.CanSeeRule in SQL over alert_rules alias r.
func visibility(scope models.AccessScope, actor string) (*db.Query, bool) {
	if scope.Unrestricted {
		return nil, false
	}
	domainIn, domainArgs := db.In("r.domain_filter", scope.DomainList())
	groupIn, groupArgs := db.In("r.group_filter", scope.GroupList())

	q := db.NewQuery(` AND (r.owner_id = ? OR (
		(COALESCE(r.domain_filter, '') <> '' OR COALESCE(r.group_filter, '') <> '')
		AND (COALESCE(r.domain_filter, '') = '' OR `+domainIn+`)
		AND (COALESCE(r.group_filter, '') = '' OR `+groupIn+`)))`, actor)
	q.Write("", domainArgs...).Write("", groupArgs...)
	return q, true
}

// ListIncidents returns the incidents the actor may see, newest first.
func (m *IncidentManager) ListIncidents(ctx context.Context, actor string, f IncidentFilter) ([]models.Incident, error) {
	scope, err := m.scopes.Resolve(ctx, actor)
	if err != nil {
		return nil, err
	}
	q := db.NewQuery(`SELECT ` + incidentColumns + ` FROM incidents i
		JOIN alert_rules r ON r.id = i.rule_id WHERE 1 = 1`)
	if vis, ok := visibility(scope, actor); ok {
		q.Sub(vis)
	}
	if f.Status != "" {
		q.Write(` AND i.status = ?`, string(f.Status))
	}
	if f.RuleID != "" {
		q.Write(` AND i.rule_id = ?`, f.RuleID)
	}
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	q.Write(fmt.Sprintf(` ORDER BY i.triggered_at DESC, i.id LIMIT %d`, limit))

	sqlText, args := q.Build(m.db.Dialect)
	rows, err := m.db.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, fmt.Errorf("list incidents: %w", err)
	}
	defer rows.Close()

	incidents := []models.Incident{}
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, err
		}
		incidents = append(incidents, inc)
	}
	return incidents, rows.Err()
}

// IncidentStats counts visible incidents per status.
type IncidentStats struct {
	Open         int `json:"open"`
	Acknowledged int `json:"acknowledged"`
	Resolved     int `json:"resolved"`
	Total        int `json:"total"`
}

func (m *IncidentManager) Stats(ctx context.Context, actor string) (IncidentStats, error) {
	var stats IncidentStats
	scope, err := m.scopes.Resolve(ctx, actor)
	if err != nil {
		return stats, err
	}
	q := db.NewQuery(`SELECT i.status, COUNT(*) FROM incidents i
		JOIN alert_rules r ON r.id = i.rule_id WHERE 1 = 1`)
	if vis, ok := visibility(scope, actor); ok {
		q.Sub(vis)
	}
	q.Write(` GROUP BY i.status`)

	sqlText, args := q.Build(m.db.Dialect)
	rows, err := m.db.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return stats, fmt.Errorf("incident stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return stats, err
		}
		switch models.IncidentStatus(status) {
		case models.StatusOpen:
			stats.Open = n
		case models.StatusAcknowledged:
			stats.Acknowledged = n
		case models.StatusResolved:
			stats.Resolved = n
		}
		stats.Total += n
	}
	return stats, rows.Err()
}
