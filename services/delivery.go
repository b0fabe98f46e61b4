package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"dmarcwatch/logging"
	"dmarcwatch/models"
	"dmarcwatch/timewindow"
)

// owedLeg is a notification leg an incident is still waiting on.
type owedLeg struct {
	Channel models.Channel `json:"channel"`
	Target  string         `json:"target"`
}

// Redelivery is an open incident whose notification has not fully gone
// out, paired with its rule narrowed to the legs still owed.
type Redelivery struct {
	Incident models.Incident
	Rule     models.Rule
}

// RecordDelivery stores a dispatch outcome on the incident. A clean result
// stamps notified_at; failed legs stay owed until a later pass delivers them.
func (m *IncidentManager) RecordDelivery(ctx context.Context, id string, res DispatchResult) error {
	failed := res.Failed()
	if len(failed) == 0 {
		query := m.db.Dialect.Rebind(`UPDATE incidents
			SET notified_at = ?, notify_error = NULL, notify_pending = NULL WHERE id = ?`)
		if _, err := m.db.ExecContext(ctx, query, timewindow.Format(m.now()), id); err != nil {
			return fmt.Errorf("record delivery of incident %s: %w", id, err)
		}
		return nil
	}

	owed := make([]owedLeg, 0, len(failed))
	for _, l := range failed {
		owed = append(owed, owedLeg{Channel: l.Channel, Target: l.Target})
	}
	pending, err := json.Marshal(owed)
	if err != nil {
		return fmt.Errorf("encode owed legs: %w", err)
	}
	query := m.db.Dialect.Rebind(`UPDATE incidents SET notify_error = ?, notify_pending = ? WHERE id = ?`)
	if _, err := m.db.ExecContext(ctx, query, errorText(res.Err()), string(pending), id); err != nil {
		return fmt.Errorf("record delivery failure of incident %s: %w", id, err)
	}
	return nil
}

// PendingDeliveries returns the open incidents that were never fully
// notified. Incidents whose rule is gone or disabled are left alone.
func (m *IncidentManager) PendingDeliveries(ctx context.Context) ([]Redelivery, error) {
	owed, err := m.owedIncidents(ctx)
	if err != nil {
		return nil, err
	}

	var out []Redelivery
	for id, pending := range owed {
		inc, err := m.loadIncident(ctx, id)
		if err != nil {
			return nil, err
		}
		entry := m.logger.WithFields(logging.Fields{"incident_id": id, "rule_id": inc.RuleID})
		rule, err := LoadRule(ctx, m.db, inc.RuleID)
		if errors.Is(err, ErrNotFound) {
			entry.Warn("Skipping redelivery: rule no longer exists")
			continue
		}
		if err != nil {
			return nil, err
		}
		if !rule.Enabled {
			entry.Debug("Skipping redelivery: rule disabled")
			continue
		}
		narrowed, err := owedRule(rule, pending)
		if err != nil {
			entry.WithError(err).Warn("Owed legs unreadable; redelivering every channel")
			narrowed = rule
		}
		out = append(out, Redelivery{Incident: inc, Rule: narrowed})
	}
	sortRedeliveries(out)
	return out, nil
}

// owedIncidents maps each undelivered open incident to its owed legs. The
// rows are drained before any further query runs on the connection.
func (m *IncidentManager) owedIncidents(ctx context.Context) (map[string]sql.NullString, error) {
	query := m.db.Dialect.Rebind(`SELECT i.id, i.notify_pending FROM incidents i
		WHERE i.status = ? AND i.notified_at IS NULL`)
	rows, err := m.db.QueryContext(ctx, query, string(models.StatusOpen))
	if err != nil {
		return nil, fmt.Errorf("load undelivered incidents: %w", err)
	}
	defer rows.Close()

	owed := map[string]sql.NullString{}
	for rows.Next() {
		var id string
		var pending sql.NullString
		if err := rows.Scan(&id, &pending); err != nil {
			return nil, err
		}
		owed[id] = pending
	}
	return owed, rows.Err()
}

// owedRule narrows the rule to the legs still owed that the rule still
// configures. With nothing recorded, every channel is owed.
func owedRule(rule models.Rule, pending sql.NullString) (models.Rule, error) {
	if !pending.Valid || pending.String == "" {
		return rule, nil
	}
	var owed []owedLeg
	if err := json.Unmarshal([]byte(pending.String), &owed); err != nil {
		return rule, err
	}

	recipients := make(map[string]struct{}, len(rule.NotificationRecipients))
	for _, r := range rule.NotificationRecipients {
		recipients[r] = struct{}{}
	}
	narrowed := rule
	narrowed.NotificationChannels = nil
	narrowed.NotificationRecipients = nil
	for _, l := range owed {
		if !rule.HasChannel(l.Channel) {
			continue
		}
		if l.Channel == models.ChannelEmail {
			if _, ok := recipients[l.Target]; !ok {
				continue
			}
			narrowed.NotificationRecipients = append(narrowed.NotificationRecipients, l.Target)
		}
		if !narrowed.HasChannel(l.Channel) {
			narrowed.NotificationChannels = append(narrowed.NotificationChannels, l.Channel)
		}
	}
	return narrowed, nil
}

func sortRedeliveries(rs []Redelivery) {
	sort.Slice(rs, func(i, j int) bool {
		if !rs[i].Incident.TriggeredAt.Equal(rs[j].Incident.TriggeredAt) {
			return rs[i].Incident.TriggeredAt.Before(rs[j].Incident.TriggeredAt)
		}
		return rs[i].Incident.ID < rs[j].Incident.ID
	})
}
