package services

import (
	"bytes"
	"context"
	"fmt"
	htmltemplate "html/template"
	"strings"
	"text/template"
	"time"

	"dmarcwatch/db"
	"dmarcwatch/models"
	"dmarcwatch/timewindow"
)

// DigestPayload is what a digest or report schedule sends for one period.
type DigestPayload struct {
	Kind            models.ScheduleKind `json:"kind"`
	ScheduleName    string              `json:"schedule_name"`
	Period          string              `json:"period"`
	DomainFilter    string              `json:"domain_filter,omitempty"`
	GroupFilter     string              `json:"group_filter,omitempty"`
	TotalRecords    int64               `json:"total_records"`
	TotalMessages   int64               `json:"total_messages"`
	FailingMessages int64               `json:"failing_messages"`
	FailureRate     float64             `json:"failure_rate"`
	Domains         []DomainSummary     `json:"domains,omitempty"`
	OpenIncidents   []IncidentSummary   `json:"open_incidents,omitempty"`
}

type DomainSummary struct {
	Domain          string  `json:"domain"`
	Messages        int64   `json:"messages"`
	FailingMessages int64   `json:"failing_messages"`
	FailureRate     float64 `json:"failure_rate"`
}

type IncidentSummary struct {
	ID          string          `json:"id"`
	RuleName    string          `json:"rule_name"`
	Severity    models.Severity `json:"severity"`
	Message     string          `json:"message"`
	TriggeredAt time.Time       `json:"triggered_at"`
}

const maxDigestIncidents = 50

// PayloadBuilder aggregates dmarc_records for a schedule period.
type PayloadBuilder struct {
	db *db.DB
}

func NewPayloadBuilder(conn *db.DB) *PayloadBuilder {
	return &PayloadBuilder{db: conn}
}

func rate(failing, total int64) float64 {
	if total == 0 {
		return 0
	}
	return float64(failing) / float64(total) * 100
}

const totalsSelect = `SELECT COUNT(*), COALESCE(SUM(r.message_count), 0),
	COALESCE(SUM(CASE WHEN r.disposition <> 'none' THEN r.message_count ELSE 0 END), 0)`

// Build collects the payload for s over period, seen through scope.
func (b *PayloadBuilder) Build(ctx context.Context, s models.Schedule, period timewindow.Period, scope models.AccessScope) (DigestPayload, error) {
	from, to := period.Bounds()
	filter := db.RecordFilter{
		Alias:        "r",
		From:         from,
		To:           to,
		DomainFilter: s.DomainFilter,
		GroupFilter:  s.GroupFilter,
		Scope:        scope,
	}
	p := DigestPayload{
		Kind:         s.Kind,
		ScheduleName: s.Name,
		Period:       period.String(),
		DomainFilter: s.DomainFilter,
		GroupFilter:  s.GroupFilter,
	}

	sqlText, args := db.NewQuery(totalsSelect + ` FROM dmarc_records r WHERE 1 = 1`).Filter(filter).Build(b.db.Dialect)
	if err := b.db.QueryRowContext(ctx, sqlText, args...).Scan(&p.TotalRecords, &p.TotalMessages, &p.FailingMessages); err != nil {
		return p, fmt.Errorf("digest totals: %w", err)
	}
	p.FailureRate = rate(p.FailingMessages, p.TotalMessages)

	var err error
	switch s.Kind {
	case models.KindReport:
		p.Domains, err = b.domainBreakdown(ctx, filter)
	default:
		p.OpenIncidents, err = b.openIncidents(ctx, s)
	}
	return p, err
}

func (b *PayloadBuilder) domainBreakdown(ctx context.Context, filter db.RecordFilter) ([]DomainSummary, error) {
	q := db.NewQuery(`SELECT r.domain, COALESCE(SUM(r.message_count), 0),
		COALESCE(SUM(CASE WHEN r.disposition <> 'none' THEN r.message_count ELSE 0 END), 0)
		FROM dmarc_records r WHERE 1 = 1`).Filter(filter).Write(` GROUP BY r.domain ORDER BY r.domain`)
	sqlText, args := q.Build(b.db.Dialect)

	rows, err := b.db.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, fmt.Errorf("digest domains: %w", err)
	}
	defer rows.Close()

	var out []DomainSummary
	for rows.Next() {
		var d DomainSummary
		if err := rows.Scan(&d.Domain, &d.Messages, &d.FailingMessages); err != nil {
			return nil, err
		}
		d.FailureRate = rate(d.FailingMessages, d.Messages)
		out = append(out, d)
	}
	return out, rows.Err()
}

func (b *PayloadBuilder) openIncidents(ctx context.Context, s models.Schedule) ([]IncidentSummary, error) {
	q := db.NewQuery(`SELECT i.id, r.name, r.severity, i.message, i.triggered_at
		FROM incidents i JOIN alert_rules r ON r.id = i.rule_id
		WHERE i.status = ?`, string(models.StatusOpen))
	if s.DomainFilter != "" {
		q.Write(` AND r.domain_filter = ?`, s.DomainFilter)
	}
	if s.GroupFilter != "" {
		q.Write(` AND r.group_filter = ?`, s.GroupFilter)
	}
	q.Write(fmt.Sprintf(` ORDER BY i.triggered_at DESC LIMIT %d`, maxDigestIncidents))
	sqlText, args := q.Build(b.db.Dialect)

	rows, err := b.db.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, fmt.Errorf("digest incidents: %w", err)
	}
	defer rows.Close()

	var out []IncidentSummary
	for rows.Next() {
		var (
			inc       IncidentSummary
			severity  string
			triggered db.NullTime
		)
		if err := rows.Scan(&inc.ID, &inc.RuleName, &severity, &inc.Message, &triggered); err != nil {
			return nil, err
		}
		inc.Severity = models.Severity(severity)
		inc.TriggeredAt = triggered.Time
		out = append(out, inc)
	}
	return out, rows.Err()
}

var funcs = map[string]any{
	"pct":   func(v float64) string { return fmt.Sprintf("%.2f%%", v) },
	"stamp": func(t time.Time) string { return t.UTC().Format(timewindow.TimestampLayout) + " UTC" },
	"title": func(s string) string {
		if s == "" {
			return s
		}
		return strings.ToUpper(s[:1]) + s[1:]
	},
}

var digestText = template.Must(template.New("digest").Funcs(funcs).Parse(
	`{{title (printf "%s" .Kind)}} "{{.ScheduleName}}" for {{.Period}}
{{if .DomainFilter}}Domain: {{.DomainFilter}}
{{end}}{{if .GroupFilter}}Group: {{.GroupFilter}}
{{end}}
Records: {{.TotalRecords}}
Messages: {{.TotalMessages}}
Failing messages: {{.FailingMessages}} ({{pct .FailureRate}})
{{if .Domains}}
Per domain:
{{range .Domains}}  {{.Domain}}: {{.Messages}} messages, {{.FailingMessages}} failing ({{pct .FailureRate}})
{{end}}{{end}}{{if .OpenIncidents}}
Open incidents:
{{range .OpenIncidents}}  [{{.Severity}}] {{.RuleName}}: {{.Message}} (since {{stamp .TriggeredAt}})
{{end}}{{end}}`))

var digestHTML = htmltemplate.Must(htmltemplate.New("digest").Funcs(funcs).Parse(
	`<h2>{{title (printf "%s" .Kind)}} &ldquo;{{.ScheduleName}}&rdquo;</h2>
<p>Period {{.Period}}{{if .DomainFilter}}, domain {{.DomainFilter}}{{end}}{{if .GroupFilter}}, group {{.GroupFilter}}{{end}}</p>
<table>
<tr><td>Records</td><td>{{.TotalRecords}}</td></tr>
<tr><td>Messages</td><td>{{.TotalMessages}}</td></tr>
<tr><td>Failing messages</td><td>{{.FailingMessages}} ({{pct .FailureRate}})</td></tr>
</table>
{{if .Domains}}<h3>Per domain</h3>
<table>
<tr><th>Domain</th><th>Messages</th><th>Failing</th><th>Rate</th></tr>
{{range .Domains}}<tr><td>{{.Domain}}</td><td>{{.Messages}}</td><td>{{.FailingMessages}}</td><td>{{pct .FailureRate}}</td></tr>
{{end}}</table>{{end}}
{{if .OpenIncidents}}<h3>Open incidents</h3>
<ul>
{{range .OpenIncidents}}<li><strong>{{.Severity}}</strong> {{.RuleName}}: {{.Message}} (since {{stamp .TriggeredAt}})</li>
{{end}}</ul>{{end}}`))

var incidentText = template.Must(template.New("incident").Funcs(funcs).Parse(
	`{{.Incident.Message}}

Rule: {{.Rule.Name}}
Metric: {{.Rule.Metric}}
Value: {{printf "%.2f" .Incident.MetricValue}}
Threshold: {{.Rule.ThresholdOperator}} {{.Incident.ThresholdValue}}
Severity: {{.Rule.Severity}}
{{if .Rule.DomainFilter}}Domain: {{.Rule.DomainFilter}}
{{end}}{{if .Rule.GroupFilter}}Group: {{.Rule.GroupFilter}}
{{end}}Triggered: {{stamp .Incident.TriggeredAt}}
{{with index .Incident.Details "new_ips"}}New failing IPs: {{.}}
{{end}}
Incident ID: {{.Incident.ID}}`))

var incidentHTML = htmltemplate.Must(htmltemplate.New("incident").Funcs(funcs).Parse(
	`<p><strong>{{.Incident.Message}}</strong></p>
<table>
<tr><td>Rule</td><td>{{.Rule.Name}}</td></tr>
<tr><td>Metric</td><td>{{.Rule.Metric}}</td></tr>
<tr><td>Value</td><td>{{printf "%.2f" .Incident.MetricValue}}</td></tr>
<tr><td>Threshold</td><td>{{.Rule.ThresholdOperator}} {{.Incident.ThresholdValue}}</td></tr>
<tr><td>Severity</td><td>{{.Rule.Severity}}</td></tr>
{{if .Rule.DomainFilter}}<tr><td>Domain</td><td>{{.Rule.DomainFilter}}</td></tr>{{end}}
{{if .Rule.GroupFilter}}<tr><td>Group</td><td>{{.Rule.GroupFilter}}</td></tr>{{end}}
<tr><td>Triggered</td><td>{{stamp .Incident.TriggeredAt}}</td></tr>
</table>
<p>Incident ID: {{.Incident.ID}}</p>`))

func render(text *template.Template, html *htmltemplate.Template, data any) (string, string, error) {
	var tb, hb bytes.Buffer
	if err := text.Execute(&tb, data); err != nil {
		return "", "", fmt.Errorf("render text: %w", err)
	}
	if err := html.Execute(&hb, data); err != nil {
		return "", "", fmt.Errorf("render html: %w", err)
	}
	return tb.String(), hb.String(), nil
}

func renderDigestEmail(p DigestPayload) (Message, error) {
	text, html, err := render(digestText, digestHTML, p)
	if err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrDispatchFailure, err)
	}
	subject := fmt.Sprintf("[DMARC Watch] %s %s", p.ScheduleName, p.Period)
	return Message{Subject: subject, Text: text, HTML: html}, nil
}

func renderIncidentEmail(inc models.Incident, rule models.Rule) (Message, error) {
	data := struct {
		Incident models.Incident
		Rule     models.Rule
	}{inc, rule}
	text, html, err := render(incidentText, incidentHTML, data)
	if err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrDispatchFailure, err)
	}
	subject := fmt.Sprintf("[%s] %s", strings.ToUpper(string(rule.Severity)), inc.Message)
	return Message{Subject: subject, Text: text, HTML: html}, nil
}
