package db

import (
	"strings"

	"dmarcwatch/models"
)

// Query accumulates SQL text with ? placeholders and its bind values.
type Query struct {
	sb   strings.Builder
	args []any
}

func NewQuery(sql string, args ...any) *Query {
	q := &Query{}
	return q.Write(sql, args...)
}

// Write appends raw SQL and its arguments.
func (q *Query) Write(sql string, args ...any) *Query {
	q.sb.WriteString(sql)
	q.args = append(q.args, args...)
	return q
}

// Filter appends " AND <cond>" for every condition f produces.
func (q *Query) Filter(f RecordFilter) *Query {
	conds, args := f.Conditions()
	for _, c := range conds {
		q.sb.WriteString(" AND ")
		q.sb.WriteString(c)
	}
	q.args = append(q.args, args...)
	return q
}

// Sub embeds another query, e.g. inside NOT EXISTS (...).
func (q *Query) Sub(sub *Query) *Query {
	q.sb.WriteString(sub.sb.String())
	q.args = append(q.args, sub.args...)
	return q
}

// Build returns dialect-ready SQL and its arguments.
func (q *Query) Build(d Dialect) (string, []any) {
	return d.Rebind(q.sb.String()), q.args
}

// RecordFilter scopes a query over dmarc_records. Time bounds are UTC bind
// values; no engine-specific date functions are ever emitted.
type RecordFilter struct {
	Alias string
	// From is inclusive, To exclusive. Empty means unbounded.
	From string
	To   string
	// DomainFilter matches exactly; GroupFilter matches membership. Both
	// must hold when both are set.
	DomainFilter string
	GroupFilter  string
	Scope        models.AccessScope
}

// Conditions renders the filter as AND-able conditions.
func (f RecordFilter) Conditions() ([]string, []any) {
	alias := f.Alias
	if alias == "" {
		alias = "r"
	}
	col := func(name string) string { return alias + "." + name }

	var conds []string
	var args []any
	if f.From != "" {
		conds = append(conds, col("received_at")+" >= ?")
		args = append(args, f.From)
	}
	if f.To != "" {
		conds = append(conds, col("received_at")+" < ?")
		args = append(args, f.To)
	}
	if f.DomainFilter != "" {
		conds = append(conds, col("domain")+" = ?")
		args = append(args, f.DomainFilter)
	}
	if f.GroupFilter != "" {
		// Semi-join: a domain in several groups still matches each row once.
		gm := alias + "_gm"
		conds = append(conds, col("domain")+" IN (SELECT "+gm+".domain FROM domain_groups "+gm+" WHERE "+gm+".group_id = ?)")
		args = append(args, f.GroupFilter)
	}
	if !f.Scope.Unrestricted {
		cond, inArgs := In(col("domain"), f.Scope.DomainList())
		conds = append(conds, cond)
		args = append(args, inArgs...)
	}
	return conds, args
}

// In renders "col IN (?, ...)". An empty list matches nothing.
func In(col string, values []string) (string, []any) {
	if len(values) == 0 {
		return "1 = 0", nil
	}
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	return col + " IN (" + placeholders(len(values)) + ")", args
}
