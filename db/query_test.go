package db

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"dmarcwatch/models"
)

func TestRecordFilterAllConditions(t *testing.T) {
	f := RecordFilter{
		Alias:        "r",
		From:         "2026-10-17 11:00:00",
		To:           "2026-10-17 12:00:00",
		DomainFilter: "example.com",
		GroupFilter:  "g1",
		Scope:        models.RestrictedScope([]string{"b.org", "example.com"}, nil),
	}
	q := NewQuery("SELECT COUNT(*) FROM dmarc_records r WHERE 1 = 1").Filter(f)

	sql, args := q.Build(Postgres)
	assert.Equal(t,
		"SELECT COUNT(*) FROM dmarc_records r WHERE 1 = 1 AND r.received_at >= $1 AND r.received_at < $2 AND r.domain = $3"+
			" AND r.domain IN (SELECT r_gm.domain FROM domain_groups r_gm WHERE r_gm.group_id = $4) AND r.domain IN ($5, $6)",
		sql)
	assert.Equal(t, []any{"2026-10-17 11:00:00", "2026-10-17 12:00:00", "example.com", "g1", "b.org", "example.com"}, args)
}

func TestRecordFilterNeverEmitsDateFunctions(t *testing.T) {
	f := RecordFilter{From: "2026-10-17 11:00:00", Scope: models.ElevatedScope()}
	for _, d := range []Dialect{Postgres, MySQL, SQLite} {
		sql, _ := NewQuery("SELECT 1 FROM dmarc_records r WHERE 1 = 1").Filter(f).Build(d)
		lower := strings.ToLower(sql)
		for _, fn := range []string{"now(", "interval", "date_sub", "datetime(", "current_timestamp"} {
			assert.NotContains(t, lower, fn, "dialect %s", d)
		}
	}
}

func TestRecordFilterEmptyScopeMatchesNothing(t *testing.T) {
	conds, args := RecordFilter{Scope: models.RestrictedScope(nil, nil)}.Conditions()
	assert.Equal(t, []string{"1 = 0"}, conds)
	assert.Empty(t, args)
}

func TestRecordFilterElevatedScopeAddsNothing(t *testing.T) {
	conds, args := RecordFilter{Scope: models.ElevatedScope()}.Conditions()
	assert.Empty(t, conds)
	assert.Empty(t, args)
}

func TestQuerySubKeepsArgumentOrder(t *testing.T) {
	inner := NewQuery("SELECT 1 FROM dmarc_records h WHERE h.source_ip = r.source_ip").
		Filter(RecordFilter{Alias: "h", To: "T0", DomainFilter: "d", Scope: models.ElevatedScope()})
	outer := NewQuery("SELECT COUNT(*) FROM dmarc_records r WHERE r.domain = ?", "d").
		Write(" AND NOT EXISTS (").Sub(inner).Write(")")

	sql, args := outer.Build(Postgres)
	assert.Contains(t, sql, "r.domain = $1")
	assert.Contains(t, sql, "h.received_at < $2 AND h.domain = $3")
	assert.Equal(t, []any{"d", "T0", "d"}, args)
}

func TestInEmptyMatchesNothing(t *testing.T) {
	cond, args := In("r.domain", nil)
	assert.Equal(t, "1 = 0", cond)
	assert.Empty(t, args)

	cond, args = In("r.domain", []string{"a.com", "b.com"})
	assert.Equal(t, "r.domain IN (?, ?)", cond)
	assert.Equal(t, []any{"a.com", "b.com"}, args)
}
