package db

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDialectFor(t *testing.T) {
	tests := map[string]Dialect{
		"postgres":   Postgres,
		"PostgreSQL": Postgres,
		"mysql":      MySQL,
		"mariadb":    MySQL,
		"sqlite3":    SQLite,
		" sqlite ":   SQLite,
	}
	for in, want := range tests {
		got, err := DialectFor(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}

	_, err := DialectFor("oracle")
	assert.Error(t, err)
}

func TestRebind(t *testing.T) {
	q := "SELECT * FROM t WHERE a = ? AND b = '?' AND c IN (?, ?)"
	assert.Equal(t, "SELECT * FROM t WHERE a = $1 AND b = '?' AND c IN ($2, $3)", Postgres.Rebind(q))
	assert.Equal(t, q, MySQL.Rebind(q))
	assert.Equal(t, q, SQLite.Rebind(q))
}

func TestUpsert(t *testing.T) {
	keys := []string{"rule_id"}
	cols := []string{"last_evaluated_at", "last_value"}

	assert.Equal(t,
		"INSERT INTO rule_state (rule_id, last_evaluated_at, last_value) VALUES ($1, $2, $3) ON CONFLICT (rule_id) DO UPDATE SET last_evaluated_at = excluded.last_evaluated_at, last_value = excluded.last_value",
		Postgres.Upsert("rule_state", keys, cols))
	assert.Equal(t,
		"INSERT INTO rule_state (rule_id, last_evaluated_at, last_value) VALUES (?, ?, ?) ON CONFLICT (rule_id) DO UPDATE SET last_evaluated_at = excluded.last_evaluated_at, last_value = excluded.last_value",
		SQLite.Upsert("rule_state", keys, cols))
	assert.Equal(t,
		"INSERT INTO rule_state (rule_id, last_evaluated_at, last_value) VALUES (?, ?, ?) ON DUPLICATE KEY UPDATE last_evaluated_at = VALUES(last_evaluated_at), last_value = VALUES(last_value)",
		MySQL.Upsert("rule_state", keys, cols))
}

func TestUpsertDoesNotAliasKeys(t *testing.T) {
	keys := make([]string, 1, 4)
	keys[0] = "rule_id"
	_ = SQLite.Upsert("rule_state", keys, []string{"a"})
	_ = SQLite.Upsert("rule_state", keys, []string{"b"})
	assert.Equal(t, []string{"rule_id"}, keys)
}

func TestInsertIgnore(t *testing.T) {
	cols := []string{"id", "rule_id"}
	assert.Equal(t, "INSERT INTO incidents (id, rule_id) VALUES ($1, $2) ON CONFLICT DO NOTHING", Postgres.InsertIgnore("incidents", cols))
	assert.Equal(t, "INSERT INTO incidents (id, rule_id) VALUES (?, ?) ON CONFLICT DO NOTHING", SQLite.InsertIgnore("incidents", cols))
	assert.Equal(t, "INSERT INTO incidents (id, rule_id) VALUES (?, ?) ON DUPLICATE KEY UPDATE id = id", MySQL.InsertIgnore("incidents", cols))
	assert.NotContains(t, MySQL.InsertIgnore("incidents", cols), "IGNORE", "IGNORE hides non-duplicate errors")
}
