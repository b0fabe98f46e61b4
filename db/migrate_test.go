package db

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchemaForEveryDialect(t *testing.T) {
	for _, d := range []Dialect{Postgres, MySQL, SQLite} {
		stmts, err := Schema(d)
		require.NoError(t, err, d)
		assert.NotEmpty(t, stmts)
	}
}

func TestMigrateSQLiteIsIdempotent(t *testing.T) {
	ctx := context.Background()
	conn, err := Open(ctx, "sqlite", ":memory:")
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.Migrate(ctx))
	require.NoError(t, conn.Migrate(ctx))

	var n int
	require.NoError(t, conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM incidents").Scan(&n))
	assert.Equal(t, 0, n)
}

func TestSQLiteUpsertAndInsertIgnore(t *testing.T) {
	ctx := context.Background()
	conn, err := Open(ctx, "sqlite", ":memory:")
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.Migrate(ctx))

	upsert := conn.Dialect.Upsert("rule_state", []string{"rule_id"}, []string{"last_evaluated_at", "last_value"})
	_, err = conn.ExecContext(ctx, upsert, "r1", "2026-10-17 11:00:00", 1.5)
	require.NoError(t, err)
	_, err = conn.ExecContext(ctx, upsert, "r1", "2026-10-17 12:00:00", 2.5)
	require.NoError(t, err)

	var value float64
	var at string
	require.NoError(t, conn.QueryRowContext(ctx, "SELECT last_value, last_evaluated_at FROM rule_state WHERE rule_id = ?", "r1").Scan(&value, &at))
	assert.Equal(t, 2.5, value)
	assert.Equal(t, "2026-10-17 12:00:00", at)

	_, err = conn.ExecContext(ctx, `INSERT INTO alert_rules (id, name, metric, threshold_value, threshold_operator, time_window_minutes)
		VALUES ('r1', 'n', 'spf_failures', 1, '>=', 60)`)
	require.NoError(t, err)

	insert := conn.Dialect.InsertIgnore("incidents", []string{"id", "rule_id", "metric_value", "threshold_value", "message", "status", "triggered_at"})
	res, err := conn.ExecContext(ctx, insert, "i1", "r1", 5.0, 1.0, "m", "open", "2026-10-17 12:00:00")
	require.NoError(t, err)
	n, _ := res.RowsAffected()
	assert.EqualValues(t, 1, n)

	res, err = conn.ExecContext(ctx, insert, "i2", "r1", 6.0, 1.0, "m", "open", "2026-10-17 12:01:00")
	require.NoError(t, err)
	n, _ = res.RowsAffected()
	assert.EqualValues(t, 0, n, "second open incident for the same rule must be ignored")
}
