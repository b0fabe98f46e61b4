package services

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dmarcwatch/db"
	"dmarcwatch/logging"
	"dmarcwatch/models"
	"dmarcwatch/timewindow"
)

func newTestRunner(t *testing.T, mailer Mailer) (*ScheduleRunner, *db.DB) {
	t.Helper()
	conn := newSQLiteDB(t)
	d := NewDispatcher(mailer, nil, allFeatures(), time.Second, logging.Discard())
	r := NewScheduleRunner(conn, NewPayloadBuilder(conn), d, logging.Discard())
	r.RetryDelay = time.Hour
	return r, conn
}

func insertSchedule(t *testing.T, conn *db.DB, id, kind, freq, recipients string, lastRun, nextRun any) {
	t.Helper()
	_, err := conn.ExecContext(context.Background(), `INSERT INTO scheduled_reports
		(id, name, kind, frequency, recipients, enabled, last_run_at, next_run_at)
		VALUES (?, ?, ?, ?, ?, 1, ?, ?)`, id, "Schedule "+id, kind, freq, recipients, lastRun, nextRun)
	require.NoError(t, err)
}

type scheduleRow struct {
	lastRun, nextRun, lastAttempt db.NullTime
	lastErr                       sql.NullString
}

func loadScheduleRow(t *testing.T, conn *db.DB, id string) scheduleRow {
	t.Helper()
	var row scheduleRow
	require.NoError(t, conn.QueryRowContext(context.Background(),
		`SELECT last_run_at, next_run_at, last_attempt_at, last_error FROM scheduled_reports WHERE id = ?`, id).
		Scan(&row.lastRun, &row.nextRun, &row.lastAttempt, &row.lastErr))
	return row
}

func TestScheduleRunSuccess(t *testing.T) {
	mailer := &fakeMailer{}
	r, conn := newTestRunner(t, mailer)
	insertSchedule(t, conn, "s1", "digest", "weekly", `["ops@example.com","sec@example.com"]`, nil, nil)
	seedRecords(t, conn,
		record{domain: "example.com", ip: "192.0.2.1", count: 10, disposition: "reject", age: 2 * time.Hour},
		record{domain: "other.org", ip: "192.0.2.2", count: 30, age: 3 * time.Hour},
	)

	results, err := r.RunDue(context.Background(), testNow)
	require.NoError(t, err)
	require.Len(t, results, 1)
	res := results[0]
	require.NoError(t, res.Err)
	assert.Equal(t, "2026-10-11..2026-10-17", res.Period)
	assert.Equal(t, timewindow.NextRun(testNow, timewindow.Weekly), res.NextRunAt)

	row := loadScheduleRow(t, conn, "s1")
	assert.Equal(t, testNow, row.lastRun.Time)
	assert.Equal(t, time.Date(2026, 10, 24, 0, 0, 0, 0, time.UTC), row.nextRun.Time)
	assert.False(t, row.lastErr.Valid)

	require.Len(t, mailer.sent, 2)
	assert.Contains(t, mailer.sent[0].Subject, "2026-10-11..2026-10-17")
	assert.Contains(t, mailer.sent[0].Text, "Messages: 40")
	assert.Contains(t, mailer.sent[0].Text, "Failing messages: 10 (25.00%)")

	again, err := r.RunDue(context.Background(), testNow.Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, again, "not due until next_run_at")
}

func TestScheduleRunFailureKeepsLastRun(t *testing.T) {
	mailer := &fakeMailer{all: errors.New("smtp down")}
	r, conn := newTestRunner(t, mailer)
	insertSchedule(t, conn, "s1", "digest", "daily", `["ops@example.com"]`, "2026-10-15 00:00:00", "2026-10-16 00:00:00")

	results, err := r.RunDue(context.Background(), testNow)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.ErrorIs(t, results[0].Err, ErrDispatchFailure)
	assert.Equal(t, "2026-10-17..2026-10-17", results[0].Period)

	row := loadScheduleRow(t, conn, "s1")
	assert.Equal(t, "2026-10-15 00:00:00", row.lastRun.String(), "failed run must not advance last_run_at")
	assert.True(t, row.nextRun.Time.After(testNow), "retry is strictly in the future")
	assert.Equal(t, testNow.Add(time.Hour), row.nextRun.Time)
	assert.Equal(t, testNow, row.lastAttempt.Time)
	assert.Contains(t, row.lastErr.String, "smtp down")

	again, err := r.RunDue(context.Background(), testNow.Add(30*time.Minute))
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestScheduleRetryDelayHasAFloor(t *testing.T) {
	r, conn := newTestRunner(t, &fakeMailer{all: errors.New("down")})
	r.RetryDelay = 0
	insertSchedule(t, conn, "s1", "digest", "daily", `["ops@example.com"]`, nil, nil)

	results, err := r.RunDue(context.Background(), testNow)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, results[0].NextRunAt.After(testNow))
}

func TestScheduleFailuresAreIsolated(t *testing.T) {
	mailer := &fakeMailer{fail: map[string]error{"bad@example.com": errors.New("rejected")}}
	r, conn := newTestRunner(t, mailer)
	insertSchedule(t, conn, "a", "digest", "daily", `["bad@example.com"]`, nil, nil)
	insertSchedule(t, conn, "b", "digest", "custom:nope", `["ops@example.com"]`, nil, nil)
	insertSchedule(t, conn, "c", "digest", "daily", `[]`, nil, nil)
	insertSchedule(t, conn, "d", "report", "daily", `["ops@example.com"]`, nil, nil)

	results, err := r.RunDue(context.Background(), testNow)
	require.NoError(t, err)
	require.Len(t, results, 4)

	byID := map[string]RunResult{}
	for _, res := range results {
		byID[res.ScheduleID] = res
	}
	assert.Error(t, byID["a"].Err)
	assert.Error(t, byID["b"].Err)
	assert.ErrorIs(t, byID["c"].Err, ErrDispatchFailure)
	assert.NoError(t, byID["d"].Err)

	assert.NotEmpty(t, loadScheduleRow(t, conn, "b").lastErr.String)
	assert.Equal(t, []string{"ops@example.com"}, mailer.recipients())
}

func TestSchedulePayloadUsesElevatedScopeAndFilters(t *testing.T) {
	conn := newSQLiteDB(t)
	seedRecords(t, conn,
		record{domain: "example.com", ip: "192.0.2.1", count: 10, disposition: "reject", age: 2 * time.Hour},
		record{domain: "example.com", ip: "192.0.2.2", count: 30, age: 3 * time.Hour},
		record{domain: "other.org", ip: "192.0.2.3", count: 60, age: 3 * time.Hour},
		record{domain: "other.org", ip: "192.0.2.3", count: 500, age: 30 * 24 * time.Hour},
	)
	b := NewPayloadBuilder(conn)
	period := timewindow.DeterminePeriod("", testNow, timewindow.Daily)

	report, err := b.Build(context.Background(), models.Schedule{Name: "r", Kind: models.KindReport}, period, models.ElevatedScope())
	require.NoError(t, err)
	assert.EqualValues(t, 100, report.TotalMessages)
	require.Len(t, report.Domains, 2)
	assert.Equal(t, DomainSummary{Domain: "example.com", Messages: 40, FailingMessages: 10, FailureRate: 25}, report.Domains[0])

	filtered, err := b.Build(context.Background(), models.Schedule{Name: "r", Kind: models.KindReport, DomainFilter: "other.org"}, period, models.ElevatedScope())
	require.NoError(t, err)
	assert.EqualValues(t, 60, filtered.TotalMessages)
	assert.Zero(t, filtered.FailureRate)
}

func TestDigestListsOpenIncidents(t *testing.T) {
	ctx := context.Background()
	m, conn := newTestManager(t)
	rule := spfRule()
	insertRule(t, conn, rule)
	seedRecords(t, conn, record{domain: "example.com", ip: "192.0.2.10", count: 5, spf: "fail", age: 10 * time.Minute})
	inc, err := m.CheckRule(ctx, rule)
	require.NoError(t, err)
	require.NotNil(t, inc)

	b := NewPayloadBuilder(conn)
	period := timewindow.DeterminePeriod("", testNow, timewindow.Daily)
	p, err := b.Build(ctx, models.Schedule{Name: "d", Kind: models.KindDigest}, period, models.ElevatedScope())
	require.NoError(t, err)
	require.Len(t, p.OpenIncidents, 1)
	assert.Equal(t, inc.ID, p.OpenIncidents[0].ID)
	assert.Equal(t, testNow, p.OpenIncidents[0].TriggeredAt)

	msg, err := renderDigestEmail(p)
	require.NoError(t, err)
	assert.Contains(t, msg.Text, "Open incidents:")
	assert.Contains(t, msg.HTML, "SPF failures")

	other, err := b.Build(ctx, models.Schedule{Name: "d", Kind: models.KindDigest, DomainFilter: "other.org"}, period, models.ElevatedScope())
	require.NoError(t, err)
	assert.Empty(t, other.OpenIncidents)
}
