package services

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"dmarcwatch/db"
	"dmarcwatch/models"
	"dmarcwatch/timewindow"
)

var testNow = time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return testNow }

func newSQLiteDB(t *testing.T) *db.DB {
	t.Helper()
	ctx := context.Background()
	conn, err := db.Open(ctx, "sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.NoError(t, conn.Migrate(ctx))
	return conn
}

type record struct {
	domain      string
	ip          string
	count       int
	disposition string
	spf         string
	age         time.Duration
}

var recordSeq int

func seedRecords(t *testing.T, conn *db.DB, recs ...record) {
	t.Helper()
	for _, r := range recs {
		recordSeq++
		if r.disposition == "" {
			r.disposition = "none"
		}
		if r.spf == "" {
			r.spf = "pass"
		}
		_, err := conn.ExecContext(context.Background(), `INSERT INTO dmarc_records
			(id, report_id, domain, source_ip, message_count, disposition, dkim_result, spf_result, received_at)
			VALUES (?, ?, ?, ?, ?, ?, 'pass', ?, ?)`,
			fmt.Sprintf("rec-%d", recordSeq), "rep-1", r.domain, r.ip, r.count, r.disposition, r.spf,
			timewindow.Format(testNow.Add(-r.age)))
		require.NoError(t, err)
	}
}

func assignGroup(t *testing.T, conn *db.DB, domain, group string) {
	t.Helper()
	_, err := conn.ExecContext(context.Background(), `INSERT INTO domain_groups (domain, group_id) VALUES (?, ?)`, domain, group)
	require.NoError(t, err)
}

func insertRule(t *testing.T, conn *db.DB, r models.Rule) {
	t.Helper()
	channels, err := json.Marshal(append([]models.Channel{}, r.NotificationChannels...))
	require.NoError(t, err)
	recipients, err := json.Marshal(append([]string{}, r.NotificationRecipients...))
	require.NoError(t, err)
	_, err = conn.ExecContext(context.Background(), `INSERT INTO alert_rules
		(id, owner_id, name, metric, threshold_value, threshold_operator, time_window_minutes,
		 domain_filter, group_filter, severity, notification_channels, notification_recipients, webhook_url, enabled)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 'high', ?, ?, ?, ?)`,
		r.ID, nullable(r.OwnerID), r.Name, string(r.Metric), r.ThresholdValue, r.ThresholdOperator, r.TimeWindowMinutes,
		nullable(r.DomainFilter), nullable(r.GroupFilter), string(channels), string(recipients), nullable(r.WebhookURL), r.Enabled)
	require.NoError(t, err)
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
