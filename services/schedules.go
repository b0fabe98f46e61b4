package services

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"dmarcwatch/db"
	"dmarcwatch/logging"
	"dmarcwatch/models"
	"dmarcwatch/timewindow"
)

// RunResult reports one schedule execution.
type RunResult struct {
	ScheduleID string         `json:"schedule_id"`
	Name       string         `json:"name"`
	Period     string         `json:"period,omitempty"`
	NextRunAt  time.Time      `json:"next_run_at"`
	Dispatch   DispatchResult `json:"dispatch"`
	Err        error          `json:"-"`
	Error      string         `json:"error,omitempty"`
}

// ScheduleRunner executes due digest and report schedules. It always runs
// with the elevated scope; schedules narrow themselves with their filters.
type ScheduleRunner struct {
	db         *db.DB
	builder    *PayloadBuilder
	dispatcher *Dispatcher
	logger     logging.Logger

	// RetryDelay is added to now after a failed run.
	RetryDelay time.Duration
}

func NewScheduleRunner(conn *db.DB, builder *PayloadBuilder, dispatcher *Dispatcher, logger logging.Logger) *ScheduleRunner {
	return &ScheduleRunner{
		db:         conn,
		builder:    builder,
		dispatcher: dispatcher,
		logger:     logger,
		RetryDelay: time.Hour,
	}
}

const scheduleColumns = `s.id, s.owner_id, s.name, s.kind, s.frequency, s.recipients, s.domain_filter,
	s.group_filter, s.enabled, s.last_run_at, s.next_run_at, s.last_error, s.last_attempt_at`

func scanSchedule(row rowScanner) (models.Schedule, error) {
	var (
		s                             models.Schedule
		owner, domain, group, lastErr sql.NullString
		kind, recipients              sql.NullString
		lastRun, nextRun, lastAttempt db.NullTime
	)
	if err := row.Scan(&s.ID, &owner, &s.Name, &kind, &s.Frequency, &recipients, &domain,
		&group, &s.Enabled, &lastRun, &nextRun, &lastErr, &lastAttempt); err != nil {
		return s, err
	}
	s.OwnerID = owner.String
	s.Kind = models.ScheduleKind(kind.String)
	if s.Kind == "" {
		s.Kind = models.KindDigest
	}
	s.DomainFilter = domain.String
	s.GroupFilter = group.String
	s.LastError = lastErr.String
	s.LastRunAt = lastRun.Ptr()
	s.NextRunAt = nextRun.Ptr()
	s.LastAttemptAt = lastAttempt.Ptr()
	if err := decodeJSONList(recipients.String, &s.Recipients); err != nil {
		return s, fmt.Errorf("schedule %s recipients: %w", s.ID, err)
	}
	return s, nil
}

// DueSchedules returns enabled schedules that never ran or whose next run
// is at or before now.
func (r *ScheduleRunner) DueSchedules(ctx context.Context, now time.Time) ([]models.Schedule, error) {
	q := db.NewQuery(`SELECT `+scheduleColumns+` FROM scheduled_reports s
		WHERE s.enabled = ? AND (s.next_run_at IS NULL OR s.next_run_at <= ?)
		ORDER BY s.id`, true, timewindow.Format(now))
	sqlText, args := q.Build(r.db.Dialect)

	rows, err := r.db.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, fmt.Errorf("load due schedules: %w", err)
	}
	defer rows.Close()

	var out []models.Schedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// RunDue executes every due schedule. One schedule's failure is recorded
// on that schedule and does not stop the others.
func (r *ScheduleRunner) RunDue(ctx context.Context, now time.Time) ([]RunResult, error) {
	due, err := r.DueSchedules(ctx, now)
	if err != nil {
		return nil, err
	}
	results := make([]RunResult, 0, len(due))
	for _, s := range due {
		if ctx.Err() != nil {
			break
		}
		results = append(results, r.Run(ctx, s, now))
	}
	return results, nil
}

// Run executes one schedule and records the outcome on it.
func (r *ScheduleRunner) Run(ctx context.Context, s models.Schedule, now time.Time) RunResult {
	now = now.UTC().Truncate(time.Second)
	res := RunResult{ScheduleID: s.ID, Name: s.Name}
	entry := r.logger.WithFields(logging.Fields{"schedule_id": s.ID, "kind": s.Kind})

	cadence, err := timewindow.ParseFrequency(s.Frequency)
	if err == nil {
		lastRun := ""
		if s.LastRunAt != nil {
			lastRun = timewindow.Format(*s.LastRunAt)
		}
		period := timewindow.DeterminePeriod(lastRun, now, cadence)
		res.Period = period.String()
		res.Dispatch, err = r.deliver(ctx, s, period)
	}

	if err != nil {
		res.Err = err
		res.Error = err.Error()
		res.NextRunAt = now.Add(r.retryDelay())
		if perr := r.recordFailure(ctx, s.ID, now, res.NextRunAt, err); perr != nil {
			entry.WithError(perr).Error("Failed to record schedule failure")
		}
		scheduleRunsTotal.WithLabelValues(string(s.Kind), "failure").Inc()
		entry.WithError(err).WithField("retry_at", timewindow.Format(res.NextRunAt)).Warn("Schedule run failed")
		return res
	}

	res.NextRunAt = timewindow.NextRun(now, cadence)
	perr := r.recordSuccess(ctx, s.ID, now, res.NextRunAt)
	scheduleRunsTotal.WithLabelValues(string(s.Kind), outcome(perr)).Inc()
	if perr != nil {
		// Delivered but not recorded: the next pass repeats the period.
		res.Err = perr
		res.Error = perr.Error()
		entry.WithError(perr).Error("Failed to record schedule success")
		return res
	}
	entry.WithFields(logging.Fields{
		"period":      res.Period,
		"next_run_at": timewindow.Format(res.NextRunAt),
	}).Info("Schedule run completed")
	return res
}

func (r *ScheduleRunner) deliver(ctx context.Context, s models.Schedule, period timewindow.Period) (DispatchResult, error) {
	if len(s.Recipients) == 0 {
		return DispatchResult{}, fmt.Errorf("%w: schedule has no recipients", ErrDispatchFailure)
	}
	payload, err := r.builder.Build(ctx, s, period, models.ElevatedScope())
	if err != nil {
		return DispatchResult{}, err
	}
	result := r.dispatcher.SendDigest(ctx, s.Recipients, payload)
	return result, result.Err()
}

// retryDelay never drops below a minute so a failing schedule cannot spin.
func (r *ScheduleRunner) retryDelay() time.Duration {
	if r.RetryDelay < time.Minute {
		return time.Minute
	}
	return r.RetryDelay
}

func (r *ScheduleRunner) recordSuccess(ctx context.Context, id string, now, next time.Time) error {
	query := r.db.Dialect.Rebind(`UPDATE scheduled_reports
		SET last_run_at = ?, next_run_at = ?, last_error = NULL, last_attempt_at = ?
		WHERE id = ?`)
	stamp := timewindow.Format(now)
	_, err := r.db.ExecContext(ctx, query, stamp, timewindow.Format(next), stamp, id)
	return err
}

func (r *ScheduleRunner) recordFailure(ctx context.Context, id string, now, retryAt time.Time, cause error) error {
	query := r.db.Dialect.Rebind(`UPDATE scheduled_reports
		SET next_run_at = ?, last_error = ?, last_attempt_at = ?
		WHERE id = ?`)
	_, err := r.db.ExecContext(ctx, query, timewindow.Format(retryAt), errorText(cause), timewindow.Format(now), id)
	return err
}
