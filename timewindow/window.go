// Package timewindow computes UTC window boundaries for metric queries and
// reporting periods for scheduled jobs.
package timewindow

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	// TimestampLayout is the bind format for every timestamp sent to the
	// database. It sorts lexically, which SQLite relies on.
	TimestampLayout = "2006-01-02 15:04:05"
	DateLayout      = "2006-01-02"
)

// Format renders t as a UTC bind value.
func Format(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// WindowStart returns now minus windowMinutes as a UTC timestamp string.
// It is the lower bound of Trailing(now, windowMinutes).
func WindowStart(now time.Time, windowMinutes int) string {
	from, _ := Trailing(now, windowMinutes).Bounds()
	return from
}

// Window is a half-open [From, To) interval in UTC.
type Window struct {
	From time.Time
	To   time.Time
}

// Trailing returns the window of the given length ending at now.
func Trailing(now time.Time, windowMinutes int) Window {
	to := now.UTC()
	return Window{From: to.Add(-time.Duration(windowMinutes) * time.Minute), To: to}
}

// Previous returns the equal-length window immediately before w.
func (w Window) Previous() Window {
	return Window{From: w.From.Add(-w.To.Sub(w.From)), To: w.From}
}

// Bounds returns the window edges as bind values.
func (w Window) Bounds() (string, string) {
	return Format(w.From), Format(w.To)
}

// Cadence is the nominal recurrence of a scheduled job in days.
type Cadence int

const (
	Daily   Cadence = 1
	Weekly  Cadence = 7
	Monthly Cadence = 30
)

// ParseFrequency maps daily, weekly, monthly and custom:<N> to a cadence.
func ParseFrequency(freq string) (Cadence, error) {
	f := strings.ToLower(strings.TrimSpace(freq))
	switch f {
	case "daily":
		return Daily, nil
	case "weekly":
		return Weekly, nil
	case "monthly":
		return Monthly, nil
	}
	if rest, ok := strings.CutPrefix(f, "custom:"); ok {
		n, err := strconv.Atoi(strings.TrimSpace(rest))
		if err != nil || n <= 0 {
			return 0, fmt.Errorf("invalid custom frequency %q", freq)
		}
		return Cadence(n), nil
	}
	return 0, fmt.Errorf("unknown frequency %q", freq)
}

// Days returns the cadence length in days.
func (c Cadence) Days() int { return int(c) }

// Period is an inclusive calendar-date range.
type Period struct {
	Start time.Time
	End   time.Time
}

// Days returns the number of calendar days covered, inclusive.
func (p Period) Days() int {
	return int(p.End.Sub(p.Start).Hours()/24) + 1
}

// Bounds returns [start 00:00:00, end+1 00:00:00) as bind values.
func (p Period) Bounds() (string, string) {
	return Format(p.Start), Format(p.End.AddDate(0, 0, 1))
}

func (p Period) String() string {
	return p.Start.Format(DateLayout) + ".." + p.End.Format(DateLayout)
}

// DeterminePeriod returns the reporting period for a job that last ran at
// lastRunAt (empty when it never ran). The period ends today and never
// spans more than one cadence, however long the job was dormant.
func DeterminePeriod(lastRunAt string, now time.Time, cadence Cadence) Period {
	days := cadence.Days()
	if days < 1 {
		days = 1
	}
	end := truncateDay(now)
	earliest := end.AddDate(0, 0, -days+1)

	last, ok := ParseTimestamp(lastRunAt)
	if !ok {
		return Period{Start: earliest, End: end}
	}
	start := truncateDay(last).AddDate(0, 0, 1)
	if start.Before(earliest) {
		start = earliest
	}
	if start.After(end) {
		// Already ran today: report today rather than an empty range.
		start = end
	}
	return Period{Start: start, End: end}
}

// NextRun returns midnight UTC cadence days after now.
func NextRun(now time.Time, cadence Cadence) time.Time {
	days := cadence.Days()
	if days < 1 {
		days = 1
	}
	return truncateDay(now).AddDate(0, 0, days)
}

// ParseTimestamp accepts the bind layout, RFC3339 and bare dates. Values
// without a zone are read as UTC.
func ParseTimestamp(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{
		TimestampLayout,
		time.RFC3339Nano,
		"2006-01-02 15:04:05.999999999-07:00",
		"2006-01-02 15:04:05.999999999",
		"2006-01-02T15:04:05",
		DateLayout,
	} {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

func truncateDay(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}
