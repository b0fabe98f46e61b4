package db

import (
	"fmt"
	"time"

	"dmarcwatch/timewindow"
)

// NullTime scans timestamps whichever way the driver hands them over:
// time.Time from lib/pq, []byte from MySQL without parseTime, text from
// SQLite.
type NullTime struct {
	Time  time.Time
	Valid bool
}

func (n *NullTime) Scan(value any) error {
	switch v := value.(type) {
	case nil:
		n.Time, n.Valid = time.Time{}, false
		return nil
	case time.Time:
		n.Time, n.Valid = v.UTC(), true
		return nil
	case []byte:
		return n.parse(string(v))
	case string:
		return n.parse(v)
	default:
		return fmt.Errorf("cannot scan %T into NullTime", value)
	}
}

func (n *NullTime) parse(s string) error {
	if s == "" {
		n.Time, n.Valid = time.Time{}, false
		return nil
	}
	t, ok := timewindow.ParseTimestamp(s)
	if !ok {
		return fmt.Errorf("unrecognised timestamp %q", s)
	}
	n.Time, n.Valid = t, true
	return nil
}

// Ptr returns nil for NULL.
func (n NullTime) Ptr() *time.Time {
	if !n.Valid {
		return nil
	}
	t := n.Time
	return &t
}

// String returns the bind-format value, or "" for NULL.
func (n NullTime) String() string {
	if !n.Valid {
		return ""
	}
	return timewindow.Format(n.Time)
}
