package db

import (
	"fmt"
	"strconv"
	"strings"
)

// Dialect selects driver-specific SQL. Business code never branches on it;
// it asks the dialect to build the statement instead.
type Dialect string

const (
	Postgres Dialect = "postgres"
	MySQL    Dialect = "mysql"
	SQLite   Dialect = "sqlite"
)

// DialectFor maps a driver name to its dialect.
func DialectFor(driver string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "postgres", "postgresql", "pq":
		return Postgres, nil
	case "mysql", "mariadb":
		return MySQL, nil
	case "sqlite", "sqlite3":
		return SQLite, nil
	default:
		return "", fmt.Errorf("unsupported database driver %q", driver)
	}
}

// DriverName is the database/sql driver registered for the dialect.
func (d Dialect) DriverName() string {
	return string(d)
}

// Rebind rewrites ? placeholders into the dialect's bind style.
func (d Dialect) Rebind(query string) string {
	if d != Postgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	inQuote := false
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case c == '\'':
			inQuote = !inQuote
			b.WriteByte(c)
		case c == '?' && !inQuote:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// Upsert builds an insert that updates cols when a row with the same keys
// already exists. Arguments bind in keys-then-cols order.
func (d Dialect) Upsert(table string, keys, cols []string) string {
	all := append(append([]string{}, keys...), cols...)
	insert := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", table, strings.Join(all, ", "), placeholders(len(all)))

	sets := make([]string, len(cols))
	switch d {
	case MySQL:
		for i, c := range cols {
			sets[i] = fmt.Sprintf("%s = VALUES(%s)", c, c)
		}
		return d.Rebind(insert + " ON DUPLICATE KEY UPDATE " + strings.Join(sets, ", "))
	default:
		for i, c := range cols {
			sets[i] = fmt.Sprintf("%s = excluded.%s", c, c)
		}
		return d.Rebind(fmt.Sprintf("%s ON CONFLICT (%s) DO UPDATE SET %s", insert, strings.Join(keys, ", "), strings.Join(sets, ", ")))
	}
}

// InsertIgnore builds an insert that skips rows violating a unique
// constraint. Callers check RowsAffected to learn whether it landed. The
// first column must be the table's key. Other errors still fail the insert.
func (d Dialect) InsertIgnore(table string, cols []string) string {
	values := fmt.Sprintf("(%s) VALUES (%s)", strings.Join(cols, ", "), placeholders(len(cols)))
	switch d {
	case MySQL:
		// INSERT IGNORE would also downgrade foreign key and truncation
		// errors to warnings. A no-op update reports 0 rows unless the DSN
		// sets clientFoundRows.
		return fmt.Sprintf("INSERT INTO %s %s ON DUPLICATE KEY UPDATE %s = %s", table, values, cols[0], cols[0])
	default:
		return d.Rebind("INSERT INTO " + table + " " + values + " ON CONFLICT DO NOTHING")
	}
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
