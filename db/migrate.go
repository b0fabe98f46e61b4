package db

import (
	"context"
	"embed"
	"fmt"
	"strings"
)

//go:embed schema/*.sql
var schemaFS embed.FS

// Schema returns the DDL statements for the dialect, one per element.
func Schema(d Dialect) ([]string, error) {
	raw, err := schemaFS.ReadFile("schema/" + string(d) + ".sql")
	if err != nil {
		return nil, fmt.Errorf("no schema for dialect %s: %w", d, err)
	}
	var stmts []string
	for _, part := range strings.Split(string(raw), ";") {
		if s := strings.TrimSpace(part); s != "" {
			stmts = append(stmts, s)
		}
	}
	return stmts, nil
}

// Migrate applies the schema. Every statement is idempotent.
func (d *DB) Migrate(ctx context.Context) error {
	stmts, err := Schema(d.Dialect)
	if err != nil {
		return err
	}
	for _, stmt := range stmts {
		if _, err := d.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}
