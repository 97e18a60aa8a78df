package store

import (
	"context"
	"fmt"
	"strings"
)

// Bootstrap creates all tables and indexes if they do not exist yet.
// Statements run one at a time so the pgx extended protocol accepts them.
func (s *Store) Bootstrap(ctx context.Context) error {
	for _, stmt := range splitStatements(s.Dialect.TablesSQL()) {
		if _, err := s.DB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap tables: %w", err)
		}
	}
	return nil
}

// splitStatements splits a DDL script on statement-terminating semicolons.
func splitStatements(script string) []string {
	parts := strings.Split(script, ";")
	stmts := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			stmts = append(stmts, p)
		}
	}
	return stmts
}
