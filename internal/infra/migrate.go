// README: Applies a plain SQL migration file statement by statement. Used at startup and by DB-backed tests.
package infra

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// ApplyMigrationFile runs every statement in path. Statements are split on
// semicolons, so the file must not contain semicolons inside statements.
func ApplyMigrationFile(ctx context.Context, q DBTX, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read migration: %w", err)
	}
	for _, stmt := range SplitSQL(StripSQLComments(string(raw))) {
		if _, err := q.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migration statement failed: %w\n%s", err, stmt)
		}
	}
	return nil
}

func StripSQLComments(sql string) string {
	lines := strings.Split(sql, "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}

func SplitSQL(sql string) []string {
	parts := strings.Split(sql, ";")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
