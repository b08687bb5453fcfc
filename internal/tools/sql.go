package tools

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/kalambet/taskmind/internal/resilience"

	_ "modernc.org/sqlite"
)

const maxSQLRows = 100

// SQL runs statements against a scratch in-memory SQLite database that
// lives for one call. Query results are rendered as markdown tables.
type SQL struct{}

// Call implements Func.
func (SQL) Call(ctx context.Context, params map[string]any) (string, error) {
	script := String(params, "code")
	if script == "" {
		script = ExtractCode(String(params, "previous"), "sql", "sqlite")
	}
	stmts := SplitStatements(script)
	if len(stmts) == 0 {
		return "", resilience.Permanent(fmt.Errorf("sql: %w", errNoCode))
	}

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return "", fmt.Errorf("opening scratch database: %w", err)
	}
	defer db.Close()
	// Every connection to :memory: is a separate database.
	db.SetMaxOpenConns(1)

	var b strings.Builder
	affected := int64(0)
	for i, stmt := range stmts {
		if isQuery(stmt) {
			table, err := queryTable(ctx, db, stmt)
			if err != nil {
				return "", resilience.Permanent(fmt.Errorf("statement %d: %w", i+1, err))
			}
			b.WriteString(table)
			b.WriteString("\n")
			continue
		}
		res, err := db.ExecContext(ctx, stmt)
		if err != nil {
			return "", resilience.Permanent(fmt.Errorf("statement %d: %w", i+1, err))
		}
		if n, err := res.RowsAffected(); err == nil {
			affected += n
		}
	}

	if b.Len() == 0 {
		return fmt.Sprintf("Executed %d statements, %d rows affected.", len(stmts), affected), nil
	}
	return strings.TrimSpace(b.String()), nil
}

func isQuery(stmt string) bool {
	f := strings.Fields(stmt)
	if len(f) == 0 {
		return false
	}
	switch strings.ToUpper(f[0]) {
	case "SELECT", "WITH", "VALUES", "PRAGMA", "EXPLAIN":
		return true
	}
	return false
}

func queryTable(ctx context.Context, db *sql.DB, stmt string) (string, error) {
	rows, err := db.QueryContext(ctx, stmt)
	if err != nil {
		return "", err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString("| " + strings.Join(cols, " | ") + " |\n")
	b.WriteString("|" + strings.Repeat(" --- |", len(cols)) + "\n")

	values := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range values {
		ptrs[i] = &values[i]
	}
	n := 0
	for rows.Next() {
		if n == maxSQLRows {
			fmt.Fprintf(&b, "\n(showing first %d rows)\n", maxSQLRows)
			break
		}
		if err := rows.Scan(ptrs...); err != nil {
			return "", err
		}
		cells := make([]string, len(values))
		for i, v := range values {
			cells[i] = cell(v)
		}
		b.WriteString("| " + strings.Join(cells, " | ") + " |\n")
		n++
	}
	if err := rows.Err(); err != nil {
		return "", err
	}
	if n == 0 {
		b.WriteString("\n(no rows)\n")
	}
	return b.String(), nil
}

func cell(v any) string {
	var s string
	switch x := v.(type) {
	case nil:
		return "NULL"
	case []byte:
		s = string(x)
	default:
		s = fmt.Sprint(x)
	}
	s = strings.ReplaceAll(s, "|", `\|`)
	return strings.ReplaceAll(s, "\n", " ")
}

// SplitStatements splits a script on semicolons outside quotes and
// comments. Empty statements are dropped.
func SplitStatements(script string) []string {
	var out []string
	var cur strings.Builder
	var quote rune
	lineComment := false

	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			out = append(out, s)
		}
		cur.Reset()
	}

	runes := []rune(script)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch {
		case lineComment:
			if r == '\n' {
				lineComment = false
				cur.WriteRune(r)
			}
			continue
		case quote != 0:
			if r == quote {
				quote = 0
			}
		case r == '\'' || r == '"' || r == '`':
			quote = r
		case r == '-' && i+1 < len(runes) && runes[i+1] == '-':
			lineComment = true
			continue
		case r == ';':
			flush()
			continue
		}
		cur.WriteRune(r)
	}
	flush()
	return out
}
