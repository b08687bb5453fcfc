package tools

import (
	"context"
	"reflect"
	"strings"
	"testing"

	"github.com/kalambet/taskmind/internal/resilience"
)

func TestSplitStatements(t *testing.T) {
	script := `CREATE TABLE t (name TEXT); -- a comment; with a semicolon
INSERT INTO t VALUES ('a;b');
SELECT * FROM t;;`
	got := SplitStatements(script)
	want := []string{
		"CREATE TABLE t (name TEXT)",
		"INSERT INTO t VALUES ('a;b')",
		"SELECT * FROM t",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("SplitStatements = %q, want %q", got, want)
	}
}

func TestSQL_QueryRendersTable(t *testing.T) {
	prev := "Here is the query:\n```sql\n" +
		"CREATE TABLE langs (name TEXT, year INTEGER);\n" +
		"INSERT INTO langs VALUES ('Go', 2009), ('Py|thon', 1991);\n" +
		"SELECT name, year FROM langs ORDER BY year;\n```"

	got, err := SQL{}.Call(context.Background(), map[string]any{"previous": prev})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	want := "| name | year |\n| --- | --- |\n| Py\\|thon | 1991 |\n| Go | 2009 |"
	if got != want {
		t.Errorf("table =\n%s\nwant\n%s", got, want)
	}
}

func TestSQL_ExecOnly(t *testing.T) {
	got, err := SQL{}.Call(context.Background(), map[string]any{
		"code": "CREATE TABLE x (v INT); INSERT INTO x VALUES (1), (2)",
	})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if got != "Executed 2 statements, 2 rows affected." {
		t.Errorf("result = %q", got)
	}
}

func TestSQL_EmptyResultAndNull(t *testing.T) {
	got, err := SQL{}.Call(context.Background(), map[string]any{"code": "SELECT NULL AS n; SELECT 1 WHERE 0"})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if !strings.Contains(got, "| NULL |") || !strings.Contains(got, "(no rows)") {
		t.Errorf("result = %q", got)
	}
}

func TestSQL_Errors(t *testing.T) {
	_, err := SQL{}.Call(context.Background(), map[string]any{"code": "SELEC nonsense"})
	if err == nil || !resilience.IsPermanent(err) {
		t.Errorf("syntax err = %v, want permanent", err)
	}
	_, err = SQL{}.Call(context.Background(), map[string]any{})
	if err == nil || !resilience.IsPermanent(err) {
		t.Errorf("empty err = %v, want permanent", err)
	}
}
