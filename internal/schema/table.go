package schema

import (
	"fmt"
	"regexp"
	"strings"
)

// ColumnType is a SQLite storage class used by descriptors.
type ColumnType string

const (
	Integer ColumnType = "INTEGER"
	Real    ColumnType = "REAL"
	Text    ColumnType = "TEXT"
)

// Field is one column of a table.
type Field struct {
	Name       string
	Type       ColumnType
	NotNull    bool
	Default    string // raw SQL literal, empty = none
	PrimaryKey bool
}

// Index describes a (possibly partial) index.
type Index struct {
	Name    string
	Columns []string
	Where   string // partial index predicate, empty = full index
}

// Table is the descriptor of one table.
type Table struct {
	Name          string
	Fields        []Field
	UniqueIndexes []Index
	Indexes       []Index

	// WithTimestamps adds created_at/updated_at (unix ms) and the triggers
	// that fill them when a writer leaves them unset.
	WithTimestamps bool
}

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Columns returns every column name including the timestamp pair.
func (t Table) Columns() []string {
	cols := make([]string, 0, len(t.Fields)+2)
	for _, f := range t.Fields {
		cols = append(cols, f.Name)
	}
	if t.WithTimestamps {
		cols = append(cols, "created_at", "updated_at")
	}
	return cols
}

// Validate checks that a descriptor can be turned into SQL.
func Validate(t Table) error {
	if !identRe.MatchString(t.Name) {
		return fmt.Errorf("table %q: invalid name", t.Name)
	}
	if len(t.Fields) == 0 {
		return fmt.Errorf("table %s: no fields", t.Name)
	}

	seen := make(map[string]bool)
	pk := 0
	for _, f := range t.Fields {
		if !identRe.MatchString(f.Name) {
			return fmt.Errorf("table %s: invalid field name %q", t.Name, f.Name)
		}
		if seen[f.Name] {
			return fmt.Errorf("table %s: duplicate field %q", t.Name, f.Name)
		}
		seen[f.Name] = true
		switch f.Type {
		case Integer, Real, Text:
		default:
			return fmt.Errorf("table %s: field %s: unsupported type %q", t.Name, f.Name, f.Type)
		}
		if f.PrimaryKey {
			pk++
		}
	}
	if pk != 1 {
		return fmt.Errorf("table %s: want exactly one primary key, got %d", t.Name, pk)
	}
	if t.WithTimestamps && (seen["created_at"] || seen["updated_at"]) {
		return fmt.Errorf("table %s: timestamp columns are managed by WithTimestamps", t.Name)
	}
	if t.WithTimestamps {
		seen["created_at"], seen["updated_at"] = true, true
	}

	names := make(map[string]bool)
	for _, idx := range append(append([]Index{}, t.UniqueIndexes...), t.Indexes...) {
		if !identRe.MatchString(idx.Name) {
			return fmt.Errorf("table %s: invalid index name %q", t.Name, idx.Name)
		}
		if names[idx.Name] {
			return fmt.Errorf("table %s: duplicate index %q", t.Name, idx.Name)
		}
		names[idx.Name] = true
		if len(idx.Columns) == 0 {
			return fmt.Errorf("table %s: index %s has no columns", t.Name, idx.Name)
		}
		for _, c := range idx.Columns {
			if !seen[c] {
				return fmt.Errorf("table %s: index %s references unknown column %q", t.Name, idx.Name, c)
			}
		}
	}
	return nil
}

// CreateStatement returns the CREATE TABLE statement of t.
func CreateStatement(t Table) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (\n", quote(t.Name))

	defs := make([]string, 0, len(t.Fields)+2)
	for _, f := range t.Fields {
		def := fmt.Sprintf("\t%s %s", quote(f.Name), f.Type)
		if f.PrimaryKey {
			def += " PRIMARY KEY"
			if f.Type == Integer {
				def += " AUTOINCREMENT"
			}
		}
		if f.NotNull {
			def += " NOT NULL"
		}
		if f.Default != "" {
			def += " DEFAULT " + f.Default
		}
		defs = append(defs, def)
	}
	if t.WithTimestamps {
		defs = append(defs, "\t\"created_at\" INTEGER", "\t\"updated_at\" INTEGER")
	}
	b.WriteString(strings.Join(defs, ",\n"))
	b.WriteString("\n)")
	return b.String()
}

// IndexStatements returns CREATE INDEX statements, unique indexes first.
func IndexStatements(t Table) []string {
	stmts := make([]string, 0, len(t.UniqueIndexes)+len(t.Indexes))
	for _, idx := range t.UniqueIndexes {
		stmts = append(stmts, indexStatement(t.Name, idx, true))
	}
	for _, idx := range t.Indexes {
		stmts = append(stmts, indexStatement(t.Name, idx, false))
	}
	return stmts
}

func indexStatement(table string, idx Index, unique bool) string {
	cols := make([]string, len(idx.Columns))
	for i, c := range idx.Columns {
		cols[i] = quote(c)
	}
	kind := "INDEX"
	if unique {
		kind = "UNIQUE INDEX"
	}
	stmt := fmt.Sprintf("CREATE %s IF NOT EXISTS %s ON %s(%s)", kind, quote(idx.Name), quote(table), strings.Join(cols, ", "))
	if idx.Where != "" {
		stmt += " WHERE " + idx.Where
	}
	return stmt
}

// TriggerStatements returns the created_at/updated_at triggers of t.
// Triggers only fill values a writer left unset, so explicit timestamps
// (e.g. from a test clock) win.
func TriggerStatements(t Table) []string {
	if !t.WithTimestamps {
		return nil
	}
	pk := primaryKey(t)
	name := quote(t.Name)
	nowMs := "CAST((julianday('now') - 2440587.5) * 86400000 AS INTEGER)"

	return []string{
		fmt.Sprintf(`CREATE TRIGGER IF NOT EXISTS %s AFTER INSERT ON %s
FOR EACH ROW WHEN NEW.created_at IS NULL OR NEW.updated_at IS NULL
BEGIN
	UPDATE %s SET
		created_at = COALESCE(NEW.created_at, %s),
		updated_at = COALESCE(NEW.updated_at, %s)
	WHERE %s = NEW.%s;
END`, quote("trg_"+t.Name+"_insert_mts"), name, name, nowMs, nowMs, quote(pk), quote(pk)),
		fmt.Sprintf(`CREATE TRIGGER IF NOT EXISTS %s AFTER UPDATE ON %s
FOR EACH ROW WHEN NEW.updated_at IS OLD.updated_at
BEGIN
	UPDATE %s SET updated_at = %s WHERE %s = NEW.%s;
END`, quote("trg_"+t.Name+"_update_mts"), name, name, nowMs, quote(pk), quote(pk)),
	}
}

// Statements returns every DDL statement of t in execution order.
func Statements(t Table) []string {
	stmts := []string{CreateStatement(t)}
	stmts = append(stmts, IndexStatements(t)...)
	return append(stmts, TriggerStatements(t)...)
}

func primaryKey(t Table) string {
	for _, f := range t.Fields {
		if f.PrimaryKey {
			return f.Name
		}
	}
	return "_id"
}

func quote(ident string) string {
	return `"` + ident + `"`
}
