// Package sqlbuilder produces bound, dialect-aware SQL statements for the
// resource tables. Identifiers are always quoted and values are always sent
// as parameters, never spliced into the SQL text.
package sqlbuilder

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ColumnType is the declared storage type of a column. It controls both the
// DDL type name and how a bound value is encoded.
type ColumnType int

const (
	TypeText ColumnType = iota
	TypeUUID
	TypeTimestamp
	TypeVarchar
	// TypeNumeric binds a float. In a Condition it also casts the column,
	// so text columns holding numbers compare by value.
	TypeNumeric
)

// ScalarSize is the width of every search parameter column.
const ScalarSize = 128

// timestampLayout is fixed width so that lexical order equals time order.
const timestampLayout = "2006-01-02T15:04:05.000000000Z"

// Dialect captures what differs between the supported databases.
type Dialect struct {
	Name     string
	numbered bool
	native   bool
}

var (
	// Postgres uses $n placeholders and native uuid/timestamptz columns.
	Postgres = Dialect{Name: "postgres", numbered: true, native: true}
	// SQLite uses ? placeholders and stores everything as TEXT.
	SQLite = Dialect{Name: "sqlite"}
)

// DialectByName resolves the dialect for a configured driver name.
func DialectByName(name string) (Dialect, error) {
	switch strings.ToLower(name) {
	case "postgres", "postgresql", "pgx":
		return Postgres, nil
	case "sqlite", "sqlite3":
		return SQLite, nil
	}
	return Dialect{}, fmt.Errorf("unknown sql dialect %q", name)
}

// Placeholder returns the bind marker for the n-th (1-based) parameter.
func (d Dialect) Placeholder(n int) string {
	if d.numbered {
		return "$" + strconv.Itoa(n)
	}
	return "?"
}

// TypeName returns the DDL spelling of a column type.
func (d Dialect) TypeName(t ColumnType, size int) string {
	if !d.native {
		return "TEXT"
	}
	switch t {
	case TypeUUID:
		return "UUID"
	case TypeTimestamp:
		return "TIMESTAMPTZ"
	case TypeNumeric:
		return "NUMERIC"
	case TypeVarchar:
		if size <= 0 {
			size = ScalarSize
		}
		return fmt.Sprintf("VARCHAR(%d)", size)
	default:
		return "TEXT"
	}
}

// Encode converts a Go value into the representation bound for a column of
// type t.
func (d Dialect) Encode(t ColumnType, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch t {
	case TypeUUID:
		switch id := v.(type) {
		case uuid.UUID:
			return id.String(), nil
		case string:
			parsed, err := uuid.Parse(id)
			if err != nil {
				return nil, fmt.Errorf("invalid uuid %q: %w", id, err)
			}
			return parsed.String(), nil
		}
		return nil, fmt.Errorf("cannot bind %T as uuid", v)
	case TypeTimestamp:
		var ts time.Time
		switch tv := v.(type) {
		case time.Time:
			ts = tv
		case string:
			parsed, err := time.Parse(time.RFC3339Nano, tv)
			if err != nil {
				return nil, fmt.Errorf("invalid timestamp %q: %w", tv, err)
			}
			ts = parsed
		default:
			return nil, fmt.Errorf("cannot bind %T as timestamp", v)
		}
		if d.native {
			return ts.UTC(), nil
		}
		return ts.UTC().Format(timestampLayout), nil
	case TypeNumeric:
		switch n := v.(type) {
		case float64:
			return n, nil
		case int:
			return float64(n), nil
		case string:
			f, err := strconv.ParseFloat(n, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid number %q: %w", n, err)
			}
			return f, nil
		}
		return nil, fmt.Errorf("cannot bind %T as number", v)
	default:
		switch sv := v.(type) {
		case string:
			return sv, nil
		case []byte:
			return string(sv), nil
		case fmt.Stringer:
			return sv.String(), nil
		}
		return fmt.Sprint(v), nil
	}
}

// QuoteIdent escapes a table or column name.
func QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// Statement is a finished SQL string with its bound arguments in order.
type Statement struct {
	SQL  string
	Args []any
}

func (s Statement) String() string { return s.SQL }

// binder accumulates placeholders and arguments together so that their
// order cannot drift apart.
type binder struct {
	d    Dialect
	sb   strings.Builder
	args []any
	err  error
}

func (b *binder) write(parts ...string) {
	for _, p := range parts {
		b.sb.WriteString(p)
	}
}

func (b *binder) bind(t ColumnType, v any) {
	enc, err := b.d.Encode(t, v)
	if err != nil && b.err == nil {
		b.err = err
	}
	b.args = append(b.args, enc)
	b.sb.WriteString(b.d.Placeholder(len(b.args)))
}

func (b *binder) statement() (Statement, error) {
	if b.err != nil {
		return Statement{}, b.err
	}
	return Statement{SQL: b.sb.String(), Args: b.args}, nil
}
