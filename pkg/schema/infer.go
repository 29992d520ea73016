// Package schema decides what the ODS table for a source table looks like and keeps it in sync.
package schema

import (
	"math"
	"reflect"
	"regexp"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/pgflo/pg_ingest/pkg/utils"
)

// Column types produced by inference
const (
	TypeVarchar   = "VARCHAR(255)"
	TypeText      = "TEXT"
	TypeBoolean   = "BOOLEAN"
	TypeInteger   = "INTEGER"
	TypeBigint    = "BIGINT"
	TypeDecimal   = "DECIMAL(18,6)"
	TypeNumeric   = "NUMERIC"
	TypeTimestamp = "TIMESTAMP"
	TypeBytea     = "BYTEA"
)

// VarcharLimit is the length above which strings are stored as TEXT
const VarcharLimit = 255

// Column is a data column of an ODS table
type Column struct {
	Name string
	Type string
	// MaxLen is the longest string value seen for the column
	MaxLen int
	// HasValue is set when the type came from a declaration or a non-NULL value
	HasValue bool
}

// InferType maps a decoded value onto a column type
func InferType(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return TypeVarchar
	case bool:
		return TypeBoolean
	case json.Number:
		return inferNumber(val)
	case int8, int16, int32, uint8, uint16:
		return TypeInteger
	case int, int64:
		if n := reflect.ValueOf(val).Int(); n >= math.MinInt32 && n <= math.MaxInt32 {
			return TypeInteger
		}
		return TypeBigint
	case uint, uint32, uint64:
		n := reflect.ValueOf(val).Uint()
		switch {
		case n <= math.MaxInt32:
			return TypeInteger
		case n <= math.MaxInt64:
			return TypeBigint
		default:
			return TypeNumeric
		}
	case float32, float64:
		return TypeDecimal
	case pgtype.Numeric:
		return TypeNumeric
	case string:
		if len(val) > VarcharLimit {
			return TypeText
		}
		return TypeVarchar
	case time.Time:
		return TypeTimestamp
	case []byte:
		return TypeBytea
	default:
		// objects and arrays are stored as JSON text
		return TypeText
	}
}

func inferNumber(n json.Number) string {
	s := n.String()
	if strings.ContainsAny(s, ".eE") {
		return TypeDecimal
	}
	i, err := n.Int64()
	if err != nil {
		return TypeNumeric
	}
	if i >= math.MinInt32 && i <= math.MaxInt32 {
		return TypeInteger
	}
	return TypeBigint
}

var declaredTypePattern = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_ ]*(\([0-9, ]+\))?(\[\])?$`)

// DeclaredType turns a PostgreSQL type name announced by the source into a usable column type.
// It returns "" when the name cannot be used verbatim in DDL.
func DeclaredType(name string) string {
	name = strings.TrimSpace(name)
	if name == "" || name == "unknown" {
		return ""
	}
	if strings.HasPrefix(name, "_") {
		name = name[1:] + "[]"
	}
	if !declaredTypePattern.MatchString(name) {
		return ""
	}
	return name
}

// widerOf returns the type that can hold values of both a and b
func widerOf(a, b string) string {
	if a == b {
		return a
	}
	rank := map[string]int{TypeBoolean: 0, TypeInteger: 1, TypeBigint: 2, TypeDecimal: 3, TypeNumeric: 4}
	ra, aNum := rank[a]
	rb, bNum := rank[b]
	if aNum && bNum {
		if a == TypeBoolean || b == TypeBoolean {
			return TypeVarchar
		}
		if ra > rb {
			return a
		}
		return b
	}
	if a == TypeText || b == TypeText {
		return TypeText
	}
	return TypeVarchar
}

// InferColumns derives the data columns of a batch of events for one table.
// Types declared by the source win over inferred ones; a NULL value never decides a type
// when another event of the batch carries a value.
func InferColumns(events []*utils.ChangeEvent) []Column {
	byName := make(map[string]*Column)
	var order []string
	declared := make(map[string]bool)
	seenValue := make(map[string]bool)

	for _, ev := range events {
		ev.EnsureColumns()
		row := ev.Row()
		for _, name := range ev.Columns {
			col, ok := byName[name]
			if !ok {
				col = &Column{Name: name, Type: TypeVarchar}
				byName[name] = col
				order = append(order, name)
			}

			value := row[name]
			if s, isStr := value.(string); isStr && len(s) > col.MaxLen {
				col.MaxLen = len(s)
			}

			if t := DeclaredType(ev.ColumnTypes[name]); t != "" {
				col.Type = t
				col.HasValue = true
				declared[name] = true
				continue
			}
			if declared[name] || value == nil {
				continue
			}
			col.HasValue = true

			inferred := InferType(value)
			if seenValue[name] {
				col.Type = widerOf(col.Type, inferred)
			} else {
				col.Type = inferred
				seenValue[name] = true
			}
		}
	}

	out := make([]Column, 0, len(order))
	for _, name := range order {
		col := byName[name]
		if col.Type == TypeVarchar && col.MaxLen > VarcharLimit {
			col.Type = TypeText
		}
		out = append(out, *col)
	}
	return out
}

// NormalizeEvent lower-cases the event's table and column names, matching how PostgreSQL folds
// unquoted identifiers
func NormalizeEvent(ev *utils.ChangeEvent) {
	ev.Table = strings.ToLower(ev.Table)
	for _, col := range append([]string(nil), ev.Columns...) {
		if lower := strings.ToLower(col); lower != col {
			_ = ev.RenameColumn(col, lower)
		}
	}
}

// typeFamily folds an inferred or declared column type onto the inference types that widening
// reasons about. Types outside that set return "".
func typeFamily(t string) string {
	upper := strings.ToUpper(strings.TrimSpace(t))
	switch {
	case upper == TypeInteger, upper == "INT", upper == "INT4", upper == "INT2", upper == "SMALLINT":
		return TypeInteger
	case upper == TypeBigint, upper == "INT8":
		return TypeBigint
	case upper == TypeDecimal:
		return TypeDecimal
	case upper == TypeNumeric, strings.HasPrefix(upper, "NUMERIC("), strings.HasPrefix(upper, "DECIMAL("):
		return TypeNumeric
	case upper == TypeBoolean, upper == "BOOL":
		return TypeBoolean
	case upper == TypeText, strings.HasPrefix(upper, "VARCHAR"), strings.HasPrefix(upper, "CHARACTER VARYING"),
		upper == "BPCHAR", strings.HasPrefix(upper, "CHAR"):
		return TypeText
	}
	return ""
}

// numericTarget returns the type an existing numeric or boolean column must become to hold an
// incoming column, or "" when it already can
func numericTarget(existing string, incoming Column) string {
	from := typeFamily(existing)
	if from == "" || from == TypeText || !incoming.HasValue {
		return ""
	}
	to := typeFamily(incoming.Type)
	switch to {
	case "":
		return ""
	case TypeText:
		return TypeText
	}
	wider := widerOf(from, to)
	if wider == TypeVarchar {
		return TypeText
	}
	if wider == from {
		return ""
	}
	return wider
}
