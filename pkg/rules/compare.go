package rules

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/pgflo/pg_ingest/pkg/utils"
	"github.com/shopspring/decimal"
)

type valueKind int

const (
	kindNull valueKind = iota
	kindNumber
	kindTime
	kindBool
	kindText
)

// operand is a column or rule value normalized for comparison
type operand struct {
	kind valueKind
	num  decimal.Decimal
	ts   time.Time
	b    bool
	text string
}

// orderings maps the comparison operators to the result of operand.compare they accept
var orderings = map[string]func(c int) bool{
	"eq":  func(c int) bool { return c == 0 },
	"ne":  func(c int) bool { return c != 0 },
	"gt":  func(c int) bool { return c > 0 },
	"lt":  func(c int) bool { return c < 0 },
	"gte": func(c int) bool { return c >= 0 },
	"lte": func(c int) bool { return c <= 0 },
}

// columnOperand classifies a value as it arrives from a source
func columnOperand(v interface{}) (operand, bool) {
	switch val := v.(type) {
	case nil:
		return operand{kind: kindNull}, true
	case time.Time:
		return operand{kind: kindTime, ts: val}, true
	case bool:
		return operand{kind: kindBool, b: val}, true
	case string:
		return operand{kind: kindText, text: val}, true
	case decimal.Decimal:
		return operand{kind: kindNumber, num: val}, true
	case json.Number:
		d, err := decimal.NewFromString(val.String())
		return operand{kind: kindNumber, num: d}, err == nil
	case pgtype.Numeric:
		if !val.Valid {
			return operand{kind: kindNull}, true
		}
		if val.NaN || val.InfinityModifier != pgtype.Finite {
			return operand{}, false
		}
		return operand{kind: kindNumber, num: decimal.NewFromBigInt(val.Int, val.Exp)}, true
	case float32:
		return operand{kind: kindNumber, num: decimal.NewFromFloat32(val)}, true
	case float64:
		return operand{kind: kindNumber, num: decimal.NewFromFloat(val)}, true
	case int:
		return operand{kind: kindNumber, num: decimal.NewFromInt(int64(val))}, true
	case int8:
		return operand{kind: kindNumber, num: decimal.NewFromInt(int64(val))}, true
	case int16:
		return operand{kind: kindNumber, num: decimal.NewFromInt(int64(val))}, true
	case int32:
		return operand{kind: kindNumber, num: decimal.NewFromInt32(val)}, true
	case int64:
		return operand{kind: kindNumber, num: decimal.NewFromInt(val)}, true
	case uint:
		return operand{kind: kindNumber, num: decimal.NewFromUint64(uint64(val))}, true
	case uint8:
		return operand{kind: kindNumber, num: decimal.NewFromUint64(uint64(val))}, true
	case uint16:
		return operand{kind: kindNumber, num: decimal.NewFromUint64(uint64(val))}, true
	case uint32:
		return operand{kind: kindNumber, num: decimal.NewFromUint64(uint64(val))}, true
	case uint64:
		return operand{kind: kindNumber, num: decimal.NewFromUint64(val)}, true
	default:
		return operand{kind: kindText, text: fmt.Sprint(val)}, true
	}
}

// ruleOperand converts the value written in the rule to the kind of the column it is compared with.
// Rules come from YAML, so "42", "true" or a timestamp string match typed columns.
func ruleOperand(v interface{}, want valueKind) (operand, bool) {
	if v == nil {
		return operand{kind: kindNull}, true
	}
	if op, ok := columnOperand(v); ok && op.kind == want {
		return op, true
	}
	text := fmt.Sprint(v)
	switch want {
	case kindNumber:
		d, err := decimal.NewFromString(strings.TrimSpace(text))
		return operand{kind: kindNumber, num: d}, err == nil
	case kindTime:
		ts, err := utils.ParseTimestamp(text)
		return operand{kind: kindTime, ts: ts}, err == nil
	case kindBool:
		b, err := strconv.ParseBool(text)
		return operand{kind: kindBool, b: b}, err == nil
	case kindText:
		return operand{kind: kindText, text: text}, true
	}
	return operand{}, false
}

// compare orders two operands of the same kind. ordered is false when
// the kinds differ or the kind has no order beyond equality.
func (a operand) compare(b operand) (c int, ordered bool, equalOnly bool) {
	if a.kind != b.kind {
		return 0, false, false
	}
	switch a.kind {
	case kindNull:
		return 0, true, true
	case kindNumber:
		return a.num.Cmp(b.num), true, false
	case kindTime:
		return a.ts.Compare(b.ts), true, false
	case kindBool:
		if a.b == b.b {
			return 0, true, true
		}
		return 1, true, true
	default:
		return strings.Compare(a.text, b.text), true, false
	}
}

// newComparison builds the condition of an eq/ne/gt/lt/gte/lte filter
func newComparison(operator string, ruleVal interface{}) func(interface{}) bool {
	accept := orderings[operator]
	equality := operator == "eq" || operator == "ne"
	return func(v interface{}) bool {
		col, ok := columnOperand(v)
		if !ok {
			return false
		}
		if col.kind == kindNull || ruleVal == nil {
			// only equality is defined against NULL
			both := col.kind == kindNull && ruleVal == nil
			switch operator {
			case "eq":
				return both
			case "ne":
				return !both
			}
			return false
		}
		want, ok := ruleOperand(ruleVal, col.kind)
		if !ok {
			return false
		}
		c, ordered, equalOnly := col.compare(want)
		if !ordered || (equalOnly && !equality) {
			return false
		}
		return accept(c)
	}
}

// newContains matches text columns holding the rule value as a substring
func newContains(ruleVal interface{}) func(interface{}) bool {
	needle := fmt.Sprint(ruleVal)
	return func(v interface{}) bool {
		s, ok := v.(string)
		return ok && strings.Contains(s, needle)
	}
}
