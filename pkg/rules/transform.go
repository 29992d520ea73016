package rules

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/pgflo/pg_ingest/pkg/utils"
)

// logger resolves the global logger lazily so the CLI's output settings apply
func logger() utils.Logger {
	return utils.NewComponentLogger("rules")
}

// transformBuilders create the text rewrite of each transform type
var transformBuilders = map[string]func(params map[string]interface{}) (func(string) string, error){
	"regex": regexTransform,
	"mask":  maskTransform,
}

// NewTransformRule creates a transform of the given type ("regex" or "mask")
func NewTransformRule(table, column string, params map[string]interface{}) (Rule, error) {
	kind, ok := params["type"].(string)
	if !ok {
		return nil, fmt.Errorf("transform on %s.%s: type is required", table, column)
	}
	build, ok := transformBuilders[kind]
	if !ok {
		return nil, fmt.Errorf("transform on %s.%s: unsupported type %q", table, column, kind)
	}
	fn, err := build(params)
	if err != nil {
		return nil, fmt.Errorf("transform on %s.%s: %w", table, column, err)
	}
	return &TransformRule{
		Scope:     scopeFromParams(table, column, params),
		Kind:      kind,
		Transform: fn,
	}, nil
}

func regexTransform(params map[string]interface{}) (func(string) string, error) {
	pattern, ok := params["pattern"].(string)
	if !ok {
		return nil, fmt.Errorf("regex requires pattern")
	}
	replace, ok := params["replace"].(string)
	if !ok {
		return nil, fmt.Errorf("regex requires replace")
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid regex pattern: %w", err)
	}
	return func(s string) string { return re.ReplaceAllString(s, replace) }, nil
}

// maskTransform keeps the first and last character; values of two characters or less stay as they are
func maskTransform(params map[string]interface{}) (func(string) string, error) {
	char, ok := params["mask_char"].(string)
	if !ok || char == "" {
		return nil, fmt.Errorf("mask requires mask_char")
	}
	return func(s string) string {
		runes := []rune(s)
		if len(runes) <= 2 {
			return s
		}
		return string(runes[0]) + strings.Repeat(char, len(runes)-2) + string(runes[len(runes)-1])
	}, nil
}

// Apply rewrites the column when it holds text; other values pass through with a warning
func (r *TransformRule) Apply(event *utils.ChangeEvent) (*utils.ChangeEvent, error) {
	if !r.covers(event) {
		return event, nil
	}
	value, found := ruleValue(event, r.ColumnName)
	if !found || value == nil {
		return event, nil
	}
	s, ok := value.(string)
	if !ok {
		logger().Warn().
			Str("table", r.TableName).
			Str("column", r.ColumnName).
			Str("transform", r.Kind).
			Type("value_type", value).
			Msg("Transform skipped: column is not text")
		return event, nil
	}
	if err := event.SetColumnValue(r.ColumnName, r.Transform(s)); err != nil {
		return nil, err
	}
	return event, nil
}
