package rules

import (
	"fmt"

	"github.com/pgflo/pg_ingest/pkg/utils"
)

// NewFilterRule creates a filter from the operator and value parameters
func NewFilterRule(table, column string, params map[string]interface{}) (Rule, error) {
	operator, ok := params["operator"].(string)
	if !ok {
		return nil, fmt.Errorf("filter on %s.%s: operator is required", table, column)
	}
	value, ok := params["value"]
	if !ok {
		return nil, fmt.Errorf("filter on %s.%s: value is required", table, column)
	}

	var condition func(interface{}) bool
	switch {
	case operator == "contains":
		condition = newContains(value)
	case orderings[operator] != nil:
		condition = newComparison(operator, value)
	default:
		return nil, fmt.Errorf("filter on %s.%s: unsupported operator %q", table, column, operator)
	}

	return &FilterRule{
		Scope:     scopeFromParams(table, column, params),
		Operator:  operator,
		Condition: condition,
	}, nil
}

// Apply drops the event when the condition fails; a missing column fails it too
func (r *FilterRule) Apply(event *utils.ChangeEvent) (*utils.ChangeEvent, error) {
	if !r.covers(event) {
		return event, nil
	}
	value, found := ruleValue(event, r.ColumnName)
	passes := found && r.Condition(value)

	logger().Debug().
		Str("table", r.TableName).
		Str("column", r.ColumnName).
		Str("operator", r.Operator).
		Str("operation", string(event.Type)).
		Bool("passes", passes).
		Msg("Filter evaluated")

	if !passes {
		return nil, nil
	}
	return event, nil
}

// NewExcludeColumnRule creates a rule that drops a column from every event of the table
func NewExcludeColumnRule(table, column string) (Rule, error) {
	if column == "" {
		return nil, fmt.Errorf("exclude_column on %s: column is required", table)
	}
	return &ExcludeColumnRule{Scope: Scope{TableName: table, ColumnName: column}}, nil
}

// Apply removes the column. Snapshot rows may carry columns the change stream does not, so a
// missing column is fine, but an event left without columns is an error.
func (r *ExcludeColumnRule) Apply(event *utils.ChangeEvent) (*utils.ChangeEvent, error) {
	if err := event.RemoveColumn(r.ColumnName); err != nil {
		if _, missing := err.(utils.ColumnNotFoundError); !missing {
			logger().Warn().Err(err).Str("table", r.TableName).Str("column", r.ColumnName).Msg("Failed to exclude column")
		}
	}
	if len(event.Columns) == 0 {
		return nil, fmt.Errorf("exclude_column removed the last column of %s", r.TableName)
	}
	return event, nil
}
