// Package rules filters, rewrites and trims change events before they are routed to the ODS.
package rules

import (
	"slices"

	"github.com/pgflo/pg_ingest/pkg/utils"
)

// Rule is applied to every change event of a table; a nil event means the event is dropped
type Rule interface {
	Apply(event *utils.ChangeEvent) (*utils.ChangeEvent, error)
}

// Scope is the table, column and operations a rule is bound to
type Scope struct {
	TableName  string
	ColumnName string
	Operations []utils.OperationType
	// AllowEmptyDeletes lets deletes through untouched
	AllowEmptyDeletes bool
}

func (s Scope) covers(event *utils.ChangeEvent) bool {
	if event.Type == utils.OperationDelete && s.AllowEmptyDeletes {
		return false
	}
	return len(s.Operations) == 0 || slices.Contains(s.Operations, event.Type)
}

// TransformRule rewrites a text column value
type TransformRule struct {
	Scope
	Kind      string
	Transform func(string) string
}

// FilterRule drops events whose column value does not satisfy Condition
type FilterRule struct {
	Scope
	Operator  string
	Condition func(value interface{}) bool
}

// ExcludeColumnRule removes a column before the event reaches the sink
type ExcludeColumnRule struct {
	Scope
}

// RuleConfig is a single rule as written in a task definition
type RuleConfig struct {
	Type              string                 `yaml:"type" json:"type"`
	Column            string                 `yaml:"column" json:"column"`
	Parameters        map[string]interface{} `yaml:"parameters" json:"parameters"`
	Operations        []utils.OperationType  `yaml:"operations" json:"operations"`
	AllowEmptyDeletes bool                   `yaml:"allow_empty_deletes" json:"allow_empty_deletes"`
}

// Config maps source table names to their rules
type Config struct {
	Tables map[string][]RuleConfig `yaml:"tables" json:"tables"`
}

// scopeFromParams reads the operation settings createRule copies into the parameters
func scopeFromParams(table, column string, params map[string]interface{}) Scope {
	ops, _ := params["operations"].([]utils.OperationType)
	allow, _ := params["allow_empty_deletes"].(bool)
	return Scope{TableName: table, ColumnName: column, Operations: ops, AllowEmptyDeletes: allow}
}

// ruleValue reads the column the rule looks at; deletes only carry the before image
func ruleValue(event *utils.ChangeEvent, column string) (interface{}, bool) {
	v, err := event.GetColumnValue(column, event.Type == utils.OperationDelete)
	return v, err == nil
}
