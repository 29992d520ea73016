// Package routing renames tables and columns and applies field mappings before events reach the sink.
package routing

import (
	"fmt"
	"slices"
	"sync"

	"github.com/pgflo/pg_ingest/pkg/utils"
)

// ColumnMapping renames a column
type ColumnMapping struct {
	Source      string `yaml:"source" json:"source"`
	Destination string `yaml:"destination" json:"destination"`
}

// FieldMapping maps a source field onto a target column, with a default or a required check
type FieldMapping struct {
	SourceField  string      `yaml:"source_field" json:"source_field"`
	TargetField  string      `yaml:"target_field" json:"target_field,omitempty"`
	DefaultValue interface{} `yaml:"default_value" json:"default_value,omitempty"`
	Required     bool        `yaml:"required" json:"required,omitempty"`
	FieldType    string      `yaml:"field_type" json:"field_type,omitempty"`
}

// TableRoute describes where the events of one source table go
type TableRoute struct {
	SourceTable      string
	DestinationTable string
	ColumnMappings   []ColumnMapping
	FieldMappings    []FieldMapping
	// Operations restricts the routed operations; empty routes all of them
	Operations []utils.OperationType
	// KeyColumns replaces the key the source reported
	KeyColumns []string
}

func (route TableRoute) validate() error {
	targets := make(map[string]string)
	for _, m := range route.ColumnMappings {
		if m.Source == "" || m.Destination == "" {
			return fmt.Errorf("route %s: column mapping needs source and destination", route.SourceTable)
		}
		if prev, dup := targets[m.Destination]; dup {
			return fmt.Errorf("route %s: columns %s and %s both map to %s", route.SourceTable, prev, m.Source, m.Destination)
		}
		targets[m.Destination] = m.Source
	}
	for _, fm := range route.FieldMappings {
		if fm.SourceField == "" {
			return fmt.Errorf("route %s: field mapping without source_field", route.SourceTable)
		}
	}
	for _, op := range route.Operations {
		if !slices.Contains(utils.AllOperations, op) {
			return fmt.Errorf("route %s: unknown operation %q", route.SourceTable, op)
		}
	}
	return nil
}

// RequiredFieldError is returned when an event lacks a field marked required
type RequiredFieldError struct {
	Table string
	Field string
}

func (e *RequiredFieldError) Error() string {
	return fmt.Sprintf("required field %s missing for table %s", e.Field, e.Table)
}

// Router holds the routes of a task keyed by source table
type Router struct {
	mu     sync.RWMutex
	routes map[string]TableRoute
	logger utils.Logger
}

func NewRouter() *Router {
	return &Router{
		routes: make(map[string]TableRoute),
		logger: utils.NewComponentLogger("router"),
	}
}

// AddRoute sets the route of route.SourceTable, replacing an earlier one
func (r *Router) AddRoute(route TableRoute) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[route.SourceTable] = route
}

// ApplyRouting returns the routed copy of the event, nil when the route excludes its operation,
// or a *RequiredFieldError when a required field has neither a value nor a default.
func (r *Router) ApplyRouting(event *utils.ChangeEvent) (*utils.ChangeEvent, error) {
	r.mu.RLock()
	route, exists := r.routes[event.Table]
	r.mu.RUnlock()
	if !exists {
		return event, nil
	}
	if len(route.Operations) > 0 && !slices.Contains(route.Operations, event.Type) {
		return nil, nil
	}

	routed := event.Clone()
	if route.DestinationTable != "" {
		routed.Table = route.DestinationTable
	}
	if len(route.KeyColumns) > 0 {
		routed.Key = utils.ReplicationKey{Type: utils.ReplicationKeyUnique, Columns: append([]string(nil), route.KeyColumns...)}
	}

	for _, mapping := range route.ColumnMappings {
		if !routed.HasColumn(mapping.Source) {
			continue
		}
		if err := routed.RenameColumn(mapping.Source, mapping.Destination); err != nil {
			return nil, err
		}
	}

	for _, fm := range route.FieldMappings {
		if err := applyFieldMapping(routed, fm); err != nil {
			return nil, err
		}
	}

	return routed, nil
}

func applyFieldMapping(ev *utils.ChangeEvent, fm FieldMapping) error {
	target := fm.TargetField
	if target == "" {
		target = fm.SourceField
	}

	if ev.HasColumn(fm.SourceField) && fm.SourceField != target {
		if err := ev.RenameColumn(fm.SourceField, target); err != nil {
			return err
		}
	}

	if ev.Type.IsUpsert() {
		value, present := ev.Row()[target]
		if !present || value == nil {
			switch {
			case fm.DefaultValue != nil:
				ev.AddColumn(target, fm.DefaultValue)
			case fm.Required:
				return &RequiredFieldError{Table: ev.Table, Field: target}
			}
		}
	}

	if fm.FieldType != "" {
		if ev.ColumnTypes == nil {
			ev.ColumnTypes = make(map[string]string)
		}
		ev.ColumnTypes[target] = fm.FieldType
	}
	return nil
}

// LoadRoutes validates and adds routes keyed by source table. A route without a
// destination keeps the source table name.
func (r *Router) LoadRoutes(routes map[string]TableRoute) error {
	for sourceTable, route := range routes {
		route.SourceTable = sourceTable
		if route.DestinationTable == "" {
			route.DestinationTable = sourceTable
		}
		if err := route.validate(); err != nil {
			return err
		}
		r.logger.Debug().
			Str("source_table", sourceTable).
			Str("destination_table", route.DestinationTable).
			Int("column_mappings", len(route.ColumnMappings)).
			Int("field_mappings", len(route.FieldMappings)).
			Strs("key_columns", route.KeyColumns).
			Msg("Route added")
		r.AddRoute(route)
	}
	return nil
}
