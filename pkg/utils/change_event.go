package utils //nolint:revive // utils is a standard package name

import (
	"fmt"
	"sort"
	"time"

	"github.com/goccy/go-json"
)

// ColumnNotFoundError is returned when a requested column is not found in the change event
type ColumnNotFoundError struct {
	ColumnName string
}

func (e ColumnNotFoundError) Error() string {
	return fmt.Sprintf("column %s not found", e.ColumnName)
}

// ChangeEvent is a single row-level change captured from a source, normalized across sources
type ChangeEvent struct {
	Type           OperationType
	Schema         string
	Table          string
	Columns        []string
	ColumnTypes    map[string]string
	Before         map[string]interface{}
	After          map[string]interface{}
	Key            ReplicationKey
	Position       string
	Source         string
	TaskID         string
	CommittedAt    time.Time
	EmittedAt      time.Time
	ToastedColumns map[string]bool
}

// QualifiedTable returns schema.table, or the bare table name when no schema is known
func (e *ChangeEvent) QualifiedTable() string {
	if e.Schema == "" {
		return e.Table
	}
	return e.Schema + "." + e.Table
}

// Row returns the image that describes the row after the change: the after-image for
// inserts, updates and reads, the before-image for deletes
func (e *ChangeEvent) Row() map[string]interface{} {
	if e.Type == OperationDelete || e.After == nil {
		return e.Before
	}
	return e.After
}

// EnsureColumns fills Columns from the row images when the source did not provide an order
func (e *ChangeEvent) EnsureColumns() {
	if len(e.Columns) > 0 {
		return
	}
	seen := make(map[string]struct{})
	for _, img := range []map[string]interface{}{e.After, e.Before} {
		for col := range img {
			if _, ok := seen[col]; !ok {
				seen[col] = struct{}{}
				e.Columns = append(e.Columns, col)
			}
		}
	}
	sort.Strings(e.Columns)
}

// GetColumnIndex returns the index of a column by name, or -1 if not found
func (e *ChangeEvent) GetColumnIndex(columnName string) int {
	for i, col := range e.Columns {
		if col == columnName {
			return i
		}
	}
	return -1
}

// HasColumn reports whether the column is part of the event
func (e *ChangeEvent) HasColumn(columnName string) bool {
	if e.GetColumnIndex(columnName) != -1 {
		return true
	}
	_, inAfter := e.After[columnName]
	_, inBefore := e.Before[columnName]
	return inAfter || inBefore
}

// GetColumnValue gets a column value, optionally using old values for DELETE/UPDATE
func (e *ChangeEvent) GetColumnValue(columnName string, useOldValues bool) (interface{}, error) {
	if !e.HasColumn(columnName) {
		return nil, ColumnNotFoundError{columnName}
	}

	img := e.After
	if useOldValues || img == nil {
		img = e.Before
	}
	if img == nil {
		return nil, fmt.Errorf("no data available for column %s", columnName)
	}
	return img[columnName], nil
}

// SetColumnValue sets the value of a column in the image that will be written
func (e *ChangeEvent) SetColumnValue(columnName string, value interface{}) error {
	if !e.HasColumn(columnName) {
		return ColumnNotFoundError{columnName}
	}

	if e.Type == OperationDelete {
		if e.Before == nil {
			e.Before = make(map[string]interface{})
		}
		e.Before[columnName] = value
		return nil
	}
	if e.After == nil {
		e.After = make(map[string]interface{})
	}
	e.After[columnName] = value
	return nil
}

// AddColumn adds a column that is not yet part of the event
func (e *ChangeEvent) AddColumn(columnName string, value interface{}) {
	if e.GetColumnIndex(columnName) == -1 {
		e.Columns = append(e.Columns, columnName)
	}
	if e.Type == OperationDelete {
		if e.Before == nil {
			e.Before = make(map[string]interface{})
		}
		e.Before[columnName] = value
		return
	}
	if e.After == nil {
		e.After = make(map[string]interface{})
	}
	e.After[columnName] = value
}

// RemoveColumn removes a column from the event
func (e *ChangeEvent) RemoveColumn(columnName string) error {
	if !e.HasColumn(columnName) {
		return ColumnNotFoundError{columnName}
	}

	if colIndex := e.GetColumnIndex(columnName); colIndex != -1 {
		newColumns := make([]string, 0, len(e.Columns)-1)
		newColumns = append(newColumns, e.Columns[:colIndex]...)
		e.Columns = append(newColumns, e.Columns[colIndex+1:]...)
	}
	delete(e.After, columnName)
	delete(e.Before, columnName)
	delete(e.ColumnTypes, columnName)
	delete(e.ToastedColumns, columnName)
	return nil
}

// RenameColumn renames a column everywhere it appears, including the replication key
func (e *ChangeEvent) RenameColumn(from, to string) error {
	if from == to {
		return nil
	}
	if !e.HasColumn(from) {
		return ColumnNotFoundError{from}
	}

	if i := e.GetColumnIndex(from); i != -1 {
		e.Columns[i] = to
	}
	for _, img := range []map[string]interface{}{e.After, e.Before} {
		if v, ok := img[from]; ok {
			img[to] = v
			delete(img, from)
		}
	}
	if t, ok := e.ColumnTypes[from]; ok {
		e.ColumnTypes[to] = t
		delete(e.ColumnTypes, from)
	}
	if e.ToastedColumns[from] {
		e.ToastedColumns[to] = true
		delete(e.ToastedColumns, from)
	}
	for i, keyCol := range e.Key.Columns {
		if keyCol == from {
			e.Key.Columns[i] = to
		}
	}
	return nil
}

// KeyColumns returns the columns that identify the row, or nil when the row has no usable key
func (e *ChangeEvent) KeyColumns() []string {
	if e.Key.Type == ReplicationKeyFull || len(e.Key.Columns) == 0 {
		return nil
	}
	return e.Key.Columns
}

// KeyValues returns the key column values from the after-image, or the before-image when useOld is set
func (e *ChangeEvent) KeyValues(useOld bool) []interface{} {
	img := e.After
	if useOld || img == nil {
		img = e.Before
	}
	cols := e.KeyColumns()
	values := make([]interface{}, len(cols))
	for i, col := range cols {
		values[i] = img[col]
	}
	return values
}

// KeyChanged reports whether an UPDATE moved the row to a different key
func (e *ChangeEvent) KeyChanged() bool {
	if e.Type != OperationUpdate || e.Before == nil || e.After == nil {
		return false
	}
	for _, col := range e.KeyColumns() {
		before, ok := e.Before[col]
		if !ok {
			continue
		}
		if fmt.Sprint(before) != fmt.Sprint(e.After[col]) {
			return true
		}
	}
	return false
}

// GetPrimaryKeyString returns the row identity used for consolidation, encoded as a JSON array
// of the key values. It is empty when the event has no key columns.
func (e *ChangeEvent) GetPrimaryKeyString() string {
	keyColumns := e.KeyColumns()
	if len(keyColumns) == 0 {
		return ""
	}

	row := e.Row()
	values := make([]interface{}, len(keyColumns))
	for i, col := range keyColumns {
		values[i] = row[col]
	}
	encoded, err := json.Marshal(values)
	if err != nil {
		return fmt.Sprintf("%#v", values)
	}
	return string(encoded)
}

// IsColumnToasted checks if a column was TOASTed and left out of the image
func (e *ChangeEvent) IsColumnToasted(columnName string) bool {
	return e.ToastedColumns[columnName]
}

// Clone returns a deep copy of the event's slices and maps
func (e *ChangeEvent) Clone() *ChangeEvent {
	c := *e
	c.Columns = append([]string(nil), e.Columns...)
	c.Key.Columns = append([]string(nil), e.Key.Columns...)
	c.Before = cloneMap(e.Before)
	c.After = cloneMap(e.After)
	if e.ColumnTypes != nil {
		c.ColumnTypes = make(map[string]string, len(e.ColumnTypes))
		for k, v := range e.ColumnTypes {
			c.ColumnTypes[k] = v
		}
	}
	if e.ToastedColumns != nil {
		c.ToastedColumns = make(map[string]bool, len(e.ToastedColumns))
		for k, v := range e.ToastedColumns {
			c.ToastedColumns[k] = v
		}
	}
	return &c
}

func cloneMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
