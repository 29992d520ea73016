// Package txbuffer buffers the changes of a source transaction and folds repeated changes to one row.
package txbuffer

import (
	"fmt"
	"strconv"

	"github.com/pgflo/pg_ingest/pkg/utils"
)

// OperationConsolidator folds the operations on each row into at most one
type OperationConsolidator interface {
	Consolidate(events []*utils.ChangeEvent) []*utils.ChangeEvent
}

// DefaultOperationConsolidator implements OperationConsolidator with key-based deduplication
type DefaultOperationConsolidator struct{}

// NewDefaultOperationConsolidator creates a new operation consolidator
func NewDefaultOperationConsolidator() *DefaultOperationConsolidator {
	return &DefaultOperationConsolidator{}
}

type slot struct {
	event *utils.ChangeEvent
	pos   int
}

// Consolidate performs key-based deduplication. The result keeps the order in which rows
// were first seen; a row removed by INSERT+DELETE and touched again later takes its new position.
// Events without key columns have no row identity and pass through unchanged, in order.
func (c *DefaultOperationConsolidator) Consolidate(events []*utils.ChangeEvent) []*utils.ChangeEvent {
	if len(events) <= 1 {
		return events
	}

	slots := make(map[string]*slot, len(events))
	order := make([]string, 0, len(events))

	for i, ev := range events {
		if len(ev.KeyColumns()) == 0 {
			recordKey := fmt.Sprintf("keyless#%d", i)
			order = append(order, recordKey)
			slots[recordKey] = &slot{event: ev, pos: len(order) - 1}
			continue
		}
		recordKey := generateRecordKey(ev)

		existing, ok := slots[recordKey]
		if !ok {
			order = append(order, recordKey)
			slots[recordKey] = &slot{event: ev, pos: len(order) - 1}
			continue
		}

		merged := consolidateTwo(existing.event, ev)
		if merged == nil {
			// operations canceled each other out
			delete(slots, recordKey)
			continue
		}
		existing.event = merged
	}

	result := make([]*utils.ChangeEvent, 0, len(slots))
	for i, key := range order {
		if s, ok := slots[key]; ok && s.pos == i {
			result = append(result, s.event)
		}
	}
	return result
}

// generateRecordKey creates a unique key for a database record
func generateRecordKey(ev *utils.ChangeEvent) string {
	return strconv.Quote(ev.Schema) + "." + strconv.Quote(ev.Table) + "." + ev.GetPrimaryKeyString()
}

// consolidateTwo consolidates two operations on the same record
func consolidateTwo(existing, newOp *utils.ChangeEvent) *utils.ChangeEvent {
	switch {
	case existing.Type == utils.OperationInsert && newOp.Type == utils.OperationUpdate,
		existing.Type == utils.OperationRead && newOp.Type == utils.OperationUpdate:

		result := existing.Clone()
		result.After = mergeToasted(existing.After, newOp)
		result.Columns = newOp.Columns
		result.Position = newOp.Position
		result.CommittedAt = newOp.CommittedAt
		result.EmittedAt = newOp.EmittedAt
		return result

	case existing.Type == utils.OperationInsert && newOp.Type == utils.OperationDelete:

		return nil

	case existing.Type == utils.OperationUpdate && newOp.Type == utils.OperationUpdate:

		result := newOp.Clone()
		result.After = mergeToasted(existing.After, newOp)
		result.ToastedColumns = nil
		if existing.Before != nil {
			result.Before = existing.Before
		}
		return result

	case existing.Type == utils.OperationUpdate && newOp.Type == utils.OperationDelete,
		existing.Type == utils.OperationRead && newOp.Type == utils.OperationDelete:

		result := newOp.Clone()
		if existing.Before != nil {
			result.Before = existing.Before
		}
		return result

	case existing.Type == utils.OperationDelete && newOp.Type == utils.OperationInsert:

		result := newOp.Clone()
		result.Type = utils.OperationUpdate
		result.Before = existing.Before
		return result

	default:

		return newOp
	}
}

// mergeToasted fills the unchanged TOAST columns of a later image from an earlier one
func mergeToasted(earlier map[string]interface{}, later *utils.ChangeEvent) map[string]interface{} {
	if len(later.ToastedColumns) == 0 {
		return later.After
	}
	merged := make(map[string]interface{}, len(later.After))
	for k, v := range later.After {
		merged[k] = v
	}
	for col := range later.ToastedColumns {
		if v, ok := earlier[col]; ok {
			merged[col] = v
		}
	}
	return merged
}
