// Package debezium decodes and encodes Debezium change-event envelopes.
package debezium

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/pgflo/pg_ingest/pkg/utils"
)

var (
	// ErrTombstone is returned for null record values that only exist for log compaction
	ErrTombstone = errors.New("debezium: tombstone record")
	// ErrSkippedOperation is returned for truncate and message events, which carry no row
	ErrSkippedOperation = errors.New("debezium: operation carries no row change")
)

// Operation is the Debezium "op" field
type Operation string

const (
	OpCreate   Operation = "c"
	OpUpdate   Operation = "u"
	OpDelete   Operation = "d"
	OpRead     Operation = "r"
	OpTruncate Operation = "t"
	OpMessage  Operation = "m"
)

var opToType = map[Operation]utils.OperationType{
	OpCreate: utils.OperationInsert,
	OpUpdate: utils.OperationUpdate,
	OpDelete: utils.OperationDelete,
	OpRead:   utils.OperationRead,
}

var typeToOp = map[utils.OperationType]Operation{
	utils.OperationInsert: OpCreate,
	utils.OperationUpdate: OpUpdate,
	utils.OperationDelete: OpDelete,
	utils.OperationRead:   OpRead,
}

// Source is the connector-specific "source" block
type Source struct {
	Version   string      `json:"version,omitempty"`
	Connector string      `json:"connector,omitempty"`
	Name      string      `json:"name,omitempty"`
	DB        string      `json:"db,omitempty"`
	Schema    string      `json:"schema,omitempty"`
	Table     string      `json:"table,omitempty"`
	TsMs      int64       `json:"ts_ms,omitempty"`
	TsNs      int64       `json:"ts_ns,omitempty"`
	LSN       json.Number `json:"lsn,omitempty"`
	ChangeLSN string      `json:"change_lsn,omitempty"`
	File      string      `json:"file,omitempty"`
	Pos       json.Number `json:"pos,omitempty"`
	TxID      json.Number `json:"txId,omitempty"`
}

// Envelope is the value of a Debezium change record
type Envelope struct {
	Before map[string]interface{} `json:"before"`
	After  map[string]interface{} `json:"after"`
	Source Source                 `json:"source"`
	Op     Operation              `json:"op"`
	TsMs   int64                  `json:"ts_ms,omitempty"`
}

func unmarshal(data []byte, v interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}

var payloadField = []byte(`"payload"`)

// unwrap strips the {schema, payload} wrapper emitted when schemas.enable is on
func unwrap(data []byte) ([]byte, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, ErrTombstone
	}
	if !bytes.Contains(trimmed, payloadField) {
		return trimmed, nil
	}

	var wrapper map[string]interface{}
	if err := unmarshal(trimmed, &wrapper); err != nil {
		return nil, fmt.Errorf("failed to decode debezium record: %w", err)
	}
	_, hasSchema := wrapper["schema"]
	payload, hasPayload := wrapper["payload"]
	if !hasSchema || !hasPayload {
		return trimmed, nil
	}
	if payload == nil {
		return nil, ErrTombstone
	}
	return json.Marshal(payload)
}

// DecodeEnvelope parses a record value without mapping it to a change event
func DecodeEnvelope(data []byte) (*Envelope, error) {
	payload, err := unwrap(data)
	if err != nil {
		return nil, err
	}
	var env Envelope
	if err := unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("failed to decode debezium envelope: %w", err)
	}
	if env.Op == "" {
		return nil, fmt.Errorf("debezium envelope has no op field")
	}
	return &env, nil
}

// Decode parses a record value into a change event.
// Tombstones return ErrTombstone; truncate and message events return ErrSkippedOperation.
func Decode(data []byte) (*utils.ChangeEvent, error) {
	env, err := DecodeEnvelope(data)
	if err != nil {
		return nil, err
	}
	return env.ToChangeEvent()
}

// ToChangeEvent maps the envelope onto the change event model
func (env *Envelope) ToChangeEvent() (*utils.ChangeEvent, error) {
	opType, ok := opToType[env.Op]
	if !ok {
		if env.Op == OpTruncate || env.Op == OpMessage {
			return nil, ErrSkippedOperation
		}
		return nil, fmt.Errorf("unknown debezium op %q", env.Op)
	}

	if env.Source.Table == "" {
		return nil, fmt.Errorf("debezium envelope has no source.table")
	}

	schema := env.Source.Schema
	if schema == "" {
		schema = env.Source.DB
	}

	ev := &utils.ChangeEvent{
		Type:        opType,
		Schema:      schema,
		Table:       env.Source.Table,
		Before:      env.Before,
		After:       env.After,
		Position:    env.Source.position(),
		Source:      env.Source.Connector,
		CommittedAt: env.Source.committedAt(),
		Key:         utils.ReplicationKey{Type: utils.ReplicationKeyFull},
	}
	if env.TsMs > 0 {
		ev.EmittedAt = time.UnixMilli(env.TsMs).UTC()
	}

	switch opType {
	case utils.OperationDelete:
		if ev.Before == nil {
			return nil, fmt.Errorf("delete event for %s has no before image", ev.Table)
		}
	default:
		if ev.After == nil {
			return nil, fmt.Errorf("%s event for %s has no after image", opType, ev.Table)
		}
	}

	ev.EnsureColumns()
	return ev, nil
}

func (s Source) committedAt() time.Time {
	switch {
	case s.TsNs > 0:
		return time.Unix(0, s.TsNs).UTC()
	case s.TsMs > 0:
		return time.UnixMilli(s.TsMs).UTC()
	default:
		return time.Time{}
	}
}

func (s Source) position() string {
	switch {
	case s.LSN != "":
		return s.LSN.String()
	case s.ChangeLSN != "":
		return s.ChangeLSN
	case s.Pos != "":
		if s.File != "" {
			return s.File + ":" + s.Pos.String()
		}
		return s.Pos.String()
	default:
		return ""
	}
}

// DecodeKey parses a record key ({"id":1}, or wrapped) and returns its column names and values
func DecodeKey(data []byte) (map[string]interface{}, error) {
	payload, err := unwrap(data)
	if err != nil {
		if errors.Is(err, ErrTombstone) {
			return nil, nil
		}
		return nil, err
	}

	var key map[string]interface{}
	if err := unmarshal(payload, &key); err != nil {
		return nil, fmt.Errorf("failed to decode debezium key: %w", err)
	}
	return key, nil
}

// ApplyKey sets the event's replication key from a decoded record key
func ApplyKey(ev *utils.ChangeEvent, key map[string]interface{}) {
	if len(key) == 0 {
		return
	}
	cols := make([]string, 0, len(key))
	for _, col := range ev.Columns {
		if _, ok := key[col]; ok {
			cols = append(cols, col)
		}
	}
	if len(cols) != len(key) {
		// some key fields are not in the row image
		cols = cols[:0]
		for col := range key {
			cols = append(cols, col)
		}
		sort.Strings(cols)
	}
	ev.Key = utils.ReplicationKey{Type: utils.ReplicationKeyPK, Columns: cols}
}

// Encode renders a change event as a bare Debezium envelope
func Encode(ev *utils.ChangeEvent) ([]byte, error) {
	op, ok := typeToOp[ev.Type]
	if !ok {
		return nil, fmt.Errorf("cannot encode operation %s", ev.Type)
	}

	env := Envelope{
		Before: ev.Before,
		After:  ev.After,
		Op:     op,
		Source: Source{
			Connector: ev.Source,
			Schema:    ev.Schema,
			Table:     ev.Table,
		},
	}
	if !ev.CommittedAt.IsZero() {
		env.Source.TsMs = ev.CommittedAt.UnixMilli()
	}
	if ev.Position != "" {
		if _, err := strconv.ParseUint(ev.Position, 10, 64); err == nil {
			env.Source.LSN = json.Number(ev.Position)
		} else {
			env.Source.ChangeLSN = ev.Position
		}
	}
	emitted := ev.EmittedAt
	if emitted.IsZero() {
		emitted = time.Now()
	}
	env.TsMs = emitted.UnixMilli()

	return json.Marshal(env)
}
