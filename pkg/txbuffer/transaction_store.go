package txbuffer

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/goccy/go-json"
	"github.com/pgflo/pg_ingest/pkg/utils"
)

// DefaultMaxMemoryBytes is the buffer size above which a transaction spills to disk
const DefaultMaxMemoryBytes int64 = 128 * 1024 * 1024

// TransactionStore buffers the events of the transaction currently being received
type TransactionStore interface {
	Store(ev *utils.ChangeEvent) error
	GetAllMessages() ([]*utils.ChangeEvent, error)
	Clear() error
	Len() int
	GetMemoryUsage() int64
	Close() error
}

// DefaultTransactionStore keeps events in memory until maxMemoryBytes and then moves the whole
// transaction into Pebble. Events are addressed by their arrival sequence so reads return them in order.
type DefaultTransactionStore struct {
	current        []*utils.ChangeEvent
	seq            uint64
	memoryBytes    int64
	maxMemoryBytes int64

	diskDB  *pebble.DB
	spilled bool

	mu sync.RWMutex

	logger utils.Logger
}

// NewTransactionStore creates a new transaction store
func NewTransactionStore(diskPath string, maxMemoryBytes int64, logger utils.Logger) (*DefaultTransactionStore, error) {
	if maxMemoryBytes <= 0 {
		maxMemoryBytes = DefaultMaxMemoryBytes
	}

	db, err := pebble.Open(diskPath, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open PebbleDB: %w", err)
	}

	return &DefaultTransactionStore{
		maxMemoryBytes: maxMemoryBytes,
		diskDB:         db,
		logger:         logger,
	}, nil
}

func seqKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}

// Store appends an event to the current transaction
func (ts *DefaultTransactionStore) Store(ev *utils.ChangeEvent) error {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	size := EstimateEventSize(ev)

	if !ts.spilled && ts.memoryBytes+size > ts.maxMemoryBytes {
		if err := ts.spillToDisk(); err != nil {
			return fmt.Errorf("failed to spill to disk: %w", err)
		}
	}

	if ts.spilled {
		if err := ts.put(ev); err != nil {
			return err
		}
	} else {
		ts.current = append(ts.current, ev)
		ts.memoryBytes += size
	}
	ts.seq++
	return nil
}

// spill files are scratch space: an uncommitted transaction is sent again by the source after a restart
func (ts *DefaultTransactionStore) put(ev *utils.ChangeEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := ts.diskDB.Set(seqKey(ts.seq), data, pebble.NoSync); err != nil {
		return fmt.Errorf("failed to store in PebbleDB: %w", err)
	}
	return nil
}

// GetAllMessages retrieves all events of the current transaction in arrival order
func (ts *DefaultTransactionStore) GetAllMessages() ([]*utils.ChangeEvent, error) {
	ts.mu.RLock()
	defer ts.mu.RUnlock()

	if !ts.spilled {
		return append([]*utils.ChangeEvent(nil), ts.current...), nil
	}

	iter, err := ts.diskDB.NewIter(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create iterator: %w", err)
	}
	defer func() {
		if closeErr := iter.Close(); closeErr != nil {
			ts.logger.Error().Err(closeErr).Msg("Failed to close iterator")
		}
	}()

	events := make([]*utils.ChangeEvent, 0, ts.seq)
	for iter.First(); iter.Valid(); iter.Next() {
		ev, err := decodeSpilled(iter.Value())
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("iterator error: %w", err)
	}
	return events, nil
}

func decodeSpilled(data []byte) (*utils.ChangeEvent, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var ev utils.ChangeEvent
	if err := dec.Decode(&ev); err != nil {
		return nil, fmt.Errorf("failed to unmarshal event: %w", err)
	}
	return &ev, nil
}

// Clear drops the current transaction
func (ts *DefaultTransactionStore) Clear() error {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if ts.spilled {
		if err := ts.diskDB.DeleteRange(seqKey(0), seqKey(ts.seq), pebble.NoSync); err != nil {
			return fmt.Errorf("failed to clear PebbleDB: %w", err)
		}
		ts.spilled = false
	}

	ts.current = nil
	ts.seq = 0
	ts.memoryBytes = 0
	return nil
}

// Len returns the number of buffered events
func (ts *DefaultTransactionStore) Len() int {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return int(ts.seq)
}

// Spilled reports whether the current transaction lives on disk
func (ts *DefaultTransactionStore) Spilled() bool {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return ts.spilled
}

// GetMemoryUsage returns current memory usage in bytes
func (ts *DefaultTransactionStore) GetMemoryUsage() int64 {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return ts.memoryBytes
}

// Close closes the transaction store
func (ts *DefaultTransactionStore) Close() error {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if ts.diskDB != nil {
		err := ts.diskDB.Close()
		ts.diskDB = nil
		return err
	}
	return nil
}

func (ts *DefaultTransactionStore) spillToDisk() error {
	ts.logger.Info().
		Int64("memory_bytes", ts.memoryBytes).
		Int64("max_memory_bytes", ts.maxMemoryBytes).
		Int("events", len(ts.current)).
		Msg("Transaction size exceeded memory limit - spilling to PebbleDB")

	seq := ts.seq
	ts.seq = 0
	for _, ev := range ts.current {
		if err := ts.put(ev); err != nil {
			ts.seq = seq
			return err
		}
		ts.seq++
	}

	ts.current = nil
	ts.memoryBytes = 0
	ts.spilled = true
	return nil
}

// EstimateEventSize approximates the memory held by an event
func EstimateEventSize(ev *utils.ChangeEvent) int64 {
	size := int64(100)
	size += int64(len(ev.Schema) + len(ev.Table) + len(ev.Position) + len(ev.Source) + len(ev.TaskID))
	for _, col := range ev.Columns {
		size += int64(len(col))
	}
	size += imageSize(ev.After)
	size += imageSize(ev.Before)
	return size
}

func imageSize(img map[string]interface{}) int64 {
	var size int64
	for k, v := range img {
		size += int64(len(k)) + valueSize(v)
	}
	return size
}

func valueSize(v interface{}) int64 {
	switch val := v.(type) {
	case nil:
		return 0
	case string:
		return int64(len(val))
	case []byte:
		return int64(len(val))
	case json.Number:
		return int64(len(val))
	case map[string]interface{}:
		return imageSize(val)
	case []interface{}:
		var size int64
		for _, item := range val {
			size += valueSize(item)
		}
		return size
	default:
		return 16
	}
}
