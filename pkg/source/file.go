package source

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"

	"github.com/goccy/go-json"
	"github.com/pgflo/pg_ingest/pkg/debezium"
	"github.com/pgflo/pg_ingest/pkg/utils"
)

const maxLineBytes = 16 * 1024 * 1024

// FileConfig points at a newline-delimited JSON file. Lines holding a Debezium envelope keep their
// operation; other objects are rows of Table and become READ events.
type FileConfig struct {
	Path       string   `yaml:"path" mapstructure:"path"`
	Schema     string   `yaml:"schema" mapstructure:"schema"`
	Table      string   `yaml:"table" mapstructure:"table"`
	KeyColumns []string `yaml:"key_columns" mapstructure:"key_columns"`
}

// FileSource reads a file once. Position is the 1-based number of the line an event came from.
type FileSource struct {
	cfg    FileConfig
	logger utils.Logger

	mu  sync.Mutex
	err error
	wg  sync.WaitGroup
}

func NewFileSource(cfg FileConfig) (*FileSource, error) {
	if cfg.Path == "" {
		return nil, errors.New("file source requires a path")
	}
	return &FileSource{cfg: cfg, logger: utils.NewComponentLogger("source.file")}, nil
}

// Start opens the file and emits the lines after line number from
func (s *FileSource) Start(ctx context.Context, from string) (<-chan *utils.ChangeEvent, error) {
	var skip int64
	if from != "" {
		n, err := strconv.ParseInt(from, 10, 64)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid start position %q", from)
		}
		skip = n
	}

	f, err := os.Open(s.cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", s.cfg.Path, err)
	}

	s.logger.Info().Str("path", s.cfg.Path).Int64("skip_lines", skip).Msg("Reading file")

	out := make(chan *utils.ChangeEvent, eventBufferSize)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(out)
		defer f.Close()
		s.read(ctx, f, skip, out)
	}()
	return out, nil
}

func (s *FileSource) read(ctx context.Context, f *os.File, skip int64, out chan<- *utils.ChangeEvent) {
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	var line int64
	for scanner.Scan() {
		line++
		if line <= skip {
			continue
		}
		data := bytes.TrimSpace(scanner.Bytes())
		if len(data) == 0 {
			continue
		}
		ev, err := s.decodeLine(data)
		if err != nil {
			if errors.Is(err, debezium.ErrTombstone) || errors.Is(err, debezium.ErrSkippedOperation) {
				continue
			}
			s.setErr(fmt.Errorf("line %d: %w", line, err))
			return
		}
		ev.Position = strconv.FormatInt(line, 10)
		ev.Source = string(KindFile)
		if !emit(ctx, out, ev) {
			return
		}
	}
	if err := scanner.Err(); err != nil {
		s.setErr(fmt.Errorf("failed to read %s: %w", s.cfg.Path, err))
	}
}

func (s *FileSource) decodeLine(data []byte) (*utils.ChangeEvent, error) {
	var row map[string]interface{}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&row); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	if isEnvelope(row) {
		env, err := debezium.DecodeEnvelope(data)
		if err != nil {
			return nil, err
		}
		if env.Source.Table == "" {
			env.Source.Table = s.cfg.Table
		}
		if env.Source.Schema == "" && s.cfg.Schema != "" {
			env.Source.Schema = s.cfg.Schema
		}
		ev, err := env.ToChangeEvent()
		if err != nil {
			return nil, err
		}
		if len(ev.Key.Columns) == 0 && len(s.cfg.KeyColumns) > 0 {
			ev.Key = utils.ReplicationKey{Type: utils.ReplicationKeyPK, Columns: s.cfg.KeyColumns}
		}
		return ev, nil
	}

	if s.cfg.Table == "" {
		return nil, errors.New("plain rows need a configured table")
	}
	ev := &utils.ChangeEvent{
		Type:   utils.OperationRead,
		Schema: s.cfg.Schema,
		Table:  s.cfg.Table,
		After:  row,
	}
	if len(s.cfg.KeyColumns) > 0 {
		ev.Key = utils.ReplicationKey{Type: utils.ReplicationKeyPK, Columns: s.cfg.KeyColumns}
	}
	ev.EnsureColumns()
	return ev, nil
}

// isEnvelope reports whether a line is a Debezium change record, bare or wrapped in
// {schema,payload}. A plain row that merely has an "op" column is not.
func isEnvelope(row map[string]interface{}) bool {
	if payload, ok := row["payload"]; ok {
		if _, wrapped := row["schema"]; wrapped {
			if payload == nil {
				// tombstone
				return true
			}
			if inner, ok := payload.(map[string]interface{}); ok {
				row = inner
			}
		}
	}
	op, _ := row["op"].(string)
	switch debezium.Operation(op) {
	case debezium.OpCreate, debezium.OpUpdate, debezium.OpDelete, debezium.OpRead:
		_, hasBefore := row["before"]
		_, hasAfter := row["after"]
		return hasBefore || hasAfter
	case debezium.OpTruncate, debezium.OpMessage:
		_, hasSource := row["source"]
		return hasSource
	}
	return false
}

// Commit is a no-op: the line position is persisted by the offset store
func (s *FileSource) Commit(context.Context, []*utils.ChangeEvent) error {
	return nil
}

func (s *FileSource) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
	s.logger.Error().Err(err).Msg("File source stopped")
}

func (s *FileSource) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *FileSource) Close() error {
	s.wg.Wait()
	return nil
}
