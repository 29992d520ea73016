// Package offsets persists the last position a task committed for each of its sources.
package offsets

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

var offsetsBucket = []byte("offsets")

// Store loads and saves source positions. Load returns "" for an unknown key.
type Store interface {
	Load(ctx context.Context, key string) (string, error)
	Save(ctx context.Context, key, position string) error
}

// Key builds the offset key of a task's source
func Key(taskID, source string) string {
	return taskID + "/" + source
}

// FileStore keeps offsets in a local bbolt file
type FileStore struct {
	db *bolt.DB
}

// NewFileStore opens or creates the offsets file at path
func NewFileStore(path string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create offsets directory: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open offsets file: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(offsetsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create offsets bucket: %w", err)
	}
	return &FileStore{db: db}, nil
}

func (s *FileStore) Load(_ context.Context, key string) (string, error) {
	var position string
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(offsetsBucket).Get([]byte(key)); v != nil {
			position = string(v)
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to load offset %s: %w", key, err)
	}
	return position, nil
}

func (s *FileStore) Save(_ context.Context, key, position string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(offsetsBucket).Put([]byte(key), []byte(position))
	})
	if err != nil {
		return fmt.Errorf("failed to save offset %s: %w", key, err)
	}
	return nil
}

// List returns the stored offsets whose key starts with prefix
func (s *FileStore) List(prefix string) (map[string]string, error) {
	out := make(map[string]string)
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(offsetsBucket).Cursor()
		p := []byte(prefix)
		for k, v := c.Seek(p); k != nil && strings.HasPrefix(string(k), prefix); k, v = c.Next() {
			out[string(k)] = string(v)
		}
		return nil
	})
	return out, err
}

// Delete removes an offset so the next run starts from the beginning
func (s *FileStore) Delete(key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(offsetsBucket).Delete([]byte(key))
	})
}

func (s *FileStore) Close() error {
	return s.db.Close()
}

// MemoryStore keeps offsets in memory, for dry runs and tests
type MemoryStore struct {
	mu      sync.RWMutex
	offsets map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{offsets: make(map[string]string)}
}

func (s *MemoryStore) Load(_ context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.offsets[key], nil
}

func (s *MemoryStore) Save(_ context.Context, key, position string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offsets[key] = position
	return nil
}

// Keys returns the stored keys in order
func (s *MemoryStore) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.offsets))
	for k := range s.offsets {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
