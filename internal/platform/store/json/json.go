// Package json implements a single-file JSON store.
// Every write rewrites the file atomically (temp file + fsync + rename).
package json

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/binomepay/binomepay-go/internal/platform/cfg"
	"github.com/binomepay/binomepay-go/internal/platform/store"
)

// ErrNotJSON is returned when a value is not valid JSON; the file stays human-readable.
var ErrNotJSON = errors.New("json driver stores JSON values only")

func init() {
	store.Register("json", NewDriver)
}

// Options are decoded from [storage.drivers.json].
type Options struct {
	File string `mapstructure:"file"`
}

// ApplyDefaults sets the default file name.
func (o *Options) ApplyDefaults() {
	if o.File == "" {
		o.File = "binomepay.json"
	}
}

// Store keeps the whole map in memory and mirrors it to disk on every write.
type Store struct {
	path   string
	mu     sync.RWMutex
	data   map[string]json.RawMessage
	closed bool
}

// NewDriver opens (or creates) the JSON file under cfg.DataDir.
func NewDriver(c *store.DriverConfig) (store.Store, error) {
	if c.DataDir == "" {
		return nil, fmt.Errorf("data_dir is required for json driver")
	}
	var opts Options
	if err := cfg.Decode(c.Options, &opts); err != nil {
		return nil, err
	}
	return Open(filepath.Join(c.DataDir, opts.File))
}

// Open loads path if it exists.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	s := &Store{path: path, data: make(map[string]json.RawMessage)}

	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(raw, &s.data); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	case os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return s, nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, store.ErrClosed
	}
	v, ok := s.data[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	if !json.Valid(value) {
		return fmt.Errorf("%w: key %s", ErrNotJSON, key)
	}
	v := make(json.RawMessage, len(value))
	copy(v, value)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return store.ErrClosed
	}
	prev, had := s.data[key]
	s.data[key] = v
	if err := s.flush(); err != nil {
		if had {
			s.data[key] = prev
		} else {
			delete(s.data, key)
		}
		return err
	}
	return nil
}

func (s *Store) Remove(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return store.ErrClosed
	}
	if _, ok := s.data[key]; !ok {
		return nil
	}
	delete(s.data, key)
	return s.flush()
}

func (s *Store) Keys(ctx context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, store.ErrClosed
	}
	keys := make([]string, 0)
	for k := range s.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// flush writes the map to disk. Caller holds s.mu.
func (s *Store) flush() error {
	tempPath := s.path + ".tmp"

	jsonData, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal data: %w", err)
	}

	f, err := os.OpenFile(tempPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	if _, err := f.Write(jsonData); err != nil {
		f.Close()
		os.Remove(tempPath)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tempPath)
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tempPath, s.path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

var _ store.Store = (*Store)(nil)
