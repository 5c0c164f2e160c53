// Package idempotency remembers broker responses by client-supplied key so a
// retried create or submit returns the first answer instead of repeating it.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Record is one stored response.
type Record struct {
	StatusCode int    `json:"statusCode"`
	Response   []byte `json:"response"`
	// RequestHash fingerprints the request that produced Response; a key
	// reused with a different request is a conflict.
	RequestHash string    `json:"requestHash,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// Matches reports whether hash is compatible with the stored request.
// Records written without a hash match anything.
func (r Record) Matches(hash string) bool {
	return r.RequestHash == "" || hash == "" || r.RequestHash == hash
}

// ErrRequestMismatch is returned by stores that refuse to replace a live
// record written for a different request.
var ErrRequestMismatch = errors.New("idempotency key already holds a different request")

// Store abstracts idempotency persistence. Get returns nil, nil on a miss or
// an expired record.
type Store interface {
	Get(ctx context.Context, key string) (*Record, error)
	Save(ctx context.Context, key string, record Record) error
}

// Backend names accepted by Open.
const (
	BackendMemory   = "memory"
	BackendFile     = "file"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

type Options struct {
	Backend     string
	Path        string
	PostgresDSN string
	RedisURL    string
}

// Open builds the configured store. The returned close func is never nil.
func Open(ctx context.Context, opts Options) (Store, func(), error) {
	noop := func() {}
	switch opts.Backend {
	case "", BackendMemory:
		return NewMemoryStore(), noop, nil
	case BackendFile:
		if opts.Path == "" {
			return nil, noop, errors.New("file idempotency backend needs a path")
		}
		fs, err := NewFileStore(opts.Path)
		if err != nil {
			return nil, noop, err
		}
		return fs, noop, nil
	case BackendPostgres:
		ps, err := NewPostgresStore(ctx, opts.PostgresDSN)
		if err != nil {
			return nil, noop, fmt.Errorf("postgres idempotency store: %w", err)
		}
		return ps, ps.Close, nil
	case BackendRedis:
		rs, err := NewRedisStore(ctx, opts.RedisURL)
		if err != nil {
			return nil, noop, fmt.Errorf("redis idempotency store: %w", err)
		}
		return rs, func() { _ = rs.Close() }, nil
	default:
		return nil, noop, fmt.Errorf("unknown idempotency backend %q", opts.Backend)
	}
}

// MemoryStore keeps records in process; the broker default and the test store.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]Record
	now  func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string]Record),
		now:  time.Now,
	}
}

func (m *MemoryStore) Get(_ context.Context, key string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.data[key]
	if !ok || m.now().After(rec.ExpiresAt) {
		return nil, nil
	}
	return &rec, nil
}

func (m *MemoryStore) Save(_ context.Context, key string, record Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = record
	return nil
}

// Purge drops expired records and returns how many were removed.
func (m *MemoryStore) Purge() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	n := 0
	for k, rec := range m.data {
		if now.After(rec.ExpiresAt) {
			delete(m.data, k)
			n++
		}
	}
	return n
}

// FileStore persists records as one JSON document; fine for a single
// local broker.
type FileStore struct {
	path string
	mu   sync.Mutex
	data map[string]Record
}

func NewFileStore(path string) (*FileStore, error) {
	fs := &FileStore{
		path: path,
		data: make(map[string]Record),
	}
	if err := fs.load(); err != nil {
		return nil, err
	}
	return fs, nil
}

func (f *FileStore) load() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	blob, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(blob) == 0 {
		return nil
	}
	return json.Unmarshal(blob, &f.data)
}

func (f *FileStore) persist() error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return err
	}
	blob, err := json.MarshalIndent(f.data, "", "  ")
	if err != nil {
		return err
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, blob, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, f.path)
}

func (f *FileStore) Get(_ context.Context, key string) (*Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	record, ok := f.data[key]
	if !ok {
		return nil, nil
	}
	if time.Now().After(record.ExpiresAt) {
		delete(f.data, key)
		_ = f.persist()
		return nil, nil
	}
	return &record, nil
}

func (f *FileStore) Save(_ context.Context, key string, record Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key] = record
	return f.persist()
}
