// Package snapshot persists serialized vector index snapshots.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/kailas-cloud/cxrag/internal/db"
	"github.com/kailas-cloud/cxrag/internal/domain"
)

// Store saves and loads one snapshot blob. Load fails with
// domain.ErrSnapshotNotFound when nothing was saved yet.
type Store interface {
	Save(ctx context.Context, data []byte) error
	Load(ctx context.Context) ([]byte, error)
	Location() string
}

// FileStore keeps the snapshot in a single file. Saves write a temporary file
// in the same directory and rename it over the target, so readers never see a
// half-written snapshot.
type FileStore struct {
	path string
}

// NewFileStore creates a file-backed store at path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Location returns the snapshot file path.
func (s *FileStore) Location() string { return s.path }

// Save atomically replaces the snapshot file.
func (s *FileStore) Save(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".snapshot-*")
	if err != nil {
		return fmt.Errorf("create temp snapshot: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close snapshot: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("replace snapshot: %w", err)
	}
	return nil
}

// Load reads the snapshot file.
func (s *FileStore) Load(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", s.path, domain.ErrSnapshotNotFound)
		}
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	return data, nil
}

// kvStore is the consumer interface for the Valkey-backed store (ISP).
type kvStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
}

// KVStore keeps the snapshot under one key of a key-value store, so replicas
// sharing a Valkey instance can load the index another process built.
type KVStore struct {
	kv  kvStore
	key string
}

// NewKVStore creates a store writing to domain.KeyPrefix+"snapshot:"+name.
func NewKVStore(kv kvStore, name string) *KVStore {
	return &KVStore{kv: kv, key: domain.KeyPrefix + "snapshot:" + name}
}

// Location returns the key.
func (s *KVStore) Location() string { return s.key }

// Save writes the snapshot blob.
func (s *KVStore) Save(ctx context.Context, data []byte) error {
	if err := s.kv.Set(ctx, s.key, data); err != nil {
		return fmt.Errorf("save snapshot %s: %w", s.key, err)
	}
	return nil
}

// Load reads the snapshot blob.
func (s *KVStore) Load(ctx context.Context) ([]byte, error) {
	data, err := s.kv.Get(ctx, s.key)
	if err != nil {
		if errors.Is(err, db.ErrKeyNotFound) {
			return nil, fmt.Errorf("%s: %w", s.key, domain.ErrSnapshotNotFound)
		}
		return nil, fmt.Errorf("load snapshot %s: %w", s.key, err)
	}
	return data, nil
}
