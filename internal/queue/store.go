package queue

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
)

// Store is the durable storage the queue owns. SaveSnapshot must replace the
// previous snapshot atomically: after a crash, LoadSnapshot returns either the
// old or the new snapshot, never a mix.
type Store interface {
	LoadSnapshot(ctx context.Context) ([]byte, error)
	SaveSnapshot(ctx context.Context, data []byte) error
	PutBlob(ctx context.Context, key string, data []byte) error
	GetBlob(ctx context.Context, key string) ([]byte, error)
	DeleteBlob(ctx context.Context, key string) error
	BlobKeys(ctx context.Context) ([]string, error)
}

// MemoryStore is an in-memory Store for tests and ephemeral runs.
type MemoryStore struct {
	mu       sync.Mutex
	snapshot []byte
	blobs    map[string][]byte
	saves    int
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string][]byte)}
}

// LoadSnapshot returns a copy of the last saved snapshot.
func (s *MemoryStore) LoadSnapshot(context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snapshot == nil {
		return nil, ErrNoSnapshot
	}
	return append([]byte(nil), s.snapshot...), nil
}

// SaveSnapshot replaces the snapshot with a copy of data.
func (s *MemoryStore) SaveSnapshot(_ context.Context, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshot = append([]byte(nil), data...)
	s.saves++
	return nil
}

// PutBlob stores a copy of data under key.
func (s *MemoryStore) PutBlob(_ context.Context, key string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[key] = append([]byte(nil), data...)
	return nil
}

// GetBlob returns the payload under key or ErrBlobNotFound.
func (s *MemoryStore) GetBlob(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.blobs[key]
	if !ok {
		return nil, ErrBlobNotFound
	}
	return b, nil
}

// DeleteBlob removes key. Missing keys are ignored.
func (s *MemoryStore) DeleteBlob(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blobs, key)
	return nil
}

// BlobKeys lists the stored payload keys.
func (s *MemoryStore) BlobKeys(context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Collect(maps.Keys(s.blobs)), nil
}

// Saves returns how many snapshots were written.
func (s *MemoryStore) Saves() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

// BlobCount returns the number of stored payloads.
func (s *MemoryStore) BlobCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.blobs)
}

const (
	snapshotFile = "queue.json"
	blobDir      = "blobs"
)

// FileStore keeps the snapshot in <dir>/queue.json and payloads under
// <dir>/blobs. Every write goes to a temporary file that is synced and then
// renamed over the target.
type FileStore struct {
	dir string
}

// NewFileStore creates dir if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Join(dir, blobDir), 0o700); err != nil {
		return nil, fmt.Errorf("create queue dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Dir returns the store's root directory.
func (s *FileStore) Dir() string {
	return s.dir
}

// LoadSnapshot reads the snapshot file, or ErrNoSnapshot when there is none.
func (s *FileStore) LoadSnapshot(context.Context) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, snapshotFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoSnapshot
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	return data, nil
}

// SaveSnapshot replaces the snapshot file atomically.
func (s *FileStore) SaveSnapshot(_ context.Context, data []byte) error {
	return writeFileAtomic(filepath.Join(s.dir, snapshotFile), data)
}

// PutBlob writes data to its own file under the blobs directory.
func (s *FileStore) PutBlob(_ context.Context, key string, data []byte) error {
	path, err := s.blobPath(key)
	if err != nil {
		return err
	}
	return writeFileAtomic(path, data)
}

// GetBlob reads the payload file for key or returns ErrBlobNotFound.
func (s *FileStore) GetBlob(_ context.Context, key string) ([]byte, error) {
	path, err := s.blobPath(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrBlobNotFound
	}
	return data, err
}

// DeleteBlob removes the payload file. Missing files are ignored.
func (s *FileStore) DeleteBlob(_ context.Context, key string) error {
	path, err := s.blobPath(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// BlobKeys lists the payload files, including temporaries left by an
// interrupted write.
func (s *FileStore) BlobKeys(context.Context) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.dir, blobDir))
	if err != nil {
		return nil, fmt.Errorf("list blobs: %w", err)
	}
	keys := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Type().IsRegular() {
			keys = append(keys, e.Name())
		}
	}
	return keys, nil
}

func (s *FileStore) blobPath(key string) (string, error) {
	if key == "" || strings.ContainsAny(key, `/\`) || key == "." || key == ".." {
		return "", fmt.Errorf("invalid blob key %q", key)
	}
	return filepath.Join(s.dir, blobDir, key), nil
}

// writeFileAtomic writes data next to path and renames it into place, so a
// reader sees either the previous content or the new one.
func writeFileAtomic(path string, data []byte) (err error) {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		return err
	}
	if err = tmp.Sync(); err != nil {
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return err
	}
	return syncDir(dir)
}

// syncDir flushes the directory entry so the rename survives power loss.
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	if err := d.Sync(); err != nil && !errors.Is(err, os.ErrInvalid) {
		return err
	}
	return nil
}
