package outbox

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/craterlabs/tract"
)

// BlobStore is the side channel for large message payloads, keyed by
// message id. A blob is written before its message record is committed and
// deleted exactly once, when the message is finally resolved.
type BlobStore interface {
	Create(id string) (io.WriteCloser, error)
	Open(id string) (io.ReadCloser, error)
	Delete(id string) error
}

// DirBlobStore stores blobs as files named by message id under a
// configured directory.
type DirBlobStore struct {
	dir string
}

// NewDirBlobStore creates the directory if needed and returns the store.
func NewDirBlobStore(dir string) (*DirBlobStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("tract/outbox: create blob dir: %w", err)
	}
	return &DirBlobStore{dir: dir}, nil
}

// NewDirBlobStoreFromConfig creates the store under the directory named
// by the platform config.
func NewDirBlobStoreFromConfig(cfg tract.Config) (*DirBlobStore, error) {
	return NewDirBlobStore(cfg.OutboxDir)
}

func (s *DirBlobStore) Create(id string) (io.WriteCloser, error) {
	f, err := os.Create(filepath.Join(s.dir, id))
	if err != nil {
		return nil, fmt.Errorf("tract/outbox: create blob %s: %w", id, err)
	}
	return f, nil
}

func (s *DirBlobStore) Open(id string) (io.ReadCloser, error) {
	f, err := os.Open(filepath.Join(s.dir, id))
	if err != nil {
		return nil, fmt.Errorf("tract/outbox: open blob %s: %w", id, err)
	}
	return f, nil
}

func (s *DirBlobStore) Delete(id string) error {
	err := os.Remove(filepath.Join(s.dir, id))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("tract/outbox: delete blob %s: %w", id, err)
	}
	return nil
}

// MemBlobStore is an in-memory BlobStore for tests.
type MemBlobStore struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

// NewMemBlobStore returns an empty MemBlobStore.
func NewMemBlobStore() *MemBlobStore {
	return &MemBlobStore{blobs: make(map[string][]byte)}
}

// Len returns the number of stored blobs. Test helper.
func (s *MemBlobStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.blobs)
}

func (s *MemBlobStore) Create(id string) (io.WriteCloser, error) {
	return &memBlobWriter{store: s, id: id}, nil
}

func (s *MemBlobStore) Open(id string) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.blobs[id]
	if !ok {
		return nil, tract.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *MemBlobStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blobs, id)
	return nil
}

type memBlobWriter struct {
	store *MemBlobStore
	id    string
	buf   bytes.Buffer
}

func (w *memBlobWriter) Write(p []byte) (int, error) { return w.buf.Write(p) }

func (w *memBlobWriter) Close() error {
	w.store.mu.Lock()
	defer w.store.mu.Unlock()
	w.store.blobs[w.id] = w.buf.Bytes()
	return nil
}
