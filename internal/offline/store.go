package offline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"retailpos/backend/internal/domain"
)

// DefaultStorageKey names the single blob holding the whole queue.
const DefaultStorageKey = "pos_offline_transactions"

// Store persists the queue as one JSON array, read and replaced wholesale.
type Store interface {
	Load(ctx context.Context) ([]domain.OfflineTransaction, error)
	Save(ctx context.Context, txns []domain.OfflineTransaction) error
}

func encodeQueue(txns []domain.OfflineTransaction) ([]byte, error) {
	if txns == nil {
		txns = []domain.OfflineTransaction{}
	}
	return json.Marshal(txns)
}

func decodeQueue(raw []byte) ([]domain.OfflineTransaction, error) {
	if len(raw) == 0 {
		return []domain.OfflineTransaction{}, nil
	}
	var txns []domain.OfflineTransaction
	if err := json.Unmarshal(raw, &txns); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptQueue, err)
	}
	if txns == nil {
		txns = []domain.OfflineTransaction{}
	}
	return txns, nil
}

// FileStore keeps the blob at <dir>/<key>.json on the terminal's disk.
type FileStore struct {
	dir  string
	path string
}

func NewFileStore(dir string, key string) *FileStore {
	if key == "" {
		key = DefaultStorageKey
	}
	return &FileStore{dir: dir, path: filepath.Join(dir, key+".json")}
}

func (s *FileStore) Path() string {
	return s.path
}

func (s *FileStore) Load(_ context.Context) ([]domain.OfflineTransaction, error) {
	raw, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return []domain.OfflineTransaction{}, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeQueue(raw)
}

// Save replaces the blob atomically through a temp file and rename.
func (s *FileStore) Save(_ context.Context, txns []domain.OfflineTransaction) error {
	payload, err := encodeQueue(txns)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(s.dir, filepath.Base(s.path)+"-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(payload); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, s.path)
}

// MemoryStore holds the encoded blob in memory. Useful for tests and for
// terminals that accept losing the queue on restart.
type MemoryStore struct {
	mu      sync.Mutex
	blob    []byte
	saves   int
	SaveErr error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Load(_ context.Context) ([]domain.OfflineTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return decodeQueue(s.blob)
}

func (s *MemoryStore) Save(_ context.Context, txns []domain.OfflineTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SaveErr != nil {
		return s.SaveErr
	}
	payload, err := encodeQueue(txns)
	if err != nil {
		return err
	}
	s.blob = payload
	s.saves++
	return nil
}

// Blob returns a copy of the last saved payload.
func (s *MemoryStore) Blob() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.blob...)
}

func (s *MemoryStore) Saves() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}
