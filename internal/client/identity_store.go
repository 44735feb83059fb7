package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"live-quiz-service/internal/domain"
)

// IdentityStore persists the identity record between connections so a
// reconnecting client reclaims its user id.
type IdentityStore interface {
	Load() (domain.StoredIdentity, bool, error)
	Save(domain.StoredIdentity) error
	Clear() error
}

type MemoryIdentityStore struct {
	mu     sync.Mutex
	stored *domain.StoredIdentity
}

func NewMemoryIdentityStore() *MemoryIdentityStore {
	return &MemoryIdentityStore{}
}

func (s *MemoryIdentityStore) Load() (domain.StoredIdentity, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stored == nil {
		return domain.StoredIdentity{}, false, nil
	}
	return *s.stored, true, nil
}

func (s *MemoryIdentityStore) Save(stored domain.StoredIdentity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stored = &stored
	return nil
}

func (s *MemoryIdentityStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stored = nil
	return nil
}

// FileIdentityStore keeps the record as JSON at path.
type FileIdentityStore struct {
	path string
	mu   sync.Mutex
}

func NewFileIdentityStore(path string) *FileIdentityStore {
	return &FileIdentityStore{path: path}
}

func (s *FileIdentityStore) Load() (domain.StoredIdentity, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return domain.StoredIdentity{}, false, nil
	}
	if err != nil {
		return domain.StoredIdentity{}, false, fmt.Errorf("read identity: %w", err)
	}
	var stored domain.StoredIdentity
	if err := json.Unmarshal(data, &stored); err != nil {
		return domain.StoredIdentity{}, false, fmt.Errorf("decode identity: %w", err)
	}
	if stored.UserID == "" {
		return domain.StoredIdentity{}, false, nil
	}
	return stored, true, nil
}

func (s *FileIdentityStore) Save(stored domain.StoredIdentity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := json.Marshal(stored)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("create identity dir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write identity: %w", err)
	}
	return os.Rename(tmp, s.path)
}

func (s *FileIdentityStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove identity: %w", err)
	}
	return nil
}
