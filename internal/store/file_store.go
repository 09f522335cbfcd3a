package store

import (
	"path/filepath"
	"sync"

	"sealchat/internal/domain"
)

const (
	keyFile = "private_key.json"
)

// WrappedKeyFileStore stores the password-wrapped private key on disk.
//
// The blob is already encrypted; this store only persists it. Writes are
// atomic (temp file then rename).
type WrappedKeyFileStore struct {
	dir string
	mu  sync.Mutex
}

// NewWrappedKeyFileStore returns a store rooted at dir.
func NewWrappedKeyFileStore(dir string) *WrappedKeyFileStore {
	return &WrappedKeyFileStore{dir: dir}
}

// SaveWrappedKey replaces the stored blob.
func (s *WrappedKeyFileStore) SaveWrappedKey(blob domain.WrappedPrivateKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeJSON(filepath.Join(s.dir, keyFile), blob, 0o600)
}

// LoadWrappedKey reads the stored blob; ok is false when none exists.
func (s *WrappedKeyFileStore) LoadWrappedKey() (domain.WrappedPrivateKey, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var blob domain.WrappedPrivateKey
	ok, err := readJSON(filepath.Join(s.dir, keyFile), &blob)
	if err != nil || !ok {
		return domain.WrappedPrivateKey{}, false, err
	}
	return blob, true, nil
}

// Compile-time assertion that WrappedKeyFileStore implements domain.WrappedKeyStore.
var _ domain.WrappedKeyStore = (*WrappedKeyFileStore)(nil)
