package session

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// TokenStore persists the client's bearer token between runs.
type TokenStore interface {
	Load() (string, error)
	Save(token string) error
	Clear() error
}

// FileTokenStore keeps the token in a mode-0600 file.
type FileTokenStore struct {
	Path string
}

func (f *FileTokenStore) Load() (string, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("session: load token: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

func (f *FileTokenStore) Save(token string) error {
	if err := os.MkdirAll(filepath.Dir(f.Path), 0o755); err != nil {
		return fmt.Errorf("session: save token: %w", err)
	}
	if err := os.WriteFile(f.Path, []byte(token), 0o600); err != nil {
		return fmt.Errorf("session: save token: %w", err)
	}
	return nil
}

func (f *FileTokenStore) Clear() error {
	err := os.Remove(f.Path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("session: clear token: %w", err)
	}
	return nil
}

// MemTokenStore holds the token in memory, for tests and one-shot runs.
type MemTokenStore struct {
	mu    sync.Mutex
	token string
}

func (m *MemTokenStore) Load() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.token, nil
}

func (m *MemTokenStore) Save(token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = token
	return nil
}

func (m *MemTokenStore) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = ""
	return nil
}
