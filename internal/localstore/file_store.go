package localstore

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// FileStore keeps every key in one JSON document that is rewritten atomically
// on each mutation. It suits small stores such as a single field device.
type FileStore struct {
	path   string
	lock   *fileLock
	mu     sync.RWMutex
	items  map[string][]byte
	closed bool
}

type fileStoreState struct {
	Items map[string]json.RawMessage `json:"items"`
}

func NewFileStore(path string) (*FileStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	lock, err := acquireFileLock(path + ".lock")
	if err != nil {
		return nil, err
	}
	s := &FileStore{
		path:  path,
		lock:  lock,
		items: map[string][]byte{},
	}
	if err := s.load(); err != nil {
		_ = lock.release()
		return nil, err
	}
	return s, nil
}

func (s *FileStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, false, ErrClosed
	}
	value, ok := s.items[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), value...), true, nil
}

func (s *FileStore) Put(_ context.Context, key string, value []byte) error {
	if strings.TrimSpace(key) == "" {
		return ErrInvalidInput
	}
	if !json.Valid(value) {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	previous, existed := s.items[key]
	s.items[key] = append([]byte(nil), value...)
	if err := s.saveLocked(); err != nil {
		if existed {
			s.items[key] = previous
		} else {
			delete(s.items, key)
		}
		return err
	}
	return nil
}

func (s *FileStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	previous, existed := s.items[key]
	if !existed {
		return nil
	}
	delete(s.items, key)
	if err := s.saveLocked(); err != nil {
		s.items[key] = previous
		return err
	}
	return nil
}

func (s *FileStore) Keys(_ context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	return sortedKeys(s.items, prefix), nil
}

func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.lock.release()
}

func (s *FileStore) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var snapshot fileStoreState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return err
	}
	for key, value := range snapshot.Items {
		s.items[key] = append([]byte(nil), value...)
	}
	return nil
}

func (s *FileStore) saveLocked() error {
	snapshot := fileStoreState{Items: make(map[string]json.RawMessage, len(s.items))}
	for key, value := range s.items {
		snapshot.Items[key] = json.RawMessage(value)
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}
