package contextstore

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

type InMemoryPropertyStore struct {
	mu     sync.Mutex
	values map[string]map[string]string
}

func NewInMemoryPropertyStore() *InMemoryPropertyStore {
	return &InMemoryPropertyStore{values: map[string]map[string]string{}}
}

func (s *InMemoryPropertyStore) Get(ctx context.Context, jobID, key string) (string, bool, error) {
	_ = ctx
	if s == nil {
		return "", false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	value, ok := s.values[jobID][key]
	return value, ok, nil
}

func (s *InMemoryPropertyStore) Set(ctx context.Context, jobID, key, value string) error {
	_ = ctx
	if s == nil {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.values[jobID] == nil {
		s.values[jobID] = map[string]string{}
	}
	s.values[jobID][key] = value
	return nil
}

func (s *InMemoryPropertyStore) Delete(ctx context.Context, jobID, key string) error {
	_ = ctx
	if s == nil {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values[jobID], key)
	return nil
}

// JSONFilePropertyStore keeps all properties in one JSON document on disk,
// rewritten atomically on every mutation. Suitable for single-process
// standalone runs, not for concurrent jobs.
type JSONFilePropertyStore struct {
	mu   sync.Mutex
	path string
}

func NewJSONFilePropertyStore(path string) *JSONFilePropertyStore {
	return &JSONFilePropertyStore{path: strings.TrimSpace(path)}
}

func (s *JSONFilePropertyStore) Get(ctx context.Context, jobID, key string) (string, bool, error) {
	_ = ctx
	if s == nil || s.path == "" {
		return "", false, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.load()
	if err != nil {
		return "", false, err
	}
	value, ok := doc[jobID][key]
	return value, ok, nil
}

func (s *JSONFilePropertyStore) Set(ctx context.Context, jobID, key, value string) error {
	_ = ctx
	if s == nil || s.path == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.load()
	if err != nil {
		return err
	}
	if doc[jobID] == nil {
		doc[jobID] = map[string]string{}
	}
	doc[jobID][key] = value
	return s.save(doc)
}

func (s *JSONFilePropertyStore) Delete(ctx context.Context, jobID, key string) error {
	_ = ctx
	if s == nil || s.path == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.load()
	if err != nil {
		return err
	}
	if _, ok := doc[jobID][key]; !ok {
		return nil
	}
	delete(doc[jobID], key)
	return s.save(doc)
}

func (s *JSONFilePropertyStore) load() (map[string]map[string]string, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[string]map[string]string{}, nil
		}
		return nil, err
	}
	var doc map[string]map[string]string
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	if doc == nil {
		doc = map[string]map[string]string{}
	}
	return doc, nil
}

func (s *JSONFilePropertyStore) save(doc map[string]map[string]string) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	dir := filepath.Dir(s.path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}
