// Package store holds local persistence: key-value stores backing the chat
// controller's preference and handoff slots, and the sqlite-backed task
// index used for the recency-ordered task list.
package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
)

// MemKV is an in-process key-value store. It backs the session-scoped
// handoff slots, which must not outlive the process.
type MemKV struct {
	mu sync.Mutex
	m  map[string]string
}

func NewMemKV() *MemKV {
	return &MemKV{m: make(map[string]string)}
}

func (s *MemKV) Get(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.m[key]
	return v, ok
}

func (s *MemKV) Set(key, value string) {
	s.mu.Lock()
	s.m[key] = value
	s.mu.Unlock()
}

func (s *MemKV) Delete(key string) {
	s.mu.Lock()
	delete(s.m, key)
	s.mu.Unlock()
}

// FileKV is a key-value store persisted as one JSON file, used for
// preferences that survive restarts. Writes go through a temp file so a
// crash mid-write cannot corrupt the previous state.
type FileKV struct {
	path string

	mu sync.Mutex
	m  map[string]string
}

func NewFileKV(path string) (*FileKV, error) {
	s := &FileKV{path: path, m: make(map[string]string)}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, err
	}
	if err := json.Unmarshal(raw, &s.m); err != nil {
		// A corrupt preferences file is not worth failing startup over.
		s.m = make(map[string]string)
	}
	return s, nil
}

func (s *FileKV) Get(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.m[key]
	return v, ok
}

func (s *FileKV) Set(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[key] = value
	s.saveLocked()
}

func (s *FileKV) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, key)
	s.saveLocked()
}

func (s *FileKV) saveLocked() {
	raw, err := json.MarshalIndent(s.m, "", "  ")
	if err != nil {
		return
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return
	}
	_ = os.Rename(tmp, s.path)
}
