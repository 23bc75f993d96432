package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/soochol/nodeflow/internal/flow"
)

const indexFile = "index.json"

// LocalStore keeps files on the local filesystem. Metadata is mirrored to an
// index file in the same directory so files survive a restart.
type LocalStore struct {
	baseDir string
	mu      sync.RWMutex
	files   map[string]*FileInfo
	indexMu sync.Mutex
}

var _ Store = (*LocalStore)(nil)

func NewLocalStore(baseDir string) (*LocalStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	s := &LocalStore{baseDir: baseDir, files: make(map[string]*FileInfo)}
	if err := s.loadIndex(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *LocalStore) Put(_ context.Context, filename, contentType string, r io.Reader) (*FileInfo, error) {
	id := flow.GenerateID("file")
	stored := id + filepath.Ext(filename)
	full := filepath.Join(s.baseDir, stored)

	f, err := os.Create(full)
	if err != nil {
		return nil, fmt.Errorf("create file: %w", err)
	}
	n, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(full)
		return nil, fmt.Errorf("write file: %w", err)
	}

	info := &FileInfo{
		ID:          id,
		Filename:    filepath.Base(filename),
		ContentType: contentType,
		Size:        n,
		Path:        stored,
		CreatedAt:   time.Now().UTC(),
	}

	s.mu.Lock()
	s.files[id] = info
	s.mu.Unlock()
	s.saveIndex()
	return info, nil
}

func (s *LocalStore) Open(_ context.Context, id string) (*FileInfo, io.ReadCloser, error) {
	s.mu.RLock()
	info, ok := s.files[id]
	s.mu.RUnlock()
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	f, err := os.Open(filepath.Join(s.baseDir, info.Path))
	if err != nil {
		return nil, nil, fmt.Errorf("open file: %w", err)
	}
	cp := *info
	return &cp, f, nil
}

func (s *LocalStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	info, ok := s.files[id]
	delete(s.files, id)
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	s.saveIndex()
	if err := os.Remove(filepath.Join(s.baseDir, info.Path)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove file: %w", err)
	}
	return nil
}

// List returns stored files, newest first.
func (s *LocalStore) List(_ context.Context) ([]FileInfo, error) {
	s.mu.RLock()
	out := make([]FileInfo, 0, len(s.files))
	for _, info := range s.files {
		out = append(out, *info)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *LocalStore) loadIndex() error {
	raw, err := os.ReadFile(filepath.Join(s.baseDir, indexFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read storage index: %w", err)
	}
	var entries []*FileInfo
	if err := json.Unmarshal(raw, &entries); err != nil {
		return fmt.Errorf("parse storage index: %w", err)
	}
	for _, e := range entries {
		s.files[e.ID] = e
	}
	return nil
}

// saveIndex is best effort: a failed write only costs metadata across a
// restart, the file content itself is already on disk.
func (s *LocalStore) saveIndex() {
	s.indexMu.Lock()
	defer s.indexMu.Unlock()

	s.mu.RLock()
	entries := make([]*FileInfo, 0, len(s.files))
	for _, info := range s.files {
		entries = append(entries, info)
	}
	s.mu.RUnlock()

	raw, err := json.MarshalIndent(entries, "", "  ")
	if err == nil {
		tmp := filepath.Join(s.baseDir, indexFile+".tmp")
		if err = os.WriteFile(tmp, raw, 0o644); err == nil {
			err = os.Rename(tmp, filepath.Join(s.baseDir, indexFile))
		}
	}
	if err != nil {
		slog.Warn("storage: index write failed", "dir", s.baseDir, "err", err)
	}
}
