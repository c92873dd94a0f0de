package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	apperrors "github.com/alexjbarnes/onedrive-sync/internal/errors"
	"github.com/alexjbarnes/onedrive-sync/internal/fsutil"
)

// jsonDocument is the on-disk layout of the whole-document store.
type jsonDocument struct {
	Files      map[string]SyncStateEntry `json:"files"`
	FileCache  map[string]FileCacheEntry `json:"file_cache"`
	DeltaToken *string                   `json:"delta_token"`
	LastSync   *string                   `json:"last_sync"`
	Metadata   map[string]string         `json:"metadata,omitempty"`
}

// JSONStore keeps the whole state in one JSON file. Every write
// rewrites the file through a temp file and rename, so it suits small
// trees; large trees should use BoltStore.
type JSONStore struct {
	path   string
	logger *slog.Logger

	mu    sync.Mutex
	state *SyncState
}

// OpenJSON reads the document at path. A missing file yields an empty
// state. A malformed file is logged and reset to empty rather than
// failing startup; the next save overwrites it.
func OpenJSON(path string, logger *slog.Logger) (*JSONStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	s := &JSONStore{path: path, logger: logger}

	st, err := readJSONDocument(path)
	switch {
	case err == nil:
		s.state = st
	case errors.Is(err, fs.ErrNotExist):
		s.state = NewSyncState()
	case errors.Is(err, apperrors.ErrCorruption):
		logger.Warn("state: resetting corrupted state file",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)

		s.state = NewSyncState()
	default:
		return nil, err
	}

	return s, nil
}

func readJSONDocument(path string) (*SyncState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var doc jsonDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decoding %s: %v: %w", path, err, apperrors.ErrCorruption)
	}

	st := NewSyncState()
	if doc.Files != nil {
		st.Files = doc.Files
	}

	if doc.FileCache != nil {
		st.FileCache = doc.FileCache
	}

	meta := make(map[string]string, len(doc.Metadata)+2)
	for k, v := range doc.Metadata {
		meta[k] = v
	}

	if doc.DeltaToken != nil {
		meta[MetaDeltaToken] = *doc.DeltaToken
	}

	if doc.LastSync != nil {
		meta[MetaLastSync] = *doc.LastSync
	}

	if err := st.applyMetadata(meta); err != nil {
		return nil, fmt.Errorf("decoding %s metadata: %v: %w", path, err, apperrors.ErrCorruption)
	}

	return st, nil
}

// flush writes the in-memory state. Callers hold s.mu.
func (s *JSONStore) flush() error {
	doc := jsonDocument{
		Files:     s.state.Files,
		FileCache: s.state.FileCache,
		Metadata:  make(map[string]string),
	}

	for k, v := range s.state.metadataMap() {
		v := v

		switch k {
		case MetaDeltaToken:
			doc.DeltaToken = &v
		case MetaLastSync:
			doc.LastSync = &v
		default:
			doc.Metadata[k] = v
		}
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding state: %w", err)
	}

	if err := fsutil.WriteFile(s.path, data, stateFilePerm); err != nil {
		return fmt.Errorf("writing state file: %w", err)
	}

	return nil
}

// Load returns a copy of the current state.
func (s *JSONStore) Load() (*SyncState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state.Clone(), nil
}

// Save replaces the whole state.
func (s *JSONStore) Save(st *SyncState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.state
	s.state = st.Clone()

	if err := s.flush(); err != nil {
		s.state = prev
		return err
	}

	return nil
}

// mutate applies fn to the in-memory state and persists it, rolling back
// on write failure so memory and disk stay in step.
func (s *JSONStore) mutate(fn func(st *SyncState)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.state.Clone()
	fn(s.state)

	if err := s.flush(); err != nil {
		s.state = prev
		return err
	}

	return nil
}

func (s *JSONStore) GetCacheEntry(path string) (*FileCacheEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.state.FileCache[path]
	if !ok {
		return nil, nil
	}

	return &e, nil
}

func (s *JSONStore) SetCacheEntry(path string, e FileCacheEntry) error {
	return s.mutate(func(st *SyncState) { st.FileCache[path] = e })
}

func (s *JSONStore) DeleteCacheEntry(path string) error {
	return s.mutate(func(st *SyncState) { delete(st.FileCache, path) })
}

func (s *JSONStore) AllCacheEntries() (map[string]FileCacheEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state.Clone().FileCache, nil
}

func (s *JSONStore) GetSyncEntry(path string) (*SyncStateEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.state.Files[path]
	if !ok {
		return nil, nil
	}

	return &e, nil
}

func (s *JSONStore) SetSyncEntry(path string, e SyncStateEntry) error {
	return s.mutate(func(st *SyncState) { st.Files[path] = e })
}

func (s *JSONStore) DeleteSyncEntry(path string) error {
	return s.mutate(func(st *SyncState) { delete(st.Files, path) })
}

func (s *JSONStore) AllSyncEntries() (map[string]SyncStateEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state.Clone().Files, nil
}

func (s *JSONStore) GetMetadata(key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.state.metadataMap()[key]

	return v, ok, nil
}

func (s *JSONStore) SetMetadata(key, value string) error {
	var applyErr error

	err := s.mutate(func(st *SyncState) {
		applyErr = st.applyMetadata(map[string]string{key: value})
	})
	if applyErr != nil {
		return fmt.Errorf("setting metadata %s: %w", key, applyErr)
	}

	return err
}

func (s *JSONStore) AllMetadata() (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state.metadataMap(), nil
}

// Close is a no-op; every mutation is already on disk.
func (s *JSONStore) Close() error {
	return nil
}
