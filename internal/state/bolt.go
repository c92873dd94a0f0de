package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	apperrors "github.com/alexjbarnes/onedrive-sync/internal/errors"
)

// stateOpenTimeout is the maximum time to wait for the bolt database lock.
const stateOpenTimeout = 5 * time.Second

var (
	fileCacheBucket = []byte("file_cache")
	syncStateBucket = []byte("sync_state")
	metadataBucket  = []byte("metadata")
)

var allBuckets = [][]byte{fileCacheBucket, syncStateBucket, metadataBucket}

// BoltStore is the indexed backend. Point lookups are B+tree reads and
// every write runs in a single bolt transaction, so a crash leaves the
// previous committed state intact.
type BoltStore struct {
	db     *bolt.DB
	logger *slog.Logger
}

// OpenBolt opens a state database at the given path, creating it and
// its buckets if they do not exist.
func OpenBolt(path string, logger *slog.Logger) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &BoltStore{db: db, logger: logger}, nil
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Load reads all three maps in one read transaction. Undecodable
// contents are logged and the buckets reset to an empty state, matching
// the JSON backend; the next cycle then starts from a full enumeration.
func (s *BoltStore) Load() (*SyncState, error) {
	st, err := s.load()
	if !errors.Is(err, apperrors.ErrCorruption) {
		return st, err
	}

	s.logger.Warn("state: resetting corrupted state database",
		slog.String("path", s.db.Path()),
		slog.String("error", err.Error()),
	)

	if err := s.Save(NewSyncState()); err != nil {
		return nil, fmt.Errorf("resetting corrupted state: %w", err)
	}

	return NewSyncState(), nil
}

func (s *BoltStore) load() (*SyncState, error) {
	st := NewSyncState()

	err := s.db.View(func(tx *bolt.Tx) error {
		if err := forEachJSON(tx.Bucket(fileCacheBucket), func(k string, e FileCacheEntry) {
			st.FileCache[k] = e
		}); err != nil {
			return fmt.Errorf("reading file cache: %w", err)
		}

		if err := forEachJSON(tx.Bucket(syncStateBucket), func(k string, e SyncStateEntry) {
			st.Files[k] = e
		}); err != nil {
			return fmt.Errorf("reading sync state: %w", err)
		}

		meta := make(map[string]string)
		_ = tx.Bucket(metadataBucket).ForEach(func(k, v []byte) error {
			meta[string(k)] = string(v)
			return nil
		})

		if err := st.applyMetadata(meta); err != nil {
			return fmt.Errorf("reading metadata: %v: %w", err, apperrors.ErrCorruption)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return st, nil
}

// Save replaces all three maps in a single write transaction. Buckets are
// dropped and recreated so entries missing from st disappear.
func (s *BoltStore) Save(st *SyncState) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range allBuckets {
			if err := tx.DeleteBucket(name); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
				return err
			}

			if _, err := tx.CreateBucket(name); err != nil {
				return err
			}
		}

		fc := tx.Bucket(fileCacheBucket)
		for k, e := range st.FileCache {
			if err := putJSON(fc, k, e); err != nil {
				return err
			}
		}

		ss := tx.Bucket(syncStateBucket)
		for k, e := range st.Files {
			if err := putJSON(ss, k, e); err != nil {
				return err
			}
		}

		md := tx.Bucket(metadataBucket)
		for k, v := range st.metadataMap() {
			if err := md.Put([]byte(k), []byte(v)); err != nil {
				return err
			}
		}

		return nil
	})
}

// GetCacheEntry returns the cache entry for a path, or nil if not found.
func (s *BoltStore) GetCacheEntry(path string) (*FileCacheEntry, error) {
	var e *FileCacheEntry

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(fileCacheBucket).Get([]byte(path))
		if v == nil {
			return nil
		}

		e = &FileCacheEntry{}

		return decodeJSON(path, v, e)
	})

	return e, err
}

func (s *BoltStore) SetCacheEntry(path string, e FileCacheEntry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(fileCacheBucket), path, e)
	})
}

func (s *BoltStore) DeleteCacheEntry(path string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(fileCacheBucket).Delete([]byte(path))
	})
}

func (s *BoltStore) AllCacheEntries() (map[string]FileCacheEntry, error) {
	result := make(map[string]FileCacheEntry)

	err := s.db.View(func(tx *bolt.Tx) error {
		return forEachJSON(tx.Bucket(fileCacheBucket), func(k string, e FileCacheEntry) {
			result[k] = e
		})
	})

	return result, err
}

// GetSyncEntry returns the sync state for a path, or nil if not found.
func (s *BoltStore) GetSyncEntry(path string) (*SyncStateEntry, error) {
	var e *SyncStateEntry

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(syncStateBucket).Get([]byte(path))
		if v == nil {
			return nil
		}

		e = &SyncStateEntry{}

		return decodeJSON(path, v, e)
	})

	return e, err
}

func (s *BoltStore) SetSyncEntry(path string, e SyncStateEntry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(syncStateBucket), path, e)
	})
}

func (s *BoltStore) DeleteSyncEntry(path string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(syncStateBucket).Delete([]byte(path))
	})
}

func (s *BoltStore) AllSyncEntries() (map[string]SyncStateEntry, error) {
	result := make(map[string]SyncStateEntry)

	err := s.db.View(func(tx *bolt.Tx) error {
		return forEachJSON(tx.Bucket(syncStateBucket), func(k string, e SyncStateEntry) {
			result[k] = e
		})
	})

	return result, err
}

func (s *BoltStore) GetMetadata(key string) (string, bool, error) {
	var (
		value string
		found bool
	)

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(metadataBucket).Get([]byte(key))
		if v != nil {
			value, found = string(v), true
		}

		return nil
	})

	return value, found, err
}

func (s *BoltStore) SetMetadata(key, value string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(metadataBucket)

		// An empty delta token means "none"; store it as absent so Load
		// and the JSON backend agree.
		if key == MetaDeltaToken && value == "" {
			return b.Delete([]byte(key))
		}

		return b.Put([]byte(key), []byte(value))
	})
}

func (s *BoltStore) AllMetadata() (map[string]string, error) {
	result := make(map[string]string)

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(metadataBucket).ForEach(func(k, v []byte) error {
			result[string(k)] = string(v)
			return nil
		})
	})

	return result, err
}

// Counts returns the number of keys in each bucket.
func (s *BoltStore) Counts() (fileCache, syncState, metadata int) {
	_ = s.db.View(func(tx *bolt.Tx) error {
		fileCache = tx.Bucket(fileCacheBucket).Stats().KeyN
		syncState = tx.Bucket(syncStateBucket).Stats().KeyN
		metadata = tx.Bucket(metadataBucket).Stats().KeyN

		return nil
	})

	return fileCache, syncState, metadata
}

func putJSON(b *bolt.Bucket, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	return b.Put([]byte(key), data)
}

func forEachJSON[T any](b *bolt.Bucket, fn func(key string, v T)) error {
	return b.ForEach(func(k, v []byte) error {
		var e T
		if err := decodeJSON(string(k), v, &e); err != nil {
			return err
		}

		fn(string(k), e)

		return nil
	})
}

func decodeJSON(key string, data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decoding %q: %v: %w", key, err, apperrors.ErrCorruption)
	}

	return nil
}
