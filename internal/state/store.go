package state

import (
	"fmt"
	"io/fs"
	"log/slog"
)

const (
	// stateDirPerm is the permission mode for the config/state directory.
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for persisted state files.
	stateFilePerm = fs.FileMode(0o600)
)

// Store persists the three state maps. Both implementations guarantee a
// concurrent reader never sees a half-written state and that files on
// disk are readable only by the owner. Get methods return nil (or false
// for metadata) when the key is absent.
type Store interface {
	Load() (*SyncState, error)
	Save(s *SyncState) error

	GetCacheEntry(path string) (*FileCacheEntry, error)
	SetCacheEntry(path string, e FileCacheEntry) error
	DeleteCacheEntry(path string) error
	AllCacheEntries() (map[string]FileCacheEntry, error)

	GetSyncEntry(path string) (*SyncStateEntry, error)
	SetSyncEntry(path string, e SyncStateEntry) error
	DeleteSyncEntry(path string) error
	AllSyncEntries() (map[string]SyncStateEntry, error)

	GetMetadata(key string) (string, bool, error)
	SetMetadata(key, value string) error
	AllMetadata() (map[string]string, error)

	Close() error
}

// Open opens the store for backend ("json" or "bolt") at path.
func Open(backend, path string, logger *slog.Logger) (Store, error) {
	switch backend {
	case "json":
		return OpenJSON(path, logger)
	case "bolt":
		return OpenBolt(path, logger)
	default:
		return nil, fmt.Errorf("unknown state backend %q", backend)
	}
}
