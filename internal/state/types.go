package state

import (
	"maps"
	"time"
)

// Metadata keys with fixed meaning. Other keys (migration markers) pass
// through SyncState.Metadata untouched.
const (
	MetaDeltaToken       = "delta_token"
	MetaLastSync         = "last_sync"
	MetaMigratedFromJSON = "migrated_from_json"
	MetaMigrationDate    = "migration_date"
	MetaSourceFile       = "source_file"

	// MetaRootID is the item ID of the drive root, learned from the delta
	// feed. Children that carry only a parent ID resolve against it.
	MetaRootID = "root_id"
)

// FileCacheEntry is the daemon's belief about one remote path, keyed in
// the file cache by its sanitized relative path. It is only ever written
// from delta items or from the responses to our own uploads and folder
// creations.
type FileCacheEntry struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Size         int64  `json:"size"`
	ETag         string `json:"eTag"`
	LastModified string `json:"lastModifiedDateTime"`
	IsFolder     bool   `json:"is_folder"`
}

// SyncStateEntry tracks a file under active sync. Downloaded marks the
// user's opt-in; without it the path is never reconciled two-way.
type SyncStateEntry struct {
	LocalMtime     time.Time `json:"mtime"`
	LocalSize      int64     `json:"size"`
	RemoteETag     string    `json:"eTag,omitempty"`
	RemoteModified string    `json:"remote_modified,omitempty"`
	Downloaded     bool      `json:"downloaded"`
	UploadError    string    `json:"upload_error,omitempty"`

	// ConflictETag is the remote version saved beside the file as a
	// .conflict copy. While set, the conflict is open and the local file
	// is not uploaded.
	ConflictETag string `json:"conflict_etag,omitempty"`
}

// SyncState is the whole persisted state. The daemon owns one instance
// and passes it by pointer into each cycle; nothing else keeps a copy.
type SyncState struct {
	FileCache map[string]FileCacheEntry
	Files     map[string]SyncStateEntry

	// DeltaToken is the last @odata.deltaLink. Empty means a full resync.
	DeltaToken string

	// LastSync is the completion time of the last full cycle. Zero means
	// never synced.
	LastSync time.Time

	// Metadata holds keys other than the delta token and last sync time.
	Metadata map[string]string
}

// NewSyncState returns an empty state with all maps allocated.
func NewSyncState() *SyncState {
	return &SyncState{
		FileCache: make(map[string]FileCacheEntry),
		Files:     make(map[string]SyncStateEntry),
		Metadata:  make(map[string]string),
	}
}

// Clone returns a deep copy. Entries are plain values so copying the
// maps is enough.
func (s *SyncState) Clone() *SyncState {
	c := &SyncState{
		FileCache:  maps.Clone(s.FileCache),
		Files:      maps.Clone(s.Files),
		DeltaToken: s.DeltaToken,
		LastSync:   s.LastSync,
		Metadata:   maps.Clone(s.Metadata),
	}

	if c.FileCache == nil {
		c.FileCache = make(map[string]FileCacheEntry)
	}

	if c.Files == nil {
		c.Files = make(map[string]SyncStateEntry)
	}

	if c.Metadata == nil {
		c.Metadata = make(map[string]string)
	}

	return c
}

// metadataMap flattens the scalar fields and extra metadata into the
// key/value form both backends persist.
func (s *SyncState) metadataMap() map[string]string {
	m := make(map[string]string, len(s.Metadata)+2)
	maps.Copy(m, s.Metadata)

	delete(m, MetaDeltaToken)
	delete(m, MetaLastSync)

	if s.DeltaToken != "" {
		m[MetaDeltaToken] = s.DeltaToken
	}

	if !s.LastSync.IsZero() {
		m[MetaLastSync] = s.LastSync.UTC().Format(time.RFC3339Nano)
	}

	return m
}

// applyMetadata is the inverse of metadataMap.
func (s *SyncState) applyMetadata(m map[string]string) error {
	for k, v := range m {
		switch k {
		case MetaDeltaToken:
			s.DeltaToken = v
		case MetaLastSync:
			t, err := time.Parse(time.RFC3339Nano, v)
			if err != nil {
				return err
			}

			s.LastSync = t
		default:
			s.Metadata[k] = v
		}
	}

	return nil
}
