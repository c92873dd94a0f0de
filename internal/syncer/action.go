package syncer

import (
	"time"

	"github.com/alexjbarnes/onedrive-sync/internal/state"
)

// Action is the reconciliation outcome for one file.
type Action int

const (
	ActionSkip Action = iota
	ActionUpload
	ActionDownload
	ActionConflict
	ActionRecycle
)

func (a Action) String() string {
	switch a {
	case ActionUpload:
		return "upload"
	case ActionDownload:
		return "download"
	case ActionConflict:
		return "conflict"
	case ActionRecycle:
		return "recycle"
	default:
		return "skip"
	}
}

// LocalFileInfo is the result of a single stat during a scan.
type LocalFileInfo struct {
	Path    string
	AbsPath string
	Mtime   time.Time
	Size    int64
}

// ActionInput carries everything DetermineAction looks at. Nil pointers
// mean the side is absent. InCache reports whether the path was in the
// file cache when the cycle started, before this cycle's deletions were
// applied.
type ActionInput struct {
	Path             string
	Local            *LocalFileInfo
	Remote           *state.FileCacheEntry
	State            *state.SyncStateEntry
	DeletedThisCycle bool
	InCache          bool
}

// DetermineAction decides what to do with one file. It is pure: the same
// input always yields the same action and nothing is mutated.
//
// Remote-only files are never fetched here; they only enter two-way sync
// through an explicit keep-local request. Local deletions are never
// propagated.
func DetermineAction(in ActionInput) Action {
	if in.Local == nil && in.Remote == nil {
		return ActionSkip
	}

	if in.DeletedThisCycle {
		return ActionRecycle
	}

	switch {
	case in.Local != nil && in.Remote == nil:
		return localOnly(in)
	case in.Local == nil:
		return ActionSkip
	}

	if in.State == nil {
		if in.Local.Size == in.Remote.Size {
			return ActionSkip
		}

		return ActionConflict
	}

	if !in.State.Downloaded {
		return ActionSkip
	}

	localChanged := !in.Local.Mtime.Equal(in.State.LocalMtime) || in.Local.Size != in.State.LocalSize
	remoteChanged := in.Remote.ETag != in.State.RemoteETag || in.Remote.LastModified != in.State.RemoteModified

	switch {
	case localChanged && remoteChanged:
		return ActionConflict
	case localChanged:
		return ActionUpload
	case remoteChanged:
		return ActionDownload
	default:
		return ActionSkip
	}
}

// localOnly handles a file present on disk with no cache entry. A file we
// once synced (the state has an eTag) or one the cache knew about at the
// start of the cycle has been removed remotely.
func localOnly(in ActionInput) Action {
	if in.State == nil {
		if in.InCache {
			return ActionRecycle
		}

		return ActionUpload
	}

	if in.State.RemoteETag != "" {
		return ActionRecycle
	}

	return ActionUpload
}
