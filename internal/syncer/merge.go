package syncer

import (
	"log/slog"
	"strings"

	apperrors "github.com/alexjbarnes/onedrive-sync/internal/errors"
	"github.com/alexjbarnes/onedrive-sync/internal/graph"
	"github.com/alexjbarnes/onedrive-sync/internal/pathsafe"
	"github.com/alexjbarnes/onedrive-sync/internal/state"
)

// rename records a remote move of a cached item.
type rename struct {
	from string
	to   string
}

// mergeResult reports what a delta merge changed in the file cache.
type mergeResult struct {
	// deleted holds every path removed from the cache by a deleted item,
	// descendants of deleted folders included.
	deleted map[string]bool
	renames []rename
	skipped int
}

// mergeDelta folds delta items into the file cache and its index. Item
// paths are built from the sanitized parent path when the feed provides
// one, otherwise from the parent ID. Every key written has passed the
// validator; items that fail are logged and left out.
func mergeDelta(st *state.SyncState, ix *state.TreeIndex, items []graph.RemoteItem, root *pathsafe.Validator, logger *slog.Logger) mergeResult {
	res := mergeResult{deleted: make(map[string]bool)}

	for _, item := range items {
		if item.Deleted {
			removeItem(st, ix, item.ID, res.deleted)
			continue
		}

		if isRootItem(item) {
			st.Metadata[state.MetaRootID] = item.ID
			continue
		}

		parent, ok := parentPath(st, ix, item, logger)
		if !ok {
			res.skipped++
			continue
		}

		p := pathsafe.ItemPath(parent, item.Name)
		if p == "" {
			logger.Warn("sync: skipping item with unsafe name",
				slog.String("id", item.ID),
				slog.String("name", item.Name),
			)

			res.skipped++

			continue
		}

		if _, err := root.Resolve(p); err != nil {
			logger.Warn("sync: skipping unsafe remote path",
				slog.String("path", p),
				slog.String("kind", apperrors.KindOf(err).String()),
				slog.String("error", err.Error()),
			)

			res.skipped++

			continue
		}

		if old, had := ix.PathOf(item.ID); had && old != p {
			moveSubtree(st, ix, old, p)
			res.renames = append(res.renames, rename{from: old, to: p})
		}

		entry := state.FileCacheEntry{
			ID:           item.ID,
			Name:         item.Name,
			Size:         item.Size,
			ETag:         item.ETag,
			LastModified: item.LastModified,
			IsFolder:     item.IsFolder,
		}

		st.FileCache[p] = entry
		ix.Put(p, entry)
		delete(res.deleted, p)
	}

	return res
}

func isRootItem(item graph.RemoteItem) bool {
	return item.IsRoot || (item.Name == "root" && item.ParentPath == "" && item.ParentID == "")
}

func parentPath(st *state.SyncState, ix *state.TreeIndex, item graph.RemoteItem, logger *slog.Logger) (string, bool) {
	if item.ParentPath != "" {
		return pathsafe.Sanitize(item.ParentPath, logger), true
	}

	if item.ParentID == "" || item.ParentID == st.Metadata[state.MetaRootID] {
		return "", true
	}

	if p, ok := ix.PathOf(item.ParentID); ok {
		return p, true
	}

	logger.Warn("sync: skipping item with unknown parent",
		slog.String("id", item.ID),
		slog.String("name", item.Name),
		slog.String("parent_id", item.ParentID),
	)

	return "", false
}

// removeItem drops the item with id, and everything below it, from the
// cache and the index.
func removeItem(st *state.SyncState, ix *state.TreeIndex, id string, deleted map[string]bool) {
	p, ok := ix.PathOf(id)
	if !ok {
		return
	}

	for _, d := range ix.Descendants(p) {
		ix.Remove(d, st.FileCache[d].ID)
		delete(st.FileCache, d)
		deleted[d] = true
	}

	ix.Remove(p, id)
	delete(st.FileCache, p)
	deleted[p] = true
}

// moveSubtree rekeys old and its descendants under newPath.
func moveSubtree(st *state.SyncState, ix *state.TreeIndex, old, newPath string) {
	for _, d := range ix.Descendants(old) {
		e := st.FileCache[d]
		moved := newPath + strings.TrimPrefix(d, old)

		ix.Remove(d, e.ID)
		delete(st.FileCache, d)

		st.FileCache[moved] = e
		ix.Put(moved, e)
	}

	e := st.FileCache[old]
	ix.Remove(old, e.ID)
	delete(st.FileCache, old)
}
