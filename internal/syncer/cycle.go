package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	apperrors "github.com/alexjbarnes/onedrive-sync/internal/errors"
	"github.com/alexjbarnes/onedrive-sync/internal/graph"
	"github.com/alexjbarnes/onedrive-sync/internal/state"
)

const localDirPerm = 0o755

// cycle holds the per-cycle working set.
type cycle struct {
	ix      *state.TreeIndex
	inCache map[string]bool
	deleted map[string]bool
	scan    *LocalScan
	counts  map[Action]int
}

// runCycle performs one full reconciliation pass. A delta failure aborts
// before anything local is touched and clears the delta token so the
// next cycle starts from a full enumeration.
func (d *Daemon) runCycle(ctx context.Context) {
	defer d.setPhase(PhaseIdle)

	start := d.clock.Now()

	// The full scan covers everything the watcher reported.
	d.pending.Drain()

	d.setPhase(PhaseFetchingDelta)

	full := d.st.DeltaToken == ""

	res, err := d.remote.GetDelta(ctx, d.st.DeltaToken)
	if err != nil {
		if ctx.Err() != nil {
			return
		}

		d.failCycle("fetching delta", err)
		d.st.DeltaToken = ""
		_ = d.save()

		return
	}

	c := &cycle{
		ix:      state.NewTreeIndex(d.st.FileCache),
		inCache: make(map[string]bool, len(d.st.FileCache)),
		counts:  make(map[Action]int),
	}

	for p := range d.st.FileCache {
		c.inCache[p] = true
	}

	mr := mergeDelta(d.st, c.ix, res.Items, d.root, d.logger)
	if full {
		pruneUnseen(d.st, c.ix, res.Items, mr.deleted)
	}

	c.deleted = mr.deleted
	d.st.DeltaToken = res.DeltaLink

	d.logger.Info("sync: delta merged",
		slog.Int("items", len(res.Items)),
		slog.Int("deleted", len(mr.deleted)),
		slog.Int("renamed", len(mr.renames)),
		slog.Int("skipped", mr.skipped),
		slog.Bool("full", full),
	)

	for _, r := range mr.renames {
		delete(c.inCache, r.from)
		d.applyRename(r)
	}

	d.processDeletions(ctx, mr.deleted)

	if ctx.Err() != nil {
		_ = d.save()
		return
	}

	d.setPhase(PhaseScanningLocal)

	scan, err := ScanLocal(d.root, d.ignore, d.logger)
	if err != nil {
		d.failCycle("scanning local", err)
		_ = d.save()

		return
	}

	c.scan = scan

	d.setPhase(PhaseReconcilingFolders)
	d.reconcileFolders(ctx, c)

	d.setPhase(PhaseReconcilingFiles)
	d.reconcileFiles(ctx, c)

	d.setPhase(PhaseFinalizing)

	if ctx.Err() != nil {
		_ = d.save()
		return
	}

	d.st.LastSync = d.clock.Now()
	d.nextRetry = time.Time{}
	d.lastErr = ""

	if err := d.save(); err != nil {
		return
	}

	d.logger.Info("sync: cycle complete",
		slog.Int("uploaded", c.counts[ActionUpload]),
		slog.Int("downloaded", c.counts[ActionDownload]),
		slog.Int("conflicts", c.counts[ActionConflict]),
		slog.Int("recycled", c.counts[ActionRecycle]),
		slog.Int("stuck", len(d.stuck)),
		slog.Duration("took", d.clock.Since(start)),
	)
}

// failCycle records an aborted cycle. Authentication failures need the
// user to log in again; the daemon keeps running either way.
func (d *Daemon) failCycle(stage string, err error) {
	d.lastErr = fmt.Sprintf("%s: %s", stage, err)
	d.nextRetry = d.clock.Now().Add(d.retryAfter)

	if apperrors.KindOf(err) == apperrors.KindUnauthenticated {
		d.logger.Error("sync: not authenticated, run the login command",
			slog.String("stage", stage),
			slog.String("error", err.Error()),
		)

		return
	}

	d.logger.Error("sync: cycle aborted",
		slog.String("stage", stage),
		slog.String("kind", apperrors.KindOf(err).String()),
		slog.String("error", err.Error()),
	)
}

// pruneUnseen treats cached items missing from a full enumeration as
// deleted. Only item IDs absent from the feed count; items that were
// present but skipped for safety keep their entries.
func pruneUnseen(st *state.SyncState, ix *state.TreeIndex, items []graph.RemoteItem, deleted map[string]bool) {
	seen := make(map[string]bool, len(items))
	for _, it := range items {
		seen[it.ID] = true
	}

	var gone []string

	for p, e := range st.FileCache {
		if e.ID != "" && !seen[e.ID] {
			gone = append(gone, p)
		}
	}

	sort.Strings(gone)

	for _, p := range gone {
		if e, ok := st.FileCache[p]; ok {
			removeItem(st, ix, e.ID, deleted)
		}
	}
}

// applyRename follows a remote move locally and rekeys the sync state.
// A missing local source only moves the state; a failed rename leaves
// the state at the old path so the file is not mistaken for new.
func (d *Daemon) applyRename(r rename) {
	src, err := d.root.Resolve(r.from)
	if err != nil {
		d.logger.Warn("sync: rename source unsafe", slog.String("path", r.from), slog.String("error", err.Error()))
		return
	}

	dst, err := d.root.Resolve(r.to)
	if err != nil {
		d.logger.Warn("sync: rename target unsafe", slog.String("path", r.to), slog.String("error", err.Error()))
		return
	}

	if _, err := os.Lstat(src); err == nil {
		if _, err := os.Lstat(dst); err == nil {
			d.logger.Warn("sync: rename target exists locally, leaving both",
				slog.String("from", r.from),
				slog.String("to", r.to),
			)

			return
		}

		if err := os.MkdirAll(filepath.Dir(dst), localDirPerm); err != nil {
			d.logger.Warn("sync: creating rename parent failed", slog.String("error", err.Error()))
			return
		}

		if err := os.Rename(src, dst); err != nil {
			d.logger.Warn("sync: local rename failed",
				slog.String("from", r.from),
				slog.String("to", r.to),
				slog.String("error", err.Error()),
			)

			return
		}

		d.logger.Info("sync: renamed locally", slog.String("from", r.from), slog.String("to", r.to))
	}

	moveStateKeys(d.st.Files, r.from, r.to)
}

func moveStateKeys(files map[string]state.SyncStateEntry, from, to string) {
	for p, e := range files {
		switch {
		case p == from:
			delete(files, p)
			files[to] = e
		case strings.HasPrefix(p, from+"/"):
			delete(files, p)
			files[to+strings.TrimPrefix(p, from)] = e
		}
	}
}

func (d *Daemon) reconcileFolders(ctx context.Context, c *cycle) {
	remote := make(map[string]bool)

	for p, e := range d.st.FileCache {
		if e.IsFolder {
			remote[p] = true
		}
	}

	for _, op := range PlanFolders(c.scan.Folders, remote, c.deleted) {
		if ctx.Err() != nil {
			return
		}

		if d.isStuck(op.Path) {
			continue
		}

		switch op.Kind {
		case FolderCreateRemote:
			item, err := d.remote.CreateFolder(ctx, op.Path)
			if err != nil {
				d.logger.Warn("sync: creating remote folder failed",
					slog.String("path", op.Path),
					slog.String("error", err.Error()),
				)

				continue
			}

			e := state.FileCacheEntry{
				ID:           item.ID,
				Name:         item.Name,
				ETag:         item.ETag,
				LastModified: item.LastModified,
				IsFolder:     true,
			}
			d.st.FileCache[op.Path] = e
			c.ix.Put(op.Path, e)

			d.logger.Info("sync: created remote folder", slog.String("path", op.Path))

		case FolderCreateLocal:
			abs, err := d.root.Resolve(op.Path)
			if err != nil {
				d.logger.Warn("sync: skipping unsafe folder", slog.String("path", op.Path), slog.String("error", err.Error()))
				continue
			}

			if err := os.MkdirAll(abs, localDirPerm); err != nil {
				d.logger.Warn("sync: creating local folder failed",
					slog.String("path", op.Path),
					slog.String("error", err.Error()),
				)

				continue
			}

			c.scan.Folders[op.Path] = true

		case FolderRecycleLocal:
			if d.recyclePath(ctx, op.Path) {
				deleteStatePrefix(d.st.Files, op.Path)

				for p := range c.scan.Files {
					if strings.HasPrefix(p, op.Path+"/") {
						delete(c.scan.Files, p)
					}
				}
			}
		}
	}
}

// reconcileFiles decides and executes one action per known path.
func (d *Daemon) reconcileFiles(ctx context.Context, c *cycle) {
	paths := make(map[string]bool, len(c.scan.Files)+len(d.st.FileCache))

	for p := range c.scan.Files {
		paths[p] = true
	}

	for p, e := range d.st.FileCache {
		if !e.IsFolder {
			paths[p] = true
		}
	}

	for p := range d.st.Files {
		paths[p] = true
	}

	for p := range c.deleted {
		paths[p] = true
	}

	ordered := make([]string, 0, len(paths))
	for p := range paths {
		ordered = append(ordered, p)
	}

	sort.Strings(ordered)

	for _, p := range ordered {
		if ctx.Err() != nil {
			return
		}

		if d.isStuck(p) {
			continue
		}

		in := ActionInput{
			Path:             p,
			DeletedThisCycle: c.deleted[p],
			InCache:          c.inCache[p],
		}

		if l, ok := c.scan.Files[p]; ok {
			in.Local = &l
		}

		if e, ok := d.st.FileCache[p]; ok && !e.IsFolder {
			in.Remote = &e
		}

		if s, ok := d.st.Files[p]; ok {
			in.State = &s
		}

		if in.Local == nil && in.State != nil && !in.DeletedThisCycle {
			// The local copy is gone. Local deletions never propagate, so
			// the path just leaves two-way sync.
			delete(d.st.Files, p)
			d.logger.Debug("sync: local copy gone, tracking dropped", slog.String("path", p))

			continue
		}

		action := DetermineAction(in)
		if action == ActionSkip {
			continue
		}

		if d.execute(ctx, in, action) {
			c.counts[action]++
		}
	}
}

// execute carries out action for one file and updates the sync state.
// It reports whether the action completed.
func (d *Daemon) execute(ctx context.Context, in ActionInput, action Action) bool {
	switch action {
	case ActionUpload:
		return d.upload(ctx, in.Path, in.Local)

	case ActionDownload:
		return d.download(ctx, in.Path, in.Remote)

	case ActionConflict:
		return d.resolveConflict(ctx, in.Path, in.Local, in.Remote)

	case ActionRecycle:
		if in.Local == nil {
			delete(d.st.Files, in.Path)
			return true
		}

		if !d.recyclePath(ctx, in.Path) {
			return false
		}

		delete(d.st.Files, in.Path)

		return true
	}

	return false
}

// upload sends one local file and records the result. A failure keeps
// the previous state fields so the next cycle retries, with the error
// attached for the status surface.
func (d *Daemon) upload(ctx context.Context, p string, local *LocalFileInfo) bool {
	abs, err := d.root.Resolve(p)
	if err != nil {
		d.logger.Warn("sync: skipping unsafe upload", slog.String("path", p), slog.String("error", err.Error()))
		return false
	}

	d.logger.Info("sync: uploading", slog.String("path", p), slog.String("size", humanize.IBytes(uint64(local.Size))))

	item, err := d.remote.UploadFile(ctx, abs, p)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}

		prev, ok := d.st.Files[p]
		if !ok {
			prev = state.SyncStateEntry{Downloaded: true}
		}

		prev.UploadError = err.Error()
		d.st.Files[p] = prev

		d.logger.Warn("sync: upload failed",
			slog.String("path", p),
			slog.String("kind", apperrors.KindOf(err).String()),
			slog.String("error", err.Error()),
		)

		return false
	}

	d.st.Files[p] = state.SyncStateEntry{
		LocalMtime:     local.Mtime,
		LocalSize:      local.Size,
		RemoteETag:     item.ETag,
		RemoteModified: item.LastModified,
		Downloaded:     true,
	}

	d.st.FileCache[p] = state.FileCacheEntry{
		ID:           item.ID,
		Name:         item.Name,
		Size:         item.Size,
		ETag:         item.ETag,
		LastModified: item.LastModified,
	}

	return true
}

// download fetches the remote copy over the local file and records the
// new local stat.
func (d *Daemon) download(ctx context.Context, p string, remote *state.FileCacheEntry) bool {
	abs, err := d.root.Resolve(p)
	if err != nil {
		d.logger.Warn("sync: skipping unsafe download", slog.String("path", p), slog.String("error", err.Error()))
		return false
	}

	if _, err := d.remote.DownloadFile(ctx, remote.ID, abs); err != nil {
		if ctx.Err() == nil {
			d.logger.Warn("sync: download failed", slog.String("path", p), slog.String("error", err.Error()))
		}

		return false
	}

	info, err := os.Stat(abs)
	if err != nil {
		d.logger.Warn("sync: stat after download failed", slog.String("path", p), slog.String("error", err.Error()))
		return false
	}

	d.st.Files[p] = state.SyncStateEntry{
		LocalMtime:     info.ModTime(),
		LocalSize:      info.Size(),
		RemoteETag:     remote.ETag,
		RemoteModified: remote.LastModified,
		Downloaded:     true,
	}

	return true
}

// resolveConflict keeps the local file and saves the remote version next
// to it as <path>.conflict. The conflict then stays open: the state keeps
// its last synced remote fields, so nothing is uploaded over the remote
// edit. Deleting the .conflict copy resolves it in favour of the local
// file, which the next cycle uploads. A newer remote version replaces the
// copy.
func (d *Daemon) resolveConflict(ctx context.Context, p string, local *LocalFileInfo, remote *state.FileCacheEntry) bool {
	conflictPath := p + conflictSuffix

	abs, err := d.root.Resolve(conflictPath)
	if err != nil {
		d.logger.Warn("sync: skipping unsafe conflict copy", slog.String("path", conflictPath), slog.String("error", err.Error()))
		return false
	}

	entry, tracked := d.st.Files[p]

	if tracked && entry.ConflictETag == remote.ETag {
		if d.localExists(conflictPath) {
			return false
		}

		entry.RemoteETag = remote.ETag
		entry.RemoteModified = remote.LastModified
		entry.ConflictETag = ""
		d.st.Files[p] = entry

		d.logger.Info("sync: conflict resolved, keeping local copy", slog.String("path", p))

		return true
	}

	d.logger.Warn("sync: conflict",
		slog.String("path", p),
		slog.Time("local_mtime", local.Mtime),
		slog.Int64("local_size", local.Size),
		slog.String("remote_modified", remote.LastModified),
		slog.Int64("remote_size", remote.Size),
		slog.String("remote_copy", conflictPath),
	)

	if _, err := d.remote.DownloadFile(ctx, remote.ID, abs); err != nil {
		if ctx.Err() == nil {
			d.logger.Warn("sync: downloading conflict copy failed", slog.String("path", p), slog.String("error", err.Error()))
		}

		return false
	}

	entry.Downloaded = true
	entry.ConflictETag = remote.ETag
	d.st.Files[p] = entry

	return true
}

// recyclePath moves a local path to the trash. A failure puts the path
// in the stuck set. It reports whether the path is gone.
func (d *Daemon) recyclePath(ctx context.Context, p string) bool {
	abs, err := d.root.Resolve(p)
	if err != nil {
		d.logger.Warn("sync: skipping unsafe recycle", slog.String("path", p), slog.String("error", err.Error()))
		return false
	}

	outcome, err := d.trash.Recycle(ctx, abs)
	if err != nil {
		d.stuck[p] = true
		d.logger.Error("sync: recycle failed",
			slog.String("path", p),
			slog.String("error", errors.Join(apperrors.ErrStuckDeletion, err).Error()),
		)

		return false
	}

	d.logger.Info("sync: recycled", slog.String("path", p), slog.String("outcome", outcome.String()))

	return true
}

func deleteStatePrefix(files map[string]state.SyncStateEntry, p string) {
	for k := range files {
		if k == p || strings.HasPrefix(k, p+"/") {
			delete(files, k)
		}
	}
}
