package syncer

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"github.com/dustin/go-humanize"

	apperrors "github.com/alexjbarnes/onedrive-sync/internal/errors"
	"github.com/alexjbarnes/onedrive-sync/internal/pathsafe"
	"github.com/alexjbarnes/onedrive-sync/internal/state"
)

// KeepLocal downloads a cached remote file, or every file below a cached
// folder, and puts it under two-way sync. This is the only way a
// remote-only file ever reaches the disk. A file that already exists
// locally without sync state is handled as a conflict so neither copy is
// lost. Hidden and ignored paths are refused, and skipped below a folder,
// since the scanner would drop them again. It returns the number of files
// fetched.
func (d *Daemon) KeepLocal(ctx context.Context, p string) (int, error) {
	var n int

	err := d.do(ctx, func(ctx context.Context) error {
		var err error

		n, err = d.keepLocal(ctx, pathsafe.Normalize(p))

		return err
	})

	return n, err
}

func (d *Daemon) keepLocal(ctx context.Context, p string) (int, error) {
	entry, ok := d.st.FileCache[p]
	if !ok {
		return 0, fmt.Errorf("%s: %w", p, apperrors.ErrNotFound)
	}

	if d.excluded(p, entry.IsFolder) {
		return 0, fmt.Errorf("%s: %w", p, apperrors.ErrExcludedPath)
	}

	targets := []string{p}

	if entry.IsFolder {
		targets = targets[:0]

		for _, c := range state.NewTreeIndex(d.st.FileCache).Descendants(p) {
			if d.st.FileCache[c].IsFolder || d.excluded(c, false) {
				continue
			}

			targets = append(targets, c)
		}
	}

	var (
		fetched int
		errs    []error
	)

	for _, t := range targets {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		if err := d.keepOne(ctx, t); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", t, err))
			continue
		}

		fetched++
	}

	_ = d.save()

	d.logger.Info("sync: keep local done",
		slog.String("path", p),
		slog.Int("fetched", fetched),
		slog.Int("failed", len(errs)),
	)

	return fetched, errors.Join(errs...)
}

// excluded reports whether the scanner would skip p, either because p
// itself is ignored or because one of its parent folders is.
func (d *Daemon) excluded(p string, isDir bool) bool {
	if ignoredPath(p, isDir, d.ignore) {
		return true
	}

	for i := len(p) - 1; i > 0; i-- {
		if p[i] == '/' && ignoredPath(p[:i], true, d.ignore) {
			return true
		}
	}

	return false
}

func (d *Daemon) keepOne(ctx context.Context, p string) error {
	remote := d.st.FileCache[p]

	if s, tracked := d.st.Files[p]; tracked && s.Downloaded {
		if d.localExists(p) {
			return nil
		}
	}

	abs, err := d.root.Resolve(p)
	if err != nil {
		return err
	}

	info, err := os.Lstat(abs)
	if err == nil {
		if _, tracked := d.st.Files[p]; !tracked {
			local := &LocalFileInfo{Path: p, AbsPath: abs, Mtime: info.ModTime(), Size: info.Size()}
			if !d.resolveConflict(ctx, p, local, &remote) {
				return errors.New("saving remote copy failed")
			}

			return nil
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}

	n, err := d.remote.DownloadFile(ctx, remote.ID, abs)
	if err != nil {
		return err
	}

	info, err = os.Stat(abs)
	if err != nil {
		return err
	}

	d.st.Files[p] = state.SyncStateEntry{
		LocalMtime:     info.ModTime(),
		LocalSize:      info.Size(),
		RemoteETag:     remote.ETag,
		RemoteModified: remote.LastModified,
		Downloaded:     true,
	}

	d.logger.Info("sync: kept local", slog.String("path", p), slog.String("size", humanize.IBytes(uint64(n))))

	return nil
}

// RemoveLocal trashes the local copy of p and takes it out of two-way
// sync. The remote item and its cache entry stay. Empty parent folders
// are removed up to the sync root.
func (d *Daemon) RemoveLocal(ctx context.Context, p string) error {
	return d.do(ctx, func(ctx context.Context) error {
		return d.removeLocal(ctx, pathsafe.Normalize(p))
	})
}

func (d *Daemon) removeLocal(ctx context.Context, p string) error {
	abs, err := d.root.Resolve(p)
	if err != nil {
		return err
	}

	if _, err := os.Lstat(abs); errors.Is(err, fs.ErrNotExist) {
		if _, tracked := d.st.Files[p]; !tracked {
			return fmt.Errorf("%s: %w", p, apperrors.ErrNotFound)
		}
	}

	outcome, err := d.trash.Recycle(ctx, abs)
	if err != nil {
		return fmt.Errorf("removing %s: %w", p, err)
	}

	deleteStatePrefix(d.st.Files, p)
	d.root.CleanupEmptyParents(abs, d.logger)

	d.logger.Info("sync: removed local copy", slog.String("path", p), slog.String("outcome", outcome.String()))

	return d.save()
}
