package syncer

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/alexjbarnes/onedrive-sync/internal/fsutil"
	"github.com/alexjbarnes/onedrive-sync/internal/pathsafe"
)

// conflictSuffix is appended to the remote copy of a conflicted file.
const conflictSuffix = ".conflict"

// LocalScan is a snapshot of the sync directory.
type LocalScan struct {
	// Files maps normalized relative paths to their stat result.
	Files map[string]LocalFileInfo
	// Folders holds every directory below the root.
	Folders map[string]bool
}

// ScanLocal walks the sync root once, stat-ing each entry a single time.
// Hidden entries, symlinks, conflict copies, in-flight temp files and
// ignore-list matches are left out.
func ScanLocal(root *pathsafe.Validator, ignore *IgnoreList, logger *slog.Logger) (*LocalScan, error) {
	result := &LocalScan{
		Files:   make(map[string]LocalFileInfo),
		Folders: make(map[string]bool),
	}

	dir := root.Root()

	err := filepath.WalkDir(dir, func(absPath string, d os.DirEntry, err error) error {
		if err != nil {
			if absPath == dir {
				return err
			}

			logger.Warn("scan: unreadable entry", slog.String("path", absPath), slog.String("error", err.Error()))

			return nil
		}

		if absPath == dir {
			return nil
		}

		relPath, ok := root.Rel(absPath)
		if !ok {
			return nil
		}

		if skip := skipEntry(relPath, d, ignore, logger); skip {
			if d.IsDir() {
				return filepath.SkipDir
			}

			return nil
		}

		if d.IsDir() {
			result.Folders[relPath] = true
			return nil
		}

		if !d.Type().IsRegular() {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			logger.Warn("scan: stat failed", slog.String("path", relPath), slog.String("error", err.Error()))
			return nil
		}

		result.Files[relPath] = LocalFileInfo{
			Path:    relPath,
			AbsPath: absPath,
			Mtime:   info.ModTime(),
			Size:    info.Size(),
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking sync directory: %w", err)
	}

	logger.Debug("scan: complete",
		slog.Int("files", len(result.Files)),
		slog.Int("folders", len(result.Folders)),
	)

	return result, nil
}

func skipEntry(relPath string, d os.DirEntry, ignore *IgnoreList, logger *slog.Logger) bool {
	base := d.Name()

	switch {
	case strings.HasPrefix(base, "."):
		return true
	case d.Type()&os.ModeSymlink != 0:
		logger.Debug("scan: skipping symlink", slog.String("path", relPath))
		return true
	case !d.IsDir() && strings.HasSuffix(base, conflictSuffix):
		return true
	case fsutil.IsTempFile(base):
		return true
	case ignore.Match(relPath, d.IsDir()):
		return true
	}

	return false
}

// ignoredPath applies the scan rules to a single path, for callers that
// see paths one at a time (the watcher and the fast path).
func ignoredPath(relPath string, isDir bool, ignore *IgnoreList) bool {
	for _, part := range strings.Split(relPath, "/") {
		if strings.HasPrefix(part, ".") {
			return true
		}
	}

	base := relPath[strings.LastIndex(relPath, "/")+1:]

	if !isDir && strings.HasSuffix(base, conflictSuffix) {
		return true
	}

	return ignore.Match(relPath, isDir)
}
