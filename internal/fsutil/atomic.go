// Package fsutil holds the atomic write primitive shared by the state
// store, the token store and remote downloads.
package fsutil

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// tempInfix marks in-flight temp files. They are dot-prefixed, so the
// local scanner and watcher already skip them.
const tempInfix = ".tmp-"

// WriteFile atomically replaces path with data. Readers see either the
// old content or the new content, never a partial write.
func WriteFile(path string, data []byte, perm os.FileMode) error {
	_, err := WriteFrom(path, bytes.NewReader(data), perm)
	return err
}

// WriteFrom streams r into a sibling temp file created with O_EXCL, syncs
// it, and renames it over path. The temp file is removed on any failure.
// It returns the number of bytes written.
func WriteFrom(path string, r io.Reader, perm os.FileMode) (n int64, err error) {
	dir := filepath.Dir(path)

	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+tempInfix+"*")
	if err != nil {
		return 0, fmt.Errorf("creating temp file: %w", err)
	}

	tmpName := tmpFile.Name()
	committed := false

	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	n, err = io.Copy(tmpFile, r)
	if err != nil {
		_ = tmpFile.Close()
		return n, fmt.Errorf("writing temp file: %w", err)
	}

	if err := tmpFile.Chmod(perm); err != nil {
		_ = tmpFile.Close()
		return n, fmt.Errorf("setting permissions: %w", err)
	}

	if err := tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		return n, fmt.Errorf("syncing temp file: %w", err)
	}

	if err := tmpFile.Close(); err != nil {
		return n, fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		return n, fmt.Errorf("renaming into place: %w", err)
	}

	committed = true

	return n, nil
}

// IsTempFile reports whether name looks like an in-flight atomic write.
func IsTempFile(name string) bool {
	base := filepath.Base(name)
	return strings.HasPrefix(base, ".") && strings.Contains(base, tempInfix)
}
