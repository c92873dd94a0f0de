// Package pathsafe turns remote-reported paths into safe relative paths
// and guards every filesystem mutation under the sync root. Validator is
// the single security boundary between remote metadata and local disk.
package pathsafe

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	apperrors "github.com/alexjbarnes/onedrive-sync/internal/errors"
	"golang.org/x/text/unicode/norm"
)

// Prefixes the Graph API puts in front of parentReference.path. Order
// matters: the longer form must be stripped first.
var rootPrefixes = []string{"/drive/root:", "/drive/root"}

// Sanitize converts a remote parent path such as "/drive/root:/Docs/Work"
// into a relative slash-separated path ("Docs/Work"). Components that are
// ".", "..", empty, or start with a separator are dropped and logged.
// Returns "" when nothing safe remains. It never fails: malformed input
// degrades to a shorter path rather than aborting the sync.
func Sanitize(raw string, logger *slog.Logger) string {
	p := raw
	for _, prefix := range rootPrefixes {
		p = strings.ReplaceAll(p, prefix, "")
	}

	p = strings.Trim(p, `/\`)
	if p == "" {
		return ""
	}

	var safe []string

	for _, part := range strings.Split(p, "/") {
		switch {
		case part == "", part == ".", part == "..":
			logger.Warn("pathsafe: dropped path component",
				slog.String("component", part),
				slog.String("raw", raw),
			)
		case strings.HasPrefix(part, `\`):
			logger.Warn("pathsafe: dropped absolute path component",
				slog.String("component", part),
				slog.String("raw", raw),
			)
		default:
			safe = append(safe, Normalize(part))
		}
	}

	return strings.Join(safe, "/")
}

// ItemPath joins a sanitized parent path and an item name. It returns ""
// when the name itself is unsafe (traversal, separators, empty).
func ItemPath(safeParent, name string) string {
	name = Normalize(name)
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return ""
	}

	if safeParent == "" {
		return name
	}

	return safeParent + "/" + name
}

// Normalize applies Unicode NFC, collapses repeated slashes and trims
// leading and trailing slashes. OneDrive and macOS disagree on
// composition, so every path key in the state maps goes through here.
func Normalize(p string) string {
	p = filepath.ToSlash(p)

	var b strings.Builder

	prevSlash := false

	for _, r := range p {
		if r == '/' {
			if prevSlash {
				continue
			}

			prevSlash = true
		} else {
			prevSlash = false
		}

		b.WriteRune(r)
	}

	return norm.NFC.String(strings.Trim(b.String(), "/"))
}

// Validator resolves relative paths under a fixed sync root.
type Validator struct {
	root string
}

// NewValidator canonicalizes root. The root itself may be a symlink (a
// user pointing the sync dir elsewhere is legitimate); only components
// below it are checked.
func NewValidator(root string) (*Validator, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving sync root: %w", err)
	}

	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("resolving sync root: %w", err)
	}

	return &Validator{root: filepath.Clean(abs)}, nil
}

// Root returns the canonical sync root.
func (v *Validator) Root() string {
	return v.root
}

// Resolve returns the absolute path for relPath, failing with
// ErrPathTraversal when it would land outside the root and with
// ErrSymlinkDetected when any existing component between the leaf and
// the root is a symlink. The walk runs leaf to root on every call so a
// link swapped in after an earlier check is still caught.
func (v *Validator) Resolve(relPath string) (string, error) {
	if relPath == "" {
		return "", fmt.Errorf("empty path: %w", apperrors.ErrPathTraversal)
	}

	slashed := filepath.ToSlash(relPath)
	if path.IsAbs(slashed) || filepath.IsAbs(relPath) || filepath.VolumeName(relPath) != "" {
		return "", fmt.Errorf("absolute path %q: %w", relPath, apperrors.ErrPathTraversal)
	}

	abs := filepath.Join(v.root, filepath.FromSlash(slashed))

	rel, err := filepath.Rel(v.root, abs)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%q resolves outside sync root: %w", relPath, apperrors.ErrPathTraversal)
	}

	for cur := abs; cur != v.root; cur = filepath.Dir(cur) {
		info, err := os.Lstat(cur)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}

			return "", fmt.Errorf("checking %s: %w", cur, err)
		}

		if info.Mode()&os.ModeSymlink != 0 {
			return "", fmt.Errorf("%q crosses symlink at %s: %w", relPath, cur, apperrors.ErrSymlinkDetected)
		}
	}

	return abs, nil
}

// Rel converts an absolute path under the root back to a normalized
// relative key. The second return is false for paths outside the root.
func (v *Validator) Rel(absPath string) (string, bool) {
	rel, err := filepath.Rel(v.root, absPath)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}

	return Normalize(rel), true
}

// CleanupEmptyParents removes empty directories from the parent of
// absPath upward, stopping at the first non-empty directory or the root.
// The root itself is never removed.
func (v *Validator) CleanupEmptyParents(absPath string, logger *slog.Logger) {
	for dir := filepath.Dir(absPath); dir != v.root; dir = filepath.Dir(dir) {
		if _, ok := v.Rel(dir); !ok {
			return
		}

		entries, err := os.ReadDir(dir)
		if err != nil || len(entries) > 0 {
			return
		}

		if err := os.Remove(dir); err != nil {
			logger.Debug("pathsafe: removing empty dir failed",
				slog.String("dir", dir),
				slog.String("error", err.Error()),
			)

			return
		}

		logger.Debug("pathsafe: removed empty dir", slog.String("dir", dir))
	}
}
