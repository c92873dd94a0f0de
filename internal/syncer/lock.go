package syncer

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"

	apperrors "github.com/alexjbarnes/onedrive-sync/internal/errors"
)

// InstanceLock guards the config directory against a second daemon.
type InstanceLock struct {
	flock *flock.Flock
}

// AcquireLock takes the lock at path without blocking. It fails with
// ErrAlreadyRunning when another process holds it.
func AcquireLock(path string) (*InstanceLock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating lock dir: %w", err)
	}

	fl := flock.New(path)

	locked, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquiring lock: %w", err)
	}

	if !locked {
		return nil, fmt.Errorf("lock %s is held: %w", path, apperrors.ErrAlreadyRunning)
	}

	return &InstanceLock{flock: fl}, nil
}

// Release unlocks. The lock file itself stays so that a racing process
// never locks a file that is about to be unlinked.
func (l *InstanceLock) Release() error {
	if err := l.flock.Unlock(); err != nil {
		return fmt.Errorf("releasing lock: %w", err)
	}

	return nil
}

// IsLocked reports whether some process currently holds the lock at
// path. A missing lock file means nobody does.
func IsLocked(path string) (bool, error) {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}

	l, err := AcquireLock(path)
	if errors.Is(err, apperrors.ErrAlreadyRunning) {
		return true, nil
	}

	if err != nil {
		return false, err
	}

	return false, l.Release()
}
