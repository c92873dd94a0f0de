// Package trash moves files deleted on the remote side into the user's
// trash instead of unlinking them.
package trash

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"github.com/Bios-Marcel/wastebasket/v2"
	"github.com/jonboulle/clockwork"
)

const (
	defaultAttempts = 3
	defaultBackoff  = 250 * time.Millisecond
)

// Outcome reports what Recycle did with a path.
type Outcome int

const (
	// Missing means the path was already gone.
	Missing Outcome = iota
	// Trashed means the path now lives in the trash.
	Trashed
	// Deleted means trash relocation failed and the path was removed
	// permanently.
	Deleted
)

func (o Outcome) String() string {
	switch o {
	case Trashed:
		return "trashed"
	case Deleted:
		return "deleted"
	default:
		return "missing"
	}
}

// MoveFunc relocates one absolute path into a trash.
type MoveFunc func(absPath string) error

// Relocator moves paths to the trash with a permanent-delete fallback.
type Relocator struct {
	move     MoveFunc
	logger   *slog.Logger
	clock    clockwork.Clock
	attempts int
	backoff  time.Duration
}

// New returns a Relocator using the platform trash. On Linux and the BSDs
// that is the freedesktop.org trash: the home trash, or $topdir/.Trash-$uid
// for paths on another mount.
func New(logger *slog.Logger) *Relocator {
	return &Relocator{
		move:     platformMove,
		logger:   logger,
		clock:    clockwork.NewRealClock(),
		attempts: defaultAttempts,
		backoff:  defaultBackoff,
	}
}

func platformMove(absPath string) error {
	return wastebasket.Trash(absPath)
}

// WithRetry overrides the retry policy.
func (r *Relocator) WithRetry(attempts int, backoff time.Duration) *Relocator {
	r.attempts = attempts
	r.backoff = backoff

	return r
}

// WithMover replaces the platform trash.
func (r *Relocator) WithMover(move MoveFunc) *Relocator {
	r.move = move
	return r
}

// WithClock replaces the clock used between attempts.
func (r *Relocator) WithClock(clock clockwork.Clock) *Relocator {
	r.clock = clock
	return r
}

// Recycle moves absPath to the trash. If relocation fails the path is
// removed permanently. Both steps are retried with backoff, which covers
// files briefly held open by another process.
func (r *Relocator) Recycle(ctx context.Context, absPath string) (Outcome, error) {
	var lastErr error

	for attempt := 1; attempt <= r.attempts; attempt++ {
		if _, err := os.Lstat(absPath); errors.Is(err, fs.ErrNotExist) {
			return Missing, nil
		}

		trashErr := r.move(absPath)
		if trashErr == nil {
			r.logger.Info("trash: moved to trash", slog.String("path", absPath))
			return Trashed, nil
		}

		r.logger.Warn("trash: relocation failed, deleting permanently",
			slog.String("path", absPath),
			slog.String("error", trashErr.Error()),
		)

		if err := os.RemoveAll(absPath); err == nil {
			r.logger.Warn("trash: permanently deleted", slog.String("path", absPath))
			return Deleted, nil
		} else {
			lastErr = fmt.Errorf("trash: %v; delete: %w", trashErr, err)
		}

		if attempt == r.attempts {
			break
		}

		delay := r.backoff * time.Duration(1<<(attempt-1))
		r.logger.Debug("trash: retrying",
			slog.String("path", absPath),
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
		)

		select {
		case <-ctx.Done():
			return Missing, ctx.Err()
		case <-r.clock.After(delay):
		}
	}

	return Missing, fmt.Errorf("recycling %s after %d attempts: %w", absPath, r.attempts, lastErr)
}
