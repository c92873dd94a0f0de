package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"sort"
	"strings"

	apperrors "github.com/alexjbarnes/onedrive-sync/internal/errors"
	"github.com/alexjbarnes/onedrive-sync/internal/trash"
)

// processDeletions removes the local copies of paths deleted remotely
// this cycle and re-checks paths left stuck by earlier cycles. Each path
// is re-stat'd after recycling; one that is still present is retried with
// backoff and then parked in the stuck set, where it is never uploaded
// and never forgotten.
func (d *Daemon) processDeletions(ctx context.Context, deleted map[string]bool) {
	targets := make([]string, 0, len(deleted)+len(d.stuck))

	for p := range deleted {
		targets = append(targets, p)
	}

	for p := range d.stuck {
		if _, back := d.st.FileCache[p]; back {
			// Re-created remotely since it got stuck.
			delete(d.stuck, p)
			continue
		}

		if !deleted[p] {
			targets = append(targets, p)
		}
	}

	// Parents first: trashing a folder takes its children with it, and
	// the children then verify as gone.
	sort.Slice(targets, func(i, j int) bool {
		di, dj := depth(targets[i]), depth(targets[j])
		if di != dj {
			return di < dj
		}

		return targets[i] < targets[j]
	})

	for _, p := range targets {
		if ctx.Err() != nil {
			// Re-verified on the next cycle, or the next run.
			if d.localExists(p) {
				d.stuck[p] = true
			}

			continue
		}

		d.removeDeleted(ctx, p)
	}
}

func (d *Daemon) localExists(p string) bool {
	abs, err := d.root.Resolve(p)
	if err != nil {
		return false
	}

	_, err = os.Lstat(abs)

	return err == nil
}

func (d *Daemon) removeDeleted(ctx context.Context, p string) {
	abs, err := d.root.Resolve(p)
	if err != nil {
		d.logger.Warn("sync: deleted path unsafe, leaving it",
			slog.String("path", p),
			slog.String("kind", apperrors.KindOf(err).String()),
		)
		d.forget(p)

		return
	}

	for attempt := 0; ; attempt++ {
		_, err := os.Lstat(abs)
		if errors.Is(err, fs.ErrNotExist) {
			d.forget(p)
			return
		}

		if attempt > d.verifyAttempts || ctx.Err() != nil {
			d.stuck[p] = true
			d.logger.Error("sync: deletion not verified, path is stuck",
				slog.String("path", p),
				slog.String("error", apperrors.ErrStuckDeletion.Error()),
			)

			return
		}

		if attempt > 0 {
			select {
			case <-ctx.Done():
				continue
			case <-d.clock.After(d.verifyBackoff << (attempt - 1)):
			}
		}

		outcome, err := d.trash.Recycle(ctx, abs)
		if err != nil {
			d.logger.Warn("sync: recycling deleted path failed",
				slog.String("path", p),
				slog.Int("attempt", attempt+1),
				slog.String("error", err.Error()),
			)

			continue
		}

		if outcome != trash.Missing {
			d.logger.Info("sync: removed remotely deleted path",
				slog.String("path", p),
				slog.String("outcome", outcome.String()),
			)
		}
	}
}

// forget drops every trace of a deleted path from the sync state.
func (d *Daemon) forget(p string) {
	delete(d.stuck, p)
	delete(d.st.Files, p)
}

// isStuck reports whether p or one of its ancestors is in the stuck set.
func (d *Daemon) isStuck(p string) bool {
	for cur := p; cur != ""; {
		if d.stuck[cur] {
			return true
		}

		i := strings.LastIndex(cur, "/")
		if i < 0 {
			return false
		}

		cur = cur[:i]
	}

	return false
}

func encodeStuck(stuck map[string]bool) string {
	if len(stuck) == 0 {
		return ""
	}

	paths := make([]string, 0, len(stuck))
	for p := range stuck {
		paths = append(paths, p)
	}

	sort.Strings(paths)

	data, _ := json.Marshal(paths)

	return string(data)
}

func decodeStuck(raw string, logger *slog.Logger) map[string]bool {
	stuck := make(map[string]bool)
	if raw == "" {
		return stuck
	}

	var paths []string
	if err := json.Unmarshal([]byte(raw), &paths); err != nil {
		logger.Warn("sync: ignoring unreadable stuck set", slog.String("error", err.Error()))
		return stuck
	}

	for _, p := range paths {
		stuck[p] = true
	}

	return stuck
}
