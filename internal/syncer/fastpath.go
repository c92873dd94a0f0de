package syncer

import (
	"context"
	"log/slog"
	"os"
)

// drainPending uploads files the watcher reported since the last tick.
// Only uploads happen here; anything else waits for the next full cycle.
// Nothing runs before the first full cycle has populated the file cache,
// since an unknown remote copy would otherwise be overwritten.
func (d *Daemon) drainPending(ctx context.Context) {
	if d.st.LastSync.IsZero() || d.pending.Len() == 0 {
		return
	}

	d.setPhase(PhaseUploadingOne)
	defer d.setPhase(PhaseIdle)

	changed := false

	for _, p := range d.pending.Drain() {
		if ctx.Err() != nil {
			return
		}

		if d.isStuck(p) || ignoredPath(p, false, d.ignore) {
			continue
		}

		abs, err := d.root.Resolve(p)
		if err != nil {
			d.logger.Warn("sync: ignoring unsafe local change", slog.String("path", p), slog.String("error", err.Error()))
			continue
		}

		info, err := os.Lstat(abs)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}

		in := ActionInput{
			Path:  p,
			Local: &LocalFileInfo{Path: p, AbsPath: abs, Mtime: info.ModTime(), Size: info.Size()},
		}

		if e, ok := d.st.FileCache[p]; ok && !e.IsFolder {
			in.Remote = &e
			in.InCache = true
		}

		if s, ok := d.st.Files[p]; ok {
			in.State = &s
		}

		// Events caused by our own downloads find the state already
		// matching and come out as skip.
		if DetermineAction(in) != ActionUpload {
			continue
		}

		d.upload(ctx, p, in.Local)

		changed = true
	}

	if changed {
		_ = d.save()
	}
}
