// Package syncer drives two-way reconciliation between the sync directory
// and OneDrive. The decision core (DetermineAction, PlanFolders) is pure;
// the Daemon owns all sync state and mutates it on a single goroutine.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/alexjbarnes/onedrive-sync/internal/pathsafe"
	"github.com/alexjbarnes/onedrive-sync/internal/state"
)

const (
	defaultTickInterval   = 2 * time.Second
	defaultRetryAfter     = time.Minute
	defaultVerifyAttempts = 3
	defaultVerifyBackoff  = 500 * time.Millisecond

	// metaStuck persists the stuck deletion set across restarts.
	metaStuck = "stuck_deletions"
)

// Phase is the scheduler's current activity.
type Phase int32

const (
	PhaseIdle Phase = iota
	PhaseFetchingDelta
	PhaseScanningLocal
	PhaseReconcilingFolders
	PhaseReconcilingFiles
	PhaseFinalizing
	PhaseUploadingOne
)

func (p Phase) String() string {
	switch p {
	case PhaseFetchingDelta:
		return "fetching_delta"
	case PhaseScanningLocal:
		return "scanning_local"
	case PhaseReconcilingFolders:
		return "reconciling_folders"
	case PhaseReconcilingFiles:
		return "reconciling_files"
	case PhaseFinalizing:
		return "finalizing"
	case PhaseUploadingOne:
		return "uploading_one"
	default:
		return "idle"
	}
}

// Options configures a Daemon. Root, Remote, Trash and Store are
// required.
type Options struct {
	Root   *pathsafe.Validator
	Remote Remote
	Trash  Trasher
	Store  state.Store
	Ignore *IgnoreList
	Logger *slog.Logger
	Clock  clockwork.Clock

	// Interval between full cycles.
	Interval time.Duration

	// ForceSyncPath is the marker file that requests an immediate cycle.
	// Empty disables the marker.
	ForceSyncPath string

	// TickInterval is how often the pending set and the marker are
	// checked.
	TickInterval time.Duration

	// RetryAfter is the wait before a failed cycle is attempted again.
	RetryAfter time.Duration

	// Deletion verification retries.
	VerifyAttempts int
	VerifyBackoff  time.Duration
}

// Snapshot is a read-only copy of the daemon's state, safe to hand to
// other goroutines.
type Snapshot struct {
	FileCache  map[string]state.FileCacheEntry
	Files      map[string]state.SyncStateEntry
	DeltaToken string
	LastSync   time.Time
	Phase      Phase
	Stuck      []string
	Pending    int
	LastError  string
}

type command struct {
	fn   func(ctx context.Context) error
	done chan error
}

// Daemon schedules sync cycles and serves explicit requests. Everything
// that touches st, stuck or the store runs on the Run goroutine.
type Daemon struct {
	root     *pathsafe.Validator
	remote   Remote
	trash    Trasher
	store    state.Store
	ignore   *IgnoreList
	logger   *slog.Logger
	clock    clockwork.Clock
	interval time.Duration

	forcePath      string
	tickInterval   time.Duration
	retryAfter     time.Duration
	verifyAttempts int
	verifyBackoff  time.Duration

	st        *state.SyncState
	stuck     map[string]bool
	nextRetry time.Time
	lastErr   string

	pending *PendingSet
	force   chan struct{}
	cmds    chan command
	phase   atomic.Int32

	snapMu sync.RWMutex
	snap   Snapshot
}

// New loads persisted state and returns a daemon ready to Run.
func New(opts Options) (*Daemon, error) {
	if opts.Root == nil || opts.Remote == nil || opts.Trash == nil || opts.Store == nil {
		return nil, errors.New("syncer: root, remote, trash and store are required")
	}

	d := &Daemon{
		root:           opts.Root,
		remote:         opts.Remote,
		trash:          opts.Trash,
		store:          opts.Store,
		ignore:         opts.Ignore,
		logger:         opts.Logger,
		clock:          opts.Clock,
		interval:       opts.Interval,
		forcePath:      opts.ForceSyncPath,
		tickInterval:   opts.TickInterval,
		retryAfter:     opts.RetryAfter,
		verifyAttempts: opts.VerifyAttempts,
		verifyBackoff:  opts.VerifyBackoff,
		pending:        NewPendingSet(),
		force:          make(chan struct{}, 1),
		cmds:           make(chan command),
	}

	if d.ignore == nil {
		d.ignore = NewIgnoreList()
	}

	if d.logger == nil {
		d.logger = slog.Default()
	}

	if d.clock == nil {
		d.clock = clockwork.NewRealClock()
	}

	if d.tickInterval <= 0 {
		d.tickInterval = defaultTickInterval
	}

	if d.retryAfter <= 0 {
		d.retryAfter = defaultRetryAfter
	}

	if d.verifyAttempts <= 0 {
		d.verifyAttempts = defaultVerifyAttempts
	}

	if d.verifyBackoff <= 0 {
		d.verifyBackoff = defaultVerifyBackoff
	}

	st, err := d.store.Load()
	if err != nil {
		return nil, fmt.Errorf("loading state: %w", err)
	}

	d.st = st
	d.stuck = decodeStuck(st.Metadata[metaStuck], d.logger)
	d.publish()

	return d, nil
}

// Pending exposes the set the watcher feeds.
func (d *Daemon) Pending() *PendingSet {
	return d.pending
}

// Phase reports what the scheduler is doing right now.
func (d *Daemon) Phase() Phase {
	return Phase(d.phase.Load())
}

func (d *Daemon) setPhase(p Phase) {
	d.phase.Store(int32(p))
}

// Status returns the last published snapshot with the live phase and
// pending count.
func (d *Daemon) Status() Snapshot {
	d.snapMu.RLock()
	s := d.snap
	d.snapMu.RUnlock()

	s.Phase = d.Phase()
	s.Pending = d.pending.Len()

	return s
}

// publish copies the owned state into the snapshot readers see.
func (d *Daemon) publish() {
	c := d.st.Clone()

	stuck := make([]string, 0, len(d.stuck))
	for p := range d.stuck {
		stuck = append(stuck, p)
	}

	sort.Strings(stuck)

	d.snapMu.Lock()
	d.snap = Snapshot{
		FileCache:  c.FileCache,
		Files:      c.Files,
		DeltaToken: c.DeltaToken,
		LastSync:   c.LastSync,
		Stuck:      stuck,
		LastError:  d.lastErr,
	}
	d.snapMu.Unlock()
}

// ForceSync asks for a full cycle at the next opportunity. Requests made
// while one is already queued collapse into it.
func (d *Daemon) ForceSync() {
	select {
	case d.force <- struct{}{}:
	default:
	}
}

// do runs fn on the Run goroutine and waits for its result.
func (d *Daemon) do(ctx context.Context, fn func(ctx context.Context) error) error {
	c := command{fn: fn, done: make(chan error, 1)}

	select {
	case d.cmds <- c:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-c.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run drives the scheduler until ctx is cancelled. Only one cycle runs at
// a time. It returns nil on cancellation; state on disk is whatever the
// last completed save wrote.
func (d *Daemon) Run(ctx context.Context) error {
	ticker := d.clock.NewTicker(d.tickInterval)
	defer ticker.Stop()

	d.logger.Info("sync: scheduler started",
		slog.String("root", d.root.Root()),
		slog.Duration("interval", d.interval),
	)

	d.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("sync: scheduler stopped")
			return nil

		case <-ticker.Chan():
			d.tick(ctx)

		case <-d.force:
			d.runCycle(ctx)

		case c := <-d.cmds:
			c.done <- c.fn(ctx)
		}
	}
}

// tick handles one scheduler beat: the force marker, the cycle timer and
// the fast path, in that order.
func (d *Daemon) tick(ctx context.Context) {
	if d.consumeForceMarker() || d.cycleDue() {
		d.runCycle(ctx)
		return
	}

	d.drainPending(ctx)
}

func (d *Daemon) consumeForceMarker() bool {
	if d.forcePath == "" {
		return false
	}

	if _, err := os.Stat(d.forcePath); err != nil {
		return false
	}

	if err := os.Remove(d.forcePath); err != nil {
		d.logger.Warn("sync: removing force marker failed", slog.String("error", err.Error()))
	}

	d.logger.Info("sync: force marker found")

	return true
}

func (d *Daemon) cycleDue() bool {
	now := d.clock.Now()

	if !d.nextRetry.IsZero() && now.Before(d.nextRetry) {
		return false
	}

	return d.st.LastSync.IsZero() || now.Sub(d.st.LastSync) >= d.interval
}

// save persists the owned state and publishes a fresh snapshot.
func (d *Daemon) save() error {
	d.st.Metadata[metaStuck] = encodeStuck(d.stuck)
	if len(d.stuck) == 0 {
		delete(d.st.Metadata, metaStuck)
	}

	err := d.store.Save(d.st)
	if err != nil {
		d.logger.Error("sync: saving state failed", slog.String("error", err.Error()))
		d.lastErr = err.Error()
	}

	d.publish()

	return err
}
