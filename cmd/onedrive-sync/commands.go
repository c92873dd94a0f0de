package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/alexjbarnes/onedrive-sync/internal/auth"
	"github.com/alexjbarnes/onedrive-sync/internal/config"
	apperrors "github.com/alexjbarnes/onedrive-sync/internal/errors"
	"github.com/alexjbarnes/onedrive-sync/internal/fsutil"
	"github.com/alexjbarnes/onedrive-sync/internal/graph"
	"github.com/alexjbarnes/onedrive-sync/internal/state"
	"github.com/alexjbarnes/onedrive-sync/internal/syncer"
)

const loginTimeout = 5 * time.Minute

func hashPassword() {
	fmt.Fprint(os.Stderr, "Enter API key: ")

	scanner := bufio.NewScanner(os.Stdin)
	if !scanner.Scan() {
		fmt.Fprintln(os.Stderr, "no input")
		os.Exit(1)
	}

	hash, err := auth.HashKey(scanner.Text())
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println(hash)
}

// login runs the interactive OAuth flow on the loopback redirect address.
func login(cfg *config.Config, logger *slog.Logger) error {
	redirect, err := url.Parse(graph.RedirectURL)
	if err != nil {
		return fmt.Errorf("parsing redirect URL: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ctx, cancel := context.WithTimeout(ctx, loginTimeout)
	defer cancel()

	ln, err := net.Listen("tcp", redirect.Host)
	if err != nil {
		return fmt.Errorf("listening for the login redirect on %s: %w", redirect.Host, err)
	}

	authn := graph.NewAuthenticator(cfg.ClientID, graph.NewTokenStore(cfg.TokenPath()), logger)

	_, err = authn.Login(ctx, ln, func(u string) {
		fmt.Fprintf(os.Stderr, "Open this URL in your browser to sign in:\n\n  %s\n\n", u)
	})
	if err != nil {
		return fmt.Errorf("login failed: %w", err)
	}

	fmt.Fprintf(os.Stderr, "Signed in. Token saved to %s\n", cfg.TokenPath())

	return nil
}

// statusReport is what the status command prints.
type statusReport struct {
	SyncDir       string            `json:"sync_dir"`
	StateBackend  string            `json:"state_backend"`
	DaemonRunning bool              `json:"daemon_running"`
	LastSync      string            `json:"last_sync,omitempty"`
	HasDeltaToken bool              `json:"has_delta_token"`
	RemoteFiles   int               `json:"remote_files"`
	RemoteFolders int               `json:"remote_folders"`
	RemoteSize    string            `json:"remote_size"`
	SyncedFiles   int               `json:"synced_files"`
	UploadErrors  map[string]string `json:"upload_errors,omitempty"`
	Conflicts     []string          `json:"conflicts,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

func status(cfg *config.Config, logger *slog.Logger, w io.Writer) error {
	running, err := syncer.IsLocked(cfg.LockPath())
	if err != nil {
		return err
	}

	store, err := state.Open(cfg.StateBackend, cfg.StatePath(), logger)
	if err != nil {
		if running {
			return fmt.Errorf("state is held by the running daemon: %w", err)
		}

		return fmt.Errorf("opening state: %w", err)
	}
	defer store.Close()

	st, err := store.Load()
	if err != nil {
		return fmt.Errorf("loading state: %w", err)
	}

	report := buildReport(st)
	report.SyncDir = cfg.SyncDir
	report.StateBackend = cfg.StateBackend
	report.DaemonRunning = running

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	return enc.Encode(report)
}

func buildReport(st *state.SyncState) *statusReport {
	r := &statusReport{
		HasDeltaToken: st.DeltaToken != "",
		Metadata:      st.Metadata,
	}

	if !st.LastSync.IsZero() {
		r.LastSync = st.LastSync.UTC().Format(time.RFC3339)
	}

	var total uint64

	for _, e := range st.FileCache {
		if e.IsFolder {
			r.RemoteFolders++
			continue
		}

		r.RemoteFiles++
		total += uint64(e.Size)
	}

	r.RemoteSize = humanize.IBytes(total)

	for p, e := range st.Files {
		if e.Downloaded {
			r.SyncedFiles++
		}

		if e.UploadError != "" {
			if r.UploadErrors == nil {
				r.UploadErrors = make(map[string]string)
			}

			r.UploadErrors[p] = e.UploadError
		}

		if e.ConflictETag != "" {
			r.Conflicts = append(r.Conflicts, p)
		}
	}

	sort.Strings(r.Conflicts)

	return r
}

// syncNow drops the force marker the daemon checks on every tick.
func syncNow(cfg *config.Config) error {
	if err := fsutil.WriteFile(cfg.ForceSyncPath(), nil, 0o600); err != nil {
		return fmt.Errorf("writing force marker: %w", err)
	}

	running, err := syncer.IsLocked(cfg.LockPath())
	if err == nil && !running {
		fmt.Fprintln(os.Stderr, "Daemon is not running; the sync will start when it does.")
	}

	return nil
}

func migrate(cfg *config.Config, logger *slog.Logger) error {
	if err := refuseWhileRunning(cfg); err != nil {
		return err
	}

	res, err := state.MigrateJSONToBolt(cfg.JSONStatePath(), cfg.BoltStatePath(), logger)
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "Migrated %d cache entries and %d sync entries. Backup: %s\n",
		res.FileCache, res.Files, res.BackupPath)

	if cfg.StateBackend != config.BackendBolt {
		fmt.Fprintln(os.Stderr, "Set STATE_BACKEND=bolt to use the migrated database.")
	}

	return nil
}

// resetLocal wipes the local mirror and every state file so the next run
// starts from a full enumeration. The OAuth token is kept.
func resetLocal(cfg *config.Config, logger *slog.Logger, args []string) error {
	flags := flag.NewFlagSet("reset-local", flag.ContinueOnError)
	yes := flags.Bool("yes", false, "confirm deletion of the local mirror and sync state")

	if err := flags.Parse(args); err != nil {
		return err
	}

	if !*yes {
		return errors.New("reset-local deletes every file in the sync directory; rerun with --yes to confirm")
	}

	if err := refuseWhileRunning(cfg); err != nil {
		return err
	}

	removed, err := clearDir(cfg.SyncDir)
	if err != nil {
		return err
	}

	for _, p := range []string{
		cfg.JSONStatePath(),
		cfg.JSONStatePath() + ".backup",
		cfg.BoltStatePath(),
		cfg.ForceSyncPath(),
	} {
		if err := removeIfExists(p); err != nil {
			return err
		}
	}

	logger.Info("reset-local complete", slog.String("sync_dir", cfg.SyncDir), slog.Int("entries_removed", removed))

	return nil
}

func refuseWhileRunning(cfg *config.Config) error {
	running, err := syncer.IsLocked(cfg.LockPath())
	if err != nil {
		return fmt.Errorf("checking daemon lock: %w", err)
	}

	if running {
		return fmt.Errorf("stop the daemon first: %w", apperrors.ErrAlreadyRunning)
	}

	return nil
}

// clearDir removes every entry inside dir, leaving dir itself.
func clearDir(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}

	if err != nil {
		return 0, fmt.Errorf("reading sync dir: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}

	sort.Strings(names)

	for _, name := range names {
		if err := os.RemoveAll(filepath.Join(dir, name)); err != nil {
			return 0, fmt.Errorf("removing %s: %w", name, err)
		}
	}

	return len(names), nil
}

func removeIfExists(p string) error {
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing %s: %w", p, err)
	}

	return nil
}
