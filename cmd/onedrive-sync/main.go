package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/errgroup"

	"github.com/alexjbarnes/onedrive-sync/internal/auth"
	"github.com/alexjbarnes/onedrive-sync/internal/config"
	apperrors "github.com/alexjbarnes/onedrive-sync/internal/errors"
	"github.com/alexjbarnes/onedrive-sync/internal/graph"
	"github.com/alexjbarnes/onedrive-sync/internal/logging"
	"github.com/alexjbarnes/onedrive-sync/internal/mcpserver"
	"github.com/alexjbarnes/onedrive-sync/internal/pathsafe"
	"github.com/alexjbarnes/onedrive-sync/internal/server"
	"github.com/alexjbarnes/onedrive-sync/internal/state"
	"github.com/alexjbarnes/onedrive-sync/internal/syncer"
	"github.com/alexjbarnes/onedrive-sync/internal/trash"
)

var Version = "dev"

const usage = `usage: onedrive-sync [command]

Commands:
  (none)         run the sync daemon
  login          sign in to OneDrive and save the token
  status         print the persisted sync state as JSON
  sync-now       ask the running daemon for an immediate full sync
  migrate        move the JSON state into the bolt database
  reset-local    delete the local mirror and sync state (requires --yes)
  hash-password  print the bcrypt hash of an MCP API key read from stdin
`

func main() {
	// hash-password needs no config.
	if len(os.Args) > 1 && os.Args[1] == "hash-password" {
		hashPassword()
		return
	}

	var err error

	if len(os.Args) < 2 {
		err = run()
	} else {
		err = dispatch(os.Args[1], os.Args[2:])
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func dispatch(cmd string, args []string) error {
	switch cmd {
	case "run":
		return run()
	case "login":
		return withConfig(func(cfg *config.Config, logger *slog.Logger) error { return login(cfg, logger) })
	case "status":
		return withConfig(func(cfg *config.Config, logger *slog.Logger) error { return status(cfg, logger, os.Stdout) })
	case "sync-now":
		return withConfig(func(cfg *config.Config, _ *slog.Logger) error { return syncNow(cfg) })
	case "migrate":
		return withConfig(func(cfg *config.Config, logger *slog.Logger) error { return migrate(cfg, logger) })
	case "reset-local":
		return withConfig(func(cfg *config.Config, logger *slog.Logger) error { return resetLocal(cfg, logger, args) })
	case "-h", "--help", "help":
		fmt.Print(usage)
		return nil
	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func withConfig(fn func(cfg *config.Config, logger *slog.Logger) error) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if err := cfg.EnsureConfigDir(); err != nil {
		return err
	}

	return fn(cfg, logging.NewLogger(cfg.Environment, cfg.LogLevel))
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)
	logger.Info("onedrive-sync starting",
		slog.String("version", Version),
		slog.String("sync_dir", cfg.SyncDir),
		slog.String("state_backend", cfg.StateBackend),
		slog.Bool("mcp", cfg.EnableMCP),
	)

	if err := cfg.EnsureConfigDir(); err != nil {
		return err
	}

	lock, err := syncer.AcquireLock(cfg.LockPath())
	if err != nil {
		return err
	}

	defer func() {
		if err := lock.Release(); err != nil {
			logger.Warn("releasing lock failed", slog.String("error", err.Error()))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	authn := graph.NewAuthenticator(cfg.ClientID, graph.NewTokenStore(cfg.TokenPath()), logger)

	tokens, err := authn.TokenSource(ctx)
	if err != nil {
		if errors.Is(err, apperrors.ErrUnauthenticated) {
			return fmt.Errorf("not logged in, run `onedrive-sync login` first: %w", err)
		}

		return err
	}

	store, err := state.Open(cfg.StateBackend, cfg.StatePath(), logger)
	if err != nil {
		return fmt.Errorf("opening state: %w", err)
	}

	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("closing state failed", slog.String("error", err.Error()))
		}
	}()

	root, err := pathsafe.NewValidator(cfg.SyncDir)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(root.Root(), 0o755); err != nil {
		return fmt.Errorf("creating sync dir: %w", err)
	}

	ignore := syncer.NewIgnoreList(cfg.IgnorePatterns...)
	clock := clockwork.NewRealClock()

	daemon, err := syncer.New(syncer.Options{
		Root:          root,
		Remote:        graph.NewClient(nil, tokens, logger),
		Trash:         trash.New(logger).WithClock(clock),
		Store:         store,
		Ignore:        ignore,
		Logger:        logger,
		Clock:         clock,
		Interval:      cfg.Interval(),
		ForceSyncPath: cfg.ForceSyncPath(),
	})
	if err != nil {
		return err
	}

	watcher := syncer.NewWatcher(root, ignore, daemon.Pending(), clock, logger)

	var mux *http.ServeMux

	mcpLogger := logger.With(slog.String("service", "mcp"))

	if cfg.EnableMCP {
		keys, err := auth.NewKeySet(cfg.MCPAPIKeyHashes)
		if err != nil {
			return fmt.Errorf("loading MCP API keys: %w", err)
		}

		mcpServer := mcp.NewServer(
			&mcp.Implementation{Name: "onedrive-sync", Version: Version},
			nil,
		)
		mcpserver.RegisterTools(mcpServer, daemon)

		mux = server.NewMux(server.MuxConfig{Keys: keys, MCPServer: mcpServer, Logger: mcpLogger})
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return daemon.Run(gctx)
	})

	g.Go(func() error {
		return watcher.Watch(gctx)
	})

	if mux != nil {
		g.Go(func() error {
			return server.Serve(gctx, cfg.MCPListenAddr, mux, mcpLogger)
		})
	}

	return waitWithTimeout(ctx, g, cfg.ShutdownTimeout, logger)
}

// waitWithTimeout waits for every service to stop. Once ctx is cancelled
// the services get at most timeout to finish.
func waitWithTimeout(ctx context.Context, g *errgroup.Group, timeout time.Duration, logger *slog.Logger) error {
	done := make(chan error, 1)

	go func() {
		done <- g.Wait()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down", slog.Duration("timeout", timeout))

	select {
	case err := <-done:
		logger.Info("shutdown complete")
		return err
	case <-time.After(timeout):
		return fmt.Errorf("shutdown did not finish within %s", timeout)
	}
}
