// Package server provides HTTP server construction for the MCP control
// surface.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/alexjbarnes/onedrive-sync/internal/auth"
)

const shutdownGrace = 10 * time.Second

// MuxConfig holds dependencies for building the HTTP mux.
type MuxConfig struct {
	Keys      *auth.KeySet
	MCPServer *mcp.Server
	Logger    *slog.Logger
}

// NewMux builds the HTTP mux. The MCP endpoint is protected by the API
// key middleware; /healthz is open.
func NewMux(cfg MuxConfig) *http.ServeMux {
	mcpHandler := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return cfg.MCPServer
	}, nil)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	authMiddleware := auth.Middleware(cfg.Keys, cfg.Logger)
	mux.Handle("/mcp", authMiddleware(mcpHandler))

	return mux
}

// Serve runs an HTTP server for handler on addr until ctx is cancelled,
// then shuts it down gracefully.
func Serve(ctx context.Context, addr string, handler http.Handler, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutting down MCP server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()

		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("starting MCP server", slog.String("listen", addr))

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("MCP server error: %w", err)
	}

	return nil
}
