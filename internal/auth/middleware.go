package auth

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strings"
)

type contextKey int

const ctxRemoteIP contextKey = iota

// RequestRemoteIP returns the client IP from the context, or "".
func RequestRemoteIP(ctx context.Context) string {
	v, _ := ctx.Value(ctxRemoteIP).(string)
	return v
}

// Middleware returns HTTP middleware that requires a Bearer API key
// matching keys. Rejected requests get a 401 with a WWW-Authenticate
// challenge; a presented but wrong key is flagged invalid_token.
func Middleware(keys *KeySet, logger *slog.Logger) func(http.Handler) http.Handler {
	const (
		wwwAuthNoToken = `Bearer realm="onedrive-sync"`
		wwwAuthInvalid = `Bearer realm="onedrive-sync", error="invalid_token"`
	)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")

			ip, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				ip = r.RemoteAddr
			}

			if authHeader == "" || !strings.HasPrefix(authHeader, "Bearer ") {
				logger.Debug("middleware: no bearer token",
					slog.String("ip", ip),
					slog.String("path", r.URL.Path),
				)
				w.Header().Set("WWW-Authenticate", wwwAuthNoToken)
				w.WriteHeader(http.StatusUnauthorized)

				return
			}

			if !keys.Valid(strings.TrimPrefix(authHeader, "Bearer ")) {
				logger.Warn("middleware: invalid API key",
					slog.String("ip", ip),
					slog.String("path", r.URL.Path),
				)
				w.Header().Set("WWW-Authenticate", wwwAuthInvalid)
				w.WriteHeader(http.StatusUnauthorized)

				return
			}

			logger.Debug("middleware: authenticated via API key", slog.String("ip", ip))

			ctx := context.WithValue(r.Context(), ctxRemoteIP, ip)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
