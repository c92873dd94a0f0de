package graph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	apperrors "github.com/alexjbarnes/onedrive-sync/internal/errors"
)

type callbackResult struct {
	state string
	code  string
	err   error
}

// callbackHandler receives the identity platform redirect. Only the first
// request is delivered; later ones get a 409.
func callbackHandler(results chan<- callbackResult) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()

		res := callbackResult{state: q.Get("state"), code: q.Get("code")}
		if e := q.Get("error"); e != "" {
			res.err = fmt.Errorf("authorization denied: %s: %s: %w", e, q.Get("error_description"), apperrors.ErrUnauthenticated)
		}

		select {
		case results <- res:
		default:
			http.Error(w, "login already handled", http.StatusConflict)
			return
		}

		w.Header().Set("Content-Type", "text/plain; charset=utf-8")

		if res.err != nil {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprintln(w, "Authentication failed. Check the terminal for details.")

			return
		}

		fmt.Fprintln(w, "Authentication complete. You can close this window.")
	})
}

// Login runs the interactive flow: announce is called with the URL the
// user must open, then the redirect is awaited on ln, the state checked
// and the code exchanged. ln is closed before Login returns.
func (a *Authenticator) Login(ctx context.Context, ln net.Listener, announce func(url string)) (*oauth2.Token, error) {
	session, err := a.NewLoginSession()
	if err != nil {
		ln.Close()
		return nil, err
	}

	results := make(chan callbackResult, 1)
	srv := &http.Server{
		Handler:           callbackHandler(results),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Warn("auth: callback listener stopped", slog.String("error", err.Error()))
		}
	}()

	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		_ = srv.Shutdown(shutdownCtx)
	}()

	announce(session.URL)

	var res callbackResult

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res = <-results:
	}

	if res.err != nil {
		return nil, res.err
	}

	return a.Exchange(ctx, session, res.state, res.code)
}
