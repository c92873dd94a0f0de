package graph

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sync"
	"time"

	"golang.org/x/oauth2"

	apperrors "github.com/alexjbarnes/onedrive-sync/internal/errors"
	"github.com/alexjbarnes/onedrive-sync/internal/fsutil"
)

// Microsoft identity platform endpoints for personal accounts.
const (
	AuthURL     = "https://login.microsoftonline.com/consumers/oauth2/v2.0/authorize"
	TokenURL    = "https://login.microsoftonline.com/consumers/oauth2/v2.0/token"
	RedirectURL = "http://localhost:8080"

	// refreshEarly makes the daemon refresh before the token is close
	// enough to expiry to fail mid-cycle.
	refreshEarly = 5 * time.Minute

	stateBytes = 32
	tokenPerm  = 0o600
)

// Scopes requested at login. offline_access yields a refresh token.
var Scopes = []string{"files.readwrite", "offline_access"}

// TokenStore persists the OAuth token as JSON with owner-only access.
type TokenStore struct {
	path string
}

// NewTokenStore returns a store backed by path.
func NewTokenStore(path string) *TokenStore {
	return &TokenStore{path: path}
}

// Path returns the backing file.
func (s *TokenStore) Path() string {
	return s.path
}

// Load reads the saved token. A missing or unreadable file means the user
// has to log in, reported as ErrUnauthenticated.
func (s *TokenStore) Load() (*oauth2.Token, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("no saved token at %s: %w", s.path, apperrors.ErrUnauthenticated)
	}

	if err != nil {
		return nil, fmt.Errorf("reading token: %w", err)
	}

	var tok oauth2.Token
	if err := json.Unmarshal(data, &tok); err != nil {
		return nil, fmt.Errorf("decoding token: %w: %w", apperrors.ErrUnauthenticated, err)
	}

	if tok.RefreshToken == "" && tok.AccessToken == "" {
		return nil, fmt.Errorf("saved token is empty: %w", apperrors.ErrUnauthenticated)
	}

	return &tok, nil
}

// Save writes tok atomically.
func (s *TokenStore) Save(tok *oauth2.Token) error {
	data, err := json.MarshalIndent(tok, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding token: %w", err)
	}

	if err := fsutil.WriteFile(s.path, data, tokenPerm); err != nil {
		return fmt.Errorf("saving token: %w", err)
	}

	return nil
}

// Authenticator runs the OAuth authorization code flow against the
// Microsoft identity platform and hands out refreshing token sources.
type Authenticator struct {
	cfg    *oauth2.Config
	store  *TokenStore
	logger *slog.Logger
}

// NewAuthenticator configures a public client (no secret) for clientID.
func NewAuthenticator(clientID string, store *TokenStore, logger *slog.Logger) *Authenticator {
	return &Authenticator{
		cfg: &oauth2.Config{
			ClientID: clientID,
			Endpoint: oauth2.Endpoint{
				AuthURL:   AuthURL,
				TokenURL:  TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
			RedirectURL: RedirectURL,
			Scopes:      Scopes,
		},
		store:  store,
		logger: logger,
	}
}

// LoginSession holds the per-attempt secrets of one authorization request.
type LoginSession struct {
	URL      string
	State    string
	Verifier string
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}

	return hex.EncodeToString(b), nil
}

// NewLoginSession creates an authorization URL with a fresh CSRF state
// and a PKCE S256 challenge.
func (a *Authenticator) NewLoginSession() (*LoginSession, error) {
	state, err := randomHex(stateBytes)
	if err != nil {
		return nil, fmt.Errorf("generating state: %w", err)
	}

	verifier := oauth2.GenerateVerifier()

	return &LoginSession{
		URL:      a.cfg.AuthCodeURL(state, oauth2.S256ChallengeOption(verifier)),
		State:    state,
		Verifier: verifier,
	}, nil
}

// Exchange validates the returned CSRF state against the session, then
// trades code for a token and persists it. A state mismatch is never
// exchanged. Failures are not retried.
func (a *Authenticator) Exchange(ctx context.Context, s *LoginSession, state, code string) (*oauth2.Token, error) {
	if state == "" || subtle.ConstantTimeCompare([]byte(state), []byte(s.State)) != 1 {
		return nil, apperrors.ErrInvalidState
	}

	if code == "" {
		return nil, fmt.Errorf("authorization response has no code: %w", apperrors.ErrUnauthenticated)
	}

	tok, err := a.cfg.Exchange(ctx, code, oauth2.VerifierOption(s.Verifier))
	if err != nil {
		return nil, fmt.Errorf("exchanging code: %w: %w", apperrors.ErrUnauthenticated, err)
	}

	if err := a.store.Save(tok); err != nil {
		return nil, err
	}

	a.logger.Info("auth: login complete", slog.String("token_file", a.store.Path()))

	return tok, nil
}

// TokenSource loads the saved token and returns a source that refreshes
// it once it is within five minutes of expiry and saves every new token.
// Refresh failures surface as ErrUnauthenticated.
func (a *Authenticator) TokenSource(ctx context.Context) (oauth2.TokenSource, error) {
	tok, err := a.store.Load()
	if err != nil {
		return nil, err
	}

	r := &refresher{ctx: ctx, cfg: a.cfg, store: a.store, logger: a.logger, refreshToken: tok.RefreshToken}

	return &persistingSource{
		src:    oauth2.ReuseTokenSourceWithExpiry(tok, r, refreshEarly),
		store:  a.store,
		last:   tok.AccessToken,
		logger: a.logger,
	}, nil
}

// refresher always performs a refresh grant. The source returned by
// Config.TokenSource would hand back its cached token while it is still
// valid by its own ten second margin, defeating the earlier refresh
// window above.
//
// When a grant fails, the token file is read again: a login run while the
// daemon is up replaces the refresh token there, and the daemon picks it
// up without a restart.
type refresher struct {
	ctx    context.Context
	cfg    *oauth2.Config
	store  *TokenStore
	logger *slog.Logger

	mu           sync.Mutex
	refreshToken string
}

func (r *refresher) Token() (*oauth2.Token, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tok, err := r.refresh()
	if err == nil {
		return tok, nil
	}

	saved, lerr := r.store.Load()
	if lerr != nil || saved.RefreshToken == "" || saved.RefreshToken == r.refreshToken {
		return nil, err
	}

	r.logger.Info("auth: refresh failed, retrying with the saved token", slog.String("error", err.Error()))
	r.refreshToken = saved.RefreshToken

	return r.refresh()
}

// refresh runs one refresh grant. Callers hold r.mu.
func (r *refresher) refresh() (*oauth2.Token, error) {
	if r.refreshToken == "" {
		return nil, fmt.Errorf("no refresh token: %w", apperrors.ErrUnauthenticated)
	}

	tok, err := r.cfg.TokenSource(r.ctx, &oauth2.Token{RefreshToken: r.refreshToken}).Token()
	if err != nil {
		return nil, err
	}

	if tok.RefreshToken != "" {
		r.refreshToken = tok.RefreshToken
	}

	return tok, nil
}

type persistingSource struct {
	src    oauth2.TokenSource
	store  *TokenStore
	logger *slog.Logger

	mu   sync.Mutex
	last string
}

func (p *persistingSource) Token() (*oauth2.Token, error) {
	tok, err := p.src.Token()
	if err != nil {
		return nil, fmt.Errorf("refreshing token: %w: %w", apperrors.ErrUnauthenticated, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if tok.AccessToken != p.last {
		if err := p.store.Save(tok); err != nil {
			p.logger.Error("auth: failed to persist refreshed token", slog.String("error", err.Error()))
		} else {
			p.logger.Info("auth: token refreshed", slog.Time("expiry", tok.Expiry))
		}

		p.last = tok.AccessToken
	}

	return tok, nil
}
