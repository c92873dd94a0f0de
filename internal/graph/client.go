// Package graph is the Microsoft Graph client for a personal OneDrive:
// OAuth token lifecycle, the delta change feed, and file transfers.
package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jonboulle/clockwork"
	"golang.org/x/oauth2"

	apperrors "github.com/alexjbarnes/onedrive-sync/internal/errors"
	"github.com/alexjbarnes/onedrive-sync/internal/fsutil"
)

const (
	apiBase = "https://graph.microsoft.com/v1.0"

	defaultRetries   = 3
	defaultBaseDelay = time.Second

	// Graph rejects simple PUT uploads above 4 MiB. Session chunks must be
	// a multiple of 320 KiB.
	simpleUploadLimit = 4 << 20
	uploadChunkSize   = 32 * 320 << 10

	downloadPerm = 0o644
)

// APIError is a non-2xx Graph response. It unwraps to the sentinel for
// its status class so callers can use errors.Is.
type APIError struct {
	Method     string
	Endpoint   string
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s %s (%d %s): %s", e.Method, e.Endpoint, e.StatusCode, e.Code, e.Message)
	}

	return fmt.Sprintf("%s %s returned status %d", e.Method, e.Endpoint, e.StatusCode)
}

func (e *APIError) Unwrap() error {
	switch {
	case e.StatusCode == http.StatusNotFound:
		return apperrors.ErrNotFound
	case e.StatusCode == http.StatusUnauthorized:
		return apperrors.ErrUnauthenticated
	case e.StatusCode == http.StatusTooManyRequests, e.StatusCode >= 500:
		return apperrors.ErrTransientNetwork
	default:
		return nil
	}
}

// Client talks to the Graph API on behalf of one signed-in user.
type Client struct {
	httpClient *http.Client
	baseURL    string
	tokens     oauth2.TokenSource
	logger     *slog.Logger
	clock      clockwork.Clock

	maxRetries  int
	baseDelay   time.Duration
	uploadLimit int64
	chunkSize   int64
}

// NewClient creates a Graph client. tokens supplies bearer tokens and is
// expected to refresh them itself (see Authenticator.TokenSource). If
// httpClient is nil, http.DefaultClient is used.
func NewClient(httpClient *http.Client, tokens oauth2.TokenSource, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &Client{
		httpClient:  httpClient,
		baseURL:     apiBase,
		tokens:      tokens,
		logger:      logger,
		clock:       clockwork.NewRealClock(),
		maxRetries:  defaultRetries,
		baseDelay:   defaultBaseDelay,
		uploadLimit: simpleUploadLimit,
		chunkSize:   uploadChunkSize,
	}
}

// bodyFunc opens a fresh request body for each attempt and reports its
// length so uploads are not sent chunked.
type bodyFunc func() (io.ReadCloser, int64, error)

func bytesBody(b []byte) bodyFunc {
	return func() (io.ReadCloser, int64, error) {
		return io.NopCloser(bytes.NewReader(b)), int64(len(b)), nil
	}
}

func fileBody(localPath string) bodyFunc {
	return func() (io.ReadCloser, int64, error) {
		f, err := os.Open(localPath)
		if err != nil {
			return nil, 0, err
		}

		info, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, 0, err
		}

		return f, info.Size(), nil
	}
}

type request struct {
	method      string
	endpoint    string
	body        bodyFunc
	contentType string
	headers     map[string]string

	// external marks a pre-authenticated URL outside the API host, such
	// as an upload session. No bearer token is attached.
	external bool
}

// resolve turns an endpoint into a full URL. Absolute URLs are only
// accepted when they point back at the API host over the same scheme.
func (c *Client) resolve(endpoint string) (string, error) {
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		return c.baseURL + endpoint, nil
	}

	if err := c.checkTrusted(endpoint); err != nil {
		return "", err
	}

	return endpoint, nil
}

func (c *Client) checkTrusted(link string) error {
	base, err := url.Parse(c.baseURL)
	if err != nil {
		return fmt.Errorf("parsing base url: %w", err)
	}

	u, err := url.Parse(link)
	if err != nil {
		return fmt.Errorf("parsing link: %w", apperrors.ErrUntrustedLink)
	}

	if u.Scheme != base.Scheme || u.Host != base.Host {
		return fmt.Errorf("%s://%s: %w", u.Scheme, u.Host, apperrors.ErrUntrustedLink)
	}

	return nil
}

// send performs one attempt. On success the caller owns resp.Body.
func (c *Client) send(ctx context.Context, r request) (*http.Response, error) {
	target := r.endpoint

	if !r.external {
		var err error

		target, err = c.resolve(r.endpoint)
		if err != nil {
			return nil, err
		}
	}

	var (
		body   io.ReadCloser
		length int64
	)

	if r.body != nil {
		var err error

		body, length, err = r.body()
		if err != nil {
			return nil, fmt.Errorf("opening request body: %w", err)
		}

		// A zero ContentLength with a non-nil body means "unknown".
		if length == 0 {
			body.Close()
			body = http.NoBody
		}
	}

	req, err := http.NewRequestWithContext(ctx, r.method, target, body)
	if err != nil {
		if body != nil {
			body.Close()
		}

		return nil, fmt.Errorf("creating request: %w", err)
	}

	if body != nil {
		req.ContentLength = length
	}

	if r.contentType != "" {
		req.Header.Set("Content-Type", r.contentType)
	}

	for k, v := range r.headers {
		req.Header.Set(k, v)
	}

	if !r.external {
		tok, err := c.tokens.Token()
		if err != nil {
			return nil, fmt.Errorf("obtaining access token: %w: %w", apperrors.ErrUnauthenticated, err)
		}

		tok.SetAuthHeader(req)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		return nil, fmt.Errorf("sending request to %s: %w: %w", r.endpoint, apperrors.ErrTransientNetwork, err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		return resp, nil
	}

	defer resp.Body.Close()

	return nil, decodeAPIError(r.method, r.endpoint, resp)
}

func decodeAPIError(method, endpoint string, resp *http.Response) error {
	apiErr := &APIError{Method: method, Endpoint: endpoint, StatusCode: resp.StatusCode}

	var payload struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if json.Unmarshal(raw, &payload) == nil {
		apiErr.Code = payload.Error.Code
		apiErr.Message = payload.Error.Message
	}

	return apiErr
}

// withRetry runs fn and retries it up to maxRetries times, sleeping
// baseDelay, 2*baseDelay, 4*baseDelay, ... before each retry. Only
// transient failures are retried; auth errors, 4xx responses and context
// cancellation return at once.
func (c *Client) withRetry(ctx context.Context, op string, fn func() error) error {
	var err error

	for attempt := 0; ; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}

		if !errors.Is(err, apperrors.ErrTransientNetwork) || errors.Is(err, apperrors.ErrUnauthenticated) {
			return fmt.Errorf("%s: %w", op, err)
		}

		if attempt == c.maxRetries {
			break
		}

		delay := c.baseDelay << attempt

		c.logger.Warn("graph: retrying after transient failure",
			slog.String("op", op),
			slog.Int("retry", attempt+1),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()),
		)

		select {
		case <-ctx.Done():
			return fmt.Errorf("%s: %w", op, ctx.Err())
		case <-c.clock.After(delay):
		}
	}

	return fmt.Errorf("%s failed after %d retries: %w", op, c.maxRetries, err)
}

// call performs r with retries and returns the full response body.
func (c *Client) call(ctx context.Context, op string, r request) ([]byte, error) {
	var out []byte

	err := c.withRetry(ctx, op, func() error {
		resp, err := c.send(ctx, r)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		out, err = io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("reading response from %s: %w: %w", r.endpoint, apperrors.ErrTransientNetwork, err)
		}

		return nil
	})

	return out, err
}

// escapePath percent-encodes each segment of a slash-separated drive path.
func escapePath(p string) string {
	parts := strings.Split(strings.Trim(p, "/"), "/")
	for i, part := range parts {
		parts[i] = url.PathEscape(part)
	}

	return strings.Join(parts, "/")
}

func itemByPathEndpoint(remotePath string) string {
	return "/me/drive/root:/" + escapePath(remotePath)
}

// GetFileMetadata fetches one item by ID.
func (c *Client) GetFileMetadata(ctx context.Context, id string) (RemoteItem, error) {
	body, err := c.call(ctx, "getting item metadata", request{
		method:   http.MethodGet,
		endpoint: "/me/drive/items/" + url.PathEscape(id),
	})
	if err != nil {
		return RemoteItem{}, err
	}

	return parseItemBytes(body), nil
}

// GetItemByPath fetches one item by its drive-relative path.
func (c *Client) GetItemByPath(ctx context.Context, remotePath string) (RemoteItem, error) {
	body, err := c.call(ctx, "getting item by path", request{
		method:   http.MethodGet,
		endpoint: itemByPathEndpoint(remotePath),
	})
	if err != nil {
		return RemoteItem{}, err
	}

	return parseItemBytes(body), nil
}

// CreateFolder creates remotePath on the drive. An existing folder is not
// an error: its metadata is fetched and returned instead.
func (c *Client) CreateFolder(ctx context.Context, remotePath string) (RemoteItem, error) {
	parent, name := path.Split(strings.Trim(remotePath, "/"))
	parent = strings.Trim(parent, "/")

	endpoint := "/me/drive/root/children"
	if parent != "" {
		endpoint = itemByPathEndpoint(parent) + ":/children"
	}

	payload, err := json.Marshal(map[string]any{
		"name":                              name,
		"folder":                            map[string]any{},
		"@microsoft.graph.conflictBehavior": "fail",
	})
	if err != nil {
		return RemoteItem{}, fmt.Errorf("marshalling request body: %w", err)
	}

	body, err := c.call(ctx, "creating folder", request{
		method:      http.MethodPost,
		endpoint:    endpoint,
		body:        bytesBody(payload),
		contentType: "application/json",
	})

	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusConflict {
		c.logger.Debug("graph: folder already exists", slog.String("path", remotePath))
		return c.GetItemByPath(ctx, remotePath)
	}

	if err != nil {
		return RemoteItem{}, err
	}

	item := parseItemBytes(body)

	c.logger.Info("graph: created folder", slog.String("path", remotePath), slog.String("id", item.ID))

	return item, nil
}

// DeleteFile deletes an item by ID. The daemon never propagates local
// deletions; this exists for explicit remote removal.
func (c *Client) DeleteFile(ctx context.Context, id string) error {
	_, err := c.call(ctx, "deleting item", request{
		method:   http.MethodDelete,
		endpoint: "/me/drive/items/" + url.PathEscape(id),
	})
	if err != nil {
		return err
	}

	c.logger.Info("graph: deleted item", slog.String("id", id))

	return nil
}

// DownloadFile streams the content of item id into localPath atomically.
// Missing parent directories are created. A failed attempt never leaves
// a partial file behind.
func (c *Client) DownloadFile(ctx context.Context, id, localPath string) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return 0, fmt.Errorf("creating parent directory: %w", err)
	}

	var n int64

	err := c.withRetry(ctx, "downloading file", func() error {
		resp, err := c.send(ctx, request{
			method:   http.MethodGet,
			endpoint: "/me/drive/items/" + url.PathEscape(id) + "/content",
		})
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		n, err = fsutil.WriteFrom(localPath, resp.Body, downloadPerm)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			return fmt.Errorf("writing %s: %w: %w", localPath, apperrors.ErrTransientNetwork, err)
		}

		return nil
	})
	if err != nil {
		return 0, err
	}

	c.logger.Info("graph: downloaded",
		slog.String("path", localPath),
		slog.String("size", humanize.Bytes(uint64(n))),
	)

	return n, nil
}

// UploadFile uploads localPath to remotePath, replacing any existing
// content. Files above the simple upload limit go through an upload
// session in fixed-size chunks.
func (c *Client) UploadFile(ctx context.Context, localPath, remotePath string) (RemoteItem, error) {
	info, err := os.Stat(localPath)
	if err != nil {
		return RemoteItem{}, fmt.Errorf("stat %s: %w", localPath, err)
	}

	var item RemoteItem

	if info.Size() > c.uploadLimit {
		item, err = c.uploadSession(ctx, localPath, remotePath, info.Size())
	} else {
		item, err = c.uploadSimple(ctx, localPath, remotePath)
	}

	if err != nil {
		return RemoteItem{}, err
	}

	c.logger.Info("graph: uploaded",
		slog.String("path", remotePath),
		slog.String("size", humanize.Bytes(uint64(info.Size()))),
	)

	return item, nil
}

func (c *Client) uploadSimple(ctx context.Context, localPath, remotePath string) (RemoteItem, error) {
	body, err := c.call(ctx, "uploading file", request{
		method:      http.MethodPut,
		endpoint:    itemByPathEndpoint(remotePath) + ":/content",
		contentType: "application/octet-stream",
		body:        fileBody(localPath),
	})
	if err != nil {
		return RemoteItem{}, err
	}

	return parseItemBytes(body), nil
}
