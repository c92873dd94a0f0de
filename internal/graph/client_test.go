package graph

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	apperrors "github.com/alexjbarnes/onedrive-sync/internal/errors"
)

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// newTestClient creates a Client pointed at the given httptest server with
// millisecond retry delays.
func newTestClient(srv *httptest.Server) *Client {
	return &Client{
		httpClient:  srv.Client(),
		baseURL:     srv.URL,
		tokens:      oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "test-token", TokenType: "Bearer"}),
		logger:      quietLogger,
		clock:       clockwork.NewRealClock(),
		maxRetries:  defaultRetries,
		baseDelay:   time.Millisecond,
		uploadLimit: simpleUploadLimit,
		chunkSize:   uploadChunkSize,
	}
}

const itemJSON = `{
	"id": "ITEM1",
	"name": "a.txt",
	"size": 12,
	"eTag": "\"{E1},1\"",
	"lastModifiedDateTime": "2024-03-01T10:00:00Z",
	"parentReference": {"id": "PARENT", "path": "/drive/root:/Docs"},
	"file": {}
}`

// --- send / retry internals ---

func TestSend_SetsBearerToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		w.Write([]byte(itemJSON))
	}))
	defer srv.Close()

	_, err := newTestClient(srv).GetFileMetadata(context.Background(), "ITEM1")
	require.NoError(t, err)
}

type failingSource struct{}

func (failingSource) Token() (*oauth2.Token, error) {
	return nil, errors.New("refresh rejected")
}

func TestSend_TokenFailureIsUnauthenticatedAndNotRetried(t *testing.T) {
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	c := newTestClient(srv)
	c.tokens = failingSource{}

	_, err := c.GetFileMetadata(context.Background(), "X")
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrUnauthenticated)
	assert.Equal(t, apperrors.KindUnauthenticated, apperrors.KindOf(err))
	assert.Zero(t, calls.Load())
}

func TestCall_RetriesTransientThenSucceeds(t *testing.T) {
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(itemJSON))
	}))
	defer srv.Close()

	item, err := newTestClient(srv).GetFileMetadata(context.Background(), "ITEM1")
	require.NoError(t, err)
	assert.Equal(t, "ITEM1", item.ID)
	assert.Equal(t, int32(3), calls.Load())
}

func TestCall_GivesUpAfterThreeRetries(t *testing.T) {
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":{"code":"generalException","message":"boom"}}`))
	}))
	defer srv.Close()

	_, err := newTestClient(srv).GetFileMetadata(context.Background(), "ITEM1")
	require.Error(t, err)
	assert.Equal(t, int32(4), calls.Load())
	assert.ErrorIs(t, err, apperrors.ErrTransientNetwork)
	assert.Contains(t, err.Error(), "after 3 retries")
	assert.Contains(t, err.Error(), "boom")

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "generalException", apiErr.Code)
}

func TestCall_RetriesTooManyRequests(t *testing.T) {
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(itemJSON))
	}))
	defer srv.Close()

	_, err := newTestClient(srv).GetFileMetadata(context.Background(), "ITEM1")
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestCall_DoesNotRetryClientErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		kind   apperrors.Kind
	}{
		{"bad request", http.StatusBadRequest, apperrors.KindUnknown},
		{"not found", http.StatusNotFound, apperrors.KindNotFound},
		{"unauthorized", http.StatusUnauthorized, apperrors.KindUnauthenticated},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32

			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			_, err := newTestClient(srv).GetFileMetadata(context.Background(), "ITEM1")
			require.Error(t, err)
			assert.Equal(t, int32(1), calls.Load())
			assert.Equal(t, tt.kind, apperrors.KindOf(err))
		})
	}
}

func TestWithRetry_BackoffDoubles(t *testing.T) {
	fc := clockwork.NewFakeClock()
	c := &Client{logger: quietLogger, clock: fc, maxRetries: 3, baseDelay: time.Second}

	var attempts atomic.Int32

	fn := func() error {
		attempts.Add(1)
		return apperrors.ErrTransientNetwork
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- c.withRetry(ctx, "op", fn) }()

	require.NoError(t, fc.BlockUntilContext(ctx, 1))
	assert.Equal(t, int32(1), attempts.Load())

	fc.Advance(999 * time.Millisecond)
	assert.Equal(t, int32(1), attempts.Load())

	fc.Advance(time.Millisecond)
	require.Eventually(t, func() bool { return attempts.Load() == 2 }, time.Second, time.Millisecond)

	require.NoError(t, fc.BlockUntilContext(ctx, 1))
	fc.Advance(2 * time.Second)
	require.Eventually(t, func() bool { return attempts.Load() == 3 }, time.Second, time.Millisecond)

	require.NoError(t, fc.BlockUntilContext(ctx, 1))
	fc.Advance(3 * time.Second)
	assert.Equal(t, int32(3), attempts.Load(), "third retry waits 4s")
	fc.Advance(time.Second)

	select {
	case err := <-done:
		require.Error(t, err)
		assert.ErrorIs(t, err, apperrors.ErrTransientNetwork)
	case <-ctx.Done():
		t.Fatal("withRetry did not return")
	}

	assert.Equal(t, int32(4), attempts.Load())
}

func TestWithRetry_ContextCancelledStopsWaiting(t *testing.T) {
	c := &Client{logger: quietLogger, clock: clockwork.NewFakeClock(), maxRetries: 3, baseDelay: time.Hour}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := c.withRetry(ctx, "op", func() error { return apperrors.ErrTransientNetwork })
	assert.ErrorIs(t, err, context.Canceled)
}

// --- links and paths ---

func TestCheckTrusted(t *testing.T) {
	c := &Client{baseURL: "https://graph.microsoft.com/v1.0"}

	tests := []struct {
		link string
		ok   bool
	}{
		{"https://graph.microsoft.com/v1.0/me/drive/root/delta?token=abc", true},
		{"https://graph.microsoft.com/beta/anything", true},
		{"http://graph.microsoft.com/v1.0/me/drive/root/delta", false},
		{"https://evil.example.com/v1.0/me/drive/root/delta", false},
		{"https://graph.microsoft.com.evil.example.com/", false},
		{"://broken", false},
	}

	for _, tt := range tests {
		t.Run(tt.link, func(t *testing.T) {
			err := c.checkTrusted(tt.link)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, apperrors.ErrUntrustedLink)
			}
		})
	}
}

func TestEscapePath(t *testing.T) {
	assert.Equal(t, "Docs/a%20b.txt", escapePath("Docs/a b.txt"))
	assert.Equal(t, "Docs/50%25", escapePath("/Docs/50%/"))
	assert.Equal(t, "%23notes", escapePath("#notes"))
}

// --- operations ---

func TestGetFileMetadata_NormalizesItem(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/me/drive/items/ITEM1", r.URL.Path)
		w.Write([]byte(itemJSON))
	}))
	defer srv.Close()

	item, err := newTestClient(srv).GetFileMetadata(context.Background(), "ITEM1")
	require.NoError(t, err)
	assert.Equal(t, RemoteItem{
		ID:           "ITEM1",
		Name:         "a.txt",
		Size:         12,
		ETag:         `"{E1},1"`,
		LastModified: "2024-03-01T10:00:00Z",
		ParentPath:   "/drive/root:/Docs",
		ParentID:     "PARENT",
	}, item)
}

func TestCreateFolder_PostsToParentChildren(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/me/drive/root:/Docs/Work:/children", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "New", body["name"])
		assert.Equal(t, "fail", body["@microsoft.graph.conflictBehavior"])
		assert.Contains(t, body, "folder")

		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id":"F9","name":"New","folder":{"childCount":0}}`))
	}))
	defer srv.Close()

	item, err := newTestClient(srv).CreateFolder(context.Background(), "Docs/Work/New")
	require.NoError(t, err)
	assert.Equal(t, "F9", item.ID)
	assert.True(t, item.IsFolder)
}

func TestCreateFolder_TopLevelUsesRootChildren(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/me/drive/root/children", r.URL.Path)
		w.Write([]byte(`{"id":"F1","name":"Top","folder":{}}`))
	}))
	defer srv.Close()

	_, err := newTestClient(srv).CreateFolder(context.Background(), "Top")
	require.NoError(t, err)
}

func TestCreateFolder_ExistingFetchesMetadata(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			w.WriteHeader(http.StatusConflict)
			w.Write([]byte(`{"error":{"code":"nameAlreadyExists","message":"exists"}}`))
		case http.MethodGet:
			assert.Equal(t, "/me/drive/root:/Docs", r.URL.Path)
			w.Write([]byte(`{"id":"EXISTING","name":"Docs","folder":{}}`))
		}
	}))
	defer srv.Close()

	item, err := newTestClient(srv).CreateFolder(context.Background(), "Docs")
	require.NoError(t, err)
	assert.Equal(t, "EXISTING", item.ID)
}

func TestDeleteFile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		assert.Equal(t, "/me/drive/items/ITEM1", r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	require.NoError(t, newTestClient(srv).DeleteFile(context.Background(), "ITEM1"))
}

func TestDeleteFile_NotFoundIsExplicit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	err := newTestClient(srv).DeleteFile(context.Background(), "GONE")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestUploadFile_SimplePut(t *testing.T) {
	dir := t.TempDir()
	local := filepath.Join(dir, "a b.txt")
	require.NoError(t, os.WriteFile(local, []byte("hello world"), 0o600))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/me/drive/root:/Docs/a b.txt:/content", r.URL.Path)
		assert.Equal(t, int64(11), r.ContentLength)
		assert.Equal(t, "application/octet-stream", r.Header.Get("Content-Type"))

		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, "hello world", string(body))

		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id":"U1","name":"a b.txt","size":11,"eTag":"e-up","lastModifiedDateTime":"2024-03-02T00:00:00Z"}`))
	}))
	defer srv.Close()

	item, err := newTestClient(srv).UploadFile(context.Background(), local, "Docs/a b.txt")
	require.NoError(t, err)
	assert.Equal(t, "U1", item.ID)
	assert.Equal(t, "e-up", item.ETag)
	assert.Equal(t, "2024-03-02T00:00:00Z", item.LastModified)
}

func TestUploadFile_EmptyFile(t *testing.T) {
	local := filepath.Join(t.TempDir(), "empty.txt")
	require.NoError(t, os.WriteFile(local, nil, 0o600))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, int64(0), r.ContentLength)
		w.Write([]byte(`{"id":"U0","size":0}`))
	}))
	defer srv.Close()

	item, err := newTestClient(srv).UploadFile(context.Background(), local, "empty.txt")
	require.NoError(t, err)
	assert.Equal(t, "U0", item.ID)
}

func TestUploadFile_RetryReopensBody(t *testing.T) {
	local := filepath.Join(t.TempDir(), "a.txt")
	require.NoError(t, os.WriteFile(local, []byte("data"), 0o600))

	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, "data", string(body))

		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"id":"U1"}`))
	}))
	defer srv.Close()

	_, err := newTestClient(srv).UploadFile(context.Background(), local, "a.txt")
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestUploadFile_SessionInChunks(t *testing.T) {
	local := filepath.Join(t.TempDir(), "big.bin")
	require.NoError(t, os.WriteFile(local, []byte("0123456789"), 0o600))

	var (
		mu     sync.Mutex
		ranges []string
		chunks []string
	)

	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/me/drive/root:/big.bin:/createUploadSession":
			assert.Equal(t, http.MethodPost, r.Method)
			assert.NotEmpty(t, r.Header.Get("Authorization"))
			w.Write([]byte(`{"uploadUrl":"` + srv.URL + `/upload/session-1"}`))
		case "/upload/session-1":
			assert.Equal(t, http.MethodPut, r.Method)
			assert.Empty(t, r.Header.Get("Authorization"), "session URL is pre-authenticated")

			body, _ := io.ReadAll(r.Body)

			mu.Lock()
			ranges = append(ranges, r.Header.Get("Content-Range"))
			chunks = append(chunks, string(body))
			n := len(ranges)
			mu.Unlock()

			if n < 3 {
				w.WriteHeader(http.StatusAccepted)
				w.Write([]byte(`{"nextExpectedRanges":["x-"]}`))
				return
			}
			w.WriteHeader(http.StatusCreated)
			w.Write([]byte(`{"id":"BIG","size":10,"eTag":"e-big"}`))
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
	}))
	defer srv.Close()

	c := newTestClient(srv)
	c.uploadLimit = 4
	c.chunkSize = 4

	item, err := c.UploadFile(context.Background(), local, "big.bin")
	require.NoError(t, err)
	assert.Equal(t, "BIG", item.ID)
	assert.Equal(t, []string{"bytes 0-3/10", "bytes 4-7/10", "bytes 8-9/10"}, ranges)
	assert.Equal(t, []string{"0123", "4567", "89"}, chunks)
}

func TestUploadFile_MissingLocalFile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected")
	}))
	defer srv.Close()

	_, err := newTestClient(srv).UploadFile(context.Background(), filepath.Join(t.TempDir(), "nope"), "nope")
	require.Error(t, err)
}

func TestDownloadFile_WritesAtomically(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/me/drive/items/ITEM1/content", r.URL.Path)
		w.Write([]byte("remote content"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	dest := filepath.Join(dir, "nested", "a.txt")

	n, err := newTestClient(srv).DownloadFile(context.Background(), "ITEM1", dest)
	require.NoError(t, err)
	assert.Equal(t, int64(len("remote content")), n)

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "remote content", string(data))

	entries, err := os.ReadDir(filepath.Dir(dest))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}

func TestDownloadFile_FailureKeepsExistingFile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	dir := t.TempDir()
	dest := filepath.Join(dir, "a.txt")
	require.NoError(t, os.WriteFile(dest, []byte("old"), 0o600))

	_, err := newTestClient(srv).DownloadFile(context.Background(), "ITEM1", dest)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrTransientNetwork)

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "old", string(data))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
