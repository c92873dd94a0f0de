package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/tidwall/gjson"
)

type sectionReadCloser struct {
	io.Reader
	io.Closer
}

func sectionBody(localPath string, off, n int64) bodyFunc {
	return func() (io.ReadCloser, int64, error) {
		f, err := os.Open(localPath)
		if err != nil {
			return nil, 0, err
		}

		return sectionReadCloser{Reader: io.NewSectionReader(f, off, n), Closer: f}, n, nil
	}
}

// uploadSession sends a large file through a resumable upload session.
// Each chunk is retried on its own; the session URL is pre-authenticated
// and lives on a different host, so no bearer token goes with it.
func (c *Client) uploadSession(ctx context.Context, localPath, remotePath string, size int64) (RemoteItem, error) {
	payload, err := json.Marshal(map[string]any{
		"item": map[string]any{
			"@microsoft.graph.conflictBehavior": "replace",
		},
	})
	if err != nil {
		return RemoteItem{}, fmt.Errorf("marshalling request body: %w", err)
	}

	body, err := c.call(ctx, "creating upload session", request{
		method:      http.MethodPost,
		endpoint:    itemByPathEndpoint(remotePath) + ":/createUploadSession",
		body:        bytesBody(payload),
		contentType: "application/json",
	})
	if err != nil {
		return RemoteItem{}, err
	}

	uploadURL := gjson.GetBytes(body, "uploadUrl").String()
	if uploadURL == "" {
		return RemoteItem{}, fmt.Errorf("upload session for %s returned no uploadUrl", remotePath)
	}

	var last []byte

	for off := int64(0); off < size; off += c.chunkSize {
		n := min(c.chunkSize, size-off)

		last, err = c.call(ctx, "uploading chunk", request{
			method:   http.MethodPut,
			endpoint: uploadURL,
			body:     sectionBody(localPath, off, n),
			headers: map[string]string{
				"Content-Range": fmt.Sprintf("bytes %d-%d/%d", off, off+n-1, size),
			},
			external: true,
		})
		if err != nil {
			// Best effort: an abandoned session expires on its own.
			if resp, derr := c.send(ctx, request{method: http.MethodDelete, endpoint: uploadURL, external: true}); derr == nil {
				resp.Body.Close()
			}

			return RemoteItem{}, err
		}
	}

	return parseItemBytes(last), nil
}
