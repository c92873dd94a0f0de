// Package mcpserver registers MCP tools that expose the sync daemon's
// status and its explicit local-copy controls.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/alexjbarnes/onedrive-sync/internal/pathsafe"
	"github.com/alexjbarnes/onedrive-sync/internal/syncer"
)

// Controller is the part of the daemon the tools drive.
type Controller interface {
	Status() syncer.Snapshot
	ForceSync()
	KeepLocal(ctx context.Context, path string) (int, error)
	RemoveLocal(ctx context.Context, path string) error
}

// RegisterTools adds all sync tools to the given MCP server.
func RegisterTools(server *mcp.Server, c Controller) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "sync_status",
		Description: "Summary of the sync daemon: current phase, last completed sync, cached and tracked file counts, stuck deletions and the last error.",
	}, statusHandler(c))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_files",
		Description: "List known files with remote metadata and local sync state. Files with a local copy under two-way sync have synced=true; failed uploads carry upload_error.",
	}, listFilesHandler(c))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "force_sync",
		Description: "Request a full sync cycle as soon as the current one finishes.",
	}, forceSyncHandler(c))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "keep_local",
		Description: "Download a remote file, or every file below a remote folder, and keep it in two-way sync. Existing local files are never overwritten; the remote copy is saved as <name>.conflict instead.",
	}, keepLocalHandler(c))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "remove_local",
		Description: "Move the local copy of a file or folder to the trash and stop syncing it. The remote copy is kept.",
	}, removeLocalHandler(c))
}

// --- Input types ---
// The MCP SDK infers JSON schema from these struct types via jsonschema tags.

// StatusInput has no parameters.
type StatusInput struct{}

// ListFilesInput holds parameters for list_files.
type ListFilesInput struct {
	Prefix     string `json:"prefix,omitempty" jsonschema:"only list paths at or below this folder, relative to the sync root"`
	SyncedOnly bool   `json:"synced_only,omitempty" jsonschema:"only list files under two-way sync"`
}

// ForceSyncInput has no parameters.
type ForceSyncInput struct{}

// PathInput holds the single path parameter of keep_local and remove_local.
type PathInput struct {
	Path string `json:"path" jsonschema:"required,file or folder path relative to the sync root"`
}

// --- Result types ---

// StatusResult is the sync_status payload.
type StatusResult struct {
	Phase         string   `json:"phase"`
	LastSync      string   `json:"last_sync,omitempty"`
	DeltaToken    string   `json:"delta_token,omitempty"`
	RemoteFiles   int      `json:"remote_files"`
	RemoteFolders int      `json:"remote_folders"`
	RemoteSize    string   `json:"remote_size"`
	SyncedFiles   int      `json:"synced_files"`
	UploadErrors  int      `json:"upload_errors"`
	Conflicts     int      `json:"conflicts"`
	Pending       int      `json:"pending"`
	Stuck         []string `json:"stuck,omitempty"`
	LastError     string   `json:"last_error,omitempty"`
}

// FileEntry describes one file in list_files.
type FileEntry struct {
	Path        string `json:"path"`
	Size        int64  `json:"size"`
	SizeHuman   string `json:"size_human"`
	Modified    string `json:"modified,omitempty"`
	Remote      bool   `json:"remote"`
	Synced      bool   `json:"synced"`
	UploadError string `json:"upload_error,omitempty"`
	Conflict    bool   `json:"conflict,omitempty"`
}

// ListFilesResult is the list_files payload.
type ListFilesResult struct {
	Total int         `json:"total"`
	Files []FileEntry `json:"files"`
}

// ForceSyncResult acknowledges a force_sync request.
type ForceSyncResult struct {
	Requested bool `json:"requested"`
}

// KeepLocalResult reports what keep_local fetched.
type KeepLocalResult struct {
	Path    string `json:"path"`
	Fetched int    `json:"fetched"`
}

// RemoveLocalResult acknowledges remove_local.
type RemoveLocalResult struct {
	Path    string `json:"path"`
	Removed bool   `json:"removed"`
}

// --- Handlers ---

func statusHandler(c Controller) mcp.ToolHandlerFor[StatusInput, *StatusResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, _ StatusInput) (*mcp.CallToolResult, *StatusResult, error) {
		result := summarize(c.Status())
		return textResult(result), result, nil
	}
}

func summarize(s syncer.Snapshot) *StatusResult {
	r := &StatusResult{
		Phase:      s.Phase.String(),
		DeltaToken: s.DeltaToken,
		Pending:    s.Pending,
		Stuck:      s.Stuck,
		LastError:  s.LastError,
	}

	if !s.LastSync.IsZero() {
		r.LastSync = s.LastSync.UTC().Format(time.RFC3339)
	}

	var total uint64

	for _, e := range s.FileCache {
		if e.IsFolder {
			r.RemoteFolders++
			continue
		}

		r.RemoteFiles++
		total += uint64(e.Size)
	}

	r.RemoteSize = humanize.IBytes(total)

	for _, e := range s.Files {
		if e.Downloaded {
			r.SyncedFiles++
		}

		if e.UploadError != "" {
			r.UploadErrors++
		}

		if e.ConflictETag != "" {
			r.Conflicts++
		}
	}

	return r
}

func listFilesHandler(c Controller) mcp.ToolHandlerFor[ListFilesInput, *ListFilesResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, input ListFilesInput) (*mcp.CallToolResult, *ListFilesResult, error) {
		result := listFiles(c.Status(), pathsafe.Normalize(input.Prefix), input.SyncedOnly)
		return textResult(result), result, nil
	}
}

func listFiles(s syncer.Snapshot, prefix string, syncedOnly bool) *ListFilesResult {
	byPath := make(map[string]*FileEntry)

	for p, e := range s.FileCache {
		if e.IsFolder {
			continue
		}

		byPath[p] = &FileEntry{
			Path:     p,
			Size:     e.Size,
			Modified: e.LastModified,
			Remote:   true,
		}
	}

	// Local files that never made it up still show, with their error.
	for p, st := range s.Files {
		f, ok := byPath[p]
		if !ok {
			f = &FileEntry{Path: p, Size: st.LocalSize}
			byPath[p] = f
		}

		f.Synced = st.Downloaded
		f.UploadError = st.UploadError
		f.Conflict = st.ConflictETag != ""
	}

	files := make([]FileEntry, 0, len(byPath))

	for p, f := range byPath {
		if prefix != "" && p != prefix && !strings.HasPrefix(p, prefix+"/") {
			continue
		}

		if syncedOnly && !f.Synced {
			continue
		}

		f.SizeHuman = humanize.IBytes(uint64(f.Size))
		files = append(files, *f)
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })

	return &ListFilesResult{Total: len(files), Files: files}
}

func forceSyncHandler(c Controller) mcp.ToolHandlerFor[ForceSyncInput, *ForceSyncResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, _ ForceSyncInput) (*mcp.CallToolResult, *ForceSyncResult, error) {
		c.ForceSync()

		result := &ForceSyncResult{Requested: true}

		return textResult(result), result, nil
	}
}

func keepLocalHandler(c Controller) mcp.ToolHandlerFor[PathInput, *KeepLocalResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input PathInput) (*mcp.CallToolResult, *KeepLocalResult, error) {
		p := pathsafe.Normalize(input.Path)
		if p == "" {
			return nil, nil, fmt.Errorf("path is required")
		}

		n, err := c.KeepLocal(ctx, p)
		if err != nil {
			return nil, nil, err
		}

		result := &KeepLocalResult{Path: p, Fetched: n}

		return textResult(result), result, nil
	}
}

func removeLocalHandler(c Controller) mcp.ToolHandlerFor[PathInput, *RemoveLocalResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input PathInput) (*mcp.CallToolResult, *RemoveLocalResult, error) {
		p := pathsafe.Normalize(input.Path)
		if p == "" {
			return nil, nil, fmt.Errorf("path is required")
		}

		if err := c.RemoveLocal(ctx, p); err != nil {
			return nil, nil, err
		}

		result := &RemoveLocalResult{Path: p, Removed: true}

		return textResult(result), result, nil
	}
}

// textResult builds a CallToolResult with JSON text content from any value.
// This provides the unstructured content alongside the structured output
// that the SDK populates automatically.
func textResult(v any) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("error marshaling result: %v", err)}},
			IsError: true,
		}
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}
}
