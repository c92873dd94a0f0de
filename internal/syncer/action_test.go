package syncer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/alexjbarnes/onedrive-sync/internal/state"
)

var (
	t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	t1 = t0.Add(time.Hour)
)

func local(size int64, mtime time.Time) *LocalFileInfo {
	return &LocalFileInfo{Path: "a.txt", Mtime: mtime, Size: size}
}

func remote(size int64, etag, modified string) *state.FileCacheEntry {
	return &state.FileCacheEntry{ID: "I1", Name: "a.txt", Size: size, ETag: etag, LastModified: modified}
}

func synced() *state.SyncStateEntry {
	return &state.SyncStateEntry{
		LocalMtime:     t0,
		LocalSize:      10,
		RemoteETag:     "e1",
		RemoteModified: "m1",
		Downloaded:     true,
	}
}

func TestDetermineAction(t *testing.T) {
	tests := []struct {
		name string
		in   ActionInput
		want Action
	}{
		{
			name: "neither side exists",
			in:   ActionInput{State: synced(), DeletedThisCycle: true, InCache: true},
			want: ActionSkip,
		},
		{
			name: "local only never synced",
			in:   ActionInput{Local: local(10, t0)},
			want: ActionUpload,
		},
		{
			name: "local only but was in cache",
			in:   ActionInput{Local: local(10, t0), InCache: true},
			want: ActionRecycle,
		},
		{
			name: "local only with synced state",
			in:   ActionInput{Local: local(10, t0), State: synced()},
			want: ActionRecycle,
		},
		{
			name: "local only with state but no etag",
			in:   ActionInput{Local: local(10, t0), State: &state.SyncStateEntry{Downloaded: true, UploadError: "boom"}},
			want: ActionUpload,
		},
		{
			name: "remote only never synced",
			in:   ActionInput{Remote: remote(10, "e1", "m1")},
			want: ActionSkip,
		},
		{
			name: "remote only with state",
			in:   ActionInput{Remote: remote(10, "e2", "m2"), State: synced()},
			want: ActionSkip,
		},
		{
			name: "both exist no state same size",
			in:   ActionInput{Local: local(10, t0), Remote: remote(10, "e1", "m1")},
			want: ActionSkip,
		},
		{
			name: "both exist no state different size",
			in:   ActionInput{Local: local(11, t0), Remote: remote(10, "e1", "m1")},
			want: ActionConflict,
		},
		{
			name: "not downloaded",
			in: ActionInput{
				Local:  local(99, t1),
				Remote: remote(10, "e9", "m9"),
				State:  &state.SyncStateEntry{RemoteETag: "e1"},
			},
			want: ActionSkip,
		},
		{
			name: "synced and unchanged",
			in:   ActionInput{Local: local(10, t0), Remote: remote(10, "e1", "m1"), State: synced()},
			want: ActionSkip,
		},
		{
			name: "local mtime changed",
			in:   ActionInput{Local: local(10, t1), Remote: remote(10, "e1", "m1"), State: synced()},
			want: ActionUpload,
		},
		{
			name: "local size changed",
			in:   ActionInput{Local: local(12, t0), Remote: remote(10, "e1", "m1"), State: synced()},
			want: ActionUpload,
		},
		{
			name: "remote etag changed",
			in:   ActionInput{Local: local(10, t0), Remote: remote(10, "e2", "m1"), State: synced()},
			want: ActionDownload,
		},
		{
			name: "remote modified changed",
			in:   ActionInput{Local: local(10, t0), Remote: remote(10, "e1", "m2"), State: synced()},
			want: ActionDownload,
		},
		{
			name: "both changed",
			in:   ActionInput{Local: local(12, t1), Remote: remote(10, "e2", "m2"), State: synced()},
			want: ActionConflict,
		},
		{
			name: "deleted this cycle wins over changes",
			in: ActionInput{
				Local:            local(12, t1),
				Remote:           remote(10, "e2", "m2"),
				State:            synced(),
				DeletedThisCycle: true,
			},
			want: ActionRecycle,
		},
		{
			name: "deleted this cycle local only",
			in:   ActionInput{Local: local(10, t0), DeletedThisCycle: true},
			want: ActionRecycle,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DetermineAction(tt.in))
		})
	}
}

func TestDetermineAction_MtimeComparedByInstant(t *testing.T) {
	in := ActionInput{
		Local:  local(10, t0.In(time.FixedZone("CET", 3600))),
		Remote: remote(10, "e1", "m1"),
		State:  synced(),
	}

	assert.Equal(t, ActionSkip, DetermineAction(in))
}

func TestDetermineAction_PureAndIdempotent(t *testing.T) {
	st := synced()
	in := ActionInput{Local: local(12, t1), Remote: remote(10, "e2", "m2"), State: st}

	first := DetermineAction(in)
	second := DetermineAction(in)

	assert.Equal(t, first, second)
	assert.Equal(t, *synced(), *st, "input state must not be mutated")
}

func TestAction_String(t *testing.T) {
	assert.Equal(t, "skip", ActionSkip.String())
	assert.Equal(t, "upload", ActionUpload.String())
	assert.Equal(t, "download", ActionDownload.String())
	assert.Equal(t, "conflict", ActionConflict.String())
	assert.Equal(t, "recycle", ActionRecycle.String())
}

func set(paths ...string) map[string]bool {
	m := make(map[string]bool, len(paths))
	for _, p := range paths {
		m[p] = true
	}

	return m
}

func TestPlanFolders(t *testing.T) {
	tests := []struct {
		name    string
		local   map[string]bool
		remote  map[string]bool
		deleted map[string]bool
		want    []FolderOp
	}{
		{
			name:   "in sync",
			local:  set("a", "a/b"),
			remote: set("a", "a/b"),
		},
		{
			name:   "local only creates remote parent first",
			local:  set("x/y/z", "x", "x/y"),
			remote: set(),
			want: []FolderOp{
				{Path: "x", Kind: FolderCreateRemote},
				{Path: "x/y", Kind: FolderCreateRemote},
				{Path: "x/y/z", Kind: FolderCreateRemote},
			},
		},
		{
			name:   "remote only creates local",
			local:  set(),
			remote: set("docs", "docs/work"),
			want: []FolderOp{
				{Path: "docs", Kind: FolderCreateLocal},
				{Path: "docs/work", Kind: FolderCreateLocal},
			},
		},
		{
			name:    "deleted folder recycled and subtree left alone",
			local:   set("old", "old/sub", "old/sub/deep", "keep"),
			remote:  set("keep"),
			deleted: set("old", "old/sub"),
			want: []FolderOp{
				{Path: "old", Kind: FolderRecycleLocal},
			},
		},
		{
			name:    "deleted folder not on disk needs nothing",
			local:   set(),
			remote:  set(),
			deleted: set("gone"),
		},
		{
			name:    "sibling recycles deepest first",
			local:   set("a", "a/b", "c"),
			remote:  set("a"),
			deleted: set("a/b", "c"),
			want: []FolderOp{
				{Path: "a/b", Kind: FolderRecycleLocal},
				{Path: "c", Kind: FolderRecycleLocal},
			},
		},
		{
			name:   "mixed creates ordered by depth then name",
			local:  set("l", "l/x"),
			remote: set("r", "r/y"),
			want: []FolderOp{
				{Path: "l", Kind: FolderCreateRemote},
				{Path: "r", Kind: FolderCreateLocal},
				{Path: "l/x", Kind: FolderCreateRemote},
				{Path: "r/y", Kind: FolderCreateLocal},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := PlanFolders(tt.local, tt.remote, tt.deleted)
			if len(tt.want) == 0 {
				assert.Empty(t, got)
				return
			}

			assert.Equal(t, tt.want, got)
		})
	}
}
