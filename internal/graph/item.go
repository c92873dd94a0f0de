package graph

import (
	"github.com/tidwall/gjson"
)

// RemoteItem is one driveItem as reported by the Graph API, normalized at
// ingestion. Nothing outside this package sees raw provider field names.
type RemoteItem struct {
	ID           string
	Name         string
	Size         int64
	ETag         string
	LastModified string

	// ParentPath is parentReference.path verbatim, e.g.
	// "/drive/root:/Docs". Delta responses usually omit it; ParentID is
	// always present for non-root items.
	ParentPath string
	ParentID   string

	IsFolder bool
	IsRoot   bool
	Deleted  bool
}

// parseItem reads the driveItem fields the daemon cares about. Folder,
// root and deleted are facets: their presence is the signal, not their
// content.
func parseItem(r gjson.Result) RemoteItem {
	return RemoteItem{
		ID:           r.Get("id").String(),
		Name:         r.Get("name").String(),
		Size:         r.Get("size").Int(),
		ETag:         r.Get("eTag").String(),
		LastModified: r.Get("lastModifiedDateTime").String(),
		ParentPath:   r.Get("parentReference.path").String(),
		ParentID:     r.Get("parentReference.id").String(),
		IsFolder:     r.Get("folder").Exists(),
		IsRoot:       r.Get("root").Exists(),
		Deleted:      r.Get("deleted").Exists(),
	}
}

func parseItemBytes(data []byte) RemoteItem {
	return parseItem(gjson.ParseBytes(data))
}
