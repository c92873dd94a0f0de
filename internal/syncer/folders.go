package syncer

import (
	"sort"
	"strings"
)

// FolderOpKind is the kind of a planned folder operation.
type FolderOpKind int

const (
	FolderCreateRemote FolderOpKind = iota
	FolderCreateLocal
	FolderRecycleLocal
)

func (k FolderOpKind) String() string {
	switch k {
	case FolderCreateRemote:
		return "create_remote"
	case FolderCreateLocal:
		return "create_local"
	case FolderRecycleLocal:
		return "recycle_local"
	default:
		return "unknown"
	}
}

// FolderOp is one step of folder reconciliation.
type FolderOp struct {
	Path string
	Kind FolderOpKind
}

// PlanFolders compares local and remote folder sets. Folders deleted
// remotely this cycle are recycled locally and nothing below them is
// created in either direction. Creates come first, parents before
// children; recycles follow, deepest first.
func PlanFolders(local, remote, deleted map[string]bool) []FolderOp {
	var recycles []string

	for p := range local {
		if deleted[p] {
			recycles = append(recycles, p)
		}
	}

	under := func(p string) bool {
		for _, r := range recycles {
			if p == r || strings.HasPrefix(p, r+"/") {
				return true
			}
		}

		return false
	}

	var creates []FolderOp

	for p := range local {
		if !remote[p] && !under(p) && !deleted[p] {
			creates = append(creates, FolderOp{Path: p, Kind: FolderCreateRemote})
		}
	}

	for p := range remote {
		if !local[p] && !under(p) && !deleted[p] {
			creates = append(creates, FolderOp{Path: p, Kind: FolderCreateLocal})
		}
	}

	sort.Slice(creates, func(i, j int) bool {
		di, dj := depth(creates[i].Path), depth(creates[j].Path)
		if di != dj {
			return di < dj
		}

		return creates[i].Path < creates[j].Path
	})

	sort.Slice(recycles, func(i, j int) bool {
		di, dj := depth(recycles[i]), depth(recycles[j])
		if di != dj {
			return di > dj
		}

		return recycles[i] < recycles[j]
	})

	ops := creates

	// Trashing an ancestor takes the subtree with it.
	for _, r := range recycles {
		if hasRecycledAncestor(r, recycles) {
			continue
		}

		ops = append(ops, FolderOp{Path: r, Kind: FolderRecycleLocal})
	}

	return ops
}

func hasRecycledAncestor(p string, recycles []string) bool {
	for _, r := range recycles {
		if r != p && strings.HasPrefix(p, r+"/") {
			return true
		}
	}

	return false
}

func depth(p string) int {
	return strings.Count(p, "/")
}
