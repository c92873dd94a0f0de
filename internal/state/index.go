package state

import (
	"path"
	"sort"
	"strings"
)

// TreeIndex is a lookup layer over the file cache: item ID to path, and
// folder path to direct children. The cache map stays the source of
// truth; the index is rebuilt from it at the start of every cycle and
// kept in step by Put and Remove.
type TreeIndex struct {
	byID     map[string]string
	children map[string]map[string]struct{}
}

// NewTreeIndex builds an index over cache.
func NewTreeIndex(cache map[string]FileCacheEntry) *TreeIndex {
	ix := &TreeIndex{
		byID:     make(map[string]string, len(cache)),
		children: make(map[string]map[string]struct{}),
	}

	for p, e := range cache {
		ix.Put(p, e)
	}

	return ix
}

// Put records p under its parent and maps the entry's ID to p.
func (ix *TreeIndex) Put(p string, e FileCacheEntry) {
	if e.ID != "" {
		if old, ok := ix.byID[e.ID]; ok && old != p {
			ix.unlink(old)
		}

		ix.byID[e.ID] = p
	}

	parent := parentOf(p)

	kids, ok := ix.children[parent]
	if !ok {
		kids = make(map[string]struct{})
		ix.children[parent] = kids
	}

	kids[p] = struct{}{}
}

// Remove drops p from the index. The caller is responsible for removing
// descendants (see Descendants).
func (ix *TreeIndex) Remove(p string, id string) {
	if id != "" && ix.byID[id] == p {
		delete(ix.byID, id)
	}

	ix.unlink(p)
}

func (ix *TreeIndex) unlink(p string) {
	if kids, ok := ix.children[parentOf(p)]; ok {
		delete(kids, p)
	}
}

// PathOf returns the cached path for an item ID.
func (ix *TreeIndex) PathOf(id string) (string, bool) {
	p, ok := ix.byID[id]
	return p, ok
}

// Children returns the direct children of folder in sorted order. Use ""
// for the root.
func (ix *TreeIndex) Children(folder string) []string {
	kids := ix.children[folder]

	out := make([]string, 0, len(kids))
	for k := range kids {
		out = append(out, k)
	}

	sort.Strings(out)

	return out
}

// Descendants returns every path below folder, deepest first, so callers
// can delete in order without orphaning children.
func (ix *TreeIndex) Descendants(folder string) []string {
	var out []string

	var walk func(string)
	walk = func(p string) {
		for _, c := range ix.Children(p) {
			walk(c)
			out = append(out, c)
		}
	}

	walk(folder)

	return out
}

func parentOf(p string) string {
	dir := path.Dir(p)
	if dir == "." || dir == "/" {
		return ""
	}

	return strings.TrimPrefix(dir, "/")
}
