package syncer

import (
	gitignore "github.com/sabhiram/go-gitignore"
)

// OS and editor droppings that never sync, whatever the config says.
var defaultIgnoreLines = []string{
	".DS_Store",
	"Thumbs.db",
	"desktop.ini",
	"*.swp",
	"*.conflict",
}

// IgnoreList matches relative paths against gitignore-style patterns.
type IgnoreList struct {
	ignore *gitignore.GitIgnore
}

// NewIgnoreList compiles the built-in patterns plus extra lines from the
// configuration. Blank lines and comments are ignored by the parser.
func NewIgnoreList(extra ...string) *IgnoreList {
	lines := make([]string, 0, len(defaultIgnoreLines)+len(extra))
	lines = append(lines, defaultIgnoreLines...)
	lines = append(lines, extra...)

	return &IgnoreList{ignore: gitignore.CompileIgnoreLines(lines...)}
}

// Match reports whether rel (slash-separated, relative to the sync root)
// is excluded. Directories are matched with a trailing slash so that
// "build/" style patterns apply to the folder itself.
func (l *IgnoreList) Match(rel string, isDir bool) bool {
	if l == nil || l.ignore == nil || rel == "" {
		return false
	}

	if isDir {
		rel += "/"
	}

	return l.ignore.MatchesPath(rel)
}
