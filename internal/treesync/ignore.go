package treesync

import (
	"strings"

	gitignore "github.com/sabhiram/go-gitignore"
)

// ExcludeList matches root-relative paths against gitignore style patterns.
// Excluded paths are neither transferred nor pruned.
type ExcludeList struct {
	patterns []string
	ignore   *gitignore.GitIgnore
}

func NewExcludeList(patterns []string) *ExcludeList {
	var cleaned []string
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" || strings.HasPrefix(p, "#") {
			continue
		}
		cleaned = append(cleaned, p)
	}
	return &ExcludeList{
		patterns: cleaned,
		ignore:   gitignore.CompileIgnoreLines(cleaned...),
	}
}

// Patterns returns the active patterns.
func (e *ExcludeList) Patterns() []string {
	if e == nil {
		return nil
	}
	return e.patterns
}

// Excluded reports whether rel is excluded. Directory patterns ending in a
// slash are matched for directories too.
func (e *ExcludeList) Excluded(rel string, isDir bool) bool {
	if e == nil || len(e.patterns) == 0 || rel == rootRel {
		return false
	}
	if e.ignore.MatchesPath(rel) {
		return true
	}
	return isDir && e.ignore.MatchesPath(rel+"/")
}

// filter drops excluded directories with their subtrees and excluded files.
// Excluded names stay in protected so pruning leaves them alone.
func (e *ExcludeList) filter(dirs []*Dir) (kept []*Dir, protected map[string][]string) {
	protected = make(map[string][]string)
	if e == nil || len(e.patterns) == 0 {
		return dirs, protected
	}

	dropped := make(map[string]bool)
	for _, d := range dirs {
		if d.Rel != rootRel && (dropped[parentOf(d.Rel)] || e.Excluded(d.Rel, true)) {
			dropped[d.Rel] = true
			continue
		}

		files := d.Files[:0:0]
		for _, f := range d.Files {
			if e.Excluded(d.RelPath(f.Name), false) {
				protected[d.Rel] = append(protected[d.Rel], f.Name)
				continue
			}
			files = append(files, f)
		}
		d.Files = files
		kept = append(kept, d)
	}
	return kept, protected
}
