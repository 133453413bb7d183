package treesync

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/openmined/treesync/internal/fingerprint"
	"github.com/openmined/treesync/internal/remote"
	"github.com/openmined/treesync/internal/syncerr"
)

const rootRel = "."

// File is a regular file in a source directory, or a symbolic link to one.
// Links are followed: the destination receives the target's content.
type File struct {
	Name    string
	Size    int64
	ModTime time.Time
}

// Dir is one source directory as seen by the walk.
type Dir struct {
	// Rel is the slash separated path relative to the source root, "." for the root.
	Rel   string
	Files []File
	// Dirs holds the names of the child directories.
	Dirs []string
	// Other holds names that are neither synced nor descended into: links to
	// directories, dangling links and special files. Their destination
	// counterparts are never pruned.
	Other []string
	// Err is set when the directory could not be fully read. Such a directory
	// is synced with what was read but never pruned.
	Err error
}

// RelPath returns the root-relative path of a file in the directory.
func (d *Dir) RelPath(name string) string {
	if d.Rel == rootRel {
		return name
	}
	return path.Join(d.Rel, name)
}

// Source is the tree being copied from.
type Source interface {
	Endpoint() remote.Endpoint
	// Walk returns every directory below the root, parents before children.
	Walk(ctx context.Context) ([]*Dir, error)
	// Fingerprint digests the file at the root-relative path.
	Fingerprint(ctx context.Context, algo fingerprint.Algorithm, rel string) (fingerprint.Fingerprint, error)
}

// treeBuilder collects walk entries into Dirs, creating parents on demand so
// that the result is always ordered parents first.
type treeBuilder struct {
	dirs  []*Dir
	index map[string]*Dir
}

func newTreeBuilder() *treeBuilder {
	root := &Dir{Rel: rootRel}
	return &treeBuilder{
		dirs:  []*Dir{root},
		index: map[string]*Dir{rootRel: root},
	}
}

func (b *treeBuilder) dir(rel string) *Dir {
	if d, ok := b.index[rel]; ok {
		return d
	}
	parent := b.dir(parentOf(rel))
	parent.Dirs = append(parent.Dirs, path.Base(rel))

	d := &Dir{Rel: rel}
	b.index[rel] = d
	b.dirs = append(b.dirs, d)
	return d
}

func (b *treeBuilder) file(rel string, size int64, modTime time.Time) {
	d := b.dir(parentOf(rel))
	d.Files = append(d.Files, File{Name: path.Base(rel), Size: size, ModTime: modTime})
}

func (b *treeBuilder) other(rel string) {
	d := b.dir(parentOf(rel))
	d.Other = append(d.Other, path.Base(rel))
}

func (b *treeBuilder) result() []*Dir {
	for _, d := range b.dirs {
		sort.Slice(d.Files, func(i, j int) bool { return d.Files[i].Name < d.Files[j].Name })
		sort.Strings(d.Dirs)
		sort.Strings(d.Other)
	}
	return b.dirs
}

func parentOf(rel string) string {
	parent := path.Dir(rel)
	if parent == "" {
		return rootRel
	}
	return parent
}

// LocalSource is a tree on this machine.
type LocalSource struct {
	root string
}

func NewLocalSource(root string) *LocalSource {
	return &LocalSource{root: filepath.Clean(root)}
}

func (s *LocalSource) Endpoint() remote.Endpoint {
	return remote.Endpoint{Root: s.root}
}

// Walk implements Source. A symlinked root is resolved first; links below it
// are followed only when they point at regular files.
func (s *LocalSource) Walk(ctx context.Context) ([]*Dir, error) {
	root, err := filepath.EvalSymlinks(s.root)
	if err != nil {
		return nil, syncerr.LocalIO("resolve", s.root, err)
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, syncerr.LocalIO("stat", s.root, err)
	}
	if !info.IsDir() {
		return nil, syncerr.LocalIO("walk", s.root, fmt.Errorf("not a directory"))
	}

	b := newTreeBuilder()
	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, walkErr error) error {
		if err := ctx.Err(); err != nil {
			return err
		}

		rel, err := filepath.Rel(root, p)
		if err != nil {
			return fmt.Errorf("walk rel path: %w", err)
		}
		rel = filepath.ToSlash(rel)

		if walkErr != nil {
			if d != nil && d.IsDir() {
				slog.Warn("walk", "path", p, "error", walkErr)
				b.dir(rel).Err = syncerr.LocalIO("read dir", p, walkErr)
				return filepath.SkipDir
			}
			slog.Warn("walk", "path", p, "error", walkErr)
			return nil
		}

		switch {
		case d.IsDir():
			b.dir(rel)
		case d.Type().IsRegular():
			info, err := d.Info()
			if err != nil {
				slog.Warn("walk stat", "path", p, "error", err)
				return nil
			}
			b.file(rel, info.Size(), info.ModTime())
		case d.Type()&fs.ModeSymlink != 0:
			target, err := os.Stat(p)
			if err != nil || !target.Mode().IsRegular() {
				slog.Debug("walk keep", "path", p, "reason", "link not to a regular file")
				b.other(rel)
				return nil
			}
			b.file(rel, target.Size(), target.ModTime())
		default:
			slog.Debug("walk keep", "path", p, "type", d.Type().String())
			b.other(rel)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, syncerr.LocalIO("walk", s.root, err)
	}
	return b.result(), nil
}

// Fingerprint implements Source.
func (s *LocalSource) Fingerprint(_ context.Context, algo fingerprint.Algorithm, rel string) (fingerprint.Fingerprint, error) {
	return fingerprint.Local(algo, filepath.Join(s.root, filepath.FromSlash(rel)))
}

// RemoteSource is a tree on a remote host, walked with find.
type RemoteSource struct {
	endpoint remote.Endpoint
	exec     remote.Executor
}

func NewRemoteSource(endpoint remote.Endpoint, exec remote.Executor) *RemoteSource {
	return &RemoteSource{endpoint: endpoint, exec: exec}
}

func (s *RemoteSource) Endpoint() remote.Endpoint {
	return s.endpoint
}

// Walk implements Source. Links follow the same rules as LocalSource.Walk.
func (s *RemoteSource) Walk(ctx context.Context) ([]*Dir, error) {
	res, err := remote.Run(ctx, s.exec, s.endpoint, remote.WalkTree(s.endpoint.Path(rootRel)))
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", s.endpoint, err)
	}

	b := newTreeBuilder()
	for _, e := range remote.ParseEntries(res.Stdout) {
		rel := strings.TrimPrefix(path.Clean(e.Name), "./")
		switch {
		case e.IsDir():
			b.dir(rel)
		case e.IsRegular():
			b.file(rel, e.Size, e.ModTime)
		default:
			b.other(rel)
		}
	}
	return b.result(), nil
}

// Fingerprint implements Source. A file that vanished since the walk is a
// source read failure.
func (s *RemoteSource) Fingerprint(ctx context.Context, algo fingerprint.Algorithm, rel string) (fingerprint.Fingerprint, error) {
	p := s.endpoint.Path(rel)
	fp, ok, err := fingerprint.Remote(ctx, s.exec, s.endpoint, algo, p)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", syncerr.LocalIO("read", p, fs.ErrNotExist)
	}
	return fp, nil
}
