// Package remotetest provides an in-process stand-in for remote hosts. Each
// host name maps to a directory on the local disk and structured commands are
// applied to it directly, so tests can observe every command a sync run sends.
package remotetest

import (
	"context"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/klauspost/compress/gzip"
	"github.com/openmined/treesync/internal/remote"
)

// Event is one command or copy observed by the fake.
type Event struct {
	Host     string
	Name     string
	Path     string
	Escalate bool
}

// FailFunc decides whether an operation fails. A non-nil result replaces the
// normal outcome; a non-nil error is returned as the transport error.
type FailFunc func(host remote.Endpoint, cmd remote.Command) (*remote.Result, error)

// Hosts is a fake Executor and Copier.
type Hosts struct {
	mu     sync.Mutex
	roots  map[string]string
	events []Event

	// FailCommand is consulted before each command.
	FailCommand FailFunc
	// FailCopy is consulted before each copy.
	FailCopy func(src, dst remote.Location) error
}

func New() *Hosts {
	return &Hosts{roots: make(map[string]string)}
}

// Add maps host to a directory on the local disk.
func (h *Hosts) Add(host, dir string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.roots[host] = dir
}

// Resolve returns the local disk path backing path on the endpoint.
func (h *Hosts) Resolve(ep remote.Endpoint, path string) string {
	if ep.IsLocal() {
		return path
	}
	h.mu.Lock()
	root, ok := h.roots[ep.Host]
	h.mu.Unlock()
	if !ok {
		panic(fmt.Sprintf("remotetest: unknown host %q", ep.Host))
	}
	return filepath.Join(root, filepath.FromSlash(path))
}

// Events returns a copy of the observed events in order.
func (h *Hosts) Events() []Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Event(nil), h.events...)
}

// Count returns the number of events with the given name.
func (h *Hosts) Count(name string) int {
	n := 0
	for _, ev := range h.Events() {
		if ev.Name == name {
			n++
		}
	}
	return n
}

// Reset forgets the observed events.
func (h *Hosts) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = nil
}

func (h *Hosts) record(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, ev)
}

// Execute implements remote.Executor.
func (h *Hosts) Execute(_ context.Context, host remote.Endpoint, cmd remote.Command) (*remote.Result, error) {
	target := ""
	if len(cmd.Args) > 0 {
		target = cmd.Args[len(cmd.Args)-1]
		if cmd.Name == "find" {
			target = findStart(cmd.Args)
		}
	}
	h.record(Event{Host: host.Host, Name: cmd.Name, Path: target, Escalate: cmd.Escalate})

	if h.FailCommand != nil {
		if res, err := h.FailCommand(host, cmd); res != nil || err != nil {
			return res, err
		}
	}

	switch cmd.Name {
	case "mkdir":
		return result(os.MkdirAll(h.Resolve(host, target), 0o755))
	case "chown":
		if _, err := os.Stat(h.Resolve(host, target)); err != nil {
			return result(err)
		}
		return &remote.Result{}, nil
	case "md5sum", "sha1sum", "sha256sum":
		return h.digest(host, cmd.Name, target)
	case "rm":
		local := h.Resolve(host, target)
		if cmd.Args[0] == "-rf" {
			return result(os.RemoveAll(local))
		}
		if err := os.Remove(local); err != nil && !os.IsNotExist(err) {
			return result(err)
		}
		return &remote.Result{}, nil
	case "gzip":
		return result(gunzip(h.Resolve(host, target)))
	case "find":
		return h.find(host, cmd)
	case "test":
		if _, err := os.Stat(h.Resolve(host, target)); err != nil {
			return &remote.Result{ExitCode: 1}, nil
		}
		return &remote.Result{}, nil
	}
	return &remote.Result{ExitCode: 127, Stderr: cmd.Name + ": command not found"}, nil
}

// Copy implements remote.Copier.
func (h *Hosts) Copy(_ context.Context, src, dst remote.Location) error {
	h.record(Event{Host: dst.Endpoint.Host, Name: "copy", Path: dst.Path})

	if h.FailCopy != nil {
		if err := h.FailCopy(src, dst); err != nil {
			return err
		}
	}

	in, err := os.Open(h.Resolve(src.Endpoint, src.Path))
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(h.Resolve(dst.Endpoint, dst.Path))
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func (h *Hosts) digest(host remote.Endpoint, tool, path string) (*remote.Result, error) {
	var sum hash.Hash
	switch tool {
	case "md5sum":
		sum = md5.New()
	case "sha1sum":
		sum = sha1.New()
	default:
		sum = sha256.New()
	}

	f, err := os.Open(h.Resolve(host, path))
	if err != nil {
		return &remote.Result{
			ExitCode: 1,
			Stderr:   fmt.Sprintf("%s: %s: No such file or directory\n", tool, path),
		}, nil
	}
	defer f.Close()

	if _, err := io.Copy(sum, f); err != nil {
		return result(err)
	}
	return &remote.Result{Stdout: hex.EncodeToString(sum.Sum(nil)) + "  " + path + "\n"}, nil
}

// find supports the ListDir and WalkTree shapes: an optional -L, a start
// path, optional -maxdepth 1 and a -printf format using %y %s %T@ %P %f. With
// -L, links to regular files are reported as files and links to directories
// as links.
func (h *Hosts) find(host remote.Endpoint, cmd remote.Command) (*remote.Result, error) {
	start := h.Resolve(host, findStart(cmd.Args))
	format := cmd.Args[len(cmd.Args)-1]
	shallow, follow := false, false
	for _, arg := range cmd.Args {
		switch arg {
		case "-maxdepth":
			shallow = true
		case "-L":
			follow = true
		}
	}
	if follow {
		resolved, err := filepath.EvalSymlinks(start)
		if err != nil {
			return &remote.Result{ExitCode: 1, Stderr: "find: " + err.Error()}, nil
		}
		start = resolved
	}

	var out strings.Builder
	err := filepath.WalkDir(start, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == start {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if follow && d.Type()&fs.ModeSymlink != 0 {
			if target, err := os.Stat(path); err == nil && !target.IsDir() {
				info = target
			}
		}
		rel, _ := filepath.Rel(start, path)
		out.WriteString(printf(format, info, filepath.ToSlash(rel)))
		if shallow && d.IsDir() {
			return filepath.SkipDir
		}
		return nil
	})
	if err != nil {
		return &remote.Result{ExitCode: 1, Stderr: "find: " + err.Error()}, nil
	}
	return &remote.Result{Stdout: out.String()}, nil
}

// findStart is the first find argument that is not an option.
func findStart(args []string) string {
	for _, arg := range args {
		if !strings.HasPrefix(arg, "-") {
			return arg
		}
	}
	return ""
}

func printf(format string, info fs.FileInfo, rel string) string {
	kind := "f"
	switch {
	case info.IsDir():
		kind = "d"
	case info.Mode()&fs.ModeSymlink != 0:
		kind = "l"
	}
	size := fmt.Sprintf("%d", info.Size())
	mtime := fmt.Sprintf("%d.%09d", info.ModTime().Unix(), info.ModTime().Nanosecond())
	r := strings.NewReplacer(
		`%y`, kind,
		`%s`, size,
		`%T@`, mtime,
		`%P`, rel,
		`%f`, info.Name(),
		`\t`, "\t",
		`\0`, "\x00",
	)
	return r.Replace(format)
}

func gunzip(path string) error {
	if !strings.HasSuffix(path, ".gz") {
		return fmt.Errorf("gzip: %s: unknown suffix -- ignored", path)
	}
	in, err := os.Open(path)
	if err != nil {
		return err
	}
	defer in.Close()

	zr, err := gzip.NewReader(in)
	if err != nil {
		return err
	}
	defer zr.Close()

	out, err := os.Create(strings.TrimSuffix(path, ".gz"))
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, zr); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(path)
}

func result(err error) (*remote.Result, error) {
	if err != nil {
		return &remote.Result{ExitCode: 1, Stderr: err.Error()}, nil
	}
	return &remote.Result{}, nil
}

// CommandFailure returns a result for a command that exited with status 1.
func CommandFailure(stderr string) *remote.Result {
	return &remote.Result{ExitCode: 1, Stderr: stderr}
}
