package remote

import (
	"math"
	"strconv"
	"strings"
	"time"
)

const (
	// walkFormat prints type, size, mtime and root-relative path of a find entry.
	walkFormat = `%y\t%s\t%T@\t%P\0`
	// listFormat prints type, size, mtime and base name of a find entry.
	listFormat = `%y\t%s\t%T@\t%f\0`
	// linkDirFormat marks a link to a directory, which WalkTree does not enter.
	linkDirFormat = `l\t%s\t%T@\t%P\0`
)

// MakeDir creates a directory and its parents. It succeeds if it exists.
func MakeDir(dir string) Command {
	return Command{Name: "mkdir", Args: []string{"-p", "--", dir}, Escalate: true}
}

// Chown hands a path to the owner.
func Chown(owner Owner, path string) Command {
	return Command{Name: "chown", Args: []string{owner.Spec(), "--", path}, Escalate: true}
}

// Digest runs a coreutils style digest tool (md5sum, sha256sum, ...) on a file.
func Digest(tool, path string) Command {
	return Command{Name: tool, Args: []string{"--", path}}
}

// Exists tests whether path exists. It exits 1 when it does not.
func Exists(path string) Command {
	return Command{Name: "test", Args: []string{"-e", path}}
}

// ListDir lists the immediate entries of a directory.
func ListDir(dir string) Command {
	return Command{Name: "find", Args: []string{dir, "-mindepth", "1", "-maxdepth", "1", "-printf", listFormat}}
}

// WalkTree lists every entry below root, following links. A link to a regular
// file is reported as the file it points to; a link to a directory is
// reported with type 'l' and not descended into.
func WalkTree(root string) Command {
	return Command{Name: "find", Args: []string{
		"-L", root, "-mindepth", "1",
		"(", "-type", "d", "-xtype", "l", "-printf", linkDirFormat, "-prune", ")",
		"-o", "-printf", walkFormat,
	}}
}

// Remove deletes a single file.
func Remove(path string) Command {
	return Command{Name: "rm", Args: []string{"-f", "--", path}, Escalate: true}
}

// RemoveTree deletes a directory and everything below it.
func RemoveTree(path string) Command {
	return Command{Name: "rm", Args: []string{"-rf", "--", path}, Escalate: true}
}

// Decompress expands path, which must end in .gz, in place and removes the
// compressed file.
func Decompress(path string) Command {
	return Command{Name: "gzip", Args: []string{"-d", "-f", "--", path}, Escalate: true}
}

// Entry is one line of ListDir or WalkTree output.
type Entry struct {
	// Type is the find %y letter: 'f' regular file, 'd' directory, 'l' symlink, ...
	Type    byte
	Size    int64
	ModTime time.Time
	// Name is the base name for ListDir and the root-relative path for WalkTree.
	Name string
}

func (e Entry) IsDir() bool     { return e.Type == 'd' }
func (e Entry) IsRegular() bool { return e.Type == 'f' }

// ParseEntries parses NUL separated find output produced by ListDir or WalkTree.
// Malformed records are skipped.
func ParseEntries(out string) []Entry {
	var entries []Entry
	for _, rec := range strings.Split(out, "\x00") {
		if rec == "" {
			continue
		}
		parts := strings.SplitN(rec, "\t", 4)
		if len(parts) != 4 || len(parts[0]) != 1 || parts[3] == "" {
			continue
		}
		size, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			continue
		}
		mtime, err := parseFindTime(parts[2])
		if err != nil {
			continue
		}
		entries = append(entries, Entry{Type: parts[0][0], Size: size, ModTime: mtime, Name: parts[3]})
	}
	return entries
}

// parseFindTime parses the find %T@ format, seconds since the epoch with a
// fractional part.
func parseFindTime(s string) (time.Time, error) {
	secStr, fracStr, _ := strings.Cut(s, ".")
	sec, err := strconv.ParseInt(secStr, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	var nsec int64
	if fracStr != "" {
		if len(fracStr) > 9 {
			fracStr = fracStr[:9]
		}
		frac, err := strconv.ParseInt(fracStr, 10, 64)
		if err != nil {
			return time.Time{}, err
		}
		nsec = frac * int64(math.Pow10(9-len(fracStr)))
	}
	return time.Unix(sec, nsec), nil
}
