// Package fingerprint computes content digests of files on the local machine
// and on remote hosts. Both sides of a comparison must use the same Algorithm.
package fingerprint

import (
	"context"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"strings"

	"github.com/openmined/treesync/internal/remote"
	"github.com/openmined/treesync/internal/syncerr"
)

// blockSize is the read size used when streaming local files into the digest.
const blockSize = 64 * 1024

var ErrUnknownAlgorithm = errors.New("unknown digest algorithm")

// Algorithm names a digest available both in Go and as a coreutils tool.
type Algorithm string

const (
	MD5    Algorithm = "md5"
	SHA1   Algorithm = "sha1"
	SHA256 Algorithm = "sha256"
)

// Default is the algorithm used when none is configured.
const Default = MD5

// ParseAlgorithm validates an algorithm name. An empty name selects Default.
func ParseAlgorithm(name string) (Algorithm, error) {
	switch a := Algorithm(strings.ToLower(name)); a {
	case "":
		return Default, nil
	case MD5, SHA1, SHA256:
		return a, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownAlgorithm, name)
}

// Tool is the remote command that computes this digest.
func (a Algorithm) Tool() string {
	return string(a) + "sum"
}

func (a Algorithm) newHash() hash.Hash {
	switch a {
	case SHA1:
		return sha1.New()
	case SHA256:
		return sha256.New()
	default:
		return md5.New()
	}
}

// hexLen is the length of a hex encoded digest.
func (a Algorithm) hexLen() int {
	return a.newHash().Size() * 2
}

// Fingerprint is a lowercase hex digest of a file's content.
type Fingerprint string

func (f Fingerprint) String() string {
	return string(f)
}

// Short returns the first 8 characters, for logs.
func (f Fingerprint) Short() string {
	if len(f) <= 8 {
		return string(f)
	}
	return string(f[:8])
}

// Local streams the file at path through the digest.
func Local(algo Algorithm, path string) (Fingerprint, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", syncerr.LocalIO("open", path, err)
	}
	defer f.Close()

	return fromReader(algo, f, path)
}

func fromReader(algo Algorithm, r io.Reader, path string) (Fingerprint, error) {
	h := algo.newHash()
	buf := make([]byte, blockSize)
	if _, err := io.CopyBuffer(h, r, buf); err != nil {
		return "", syncerr.LocalIO("read", path, err)
	}
	return Fingerprint(hex.EncodeToString(h.Sum(nil))), nil
}

// Remote runs the digest tool for path on host. A missing file is not an
// error: it yields ok=false so the caller can tell "needs transfer" apart from
// a failed command.
func Remote(ctx context.Context, ex remote.Executor, host remote.Endpoint, algo Algorithm, path string) (Fingerprint, bool, error) {
	cmd := remote.Digest(algo.Tool(), path)
	res, err := ex.Execute(ctx, host, cmd)
	if err != nil {
		return "", false, err
	}

	out := strings.TrimSpace(res.Stdout)
	if !res.Success() {
		if out == "" {
			missing, err := isMissing(ctx, ex, host, path, res.Stderr)
			if err != nil {
				return "", false, err
			}
			if missing {
				return "", false, nil
			}
		}
		return "", false, syncerr.Command(cmd.Name, path, &remote.CommandError{
			Command:  cmd.String(),
			ExitCode: res.ExitCode,
			Stderr:   strings.TrimSpace(res.Stderr),
		})
	}
	if out == "" {
		return "", false, nil
	}

	fp, err := Parse(algo, out)
	if err != nil {
		return "", false, syncerr.Command(cmd.Name, path, err)
	}
	return fp, true, nil
}

// Parse extracts the digest from a line of coreutils digest output.
func Parse(algo Algorithm, line string) (Fingerprint, error) {
	first, _, _ := strings.Cut(line, "\n")
	fields := strings.Fields(first)
	if len(fields) == 0 {
		return "", fmt.Errorf("empty %s output", algo.Tool())
	}
	// coreutils prefixes the line with a backslash when the file name is escaped
	digest := strings.ToLower(strings.TrimPrefix(fields[0], `\`))
	if len(digest) != algo.hexLen() {
		return "", fmt.Errorf("unexpected %s output %q", algo.Tool(), first)
	}
	if _, err := hex.DecodeString(digest); err != nil {
		return "", fmt.Errorf("unexpected %s output %q: %w", algo.Tool(), first, err)
	}
	return Fingerprint(digest), nil
}

// isMissing decides whether a failed digest means the file is absent. Commands
// run under the C locale, so the message is checked first; any other message
// is settled with an existence test, whose exit status does not depend on the
// locale.
func isMissing(ctx context.Context, ex remote.Executor, host remote.Endpoint, path, stderr string) (bool, error) {
	if strings.Contains(stderr, "No such file or directory") {
		return true, nil
	}
	res, err := ex.Execute(ctx, host, remote.Exists(path))
	if err != nil {
		return false, err
	}
	return res.ExitCode == 1, nil
}
