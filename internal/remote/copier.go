package remote

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/openmined/treesync/internal/syncerr"
)

// Copier moves one file's bytes between two locations.
type Copier interface {
	Copy(ctx context.Context, src, dst Location) error
}

// SCPCopier copies with scp. When both ends are remote the copy is a single
// `scp -3` operation relayed through this machine.
type SCPCopier struct {
	opts     *Options
	sessions *SessionLimiter
	run      runFunc
}

func NewSCPCopier(opts ...Option) *SCPCopier {
	o := newOptions(opts...)
	return &SCPCopier{
		opts:     o,
		sessions: o.Sessions,
		run:      runProcess,
	}
}

// Copy implements Copier.
func (c *SCPCopier) Copy(ctx context.Context, src, dst Location) error {
	if src.Endpoint.IsLocal() && dst.Endpoint.IsLocal() {
		return copyLocalFile(src.Path, dst.Path)
	}

	release, err := c.sessions.acquire(ctx, src.Endpoint, dst.Endpoint)
	if err != nil {
		return err
	}
	defer release()

	args := c.args(src, dst)
	slog.Debug("scp", "src", src.String(), "dst", dst.String())

	res, err := c.run(ctx, c.opts.SCPBinary, args...)
	if err != nil {
		return syncerr.Connection(c.opts.SCPBinary, dst.Endpoint.Address(), err)
	}
	if !res.Success() {
		return syncerr.Transfer(c.opts.SCPBinary, dst.Path, &CommandError{
			Command:  c.opts.SCPBinary,
			ExitCode: res.ExitCode,
			Stderr:   res.errorLine(),
		})
	}
	return nil
}

func (c *SCPCopier) args(src, dst Location) []string {
	args := []string{"-q", "-B"}
	if c.opts.Port > 0 {
		args = append(args, "-P", strconv.Itoa(c.opts.Port))
	}
	if !src.Endpoint.IsLocal() && !dst.Endpoint.IsLocal() {
		args = append(args, "-3")
	}
	args = append(args, c.opts.ExtraArgs...)
	return append(args, src.scpSpec(), dst.scpSpec())
}

// copyLocalFile copies src to dst on this machine, replacing dst.
func copyLocalFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return syncerr.LocalIO("open", src, err)
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return syncerr.Transfer("mkdir", dst, err)
	}

	out, err := os.Create(dst)
	if err != nil {
		return syncerr.Transfer("create", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return syncerr.Transfer("copy", dst, fmt.Errorf("copy from %s: %w", src, err))
	}
	if err := out.Close(); err != nil {
		return syncerr.Transfer("close", dst, err)
	}
	return nil
}
