package remote

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/alessio/shellescape"
	"github.com/openmined/treesync/internal/syncerr"
)

// SSHExecutor runs commands on remote hosts through the OpenSSH client.
// Authentication is left to ssh itself (agent, keys, ssh_config).
type SSHExecutor struct {
	opts     *Options
	sessions *SessionLimiter
	run      runFunc
}

func NewSSHExecutor(opts ...Option) *SSHExecutor {
	o := newOptions(opts...)
	return &SSHExecutor{
		opts:     o,
		sessions: o.Sessions,
		run:      runProcess,
	}
}

// Execute implements Executor.
func (s *SSHExecutor) Execute(ctx context.Context, host Endpoint, cmd Command) (*Result, error) {
	if host.IsLocal() {
		return nil, fmt.Errorf("ssh executor: endpoint %s has no host", host)
	}

	release, err := s.sessions.acquire(ctx, host)
	if err != nil {
		return nil, err
	}
	defer release()

	args := s.args(host, cmd)
	slog.Debug("ssh exec", "host", host.Address(), "cmd", cmd.String(), "escalate", cmd.Escalate)

	res, err := s.run(ctx, s.opts.SSHBinary, args...)
	if err != nil {
		return res, syncerr.Connection(s.opts.SSHBinary, host.Address(), err)
	}
	if res.ExitCode == sshExitConnection {
		return res, syncerr.Connection(s.opts.SSHBinary, host.Address(), fmt.Errorf("exit status %d: %s", res.ExitCode, res.errorLine()))
	}
	return res, nil
}

// args builds the ssh argument list. The remote command is passed as a single
// quoted word so the remote shell sees exactly the structured argv.
func (s *SSHExecutor) args(host Endpoint, cmd Command) []string {
	args := []string{"-o", "BatchMode=yes"}
	if s.opts.Port > 0 {
		args = append(args, "-p", strconv.Itoa(s.opts.Port))
	}
	args = append(args, s.opts.ExtraArgs...)
	args = append(args, host.Address(), "--")
	return append(args, shellescape.QuoteCommand(cmd.remoteArgv(s.opts.EscalateUser)))
}
