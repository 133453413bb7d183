package remote

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/openmined/treesync/internal/syncerr"
)

// LocalExecutor runs commands on this machine without a shell.
type LocalExecutor struct {
	opts *Options
	run  runFunc
}

func NewLocalExecutor(opts ...Option) *LocalExecutor {
	return &LocalExecutor{
		opts: newOptions(opts...),
		run:  runProcess,
	}
}

// Execute implements Executor.
func (l *LocalExecutor) Execute(ctx context.Context, host Endpoint, cmd Command) (*Result, error) {
	if !host.IsLocal() {
		return nil, fmt.Errorf("local executor: endpoint %s is remote", host)
	}

	argv := cmd.escalated(l.opts.EscalateUser)
	slog.Debug("local exec", "cmd", cmd.String(), "escalate", cmd.Escalate)

	res, err := l.run(ctx, argv[0], argv[1:]...)
	if err != nil {
		return res, syncerr.Connection(argv[0], "localhost", err)
	}
	return res, nil
}

// Dispatcher routes each command to the local or the ssh executor depending
// on the endpoint.
type Dispatcher struct {
	Local  Executor
	Remote Executor
}

// NewDispatcher creates a dispatcher over a LocalExecutor and an SSHExecutor
// sharing the same options.
func NewDispatcher(opts ...Option) *Dispatcher {
	return &Dispatcher{
		Local:  NewLocalExecutor(opts...),
		Remote: NewSSHExecutor(opts...),
	}
}

// Execute implements Executor.
func (d *Dispatcher) Execute(ctx context.Context, host Endpoint, cmd Command) (*Result, error) {
	if host.IsLocal() {
		return d.Local.Execute(ctx, host, cmd)
	}
	return d.Remote.Execute(ctx, host, cmd)
}
