// Package remote runs structured commands on the two hosts of a sync run, over
// OpenSSH for remote endpoints and directly for the local machine. It is the
// only package that talks to the hosts.
package remote

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/google/shlex"
	"github.com/input-output-hk/catalyst-forge-libs/executor"
	"github.com/openmined/treesync/internal/syncerr"
)

const (
	defaultSSHBinary   = "ssh"
	defaultSCPBinary   = "scp"
	defaultMaxSessions = 8

	// sshExitConnection is the status ssh uses for its own failures.
	sshExitConnection = 255
)

// Executor runs a command on a host and returns its captured output.
//
// A nonzero exit status is reported through Result.ExitCode with a nil
// error. A returned error means the host could not be reached or the command
// could not be started, and is classified as a connection failure.
type Executor interface {
	Execute(ctx context.Context, host Endpoint, cmd Command) (*Result, error)
}

// CommandError describes a command that ran and exited with a nonzero status.
type CommandError struct {
	Command  string
	ExitCode int
	Stderr   string
}

func (e *CommandError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("%q exited with status %d", e.Command, e.ExitCode)
	}
	return fmt.Sprintf("%q exited with status %d: %s", e.Command, e.ExitCode, e.Stderr)
}

// Run executes cmd and turns a nonzero exit status into a classified command
// failure.
func Run(ctx context.Context, ex Executor, host Endpoint, cmd Command) (*Result, error) {
	res, err := ex.Execute(ctx, host, cmd)
	if err != nil {
		return res, err
	}
	if !res.Success() {
		return res, syncerr.Command(cmd.Name, host.String(), &CommandError{
			Command:  cmd.String(),
			ExitCode: res.ExitCode,
			Stderr:   res.errorLine(),
		})
	}
	return res, nil
}

// Options configures executors and copiers.
type Options struct {
	SSHBinary    string
	SCPBinary    string
	Port         int
	ExtraArgs    []string
	EscalateUser string
	MaxSessions  int64
	// Sessions is shared by every executor and copier built with it. When nil
	// each one gets its own limiter of MaxSessions.
	Sessions *SessionLimiter
}

// Option is a function that modifies Options
type Option func(*Options)

// DefaultOptions returns default options
func DefaultOptions() *Options {
	return &Options{
		SSHBinary:   defaultSSHBinary,
		SCPBinary:   defaultSCPBinary,
		MaxSessions: defaultMaxSessions,
	}
}

func newOptions(opts ...Option) *Options {
	o := DefaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	if o.SSHBinary == "" {
		o.SSHBinary = defaultSSHBinary
	}
	if o.SCPBinary == "" {
		o.SCPBinary = defaultSCPBinary
	}
	if o.MaxSessions <= 0 {
		o.MaxSessions = defaultMaxSessions
	}
	if o.Sessions == nil {
		o.Sessions = NewSessionLimiter(o.MaxSessions)
	}
	return o
}

// WithBinaries overrides the ssh and scp programs.
func WithBinaries(ssh, scp string) Option {
	return func(o *Options) {
		o.SSHBinary = ssh
		o.SCPBinary = scp
	}
}

// WithPort sets the ssh port for every remote host. Zero keeps the ssh default.
func WithPort(port int) Option {
	return func(o *Options) {
		o.Port = port
	}
}

// WithExtraArgs appends raw options to every ssh and scp invocation.
func WithExtraArgs(args ...string) Option {
	return func(o *Options) {
		o.ExtraArgs = append(o.ExtraArgs, args...)
	}
}

// WithEscalateUser sets the account escalated commands run as.
func WithEscalateUser(user string) Option {
	return func(o *Options) {
		o.EscalateUser = user
	}
}

// WithMaxSessions bounds the concurrent ssh sessions per host.
func WithMaxSessions(n int64) Option {
	return func(o *Options) {
		o.MaxSessions = n
	}
}

// WithSessionLimiter makes the executor or copier draw from a shared limiter.
func WithSessionLimiter(l *SessionLimiter) Option {
	return func(o *Options) {
		o.Sessions = l
	}
}

// ParseExtraArgs splits an option string such as `-o BatchMode=yes -i ~/.ssh/id`
// with shell word rules.
func ParseExtraArgs(s string) ([]string, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	args, err := shlex.Split(s)
	if err != nil {
		return nil, fmt.Errorf("parse ssh options %q: %w", s, err)
	}
	return args, nil
}

// runFunc starts a local process and captures its output.
type runFunc func(ctx context.Context, program string, args ...string) (*Result, error)

// runProcess runs program to completion under the C locale. A nonzero exit is
// not an error.
func runProcess(ctx context.Context, program string, args ...string) (*Result, error) {
	res, err := executor.New(program, args...).Execute(ctx,
		executor.SilentMode(),
		executor.WithEnvVar("LC_ALL", "C"),
	)

	result := &Result{ExitCode: -1}
	if res != nil {
		result.Stdout = res.Stdout
		result.Stderr = res.Stderr
		result.ExitCode = res.ExitCode
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return result, nil
	case ctx.Err() != nil:
		result.ExitCode = -1
		return result, ctx.Err()
	case errors.As(err, &exitErr):
		return result, nil
	default:
		result.ExitCode = -1
		return result, err
	}
}
