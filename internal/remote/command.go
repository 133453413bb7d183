package remote

import (
	"strings"

	"github.com/alessio/shellescape"
)

// Command is a structured remote command. Arguments are never interpreted by
// a shell on the caller's side; executors quote them as needed.
type Command struct {
	Name string
	Args []string

	// Escalate runs the command as the executor's service account.
	Escalate bool
}

// Argv returns the command and its arguments.
func (c Command) Argv() []string {
	argv := make([]string, 0, len(c.Args)+1)
	argv = append(argv, c.Name)
	return append(argv, c.Args...)
}

// escalated returns the argv with the sudo prefix applied when required.
func (c Command) escalated(account string) []string {
	return escalate(c.Escalate, account, c.Argv())
}

// remoteArgv is the argv sent over ssh. The remote environment is not ours,
// so the C locale is set explicitly to keep tool messages matchable.
func (c Command) remoteArgv(account string) []string {
	argv := append([]string{"env", "LC_ALL=C"}, c.Argv()...)
	return escalate(c.Escalate, account, argv)
}

func escalate(needed bool, account string, argv []string) []string {
	if !needed || account == "" {
		return argv
	}
	return append([]string{"sudo", "-n", "-u", account, "--"}, argv...)
}

// String returns the command as a single shell-quoted line.
func (c Command) String() string {
	return shellescape.QuoteCommand(c.Argv())
}

// Result holds the captured output of a finished command.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Success reports whether the command exited with status zero.
func (r *Result) Success() bool {
	return r != nil && r.ExitCode == 0
}

// errorLine is the first stderr line, for log messages.
func (r *Result) errorLine() string {
	line, _, _ := strings.Cut(strings.TrimSpace(r.Stderr), "\n")
	return line
}
