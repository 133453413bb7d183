// Package syncerr classifies the failures a sync run can hit, so the tree
// synchronizer can decide between reporting an item and aborting the run.
package syncerr

import (
	"errors"
	"fmt"
)

// Kind identifies the class of a sync failure.
type Kind string

const (
	// KindConnection means a host could not be reached. It aborts the run.
	KindConnection Kind = "connection"

	// KindCommand means a remote command exited with a nonzero status.
	KindCommand Kind = "command"

	// KindLocalIO means a local file could not be read or written.
	KindLocalIO Kind = "local_io"

	// KindTransfer means the copy primitive failed.
	KindTransfer Kind = "transfer"

	// KindUnknown is returned by KindOf for errors that carry no kind.
	KindUnknown Kind = "unknown"
)

var (
	ErrConnection = errors.New("connection failed")
	ErrCommand    = errors.New("command failed")
	ErrLocalIO    = errors.New("local io failed")
	ErrTransfer   = errors.New("transfer failed")
)

// Error is a classified failure for a single operation.
type Error struct {
	Kind Kind
	Op   string
	Path string
	Err  error
}

func (e *Error) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the sentinel of the error's kind, so errors.Is(err, ErrConnection) works
// through any amount of wrapping.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrConnection:
		return e.Kind == KindConnection
	case ErrCommand:
		return e.Kind == KindCommand
	case ErrLocalIO:
		return e.Kind == KindLocalIO
	case ErrTransfer:
		return e.Kind == KindTransfer
	}
	return false
}

// New creates a classified error. It returns nil when err is nil.
func New(kind Kind, op, path string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Path: path, Err: err}
}

func Connection(op, host string, err error) error {
	return New(KindConnection, op, host, err)
}

func Command(op, path string, err error) error {
	return New(KindCommand, op, path, err)
}

func LocalIO(op, path string, err error) error {
	return New(KindLocalIO, op, path, err)
}

func Transfer(op, path string, err error) error {
	return New(KindTransfer, op, path, err)
}

// KindOf returns the kind of the outermost classified error in err's chain.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindUnknown
}

// IsConnection reports whether err is a connection failure.
func IsConnection(err error) bool {
	return errors.Is(err, ErrConnection)
}
