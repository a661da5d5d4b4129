// Package fault defines the error kinds raised by the cluster core.
//
// Callers match a kind with errors.Is; the wrapped cause stays reachable
// through errors.Is and errors.As as well.
package fault

import (
	"errors"
	"fmt"
)

// Error kinds.
var (
	ErrConfiguration   = errors.New("configuration error")
	ErrHardwareInit    = errors.New("hardware init error")
	ErrShapeMismatch   = errors.New("shape mismatch")
	ErrSynchronization = errors.New("synchronization error")
	ErrHardware        = errors.New("hardware error")
)

// Error annotates a failure with its kind, the operation and, when known,
// the serial of the radio involved.
type Error struct {
	Kind error
	Op   string
	Node string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Kind.Error()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Node != "" {
		msg += " (" + e.Node + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the kind and the cause.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// New builds an error of the given kind with a formatted cause.
func New(kind error, op string, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// Wrap attaches a kind to err. It returns nil when err is nil.
func Wrap(kind error, op, node string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Node: node, Err: err}
}

// KindOf reports which of the known kinds err carries, or nil.
func KindOf(err error) error {
	for _, k := range []error{ErrConfiguration, ErrHardwareInit, ErrShapeMismatch, ErrSynchronization, ErrHardware} {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}
