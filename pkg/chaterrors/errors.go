// Package chaterrors defines the error value shared by the conversation sync
// engine. Every failure surfaced to callers carries a Kind and a human
// readable Message, and keeps its underlying cause for errors.Is / errors.As.
package chaterrors

import (
	stderrors "errors"
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies a failure by how the engine recovers from it.
type Kind string

const (
	// KindStructural covers malformed snapshots, dangling parents and cycles.
	// The operation that hit it is aborted without partial application.
	KindStructural Kind = "structural"
	// KindTransport covers refused or dropped duplex connections.
	KindTransport Kind = "transport"
	// KindTurn covers a backend failure reported in the middle of a streamed reply.
	KindTurn Kind = "turn"
	// KindRequest covers failing REST calls.
	KindRequest Kind = "request"
)

// Error is the discriminated error value (kind + message).
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to err. It returns nil when err is nil.
func Wrap(err error, kind Kind, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: message, Err: errors.WithStack(err)}
}

func Wrapf(err error, kind Kind, format string, args ...interface{}) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: errors.WithStack(err)}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s error: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s error: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Cause makes Error compatible with errors.Cause from github.com/pkg/errors.
func (e *Error) Cause() error {
	return e.Err
}

// Is matches another *Error of the same kind without a message, so that
// errors.Is(err, chaterrors.New(chaterrors.KindTurn, "")) works as a kind check.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Message == "" || t.Message == e.Message)
}

// KindOf returns the kind of the first *Error in err's chain, or "" if there is none.
func KindOf(err error) Kind {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// MessageOf returns the human readable message of err, falling back to err.Error().
func MessageOf(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if stderrors.As(err, &e) {
		return e.Message
	}
	return err.Error()
}
