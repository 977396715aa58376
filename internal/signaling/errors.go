package signaling

import (
	"errors"
	"fmt"

	"github.com/otcontroller/signaling/internal/ids"
)

// ErrorKind classifies a failure the way spec.md §7 describes: some are recovered locally and
// reported to the client, some end the runner outright.
type ErrorKind int

const (
	// KindProtocol covers malformed JSON, unknown namespaces, unknown command variants.
	KindProtocol ErrorKind = iota
	// KindAuthorization covers a participant attempting an action their role forbids.
	KindAuthorization
	// KindState covers a module rejecting a command because of its own state machine
	// (e.g. starting a breakout that is already active).
	KindState
	// KindResource covers storage/exchange transient failures.
	KindResource
	// KindFatal covers irrecoverable inconsistencies; the runner exits with CloseInternal.
	KindFatal
	// KindExpired covers a participant whose breakout/room has passed its grace window.
	KindExpired
)

// Error is the error type modules and the runner exchange. It carries enough information to
// build a client-facing `error` control frame without leaking internals.
type Error struct {
	Kind    ErrorKind
	Code    string // stable machine-readable code sent to the client, e.g. "insufficient_permissions"
	Message string
	Err     error // wrapped cause, not sent to the client
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func NewProtocolError(code, message string) *Error {
	return &Error{Kind: KindProtocol, Code: code, Message: message}
}

func NewAuthorizationError(message string) *Error {
	return &Error{Kind: KindAuthorization, Code: "insufficient_permissions", Message: message}
}

func NewStateError(code, message string) *Error {
	return &Error{Kind: KindState, Code: code, Message: message}
}

func NewResourceError(err error) *Error {
	return &Error{Kind: KindResource, Code: "internal", Message: "a storage or exchange operation failed", Err: err}
}

func NewFatalError(message string, err error) *Error {
	return &Error{Kind: KindFatal, Code: "fatal", Message: message, Err: err}
}

func NewExpiredError(message string) *Error {
	return &Error{Kind: KindExpired, Code: "expired", Message: message}
}

// CloseCodeFor maps an error kind to the close code a runner should use if it decides to exit
// because of this error (fatal and expired errors are the only ones that inherently justify
// ending the connection; all others are reported and the runner continues).
func CloseCodeFor(kind ErrorKind) ids.CloseCode {
	switch kind {
	case KindFatal:
		return ids.CloseInternal
	case KindExpired:
		return ids.CloseGoingAway
	default:
		return ids.CloseInternal
	}
}

// AsSignalingError unwraps err into a *Error if possible.
func AsSignalingError(err error) (*Error, bool) {
	var se *Error
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// ErrNoSuchModule is returned by the dispatcher when a targeted event names a namespace with
// no registered module for this participant.
var ErrNoSuchModule = errors.New("no such module")
