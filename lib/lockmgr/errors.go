package lockmgr

import (
	"errors"
	"strings"
)

var (
	// ErrNotLockOwner indicates an unlock, await or signal by a caller that does not hold the lock.
	ErrNotLockOwner = errors.New("lockmgr: caller is not the lock owner")

	// ErrLockNotHeld indicates an unlock of a lock nobody holds.
	ErrLockNotHeld = errors.New("lockmgr: lock is not held")

	// ErrDuplicateAwait indicates the caller is already registered on the condition.
	ErrDuplicateAwait = errors.New("lockmgr: caller is already waiting on this condition")

	// ErrInvalidArgument indicates a malformed request (empty key, empty condition, no caller identity).
	ErrInvalidArgument = errors.New("lockmgr: invalid argument")

	// ErrServiceClosed indicates the lock service has been shut down.
	ErrServiceClosed = errors.New("lockmgr: service closed")

	// ErrOverloaded indicates the request was rejected because the node is saturated.
	ErrOverloaded = errors.New("lockmgr: overloaded")

	// ErrTransient indicates the request could not be delivered or answered, e.g. the
	// owning member is unreachable or the invocation timed out.
	ErrTransient = errors.New("lockmgr: transient failure")

	// ErrInternal indicates an unexpected failure on the owning member.
	ErrInternal = errors.New("lockmgr: internal error")
)

// Code is the wire representation of the errors above.
type Code uint8

const (
	CodeOK Code = iota
	CodeNotLockOwner
	CodeLockNotHeld
	CodeDuplicateAwait
	CodeInvalidArgument
	CodeServiceClosed
	CodeOverloaded
	CodeTransient
	CodeInternal
)

var codeErrors = map[Code]error{
	CodeNotLockOwner:    ErrNotLockOwner,
	CodeLockNotHeld:     ErrLockNotHeld,
	CodeDuplicateAwait:  ErrDuplicateAwait,
	CodeInvalidArgument: ErrInvalidArgument,
	CodeServiceClosed:   ErrServiceClosed,
	CodeOverloaded:      ErrOverloaded,
	CodeTransient:       ErrTransient,
	CodeInternal:        ErrInternal,
}

// ErrorCode maps err to its wire code. Errors that wrap none of the sentinel
// errors map to CodeInternal, nil maps to CodeOK.
func ErrorCode(err error) Code {
	if err == nil {
		return CodeOK
	}
	for code, sentinel := range codeErrors {
		if errors.Is(err, sentinel) {
			return code
		}
	}
	return CodeInternal
}

// ErrorFromCode rebuilds an error received over the wire. The result wraps the
// sentinel for code, so errors.Is keeps working on the client side, and keeps
// the remote message as its text.
func ErrorFromCode(code Code, msg string) error {
	if code == CodeOK {
		return nil
	}
	sentinel, ok := codeErrors[code]
	if !ok {
		sentinel = ErrInternal
	}
	if msg == "" || msg == sentinel.Error() {
		return sentinel
	}
	if !strings.Contains(msg, sentinel.Error()) {
		msg = sentinel.Error() + ": " + msg
	}
	return &remoteError{sentinel: sentinel, msg: msg}
}

type remoteError struct {
	sentinel error
	msg      string
}

func (e *remoteError) Error() string { return e.msg }
func (e *remoteError) Unwrap() error { return e.sentinel }

// IsRetryable reports whether err is an infrastructure failure that may go away
// when the request is sent again. Usage errors and contention are never retryable.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransient) ||
		errors.Is(err, ErrOverloaded) ||
		errors.Is(err, ErrServiceClosed)
}
