// Package coord holds what the coordination components share: the error
// taxonomy surfaced to callers and the layout of the coordination tree.
package coord

import (
	"errors"
	"fmt"
)

// Error taxonomy. Components return errors that match one of these via
// errors.Is.
var (
	// ErrNotOnline is returned when an operation is attempted while the gate
	// is not connected.
	ErrNotOnline = errors.New("coord: not online")
	// ErrTimeout is returned when a bounded wait elapses.
	ErrTimeout = errors.New("coord: timeout")
	// ErrLockLost means a held lock's node disappeared underneath its holder.
	ErrLockLost = errors.New("coord: lock lost")
	// ErrModificationConflict means an optimistic write lost a race.
	ErrModificationConflict = errors.New("coord: modification conflict")
	// ErrMalformedRecoveryKey means a recovery key could not be parsed.
	ErrMalformedRecoveryKey = errors.New("coord: malformed recovery key")
	// ErrReconnectInFlight rejects a reconnect while another is running.
	ErrReconnectInFlight = errors.New("coord: reconnect already in flight")
)

// Failure codes, one per taxonomy sentinel.
const (
	CodeNotOnline            = "not_online"
	CodeTimeout              = "timeout"
	CodeLockLost             = "lock_lost"
	CodeModificationConflict = "modification_conflict"
	CodeMalformedRecoveryKey = "malformed_recovery_key"
)

var codeSentinels = map[string]error{
	CodeNotOnline:            ErrNotOnline,
	CodeTimeout:              ErrTimeout,
	CodeLockLost:             ErrLockLost,
	CodeModificationConflict: ErrModificationConflict,
	CodeMalformedRecoveryKey: ErrMalformedRecoveryKey,
}

// Failure is a structured taxonomy error. It matches its sentinel with
// errors.Is and unwraps to the underlying cause.
type Failure struct {
	Code   string
	Detail string
	Path   string
	Cause  error
}

// Fail builds a Failure for sentinel.
func Fail(sentinel error, path, detail string, cause error) *Failure {
	code := ""
	for c, s := range codeSentinels {
		if s == sentinel {
			code = c
			break
		}
	}
	return &Failure{Code: code, Detail: detail, Path: path, Cause: cause}
}

func (f *Failure) Error() string {
	msg := f.Code
	if f.Path != "" {
		msg = fmt.Sprintf("%s %s", msg, f.Path)
	}
	if f.Detail != "" {
		msg = fmt.Sprintf("%s: %s", msg, f.Detail)
	}
	if f.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, f.Cause)
	}
	return msg
}

// Is matches the sentinel of the failure code.
func (f *Failure) Is(target error) bool {
	s, ok := codeSentinels[f.Code]
	return ok && s == target
}

func (f *Failure) Unwrap() error { return f.Cause }

// ConflictError reports a lost optimistic-concurrency race on one node.
type ConflictError struct {
	Path string
	// Expected is the version the writer presented; -1 when the writer
	// expected the node not to exist.
	Expected int64
	Cause    error
}

func (e *ConflictError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("coord: modification conflict on %s (expected version %d): %v", e.Path, e.Expected, e.Cause)
	}
	return fmt.Sprintf("coord: modification conflict on %s (expected version %d)", e.Path, e.Expected)
}

func (e *ConflictError) Is(target error) bool { return target == ErrModificationConflict }

func (e *ConflictError) Unwrap() error { return e.Cause }

// Retryable reports whether err is routine contention the caller may retry:
// NotOnline, Timeout, or ModificationConflict.
func Retryable(err error) bool {
	return errors.Is(err, ErrNotOnline) || errors.Is(err, ErrTimeout) || errors.Is(err, ErrModificationConflict)
}

// Fatal reports whether err signals a broken invariant that must be handled
// explicitly: LockLost or MalformedRecoveryKey.
func Fatal(err error) bool {
	return errors.Is(err, ErrLockLost) || errors.Is(err, ErrMalformedRecoveryKey)
}
