// Package errkind defines the failure taxonomy observers, runners and
// devices surface to callers, and classifies raw transport errors into it.
package errkind

import (
	"errors"
	"fmt"
	"time"

	"github.com/bassosimone/errclass"
)

// Kind names one of the failure categories a test step can end in.
type Kind string

const (
	KindTimeout          Kind = "timeout"
	KindCommandFailure   Kind = "command_failure"
	KindParsingFailure   Kind = "parsing_failure"
	KindConnectionLost   Kind = "connection_lost"
	KindAlreadyStarted   Kind = "already_started"
	KindAlreadySubmitted Kind = "already_submitted"
	KindNotDone          Kind = "not_done"
	KindNotAllowed       Kind = "not_allowed"
	KindNameInUse        Kind = "name_in_use"
	KindHopFailure       Kind = "hop_failure"
	KindInternal         Kind = "internal_error"
	KindCancelled        Kind = "cancelled"
)

// Error is the common shape of every failure this module produces.
type Error struct {
	Kind Kind
	msg  string
	err  error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.msg, e.err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.msg)
}

func (e *Error) Unwrap() error { return e.err }

// Is matches on Kind so callers can write errors.Is(err, errkind.Timeout).
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return other.Kind == e.Kind && other.msg == ""
}

func new(kind Kind, msg string, wrapped error) *Error {
	return &Error{Kind: kind, msg: msg, err: wrapped}
}

// kindSentinel returns a bare *Error usable with errors.Is to test a Kind
// regardless of message, e.g. errors.Is(err, errkind.Timeout).
func kindSentinel(kind Kind) *Error { return &Error{Kind: kind} }

var (
	Timeout          = kindSentinel(KindTimeout)
	CommandFailure   = kindSentinel(KindCommandFailure)
	ParsingFailure   = kindSentinel(KindParsingFailure)
	ConnectionLost   = kindSentinel(KindConnectionLost)
	AlreadyStarted   = kindSentinel(KindAlreadyStarted)
	AlreadySubmitted = kindSentinel(KindAlreadySubmitted)
	NotDone          = kindSentinel(KindNotDone)
	NotAllowed       = kindSentinel(KindNotAllowed)
	NameInUse        = kindSentinel(KindNameInUse)
	HopFailure       = kindSentinel(KindHopFailure)
	Internal         = kindSentinel(KindInternal)
	Cancelled        = kindSentinel(KindCancelled)
)

// NewCancelled builds the failure an awaiter observes after Cancel().
func NewCancelled() *Error { return new(KindCancelled, "observer was cancelled", nil) }

// NewTimeout builds a Timeout failure carrying the elapsed-time triple from
// spec.md's timeout accounting: start time, the time the timeout fired, and
// the elapsed duration.
func NewTimeout(start, now time.Time, elapsed time.Duration) *Error {
	return new(KindTimeout, fmt.Sprintf("start=%s now=%s elapsed=%s", start.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano), elapsed), nil)
}

// NewCommandFailure wraps the negative pattern or condition a command's
// parser detected in its output.
func NewCommandFailure(detail string) *Error {
	return new(KindCommandFailure, detail, nil)
}

// NewParsingFailure reports output that was consumed but not recognized.
func NewParsingFailure(detail string) *Error {
	return new(KindParsingFailure, detail, nil)
}

// NewConnectionLost wraps the transport error that caused the loss, if any.
func NewConnectionLost(cause error) *Error {
	return new(KindConnectionLost, "transport closed", cause)
}

func NewAlreadyStarted() *Error   { return new(KindAlreadyStarted, "observer already started", nil) }
func NewAlreadySubmitted() *Error { return new(KindAlreadySubmitted, "observer already submitted", nil) }
func NewNotDone() *Error          { return new(KindNotDone, "observer has no result yet", nil) }

func NewNotAllowed(state, name string) *Error {
	return new(KindNotAllowed, fmt.Sprintf("%q is not registered for state %q", name, state), nil)
}

func NewNameInUse(name string) *Error {
	return new(KindNameInUse, fmt.Sprintf("device %q already exists", name), nil)
}

// NewHopFailure wraps the underlying command failure observed while hopping
// from one device state to another.
func NewHopFailure(from, to, stage string, cause error) *Error {
	return new(KindHopFailure, fmt.Sprintf("%s -> %s (stage %s)", from, to, stage), cause)
}

func NewInternal(cause error) *Error {
	return new(KindInternal, "internal error", cause)
}

// Classify maps a raw transport error onto the Kind it represents for a
// running observer. It leans on errclass the same way bassosimone-nop's
// ErrClassifier does, then folds the OS-level classification down into the
// small set of kinds this module's callers care about.
func Classify(err error) Kind {
	if err == nil {
		return ""
	}

	if kerr, ok := asKindError(err); ok {
		return kerr.Kind
	}

	switch errclass.New(err) {
	case errclass.ETIMEDOUT:
		return KindTimeout
	case errclass.EGENERIC:
		return KindConnectionLost
	default:
		return KindConnectionLost
	}
}

func asKindError(err error) (*Error, bool) {
	var kerr *Error
	if errors.As(err, &kerr) {
		return kerr, true
	}
	return nil, false
}
