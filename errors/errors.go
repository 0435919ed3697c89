// Package errors provides the classification scheme used across the file
// writer: every error is Transient (retry), Invalid (bad input/config, do
// not retry), or Fatal (abandon the job/partition). Components decide how
// to react by asking the classification, never by matching error strings.
package errors

import (
	"context"
	"errors"
	"fmt"
)

// Class is the classification of an error for handling purposes.
type Class int

const (
	// Transient errors may succeed if retried (broker timeouts, EOF, disconnects).
	Transient Class = iota
	// Invalid errors are caused by bad input or configuration and will not
	// succeed on retry (malformed payload, unknown schema, bad template).
	Invalid
	// Fatal errors are unrecoverable for the scope they occur in (file open
	// failure, broker authentication failure).
	Fatal
)

func (c Class) String() string {
	switch c {
	case Transient:
		return "transient"
	case Invalid:
		return "invalid"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Standard sentinel errors referenced throughout the writer.
var (
	ErrAlreadyRegistered = errors.New("already registered")
	ErrUnknownSchema     = errors.New("unknown schema")
	ErrUnknownSource     = errors.New("unknown source")
	ErrBadPayload        = errors.New("payload too short or malformed")
	ErrMissingTimestamp  = errors.New("timestamp unavailable or zero")
	ErrConfigInvalid     = errors.New("invalid configuration")
	ErrNoUsableStreams   = errors.New("no stream bound successfully")
	ErrAlreadyStarted    = errors.New("already started")
	ErrAlreadyStopped    = errors.New("already stopped")
	ErrGroupAlreadyInit  = errors.New("group already initialized")
	ErrFileExists        = errors.New("file already exists")
)

// Classified wraps an error together with its class and the
// component/operation/action triple that produced it.
type Classified struct {
	class     Class
	err       error
	component string
	operation string
	action    string
}

func (e *Classified) Error() string {
	return fmt.Sprintf("%s.%s: %s failed: %v", e.component, e.operation, e.action, e.err)
}

func (e *Classified) Unwrap() error { return e.err }

// ClassOf returns the error's class.
func ClassOf(err error) Class { return Classify(err) }

func wrap(class Class, err error, component, operation, action string) error {
	if err == nil {
		return nil
	}
	return &Classified{class: class, err: err, component: component, operation: operation, action: action}
}

// WrapTransient marks err as retryable.
func WrapTransient(err error, component, operation, action string) error {
	return wrap(Transient, err, component, operation, action)
}

// WrapInvalid marks err as non-retryable bad input/config.
func WrapInvalid(err error, component, operation, action string) error {
	return wrap(Invalid, err, component, operation, action)
}

// WrapFatal marks err as unrecoverable for its scope.
func WrapFatal(err error, component, operation, action string) error {
	return wrap(Fatal, err, component, operation, action)
}

// Wrap preserves the class of err if already classified, otherwise treats
// it as Transient (the conservative default: allow a retry to happen).
func Wrap(err error, component, operation, action string) error {
	return wrap(Classify(err), err, component, operation, action)
}

// Classify inspects err and returns its Class. Context cancellation and
// deadline errors classify as Transient, matching broker poll semantics.
func Classify(err error) Class {
	if err == nil {
		return Transient
	}
	var ce *Classified
	if errors.As(err, &ce) {
		return ce.class
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return Transient
	}
	return Transient
}

// IsTransient reports whether err is retryable.
func IsTransient(err error) bool { return err != nil && Classify(err) == Transient }

// IsInvalid reports whether err is a non-retryable input/config error.
func IsInvalid(err error) bool { return err != nil && Classify(err) == Invalid }

// IsFatal reports whether err is unrecoverable for its scope.
func IsFatal(err error) bool { return err != nil && Classify(err) == Fatal }
