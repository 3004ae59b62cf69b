package errors

import (
	"context"
	"errors"
	"fmt"
	"slices"
)

// Class tells a caller what to do with an error: retry it, reject the
// request, or stop.
type Class int

const (
	ClassTransient Class = iota
	ClassInvalid
	ClassFatal
)

func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassInvalid:
		return "invalid"
	case ClassFatal:
		return "fatal"
	}
	return "unknown"
}

// Lifecycle and routing sentinels.
var (
	ErrInvalidTransition  = errors.New("invalid lifecycle transition")
	ErrModuleNotActive    = errors.New("module not active")
	ErrDuplicateID        = errors.New("duplicate id")
	ErrUnknownReference   = errors.New("unknown reference")
	ErrNotFound           = errors.New("not found")
	ErrNoRoute            = errors.New("no route")
	ErrModuleProcess      = errors.New("module process error")
	ErrTimeout            = errors.New("module process timeout")
	ErrBrokerDisconnected = errors.New("broker disconnected")
	ErrStorageUnavailable = errors.New("storage unavailable")
)

// Generic sentinels shared by the transports, config and definition loaders.
var (
	ErrAlreadyStarted    = errors.New("already started")
	ErrConnectionLost    = errors.New("connection lost")
	ErrConnectionTimeout = errors.New("connection timeout")
	ErrInvalidData       = errors.New("invalid data format")
	ErrParsingFailed     = errors.New("parsing failed")
	ErrInvalidConfig     = errors.New("invalid configuration")
	ErrMissingConfig     = errors.New("missing required configuration")
)

var (
	transientCauses = []error{
		ErrConnectionLost, ErrConnectionTimeout, ErrBrokerDisconnected, ErrStorageUnavailable,
		ErrTimeout, context.DeadlineExceeded, context.Canceled,
	}
	invalidCauses = []error{
		ErrInvalidData, ErrParsingFailed, ErrInvalidTransition, ErrDuplicateID, ErrUnknownReference,
	}
	fatalCauses = []error{ErrInvalidConfig, ErrMissingConfig}
)

// Error is a wrapped error tagged with a Class.
type Error struct {
	Class Class
	err   error
}

func (e *Error) Error() string { return e.err.Error() }

func (e *Error) Unwrap() error { return e.err }

// Wrap annotates err as "component.method: action failed: err". It returns
// nil for a nil err.
func Wrap(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s.%s: %s failed: %w", component, method, action, err)
}

func wrapAs(class Class, err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return &Error{Class: class, err: Wrap(err, component, method, action)}
}

// WrapTransient is Wrap plus ClassTransient.
func WrapTransient(err error, component, method, action string) error {
	return wrapAs(ClassTransient, err, component, method, action)
}

// WrapInvalid is Wrap plus ClassInvalid.
func WrapInvalid(err error, component, method, action string) error {
	return wrapAs(ClassInvalid, err, component, method, action)
}

// WrapFatal is Wrap plus ClassFatal.
func WrapFatal(err error, component, method, action string) error {
	return wrapAs(ClassFatal, err, component, method, action)
}

// is reports whether err carries class. The outermost tagged Error wins;
// untagged chains fall back to their sentinel causes.
func is(err error, class Class, causes []error) bool {
	if err == nil {
		return false
	}
	var tagged *Error
	if errors.As(err, &tagged) {
		return tagged.Class == class
	}
	return slices.ContainsFunc(causes, func(c error) bool { return errors.Is(err, c) })
}

func IsTransient(err error) bool { return is(err, ClassTransient, transientCauses) }

func IsInvalid(err error) bool { return is(err, ClassInvalid, invalidCauses) }

func IsFatal(err error) bool { return is(err, ClassFatal, fatalCauses) }

// Code is the stable identifier the admin API reports for an error.
type Code string

const (
	CodeInvalidTransition Code = "invalid_transition"
	CodeModuleNotActive   Code = "module_not_active"
	CodeDuplicateID       Code = "duplicate_id"
	CodeUnknownReference  Code = "unknown_reference"
	CodeNotFound          Code = "not_found"
	CodeInvalid           Code = "invalid"
	CodeUnavailable       Code = "unavailable"
	CodeInternal          Code = "internal"
)

var codes = []struct {
	cause error
	code  Code
}{
	{ErrInvalidTransition, CodeInvalidTransition},
	{ErrModuleNotActive, CodeModuleNotActive},
	{ErrDuplicateID, CodeDuplicateID},
	{ErrUnknownReference, CodeUnknownReference},
	{ErrNotFound, CodeNotFound},
	{ErrBrokerDisconnected, CodeUnavailable},
	{ErrStorageUnavailable, CodeUnavailable},
}

// CodeOf returns the code of the first known sentinel in err's chain. Other
// invalid errors map to CodeInvalid and everything else to CodeInternal.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	for _, c := range codes {
		if errors.Is(err, c.cause) {
			return c.code
		}
	}
	if IsInvalid(err) {
		return CodeInvalid
	}
	return CodeInternal
}
