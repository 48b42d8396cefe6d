package broker

import (
	"errors"
	"fmt"
)

// ErrorKind classifies broker failures so callers can branch on the kind
// of failure instead of a bare success flag.
type ErrorKind int

const (
	// KindTransient covers network errors, rate limits and 5xx responses.
	// Safe to retry with backoff.
	KindTransient ErrorKind = iota
	// KindFatal covers authentication failures and rejected requests that
	// will not succeed on retry.
	KindFatal
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindFatal:
		return "fatal"
	}
	return "unknown"
}

// Error wraps a broker API failure with its retry classification.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("broker %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func transientErr(op string, err error) error {
	return &Error{Kind: KindTransient, Op: op, Err: err}
}

func fatalErr(op string, err error) error {
	return &Error{Kind: KindFatal, Op: op, Err: err}
}

// IsTransient reports whether err is a retryable broker failure.
func IsTransient(err error) bool {
	var be *Error
	return errors.As(err, &be) && be.Kind == KindTransient
}

// IsFatal reports whether err is a non-retryable broker failure.
func IsFatal(err error) bool {
	var be *Error
	return errors.As(err, &be) && be.Kind == KindFatal
}
