package errs

import (
	"errors"
	"fmt"
	"time"
)

type Kind int

const (
	KindNetwork Kind = iota
	KindConfig
	KindAuth
	KindNotFound
	KindRateLimit
)

func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "config"
	case KindAuth:
		return "auth"
	case KindNotFound:
		return "not_found"
	case KindRateLimit:
		return "rate_limit"
	default:
		return "network"
	}
}

// Sentinels for use with errors.Is.
var (
	ErrConfig    = &Error{Kind: KindConfig}
	ErrAuth      = &Error{Kind: KindAuth}
	ErrNotFound  = &Error{Kind: KindNotFound}
	ErrNetwork   = &Error{Kind: KindNetwork}
	ErrRateLimit = &Error{Kind: KindRateLimit}
)

// Error is a classified failure. Subject names the record or zone the
// operation was about, never a credential.
type Error struct {
	Kind       Kind
	Op         string
	Subject    string
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	msg := e.Kind.String() + " error"
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Subject != "" {
		msg += " (" + e.Subject + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so errors.Is(err, ErrAuth) works
// through wrapping.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

func New(kind Kind, op, subject string, err error) *Error {
	return &Error{Kind: kind, Op: op, Subject: subject, Err: err}
}

func Config(op string, format string, args ...any) error {
	return &Error{Kind: KindConfig, Op: op, Err: fmt.Errorf(format, args...)}
}

func Network(op, subject string, err error) error {
	return &Error{Kind: KindNetwork, Op: op, Subject: subject, Err: err}
}

// KindOf reports the kind of err. Unclassified errors are treated as
// transient network failures.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindNetwork
}

// RetryAfter returns the provider-suggested wait carried by a rate limit error.
func RetryAfter(err error) (time.Duration, bool) {
	var e *Error
	if errors.As(err, &e) && e.Kind == KindRateLimit {
		return e.RetryAfter, true
	}
	return 0, false
}
