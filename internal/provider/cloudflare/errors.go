package cloudflare

import (
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/cloudflare/cloudflare-go"
	"github.com/evanofslack/cddns/internal/errs"
)

type callStatusKey struct{}

// callStatus captures the last HTTP response seen for one provider call.
// cloudflare-go folds 429 and 5xx responses into plain errors, so the status
// is read off the wire instead.
type callStatus struct {
	mu         sync.Mutex
	code       int
	retryAfter string
}

func (s *callStatus) set(code int, retryAfter string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.code = code
	s.retryAfter = retryAfter
}

func (s *callStatus) get() (int, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.code, s.retryAfter
}

type recordingTransport struct {
	next http.RoundTripper
}

func (t *recordingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.next.RoundTrip(req)
	if status, ok := req.Context().Value(callStatusKey{}).(*callStatus); ok && resp != nil {
		status.set(resp.StatusCode, resp.Header.Get("Retry-After"))
	}
	return resp, err
}

func classify(op, subject string, status *callStatus, err error) error {
	code, retryAfter := status.get()
	kind := errs.KindNetwork
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		kind = errs.KindAuth
	case code == http.StatusNotFound:
		kind = errs.KindNotFound
	case code == http.StatusTooManyRequests:
		kind = errs.KindRateLimit
	case code >= http.StatusBadRequest && code < http.StatusInternalServerError:
		// A rejected request fails the record it was about, not the
		// credential. Repeating it cannot succeed.
		kind = errs.KindNetwork
		err = &rejectedError{code: code, err: err}
	default:
		kind = kindFromError(err)
	}

	e := errs.New(kind, op, subject, err)
	if kind == errs.KindRateLimit {
		e.RetryAfter = parseRetryAfter(retryAfter, time.Now())
	}
	return e
}

func kindFromError(err error) errs.Kind {
	var authn *cloudflare.AuthenticationError
	var authz *cloudflare.AuthorizationError
	var notFound *cloudflare.NotFoundError
	var rateLimit *cloudflare.RatelimitError
	switch {
	case errors.As(err, &authn), errors.As(err, &authz):
		return errs.KindAuth
	case errors.As(err, &notFound):
		return errs.KindNotFound
	case errors.As(err, &rateLimit):
		return errs.KindRateLimit
	}
	return errs.KindNetwork
}

// parseRetryAfter accepts both delay-seconds and HTTP-date forms.
func parseRetryAfter(v string, now time.Time) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil && t.After(now) {
		return t.Sub(now)
	}
	return 0
}

// rejectedError marks a 4xx answer that is not about auth, a missing
// resource or rate limiting.
type rejectedError struct {
	code int
	err  error
}

func (e *rejectedError) Error() string { return e.err.Error() }

func (e *rejectedError) Unwrap() error { return e.err }

// retryable reports whether a failed read may be repeated within the pass.
func retryable(err error) bool {
	var rejected *rejectedError
	return errs.KindOf(err) == errs.KindNetwork && !errors.As(err, &rejected)
}
