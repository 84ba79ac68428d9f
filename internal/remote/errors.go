package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"
)

// Transient error classes. Call sites test them with errors.Is.
var (
	ErrDNSFailure = errors.New("dns resolution failure")
	ErrConnReset  = errors.New("connection reset")
	ErrTimeout    = errors.New("request timeout")
)

// ErrNoSummary is returned by wrappers whose API cannot summarize remotely.
var ErrNoSummary = errors.New("api does not support summaries")

// TransientError wraps a network error that is eligible for retry.
type TransientError struct {
	Class error // one of ErrDNSFailure, ErrConnReset, ErrTimeout
	Err   error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%v: %v", e.Class, e.Err)
}

func (e *TransientError) Unwrap() []error {
	return []error{e.Class, e.Err}
}

// APIError is a non-2xx response from the exchange.
type APIError struct {
	Method string
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api %s: http %d: %s", e.Method, e.Status, e.Body)
}

// Temporary reports whether the status is worth retrying (429 or 5xx).
func (e *APIError) Temporary() bool {
	return e.Status == http.StatusTooManyRequests || (e.Status >= 500 && e.Status <= 599)
}

// Classify wraps recognized transient network failures in a
// *TransientError and returns every other error unchanged.
//
// A canceled parent context is never transient.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var te *TransientError
	if errors.As(err, &te) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}

	var dnsErr *net.DNSError
	switch {
	case errors.As(err, &dnsErr) && !dnsErr.IsTimeout:
		return &TransientError{Class: ErrDNSFailure, Err: err}
	case errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.EPIPE),
		errors.Is(err, io.ErrUnexpectedEOF):
		return &TransientError{Class: ErrConnReset, Err: err}
	case errors.Is(err, context.DeadlineExceeded):
		return &TransientError{Class: ErrTimeout, Err: err}
	}

	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return &TransientError{Class: ErrTimeout, Err: err}
	}
	return err
}

// IsTransient reports whether err may succeed on retry: a classified
// network failure or a 429/5xx API response.
func IsTransient(err error) bool {
	err = Classify(err)
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	var ae *APIError
	return errors.As(err, &ae) && ae.Temporary()
}

// IsDNSFailure returns true if err is a DNS resolution failure.
func IsDNSFailure(err error) bool {
	return errors.Is(Classify(err), ErrDNSFailure)
}

// IsConnReset returns true if err is a reset or refused connection.
func IsConnReset(err error) bool {
	return errors.Is(Classify(err), ErrConnReset)
}
