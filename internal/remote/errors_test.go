package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name  string
		err   error
		class error
	}{
		{"dns not found", &net.DNSError{Err: "no such host", Name: "api.example", IsNotFound: true}, ErrDNSFailure},
		{"dns temporary", &net.DNSError{Err: "try again", Name: "api.example", IsTemporary: true}, ErrDNSFailure},
		{"conn reset", &net.OpError{Op: "read", Err: os.NewSyscallError("read", syscall.ECONNRESET)}, ErrConnReset},
		{"conn refused", &net.OpError{Op: "dial", Err: os.NewSyscallError("connect", syscall.ECONNREFUSED)}, ErrConnReset},
		{"unexpected eof", fmt.Errorf("decode: %w", io.ErrUnexpectedEOF), ErrConnReset},
		{"deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), ErrTimeout},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Classify(tc.err)
			assert.ErrorIs(t, got, tc.class)
			assert.ErrorIs(t, got, tc.err, "original error stays reachable")
			assert.True(t, IsTransient(tc.err))
		})
	}
}

func TestClassify_NotTransient(t *testing.T) {
	plain := errors.New("invalid api key")
	assert.Same(t, plain, Classify(plain))
	assert.False(t, IsTransient(plain))

	assert.False(t, IsTransient(context.Canceled))
	assert.NoError(t, Classify(nil))
}

func TestClassify_Idempotent(t *testing.T) {
	once := Classify(io.ErrUnexpectedEOF)
	assert.Same(t, once, Classify(once))
}

func TestIsDNSFailureAndConnReset(t *testing.T) {
	dns := &net.DNSError{Err: "no such host", IsNotFound: true}
	assert.True(t, IsDNSFailure(dns))
	assert.False(t, IsConnReset(dns))

	reset := fmt.Errorf("wrapped: %w", syscall.ECONNRESET)
	assert.True(t, IsConnReset(reset))
	assert.False(t, IsDNSFailure(reset))
}

func TestAPIError_Temporary(t *testing.T) {
	assert.True(t, IsTransient(&APIError{Method: "getTrades", Status: 429}))
	assert.True(t, IsTransient(&APIError{Method: "getTrades", Status: 503}))
	assert.False(t, IsTransient(&APIError{Method: "getTrades", Status: 400}))
	assert.Contains(t, (&APIError{Method: "getTrades", Status: 400, Body: "bad"}).Error(), "http 400")
}
