package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func TestIsRetryable_StatusCodes(t *testing.T) {
	cases := []struct {
		code int
		want bool
	}{
		{408, true},
		{429, true},
		{500, true},
		{502, true},
		{503, true},
		{400, false},
		{401, false},
		{403, false},
		{404, false},
		{422, false},
	}
	for _, c := range cases {
		got := IsRetryable(&StatusError{Code: c.code})
		if got != c.want {
			t.Fatalf("status %d: retryable=%v, want %v", c.code, got, c.want)
		}
	}
}

func TestIsRetryable_TransportAndRateLimit(t *testing.T) {
	if !IsRetryable(timeoutErr{}) {
		t.Fatalf("net.Error must be retryable")
	}
	if !IsRetryable(errors.New("read tcp: connection reset by peer")) {
		t.Fatalf("connection reset must be retryable")
	}
	if !IsRetryable(errors.New("rate limit exceeded, please slow down")) {
		t.Fatalf("rate limit phrasing must be retryable")
	}
	if IsRetryable(errors.New("invalid request: model field missing")) {
		t.Fatalf("validation error must not be retryable")
	}
}

func TestIsRetryable_ContextErrors(t *testing.T) {
	if IsRetryable(context.Canceled) {
		t.Fatalf("cancellation must not be retryable")
	}
	if IsRetryable(fmt.Errorf("call: %w", context.DeadlineExceeded)) {
		t.Fatalf("deadline must not be retryable")
	}
}

func TestWrapSDKError_ExtractsStatus(t *testing.T) {
	err := wrapSDKError(errors.New("429 Too Many Requests: slow down"), 0)
	var status *StatusError
	if !errors.As(err, &status) || status.Code != 429 {
		t.Fatalf("expected status 429 extracted, got %v", err)
	}

	err = wrapSDKError(errors.New("boom"), 503)
	if !errors.As(err, &status) || status.Code != 503 {
		t.Fatalf("expected explicit status 503, got %v", err)
	}
}

func TestWrapSDKError_IgnoresNumbersInsideMessage(t *testing.T) {
	err := wrapSDKError(errors.New("request used 503 tokens"), 0)
	var status *StatusError
	if errors.As(err, &status) {
		t.Fatalf("a number quoted mid-message must not be read as a status, got %v", err)
	}
	if IsRetryable(err) {
		t.Fatalf("a plain validation message must not become retryable")
	}
}

func TestExhaustedError_Unwrap(t *testing.T) {
	inner := &StatusError{Code: 503}
	err := &ExhaustedError{Attempts: 3, Last: inner}
	var status *StatusError
	if !errors.As(err, &status) {
		t.Fatalf("expected unwrap to inner status error")
	}
}
