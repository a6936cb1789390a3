package provider

import (
	"context"
	"errors"
	"net"
	"regexp"
	"strings"
)

// StatusError carries an HTTP status from a provider response. Family
// adapters map their SDK error types onto this so classification has one
// table to consult.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	body := strings.TrimSpace(e.Body)
	if body == "" {
		return "provider api error: status " + itoa(e.Code)
	}
	return "provider api error: status " + itoa(e.Code) + ": " + body
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [8]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

var (
	rateLimitHintRe = regexp.MustCompile(`(?i)rate limit|too many requests|requests per (?:minute|hour|day)|quota|throttl|overloaded|429\b|tpm\b|tpd\b`)
	transportHintRe = regexp.MustCompile(`(?i)connection (?:reset|refused|closed)|broken pipe|unexpected eof|\beof\b|timeout|timed out|no such host|tls handshake`)
)

// IsRetryable decides whether a provider failure may consume retry budget.
//
// Retryable: transport errors (net.Error, reset/refused/EOF/timeout), HTTP
// 408/429 and 5xx, and rate-limit/overload phrasing. Non-retryable: context
// cancellation and client-side rejections (400/401/403/404/422), which retry
// cannot fix.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var status *StatusError
	if errors.As(err, &status) {
		switch {
		case status.Code == 408 || status.Code == 429:
			return true
		case status.Code >= 500:
			return true
		default:
			return false
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	text := err.Error()
	if rateLimitHintRe.MatchString(text) {
		return true
	}
	if transportHintRe.MatchString(text) {
		return true
	}
	return false
}

// leadingStatusRe extracts an HTTP status from SDK error strings of the form
// "400 Bad Request: ..." when a structured error is unavailable. Anchored to
// the start so numbers quoted inside a message are never read as a status.
var leadingStatusRe = regexp.MustCompile(`^\s*([1-5]\d{2})\b`)

func wrapSDKError(err error, statusCode int) error {
	if err == nil {
		return nil
	}
	if statusCode > 0 {
		return &StatusError{Code: statusCode, Body: err.Error()}
	}
	if m := leadingStatusRe.FindStringSubmatch(err.Error()); m != nil {
		code := 0
		for _, ch := range m[1] {
			code = code*10 + int(ch-'0')
		}
		return &StatusError{Code: code, Body: err.Error()}
	}
	return err
}
