package stream

import (
	"regexp"
	"strings"
)

// ErrorClass splits stream-level errors into the three user-visible shapes.
type ErrorClass string

const (
	ErrorClassRetrying ErrorClass = "retrying"
	ErrorClassTerminal ErrorClass = "terminal"
	ErrorClassOther    ErrorClass = "other"
)

var (
	retryingRe  = regexp.MustCompile(`(?i)retry(?:ing)?\s+\d+\s*/\s*\d+`)
	exhaustedRe = regexp.MustCompile(`(?i)retries exhausted|after \d+ attempts|all retries failed`)

	// Volatile fragments stripped before hashing so every retry of one
	// underlying cause shares a msg_id with its terminal failure.
	retryCounterRe   = regexp.MustCompile(`(?i)retry(?:ing)?\s+\d+\s*/\s*\d+`)
	retryDelayRe     = regexp.MustCompile(`(?i)\bin\s+\d+(?:\.\d+)?\s*(?:ms|s|seconds|milliseconds)\b`)
	exhaustedNormRe  = regexp.MustCompile(`(?i)(?:all )?retries (?:failed|exhausted)(?:\s+after \d+ attempts)?`)

	rateLimitRe       = regexp.MustCompile(`(?i)rate limit|too many requests|quota|throttl|429\b`)
	authRe            = regexp.MustCompile(`(?i)unauthorized|invalid (?:api )?key|401\b|403\b|forbidden|authentication`)
	contextOverflowRe = regexp.MustCompile(`(?i)context.*overflow|context (?:window|length).*(?:exceed|too (?:large|long)|limit|max)|prompt is too long|maximum context length|request_too_large`)
	networkRe         = regexp.MustCompile(`(?i)connection (?:reset|refused|closed)|timeout|timed out|no such host|\beof\b|network`)
)

// ClassifyError buckets an error message for display handling.
func ClassifyError(text string) ErrorClass {
	t := strings.TrimSpace(text)
	if t == "" {
		return ErrorClassOther
	}
	switch {
	case retryingRe.MatchString(t):
		return ErrorClassRetrying
	case exhaustedRe.MatchString(t):
		return ErrorClassTerminal
	default:
		return ErrorClassOther
	}
}

// NormalizeError strips retry counters, timing, and exhaustion phrasing so
// every retry notice and the terminal failure of the same loop hash to one
// msg_id.
func NormalizeError(text string) string {
	t := strings.TrimSpace(text)
	t = retryCounterRe.ReplaceAllString(t, "retrying")
	t = exhaustedNormRe.ReplaceAllString(t, "retrying")
	t = retryDelayRe.ReplaceAllString(t, "")
	t = strings.Join(strings.Fields(t), " ")
	t = strings.ReplaceAll(t, " : ", ": ")
	return strings.ToLower(strings.Trim(t, " :;.,"))
}

// ErrorCode attaches a stable classification code to an error message before
// display.
func ErrorCode(text string) string {
	t := strings.TrimSpace(text)
	switch {
	case t == "":
		return "unknown"
	case contextOverflowRe.MatchString(t):
		return "context_overflow"
	case rateLimitRe.MatchString(t):
		return "rate_limit"
	case authRe.MatchString(t):
		return "auth"
	case networkRe.MatchString(t):
		return "network"
	default:
		return "unknown"
	}
}
