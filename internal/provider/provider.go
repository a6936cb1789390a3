package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Message is the minimal cross-provider chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is the uniform call contract every family adapter accepts.
type Request struct {
	Model       string
	Messages    []Message
	MaxTokens   int
	Temperature float32
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type Response struct {
	Content string
	Model   string
	Usage   Usage
}

// Adapter attempts one request against one credential. Rotation and retry
// live outside the adapter.
type Adapter interface {
	Family() Family
	Complete(ctx context.Context, apiKey string, req Request) (*Response, error)
}

const (
	DefaultMaxRetries = 3
	DefaultRetryDelay = 1000 * time.Millisecond
)

// RotatingOptions bounds the retry budget of a RotatingClient.
type RotatingOptions struct {
	MaxRetries int
	RetryDelay time.Duration

	// OnRetry observes each retryable failure before the next attempt.
	OnRetry func(attempt, max int, delay time.Duration, err error)
}

// ExhaustedError is the single terminal error surfaced after the retry
// budget is spent, distinguishable from per-attempt retry notices.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("provider retries exhausted after %d attempts: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

// RotatingClient wraps one logical provider with multi-key rotation and a
// bounded retry budget. RotationState is private to the instance and mutated
// only during a call.
type RotatingClient struct {
	adapter  Adapter
	keys     []string
	idx      int
	failures []int
	opts     RotatingOptions
	logf     func(format string, args ...any)
}

func NewRotatingClient(adapter Adapter, apiKeys []string, opts RotatingOptions, logf func(format string, args ...any)) (*RotatingClient, error) {
	if adapter == nil {
		return nil, errors.New("adapter is required")
	}
	keys := make([]string, 0, len(apiKeys))
	for _, k := range apiKeys {
		if strings.TrimSpace(k) != "" {
			keys = append(keys, strings.TrimSpace(k))
		}
	}
	if len(keys) == 0 {
		return nil, errors.New("at least one api key is required")
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	if logf == nil {
		logf = func(string, ...any) {}
	}
	return &RotatingClient{
		adapter:  adapter,
		keys:     keys,
		failures: make([]int, len(keys)),
		opts:     opts,
		logf:     logf,
	}, nil
}

// KeyIndex reports the current rotation position.
func (c *RotatingClient) KeyIndex() int {
	if c == nil {
		return 0
	}
	return c.idx
}

// Complete attempts the request against the current credential, advancing to
// the next key on each retryable failure, up to MaxRetries attempts total.
// Non-retryable failures surface immediately without consuming the budget.
func (c *RotatingClient) Complete(ctx context.Context, req Request) (*Response, error) {
	if c == nil {
		return nil, errors.New("nil client")
	}
	attempts := c.opts.MaxRetries

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		key := c.keys[c.idx]
		resp, err := c.adapter.Complete(ctx, key, req)
		if err == nil {
			return resp, nil
		}
		if !IsRetryable(err) {
			return nil, err
		}
		lastErr = err
		c.failures[c.idx]++
		if attempt == attempts {
			break
		}
		c.idx = (c.idx + 1) % len(c.keys)
		c.logf("attempt %d/%d failed (%v); rotating to key %d", attempt, attempts, err, c.idx)
		if c.opts.OnRetry != nil {
			c.opts.OnRetry(attempt, attempts, c.opts.RetryDelay, err)
		}
		if err := sleepCtx(ctx, c.opts.RetryDelay); err != nil {
			return nil, err
		}
	}
	return nil, &ExhaustedError{Attempts: attempts, Last: lastErr}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
