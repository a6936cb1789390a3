package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"deskagent/internal/mcptools"
	"deskagent/internal/provider"
	"deskagent/internal/stream"
)

// Completer is the slice of a rotating client a task runner needs. Tests
// substitute scripted implementations.
type Completer interface {
	Complete(ctx context.Context, req provider.Request) (*provider.Response, error)
}

// ToolCaller executes one "server/tool" invocation on behalf of the model.
// mcptools.Toolset is the production implementation.
type ToolCaller interface {
	CallTool(ctx context.Context, qualified string, args map[string]any) (string, error)
}

// maxToolHops bounds the tool round-trips inside one turn so a model that
// keeps asking for tools cannot loop forever.
const maxToolHops = 4

// taskRunner executes direct-API turns as an in-process goroutine. Isolation
// is unnecessary here: a failed HTTP call is an error event, not a crash.
type taskRunner struct {
	w         *Worker
	client    Completer
	tools     ToolCaller
	model     string
	maxTokens int

	mu      sync.Mutex
	system  string
	history []provider.Message
	cancel  context.CancelFunc
}

func newTaskRunner(w *Worker, client Completer, tools ToolCaller, model string, maxTokens int) *taskRunner {
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &taskRunner{w: w, client: client, tools: tools, model: model, maxTokens: maxTokens}
}

func (r *taskRunner) Init(_ context.Context, cfg InitConfig) error {
	r.mu.Lock()
	r.system = cfg.SystemContext
	r.mu.Unlock()
	return nil
}

func (r *taskRunner) InjectHistory(_ context.Context, text string) error {
	if text == "" {
		return nil
	}
	r.mu.Lock()
	r.history = append(r.history, provider.Message{Role: "system", Content: "Prior conversation:\n" + text})
	r.mu.Unlock()
	return nil
}

func (r *taskRunner) Send(_ context.Context, input, msgID string, files []string) error {
	if len(files) > 0 {
		input = input + "\n\nAttached files:\n" + joinLines(files)
	}

	turnCtx, cancel := context.WithCancel(context.Background())
	r.mu.Lock()
	if r.cancel != nil {
		r.mu.Unlock()
		cancel()
		return ErrWorkerBusy
	}
	r.cancel = cancel
	r.history = append(r.history, provider.Message{Role: "user", Content: input})
	r.mu.Unlock()

	go r.runTurn(turnCtx, msgID)
	return nil
}

func (r *taskRunner) runTurn(ctx context.Context, msgID string) {
	defer func() {
		r.mu.Lock()
		if r.cancel != nil {
			r.cancel()
			r.cancel = nil
		}
		r.mu.Unlock()
	}()

	r.w.dispatchEvent(stream.AgentEvent{Type: stream.EventTaskStart, Text: msgID})

	for hop := 0; ; hop++ {
		r.mu.Lock()
		messages := r.requestMessagesLocked()
		r.mu.Unlock()

		resp, err := r.client.Complete(ctx, provider.Request{
			Model:     r.model,
			Messages:  messages,
			MaxTokens: r.maxTokens,
		})
		if err != nil {
			r.emitTurnFailure(err)
			r.w.dispatchEvent(stream.AgentEvent{Type: stream.EventTaskComplete})
			return
		}

		r.mu.Lock()
		r.history = append(r.history, provider.Message{Role: "assistant", Content: resp.Content})
		r.mu.Unlock()

		calls := mcptools.ParseCalls(resp.Content)
		if r.tools == nil || len(calls) == 0 || hop >= maxToolHops {
			r.w.dispatchEvent(stream.AgentEvent{Type: stream.EventContentDelta, Text: resp.Content})
			r.w.dispatchEvent(stream.AgentEvent{Type: stream.EventFinalMessage, Text: resp.Content})
			r.w.dispatchEvent(stream.AgentEvent{Type: stream.EventTaskComplete})
			return
		}
		r.runToolCalls(ctx, calls)
	}
}

// runToolCalls executes the tool requests of one hop and feeds each result
// back into the history for the next completion. Tool activity surfaces to
// the UI as reasoning; failures become results the model can react to.
func (r *taskRunner) runToolCalls(ctx context.Context, calls []mcptools.Call) {
	for _, call := range calls {
		r.w.dispatchEvent(stream.AgentEvent{Type: stream.EventReasoning, Text: fmt.Sprintf("calling tool %s\n", call.Name)})
		out, err := r.tools.CallTool(ctx, call.Name, call.Args)
		if err != nil {
			out = fmt.Sprintf("tool call failed: %v", err)
		}
		r.mu.Lock()
		r.history = append(r.history, provider.Message{
			Role:    "user",
			Content: fmt.Sprintf("Tool result for %s:\n%s", call.Name, out),
		})
		r.mu.Unlock()
	}
}

// emitTurnFailure phrases terminal provider failures so they normalize to
// the same id as the retry notices that preceded them. A stopped turn gets
// no error row, just the closing finish.
func (r *taskRunner) emitTurnFailure(err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	var exhausted *provider.ExhaustedError
	if errors.As(err, &exhausted) {
		r.w.dispatchEvent(stream.AgentEvent{
			Type: stream.EventError,
			Text: fmt.Sprintf("error sending request; retries exhausted after %d attempts: %v", exhausted.Attempts, exhausted.Last),
		})
		return
	}
	r.w.dispatchEvent(stream.AgentEvent{
		Type: stream.EventError,
		Text: fmt.Sprintf("error sending request: %v", err),
	})
}

// retryNotice is the OnRetry hook a bridge installs on the rotating client.
// Its phrasing must stay aligned with emitTurnFailure so both collapse to
// one transcript row.
func (r *taskRunner) retryNotice(attempt, max int, delay time.Duration, err error) {
	r.w.dispatchEvent(stream.AgentEvent{
		Type: stream.EventError,
		Text: fmt.Sprintf("error sending request; retrying %d/%d in %s: %v", attempt, max, delay, err),
	})
}

func (r *taskRunner) Stop() error {
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

func (r *taskRunner) Close() error {
	return r.Stop()
}

func (r *taskRunner) requestMessagesLocked() []provider.Message {
	out := make([]provider.Message, 0, len(r.history)+1)
	if r.system != "" {
		out = append(out, provider.Message{Role: "system", Content: r.system})
	}
	out = append(out, r.history...)
	return out
}

func joinLines(items []string) string {
	out := ""
	for i, item := range items {
		if i > 0 {
			out += "\n"
		}
		out += "- " + item
	}
	return out
}
