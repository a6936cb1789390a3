package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"deskagent/internal/approval"
	"deskagent/internal/detect"
	"deskagent/internal/stream"
)

// State is the lifecycle phase of one conversation worker.
type State string

const (
	StateIdle                 State = "idle"
	StateRunning              State = "running"
	StateAwaitingConfirmation State = "awaiting_confirmation"
	StateFinished             State = "finished"
	StateErrored              State = "errored"
	StateClosed               State = "closed"
)

// Decision is a user's answer to a confirmation prompt. The "always"
// variants are recorded into the approval store before the waiter resolves.
type Decision string

const (
	AllowOnce    Decision = "allow_once"
	AllowAlways  Decision = "allow_always"
	RejectOnce   Decision = "reject_once"
	RejectAlways Decision = "reject_always"
)

func (d Decision) Allowed() bool {
	return d == AllowOnce || d == AllowAlways
}

var (
	ErrWorkerBusy            = errors.New("conversation already has a turn in flight")
	ErrWorkerClosed          = errors.New("worker is closed")
	ErrWorkerNotReady        = errors.New("worker has no runner attached")
	ErrUnknownCall           = errors.New("unknown confirmation call id")
	ErrConfirmationCancelled = errors.New("confirmation cancelled")
)

// ConfirmationRequest surfaces a sensitive-action prompt to the UI layer.
// Resolution comes back through Worker.Confirm keyed by CallID.
type ConfirmationRequest struct {
	ConversationID string
	CallID         string
	Action         string
	Identifier     string
}

// runner is the agent-specific half of a worker: a CLI subprocess speaking
// line-delimited JSON, or an in-process task calling a provider directly.
type runner interface {
	Init(ctx context.Context, cfg InitConfig) error
	Send(ctx context.Context, input, msgID string, files []string) error
	InjectHistory(ctx context.Context, text string) error
	Stop() error
	Close() error
}

// InitConfig carries the per-conversation setup handed to a runner at start.
type InitConfig struct {
	SystemContext string `json:"system_context,omitempty"`
	WorkDir       string `json:"work_dir,omitempty"`
}

// Worker owns one conversation's execution unit. At most one live worker
// exists per conversation id; the bridge enforces that.
type Worker struct {
	conversationID string
	backend        detect.Descriptor
	approvals      *approval.Store
	onEvent        func(stream.AgentEvent)
	onConfirm      func(ConfirmationRequest)
	logf           func(format string, args ...any)

	mu      sync.Mutex
	state   State
	pending map[string]*pendingCall
	run     runner

	done     chan struct{}
	doneOnce sync.Once
}

type pendingCall struct {
	key approval.Key
	ch  chan Decision
}

func newWorker(conversationID string, backend detect.Descriptor, approvals *approval.Store, onEvent func(stream.AgentEvent), onConfirm func(ConfirmationRequest), logf func(format string, args ...any)) *Worker {
	if logf == nil {
		logf = func(string, ...any) {}
	}
	return &Worker{
		conversationID: conversationID,
		backend:        backend,
		approvals:      approvals,
		onEvent:        onEvent,
		onConfirm:      onConfirm,
		logf:           logf,
		state:          StateIdle,
		pending:        make(map[string]*pendingCall),
		done:           make(chan struct{}),
	}
}

func (w *Worker) ConversationID() string { return w.conversationID }

func (w *Worker) Backend() detect.Descriptor { return w.backend }

func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Send starts a new turn. A turn already in flight rejects with
// ErrWorkerBusy rather than queueing or spawning a duplicate.
func (w *Worker) Send(ctx context.Context, input, msgID string, files []string) error {
	w.mu.Lock()
	switch w.state {
	case StateClosed:
		w.mu.Unlock()
		return ErrWorkerClosed
	case StateRunning, StateAwaitingConfirmation:
		w.mu.Unlock()
		return ErrWorkerBusy
	}
	run := w.run
	if run == nil {
		w.mu.Unlock()
		return ErrWorkerNotReady
	}
	w.state = StateRunning
	w.mu.Unlock()

	if err := run.Send(ctx, input, msgID, files); err != nil {
		w.mu.Lock()
		w.state = StateErrored
		w.mu.Unlock()
		return err
	}
	return nil
}

// Stop cancels the in-flight turn. Only meaningful while running or awaiting
// confirmation; any other state is an idempotent no-op.
func (w *Worker) Stop(ctx context.Context) error {
	w.mu.Lock()
	state := w.state
	run := w.run
	w.mu.Unlock()
	if state != StateRunning && state != StateAwaitingConfirmation || run == nil {
		return nil
	}
	return run.Stop()
}

// InjectHistory replays prior conversation text into the worker on
// (re)attach.
func (w *Worker) InjectHistory(ctx context.Context, text string) error {
	w.mu.Lock()
	if w.state == StateClosed {
		w.mu.Unlock()
		return ErrWorkerClosed
	}
	run := w.run
	w.mu.Unlock()
	if run == nil {
		return ErrWorkerNotReady
	}
	return run.InjectHistory(ctx, text)
}

// Confirm resolves a pending confirmation exactly once by call id. Standing
// decisions are recorded before the waiter is released, and an unknown id is
// an error rather than a silent drop.
func (w *Worker) Confirm(callID string, d Decision) error {
	w.mu.Lock()
	call, ok := w.pending[callID]
	if !ok {
		w.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownCall, callID)
	}
	delete(w.pending, callID)
	switch d {
	case AllowAlways:
		w.approvals.Approve(call.key)
	case RejectAlways:
		w.approvals.Reject(call.key)
	}
	if w.state == StateAwaitingConfirmation && len(w.pending) == 0 {
		w.state = StateRunning
	}
	w.mu.Unlock()

	call.ch <- d
	return nil
}

// awaitDecision blocks a runner until the action is decided. A recorded
// session decision short-circuits without surfacing a prompt; otherwise the
// request is forwarded to the UI and the waiter parks until Confirm,
// cancellation, or worker teardown.
func (w *Worker) awaitDecision(ctx context.Context, callID string, key approval.Key) (bool, error) {
	if allowed, ok := w.approvals.Decision(key); ok {
		return allowed, nil
	}

	call := &pendingCall{key: key, ch: make(chan Decision, 1)}
	w.mu.Lock()
	if w.state == StateClosed {
		w.mu.Unlock()
		return false, ErrWorkerClosed
	}
	w.pending[callID] = call
	if w.state == StateRunning {
		w.state = StateAwaitingConfirmation
	}
	w.mu.Unlock()

	if w.onConfirm != nil {
		w.onConfirm(ConfirmationRequest{
			ConversationID: w.conversationID,
			CallID:         callID,
			Action:         key.Action,
			Identifier:     key.Identifier,
		})
	}

	select {
	case d := <-call.ch:
		return d.Allowed(), nil
	case <-ctx.Done():
		w.dropPending(callID)
		return false, fmt.Errorf("%w: %v", ErrConfirmationCancelled, ctx.Err())
	case <-w.done:
		return false, ErrConfirmationCancelled
	}
}

func (w *Worker) dropPending(callID string) {
	w.mu.Lock()
	delete(w.pending, callID)
	if w.state == StateAwaitingConfirmation && len(w.pending) == 0 {
		w.state = StateRunning
	}
	w.mu.Unlock()
}

// dispatchEvent forwards one raw runner event downstream and keeps the state
// machine in step with turn boundaries.
func (w *Worker) dispatchEvent(ev stream.AgentEvent) {
	ev.ConversationID = w.conversationID
	w.mu.Lock()
	switch ev.Type {
	case stream.EventTaskStart:
		if w.state == StateIdle || w.state == StateFinished || w.state == StateErrored {
			w.state = StateRunning
		}
	case stream.EventTaskComplete:
		if w.state != StateClosed {
			w.state = StateFinished
		}
	}
	onEvent := w.onEvent
	w.mu.Unlock()
	if onEvent != nil {
		onEvent(ev)
	}
}

// closeWithError handles an unexpected runner death: synthesize a terminal
// error plus the turn-closing finish so the UI never hangs, release every
// pending confirmation waiter, and transition to closed.
func (w *Worker) closeWithError(cause string) {
	w.mu.Lock()
	if w.state == StateClosed {
		w.mu.Unlock()
		return
	}
	w.state = StateClosed
	onEvent := w.onEvent
	w.mu.Unlock()

	w.releaseWaiters()
	if onEvent != nil {
		onEvent(stream.AgentEvent{Type: stream.EventError, ConversationID: w.conversationID, Text: cause, ErrCode: "worker_crashed"})
		onEvent(stream.AgentEvent{Type: stream.EventTaskComplete, ConversationID: w.conversationID})
	}
}

// Close tears the worker down deliberately. Idempotent.
func (w *Worker) Close() error {
	w.mu.Lock()
	if w.state == StateClosed {
		w.mu.Unlock()
		return nil
	}
	w.state = StateClosed
	run := w.run
	w.mu.Unlock()

	w.releaseWaiters()
	if run != nil {
		return run.Close()
	}
	return nil
}

func (w *Worker) releaseWaiters() {
	w.doneOnce.Do(func() { close(w.done) })
	w.mu.Lock()
	for id := range w.pending {
		delete(w.pending, id)
	}
	w.mu.Unlock()
}

func (w *Worker) isClosed() bool {
	select {
	case <-w.done:
		return true
	default:
		return false
	}
}
