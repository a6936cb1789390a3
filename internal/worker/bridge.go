package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"deskagent/internal/approval"
	"deskagent/internal/config"
	"deskagent/internal/detect"
	"deskagent/internal/provider"
	"deskagent/internal/stream"
)

// Options configures a Bridge.
type Options struct {
	// OnConfirmationRequest forwards a sensitive-action prompt to the UI.
	// Resolution comes back through Confirm.
	OnConfirmationRequest func(ConfirmationRequest)

	Logf func(format string, args ...any)
}

// StartOptions describes the worker to create for a conversation.
type StartOptions struct {
	Backend detect.Descriptor
	OnEvent func(stream.AgentEvent)
	Init    InitConfig

	// Provider switches the worker to the in-process direct-API runner
	// instead of a CLI subprocess.
	Provider *config.Provider

	// Completer overrides the rotating client built from Provider. Used by
	// tests and by callers that share one client across conversations.
	Completer Completer

	// Tools, when set, lets a direct-API worker execute `tool` blocks the
	// model emits.
	Tools ToolCaller

	MaxTokens int
}

// Bridge owns the one-worker-per-conversation registry and the session
// approval stores that live and die with each conversation.
type Bridge struct {
	onConfirm func(ConfirmationRequest)
	logf      func(format string, args ...any)

	mu        sync.Mutex
	workers   map[string]*Worker
	approvals map[string]*approval.Store
}

func NewBridge(opts Options) *Bridge {
	logf := opts.Logf
	if logf == nil {
		logf = func(string, ...any) {}
	}
	return &Bridge{
		onConfirm: opts.OnConfirmationRequest,
		logf:      logf,
		workers:   make(map[string]*Worker),
		approvals: make(map[string]*approval.Store),
	}
}

// Approvals returns the session approval store for a conversation, creating
// it on first use. The store is cleared exactly once at teardown.
func (b *Bridge) Approvals(conversationID string) *approval.Store {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.approvalsLocked(conversationID)
}

func (b *Bridge) approvalsLocked(conversationID string) *approval.Store {
	store, ok := b.approvals[conversationID]
	if !ok {
		store = approval.NewStore()
		b.approvals[conversationID] = store
	}
	return store
}

// Start returns the live worker for a conversation, creating one only if
// none exists. A second Start while the first worker lives yields the same
// instance; it never spawns a duplicate. The second return reports whether
// this call created the worker. A worker is only published into the registry
// after its runner is wired, so a concurrent Send can never reach a
// half-built worker.
func (b *Bridge) Start(ctx context.Context, conversationID string, opts StartOptions) (*Worker, bool, error) {
	if conversationID == "" {
		return nil, false, errors.New("conversation id is required")
	}

	b.mu.Lock()
	if existing, ok := b.workers[conversationID]; ok && existing.State() != StateClosed {
		b.mu.Unlock()
		return existing, false, nil
	}
	store := b.approvalsLocked(conversationID)
	b.mu.Unlock()

	w := newWorker(conversationID, opts.Backend, store, opts.OnEvent, b.onConfirm, b.logf)
	run, err := b.buildRunner(w, opts)
	if err != nil {
		return nil, false, err
	}
	w.mu.Lock()
	w.run = run
	w.mu.Unlock()

	b.mu.Lock()
	if existing, ok := b.workers[conversationID]; ok && existing.State() != StateClosed {
		// Lost a concurrent Start; keep the winner.
		b.mu.Unlock()
		_ = w.Close()
		return existing, false, nil
	}
	b.workers[conversationID] = w
	b.mu.Unlock()

	if err := run.Init(ctx, opts.Init); err != nil {
		_ = w.Close()
		b.mu.Lock()
		if b.workers[conversationID] == w {
			delete(b.workers, conversationID)
		}
		b.mu.Unlock()
		return nil, false, fmt.Errorf("init worker for %s: %w", conversationID, err)
	}
	b.logf("worker started for %s (backend %s)", conversationID, opts.Backend.BackendID)
	return w, true, nil
}

func (b *Bridge) buildRunner(w *Worker, opts StartOptions) (runner, error) {
	if opts.Completer != nil {
		model := ""
		if opts.Provider != nil {
			model = opts.Provider.Model
		}
		return newTaskRunner(w, opts.Completer, opts.Tools, model, opts.MaxTokens), nil
	}
	if opts.Provider != nil {
		r := newTaskRunner(w, nil, opts.Tools, opts.Provider.Model, opts.MaxTokens)
		client, err := provider.NewRotatingClientFromConfig(*opts.Provider, provider.RotatingOptions{
			OnRetry: r.retryNotice,
		}, b.logf)
		if err != nil {
			return nil, err
		}
		r.client = client
		return r, nil
	}
	return startProcessRunner(w)
}

// Worker looks up the live worker for a conversation.
func (b *Bridge) Worker(conversationID string) (*Worker, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	w, ok := b.workers[conversationID]
	return w, ok
}

// Send routes a user message to the conversation's worker.
func (b *Bridge) Send(ctx context.Context, conversationID, input, msgID string, files []string) error {
	w, ok := b.Worker(conversationID)
	if !ok {
		return fmt.Errorf("no worker for conversation %s", conversationID)
	}
	return w.Send(ctx, input, msgID, files)
}

// Confirm resolves a pending confirmation for the conversation's worker.
func (b *Bridge) Confirm(conversationID, callID string, d Decision) error {
	w, ok := b.Worker(conversationID)
	if !ok {
		return fmt.Errorf("no worker for conversation %s", conversationID)
	}
	return w.Confirm(callID, d)
}

// Stop cancels the conversation's in-flight turn. Unknown conversations and
// settled workers are no-ops.
func (b *Bridge) Stop(ctx context.Context, conversationID string) error {
	w, ok := b.Worker(conversationID)
	if !ok {
		return nil
	}
	return w.Stop(ctx)
}

// CloseConversation tears down the worker and wipes the session approval
// cache. Safe to call for conversations that never started a worker.
func (b *Bridge) CloseConversation(conversationID string) error {
	b.mu.Lock()
	w := b.workers[conversationID]
	store := b.approvals[conversationID]
	delete(b.workers, conversationID)
	delete(b.approvals, conversationID)
	b.mu.Unlock()

	if store != nil {
		store.Clear()
	}
	if w != nil {
		return w.Close()
	}
	return nil
}

// Shutdown closes every live worker and clears every session approval
// cache. Used at process exit.
func (b *Bridge) Shutdown() {
	b.mu.Lock()
	workers := make([]*Worker, 0, len(b.workers))
	ids := make([]string, 0, len(b.workers))
	for id, w := range b.workers {
		workers = append(workers, w)
		ids = append(ids, id)
	}
	stores := make([]*approval.Store, 0, len(b.approvals))
	for _, store := range b.approvals {
		stores = append(stores, store)
	}
	b.workers = make(map[string]*Worker)
	b.approvals = make(map[string]*approval.Store)
	b.mu.Unlock()

	for i, w := range workers {
		if err := w.Close(); err != nil {
			b.logf("close worker %s: %v", ids[i], err)
		}
	}
	for _, store := range stores {
		store.Clear()
	}
}
