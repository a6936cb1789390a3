package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"deskagent/internal/config"
	"deskagent/internal/detect"
	"deskagent/internal/directive"
	"deskagent/internal/fanout"
	"deskagent/internal/mcptools"
	"deskagent/internal/store"
	"deskagent/internal/stream"
	"deskagent/internal/worker"
)

const (
	EventProcessing          = "processing"
	EventConfirmationRequest = "confirmation_request"
	EventAgentsUpdated       = "agents_updated"
)

// Options assembles the one orchestrator constructed at process start.
// Every component is injected; nothing here is process-global.
type Options struct {
	Detector  *detect.Detector
	Hub       *fanout.Hub
	Store     store.MessageStore
	Providers []config.Provider
	Tools     *mcptools.Toolset

	// DefaultTimezone applies to schedule directives that omit one.
	DefaultTimezone string

	Logf func(format string, args ...any)
}

// Orchestrator wires detection, workers, stream processing, persistence and
// fanout into the conversation pipeline. One instance hosts N independent
// conversations; failures inside one conversation never cross into another.
type Orchestrator struct {
	detector  *detect.Detector
	hub       *fanout.Hub
	store     store.MessageStore
	providers []config.Provider
	tools     *mcptools.Toolset
	defaultTZ string
	logf      func(format string, args ...any)

	bridge *worker.Bridge

	mu         sync.Mutex
	processors map[string]*stream.Processor
	busy       map[string]bool
}

func New(opts Options) *Orchestrator {
	logf := opts.Logf
	if logf == nil {
		logf = func(string, ...any) {}
	}
	o := &Orchestrator{
		detector:   opts.Detector,
		hub:        opts.Hub,
		store:      opts.Store,
		providers:  opts.Providers,
		tools:      opts.Tools,
		defaultTZ:  opts.DefaultTimezone,
		logf:       logf,
		processors: make(map[string]*stream.Processor),
		busy:       make(map[string]bool),
	}
	o.bridge = worker.NewBridge(worker.Options{
		OnConfirmationRequest: o.onConfirmationRequest,
		Logf:                  logf,
	})
	return o
}

// Emit satisfies stream.Emitter: every live event goes through the fanout
// hub to all connected surfaces.
func (o *Orchestrator) Emit(name string, payload any) {
	if o.hub != nil {
		o.hub.Emit(name, payload)
	}
}

// SetProcessing satisfies stream.BusyGuard and doubles as the busy
// indicator broadcast to the UI.
func (o *Orchestrator) SetProcessing(conversationID string, processing bool) {
	o.mu.Lock()
	if processing {
		o.busy[conversationID] = true
	} else {
		delete(o.busy, conversationID)
	}
	o.mu.Unlock()
	o.Emit(EventProcessing, map[string]any{
		"conversation_id": conversationID,
		"processing":      processing,
	})
}

func (o *Orchestrator) IsProcessing(conversationID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.busy[conversationID]
}

// Agents exposes the detection result for backend selection.
func (o *Orchestrator) Agents() []detect.Descriptor {
	return o.detector.DetectedAgents()
}

// RefreshCustomAgents re-reads custom-agent config without re-probing CLIs
// and pushes the updated list to every surface.
func (o *Orchestrator) RefreshCustomAgents() {
	o.detector.RefreshCustomAgents()
	o.Emit(EventAgentsUpdated, o.detector.DetectedAgents())
}

// StartConversation creates (or reattaches to) the worker for a conversation
// and wires its raw events through a per-conversation stream processor.
func (o *Orchestrator) StartConversation(ctx context.Context, conversationID, backendID string) error {
	backend, ok := o.detector.Find(backendID)
	if !ok {
		return fmt.Errorf("unknown backend: %s", backendID)
	}

	proc := o.processorFor(conversationID)
	opts := worker.StartOptions{
		Backend: backend,
		OnEvent: func(ev stream.AgentEvent) {
			proc.HandleEvent(context.Background(), ev)
		},
		Init: worker.InitConfig{SystemContext: backend.ContextHint},
	}

	// Backends without an invocation path talk to a provider directly
	// instead of running as a subprocess.
	if backend.Path == "" {
		cfg, err := o.providerFor(backend)
		if err != nil {
			return err
		}
		opts.Provider = &cfg
		opts.Init.SystemContext = o.directSystemContext(backend)
		if o.tools != nil && len(o.tools.Servers) > 0 {
			opts.Tools = o.tools
		}
	}

	w, created, err := o.bridge.Start(ctx, conversationID, opts)
	if err != nil {
		return fmt.Errorf("start conversation %s: %w", conversationID, err)
	}

	// Replay the transcript only into a freshly created worker; a reattach
	// to a live one would duplicate the history it already carries.
	if created {
		if history, err := o.historyText(ctx, conversationID); err == nil && history != "" {
			if err := w.InjectHistory(ctx, history); err != nil {
				o.logf("inject history for %s: %v", conversationID, err)
			}
		}
	}
	return nil
}

// SendMessage routes one user turn to the conversation's worker. A busy
// conversation rejects with worker.ErrWorkerBusy; callers queue on the
// processing events instead.
func (o *Orchestrator) SendMessage(ctx context.Context, conversationID, input, msgID string, files []string) error {
	return o.bridge.Send(ctx, conversationID, input, msgID, files)
}

// Confirm resolves a pending tool confirmation.
func (o *Orchestrator) Confirm(conversationID, callID string, d worker.Decision) error {
	return o.bridge.Confirm(conversationID, callID, d)
}

// StopConversation cancels the in-flight turn, if any.
func (o *Orchestrator) StopConversation(ctx context.Context, conversationID string) error {
	return o.bridge.Stop(ctx, conversationID)
}

// CloseConversation tears down the worker, its approval cache, and the
// per-conversation processor state.
func (o *Orchestrator) CloseConversation(conversationID string) error {
	err := o.bridge.CloseConversation(conversationID)
	o.mu.Lock()
	delete(o.processors, conversationID)
	delete(o.busy, conversationID)
	o.mu.Unlock()
	return err
}

// Messages reads back the persisted transcript of a conversation.
func (o *Orchestrator) Messages(ctx context.Context, conversationID string) ([]stream.Message, error) {
	if o.store == nil {
		return nil, errors.New("no message store configured")
	}
	return o.store.Messages(ctx, conversationID)
}

func (o *Orchestrator) Shutdown() {
	o.bridge.Shutdown()
}

func (o *Orchestrator) processorFor(conversationID string) *stream.Processor {
	o.mu.Lock()
	defer o.mu.Unlock()
	if proc, ok := o.processors[conversationID]; ok {
		return proc
	}
	proc := stream.NewProcessor(stream.Options{
		ConversationID: conversationID,
		Emitter:        o,
		Persister:      o.store,
		Busy:           o,
		Directives:     o.processDirectives,
		FollowUp: func(ctx context.Context, text string) {
			o.followUp(ctx, conversationID, text)
		},
		Logf: o.logf,
	})
	o.processors[conversationID] = proc
	return proc
}

// processDirectives validates any schedule blocks embedded in a final
// message and renders one system response per directive.
func (o *Orchestrator) processDirectives(_ context.Context, text string) []string {
	results := directive.Process(text, time.Now(), o.defaultTZ)
	if len(results) == 0 {
		return nil
	}
	out := make([]string, 0, len(results))
	for _, r := range results {
		if r.Err != nil {
			o.logf("directive rejected: %v", r.Err)
		}
		out = append(out, directive.Describe(r))
	}
	return out
}

// followUp feeds directive outcomes back to the agent as a synthetic turn.
// The current turn may still be settling, so a busy worker is retried
// briefly rather than dropped.
func (o *Orchestrator) followUp(ctx context.Context, conversationID, text string) {
	input := "System notices:\n" + text
	deadline := time.Now().Add(10 * time.Second)
	for {
		err := o.bridge.Send(ctx, conversationID, input, stream.NewMessageID(), nil)
		if err == nil {
			return
		}
		if !errors.Is(err, worker.ErrWorkerBusy) || time.Now().After(deadline) {
			o.logf("follow-up for %s dropped: %v", conversationID, err)
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(200 * time.Millisecond):
		}
	}
}

func (o *Orchestrator) onConfirmationRequest(req worker.ConfirmationRequest) {
	o.Emit(EventConfirmationRequest, req)
}

// providerFor picks the direct-API provider config for a backend. The
// built-in Gemini backend prefers a gemini-family provider; anything else
// takes the first usable one.
func (o *Orchestrator) providerFor(backend detect.Descriptor) (config.Provider, error) {
	var fallback *config.Provider
	for i := range o.providers {
		cfg := o.providers[i]
		if config.ValidateProvider(cfg) != nil {
			continue
		}
		if backend.BackendID == "builtin-gemini" {
			platform := strings.ToLower(cfg.Platform + " " + cfg.AuthType)
			if strings.Contains(platform, "gemini") || strings.Contains(platform, "vertex") {
				return cfg, nil
			}
		}
		if fallback == nil {
			fallback = &cfg
		}
	}
	if fallback != nil {
		return *fallback, nil
	}
	return config.Provider{}, fmt.Errorf("no usable provider configured for backend %s", backend.BackendID)
}

// directSystemContext extends the backend's context hint with the MCP tools
// a direct-API worker can call.
func (o *Orchestrator) directSystemContext(backend detect.Descriptor) string {
	parts := []string{}
	if backend.ContextHint != "" {
		parts = append(parts, backend.ContextHint)
	}
	if names := o.tools.ToolNames(); len(names) > 0 {
		parts = append(parts, "Available tools:\n- "+strings.Join(names, "\n- "))
	}
	return strings.Join(parts, "\n\n")
}

// historyText renders the persisted transcript for injection on reattach.
func (o *Orchestrator) historyText(ctx context.Context, conversationID string) (string, error) {
	if o.store == nil {
		return "", nil
	}
	msgs, err := o.store.Messages(ctx, conversationID)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for _, msg := range msgs {
		if msg.Type != stream.TypeText {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString("assistant: ")
		b.WriteString(msg.Content)
	}
	return b.String(), nil
}
