package stream

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Emitter delivers live events to every connected UI surface.
type Emitter interface {
	Emit(name string, payload any)
}

// Persister stores the normalized messages that survive the turn.
type Persister interface {
	PersistMessage(ctx context.Context, msg Message) error
}

// BusyGuard tracks whether a conversation is mid-turn; queued sends and busy
// indicators key off it.
type BusyGuard interface {
	SetProcessing(conversationID string, processing bool)
}

const EventMessage = "message"

type Options struct {
	ConversationID string
	Emitter        Emitter
	Persister      Persister
	Busy           BusyGuard

	// Directives scans a final message for embedded automation directives
	// and returns the system responses they produced.
	Directives func(ctx context.Context, text string) []string

	// FollowUp feeds collected system responses back into the agent as a
	// synthetic next turn. Must not block completion of the current turn.
	FollowUp func(ctx context.Context, text string)

	Logf func(format string, args ...any)
}

// Processor folds one conversation's raw agent events into the normalized
// message stream. One instance per conversation; state resets at task start.
type Processor struct {
	conversationID string
	emitter        Emitter
	persister      Persister
	busy           BusyGuard
	directives     func(ctx context.Context, text string) []string
	followUp       func(ctx context.Context, text string)
	logf           func(format string, args ...any)

	mu          sync.Mutex
	loadingID   string
	reasoningID string
	reasoning   strings.Builder
	position    int
}

func NewProcessor(opts Options) *Processor {
	logf := opts.Logf
	if logf == nil {
		logf = func(string, ...any) {}
	}
	return &Processor{
		conversationID: opts.ConversationID,
		emitter:        opts.Emitter,
		persister:      opts.Persister,
		busy:           opts.Busy,
		directives:     opts.Directives,
		followUp:       opts.FollowUp,
		logf:           logf,
	}
}

// HandleEvent dispatches one raw worker event. Events for a single
// conversation arrive in emission order.
func (p *Processor) HandleEvent(ctx context.Context, ev AgentEvent) {
	if p == nil {
		return
	}
	switch ev.Type {
	case EventTaskStart:
		p.ProcessTaskStart()
	case EventReasoningDelta, EventReasoning:
		p.handleReasoning(ev.Text)
	case EventSectionBreak:
		p.handleSectionBreak()
	case EventContentDelta:
		p.handleContentDelta(ev.Text)
	case EventFinalMessage:
		p.handleFinal(ctx, ev.Text)
	case EventError:
		p.HandleError(ctx, ev.Text, ev.ErrCode)
	case EventTaskComplete:
		p.ProcessTaskComplete(ctx)
	default:
		// Malformed events collapse into one updatable generic error row.
		p.HandleError(ctx, "malformed agent event: "+string(ev.Type), "protocol")
	}
}

// ProcessTaskStart allocates fresh loading/reasoning ids and clears the
// reasoning buffer. Called exactly once per user turn before any delta.
func (p *Processor) ProcessTaskStart() {
	p.mu.Lock()
	p.loadingID = NewMessageID()
	p.reasoningID = NewMessageID()
	p.reasoning.Reset()
	p.mu.Unlock()
	if p.busy != nil {
		p.busy.SetProcessing(p.conversationID, true)
	}
}

// handleReasoning appends to the turn's reasoning buffer and re-emits the
// whole accumulated text under the fixed reasoning id. Live-only: the UI
// always sees the latest full thought instead of concatenating fragments.
func (p *Processor) handleReasoning(text string) {
	p.mu.Lock()
	p.reasoning.WriteString(text)
	full := p.reasoning.String()
	msg := p.nextMessageLocked(p.reasoningID, TypeThought, full, StatusPending)
	p.mu.Unlock()
	p.emit(msg)
}

// handleSectionBreak resets the buffer without adding text or emitting.
func (p *Processor) handleSectionBreak() {
	p.mu.Lock()
	p.reasoning.Reset()
	p.mu.Unlock()
}

// handleContentDelta forwards a content fragment live under the fixed
// loading id. Deltas are never persisted; the final message supersedes them.
func (p *Processor) handleContentDelta(text string) {
	p.mu.Lock()
	msg := p.nextMessageLocked(p.loadingID, TypeContent, text, StatusPending)
	p.mu.Unlock()
	p.emit(msg)
}

// handleFinal persists the final text once under the loading id and is not
// re-emitted live (the client already rendered it via deltas). Embedded
// directives are processed asynchronously afterwards.
func (p *Processor) handleFinal(ctx context.Context, text string) {
	p.mu.Lock()
	msg := p.nextMessageLocked(p.loadingID, TypeText, text, StatusFinished)
	p.mu.Unlock()
	p.persist(ctx, msg)

	if p.directives == nil {
		return
	}
	go p.runDirectives(ctx, text)
}

func (p *Processor) runDirectives(ctx context.Context, text string) {
	responses := p.directives(ctx, text)
	if len(responses) == 0 {
		return
	}
	for _, resp := range responses {
		p.mu.Lock()
		msg := p.nextMessageLocked(NewMessageID(), TypeSystem, resp, StatusFinished)
		p.mu.Unlock()
		p.emit(msg)
	}
	if p.followUp != nil {
		p.followUp(ctx, strings.Join(responses, "\n"))
	}
}

// HandleError classifies a stream-level error and emits it under a msg_id
// derived from its normalized form, so repeated retries of one cause update
// a single row. Terminal and unrelated errors are persisted; in-progress
// retry notices are live-only.
func (p *Processor) HandleError(ctx context.Context, text, code string) {
	class := ClassifyError(text)
	if code == "" {
		code = ErrorCode(text)
	}
	msgID := HashID("err", NormalizeError(text))

	p.mu.Lock()
	msg := p.nextMessageLocked(msgID, TypeError, text, StatusFinished)
	msg.Code = code
	p.mu.Unlock()

	p.emit(msg)
	if class != ErrorClassRetrying {
		p.persist(ctx, msg)
	}
}

// ProcessTaskComplete clears turn state, marks the conversation not
// processing, and emits the terminal finish event (live-only). This is the
// single authoritative completion signal.
func (p *Processor) ProcessTaskComplete(ctx context.Context) {
	p.mu.Lock()
	p.loadingID = ""
	p.reasoningID = ""
	p.reasoning.Reset()
	msg := p.nextMessageLocked(NewMessageID(), TypeFinish, "", StatusFinished)
	p.mu.Unlock()

	if p.busy != nil {
		p.busy.SetProcessing(p.conversationID, false)
	}
	p.emit(msg)
}

func (p *Processor) nextMessageLocked(msgID string, typ MessageType, content, status string) Message {
	p.position++
	return Message{
		ID:             NewMessageID(),
		MsgID:          msgID,
		Type:           typ,
		Position:       p.position,
		ConversationID: p.conversationID,
		Content:        content,
		Status:         status,
		CreatedAt:      time.Now().UTC(),
	}
}

func (p *Processor) emit(msg Message) {
	if p.emitter == nil {
		return
	}
	p.emitter.Emit(EventMessage, msg)
}

func (p *Processor) persist(ctx context.Context, msg Message) {
	if p.persister == nil {
		return
	}
	if err := p.persister.PersistMessage(ctx, msg); err != nil {
		p.logf("persist %s message %s: %v", msg.Type, msg.MsgID, err)
	}
}
