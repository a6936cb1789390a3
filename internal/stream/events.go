package stream

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// MessageType tags the normalized message union.
type MessageType string

const (
	TypeText    MessageType = "text"
	TypeThought MessageType = "thought"
	TypeContent MessageType = "content"
	TypeError   MessageType = "error"
	TypeFinish  MessageType = "finish"
	TypeSystem  MessageType = "system"
)

const (
	StatusPending  = "pending"
	StatusFinished = "finished"
)

// Message is the normalized unit both emitted live and persisted. Repeated
// messages with one msg_id merge into a single logical record.
type Message struct {
	ID             string      `json:"id"`
	MsgID          string      `json:"msg_id"`
	Type           MessageType `json:"type"`
	Position       int         `json:"position"`
	ConversationID string      `json:"conversation_id"`
	Content        string      `json:"content"`
	Status         string      `json:"status,omitempty"`
	Code           string      `json:"code,omitempty"`
	CreatedAt      time.Time   `json:"createdAt"`
}

// EventType tags the raw agent event union a worker emits.
type EventType string

const (
	EventTaskStart      EventType = "task_start"
	EventReasoningDelta EventType = "agent_reasoning_delta"
	EventReasoning      EventType = "agent_reasoning"
	EventSectionBreak   EventType = "agent_reasoning_section_break"
	EventContentDelta   EventType = "content_delta"
	EventFinalMessage   EventType = "final_message"
	EventError          EventType = "error"
	EventTaskComplete   EventType = "task_complete"
)

// AgentEvent is one raw event off a worker's channel.
type AgentEvent struct {
	Type           EventType `json:"type"`
	ConversationID string    `json:"conversation_id"`
	Text           string    `json:"text,omitempty"`
	ErrCode        string    `json:"err_code,omitempty"`
}

// NewMessageID returns a random message id in the style used across the
// pipeline.
func NewMessageID() string {
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("msg-%d", time.Now().UnixNano())
	}
	return "msg-" + hex.EncodeToString(buf)
}

// HashID derives a deterministic 32-bit rolling-hash id from a normalized
// input, stable across runs. Collisions are possible and accepted: two
// distinct errors colliding merge their transcript rows, nothing more.
func HashID(prefix, s string) string {
	var h uint32 = 5381
	for i := 0; i < len(s); i++ {
		h = h*33 + uint32(s[i])
	}
	return fmt.Sprintf("%s-%08x", prefix, h)
}
