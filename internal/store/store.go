package store

import (
	"context"
	"sort"
	"sync"

	"deskagent/internal/stream"
)

// MessageStore persists normalized messages. Persisting a message whose
// msg_id already exists for the conversation replaces it (merge semantics:
// updated error rows and re-persisted finals overwrite in place).
type MessageStore interface {
	PersistMessage(ctx context.Context, msg stream.Message) error
	Messages(ctx context.Context, conversationID string) ([]stream.Message, error)
	Close() error
}

// MemoryStore is the in-process implementation used by tests and as the
// fallback when no redis URL is configured.
type MemoryStore struct {
	mu    sync.RWMutex
	convs map[string]map[string]stream.Message
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{convs: make(map[string]map[string]stream.Message)}
}

func (s *MemoryStore) PersistMessage(_ context.Context, msg stream.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.convs == nil {
		s.convs = make(map[string]map[string]stream.Message)
	}
	conv := s.convs[msg.ConversationID]
	if conv == nil {
		conv = make(map[string]stream.Message)
		s.convs[msg.ConversationID] = conv
	}
	if prev, ok := conv[msg.MsgID]; ok {
		// Keep the original position so an updated row does not move.
		msg.Position = prev.Position
	}
	conv[msg.MsgID] = msg
	return nil
}

func (s *MemoryStore) Messages(_ context.Context, conversationID string) ([]stream.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv := s.convs[conversationID]
	out := make([]stream.Message, 0, len(conv))
	for _, msg := range conv {
		out = append(out, msg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }
