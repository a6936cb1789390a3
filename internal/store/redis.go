package store

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"deskagent/internal/stream"
)

// RedisStore keeps each conversation's messages in one hash keyed by
// msg_id, so re-persisting a msg_id overwrites the prior row.
type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(redisURL string) (*RedisStore, error) {
	url := strings.TrimSpace(redisURL)
	if url == "" {
		return nil, errors.New("redis url is required")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return &RedisStore{client: client, prefix: "deskagent:conv:"}, nil
}

func (s *RedisStore) key(conversationID string) string {
	return s.prefix + conversationID
}

func (s *RedisStore) PersistMessage(ctx context.Context, msg stream.Message) error {
	if s == nil || s.client == nil {
		return errors.New("redis store is not connected")
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return s.client.HSet(ctx, s.key(msg.ConversationID), msg.MsgID, string(data)).Err()
}

func (s *RedisStore) Messages(ctx context.Context, conversationID string) ([]stream.Message, error) {
	if s == nil || s.client == nil {
		return nil, errors.New("redis store is not connected")
	}
	raw, err := s.client.HGetAll(ctx, s.key(conversationID)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]stream.Message, 0, len(raw))
	for _, data := range raw {
		var msg stream.Message
		if err := json.Unmarshal([]byte(data), &msg); err != nil {
			continue
		}
		out = append(out, msg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out, nil
}

func (s *RedisStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}
