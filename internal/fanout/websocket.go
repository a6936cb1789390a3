package fanout

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"
)

const writeTimeout = 5 * time.Second

// envelope is the wire shape every remote client receives.
type envelope struct {
	Name string `json:"name"`
	Data any    `json:"data"`
}

// SocketObserver wraps one remote WebSocket client. Writes are serialized;
// a write failure surfaces to the hub, which logs and keeps going.
type SocketObserver struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func NewSocketObserver(conn *websocket.Conn) *SocketObserver {
	return &SocketObserver{conn: conn}
}

func (s *SocketObserver) Deliver(name string, payload any) error {
	if s == nil || s.conn == nil {
		return context.Canceled
	}
	data, err := json.Marshal(envelope{Name: name, Data: payload})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.Write(ctx, websocket.MessageText, data)
}

func (s *SocketObserver) Close(status websocket.StatusCode, reason string) {
	if s == nil || s.conn == nil {
		return
	}
	_ = s.conn.Close(status, reason)
}

// AcceptOptions configures the hub's WebSocket endpoint.
type AcceptOptions struct {
	AllowedOrigins []string
}

var socketSeq atomic.Uint64

// AcceptHandler returns an http.Handler that upgrades incoming connections,
// registers each as an observer, and unregisters it when the peer goes away.
func (h *Hub) AcceptHandler(opts AcceptOptions) http.Handler {
	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			OriginPatterns: origins,
		})
		if err != nil {
			h.logf("ws accept: %v", err)
			return
		}
		id := observerID("ws", socketSeq.Add(1))
		obs := NewSocketObserver(conn)
		h.Register(id, obs)
		h.logf("ws client %s connected from %s", id, r.RemoteAddr)

		// Remote clients only receive; the read loop exists to notice the
		// peer closing.
		go func() {
			defer func() {
				h.Unregister(id)
				obs.Close(websocket.StatusNormalClosure, "bye")
				h.logf("ws client %s disconnected", id)
			}()
			for {
				if _, _, err := conn.Read(r.Context()); err != nil {
					return
				}
			}
		}()
	})
}
