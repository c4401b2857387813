package syncbus

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"
)

// Event names written to stream clients.
const (
	EventLock   = "lock"
	EventUnlock = "unlock"
)

// StreamEvent is the JSON frame sent over WebSocket.
type StreamEvent struct {
	Event string `json:"event"`
	Key   string `json:"key"`
}

// keyWatch holds the lock and unlock subscriptions of one stream client.
type keyWatch struct {
	bus    Bus
	key    string
	lock   chan struct{}
	unlock chan struct{}
}

func watchKey(ctx context.Context, bus Bus, key string) (*keyWatch, error) {
	lockCh, err := bus.Subscribe(ctx, LockTopic(key))
	if err != nil {
		return nil, err
	}
	unlockCh, err := bus.Subscribe(ctx, UnlockTopic(key))
	if err != nil {
		_ = bus.Unsubscribe(context.Background(), LockTopic(key), lockCh)
		return nil, err
	}
	return &keyWatch{bus: bus, key: key, lock: lockCh, unlock: unlockCh}, nil
}

// next blocks until an event arrives. ok is false once the stream must end.
func (w *keyWatch) next(ctx context.Context) (event string, ok bool) {
	select {
	case _, open := <-w.lock:
		return EventLock, open
	case _, open := <-w.unlock:
		return EventUnlock, open
	case <-ctx.Done():
		return "", false
	}
}

func (w *keyWatch) close() {
	_ = w.bus.Unsubscribe(context.Background(), LockTopic(w.key), w.lock)
	_ = w.bus.Unsubscribe(context.Background(), UnlockTopic(w.key), w.unlock)
}

// SSEHandler streams lock and unlock events over Server-Sent Events.
// The watched key is taken from the "key" query parameter.
func SSEHandler(bus Bus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.Query().Get("key")
		if key == "" {
			http.Error(w, "missing key", http.StatusBadRequest)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "stream unsupported", http.StatusInternalServerError)
			return
		}
		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()
		kw, err := watchKey(ctx, bus, key)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		defer kw.close()

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()
		for {
			event, ok := kw.next(ctx)
			if !ok {
				return
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, key); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

var upgrader = websocket.Upgrader{}

// WebSocketHandler streams lock and unlock events over WebSocket as JSON
// StreamEvent frames. The watched key is taken from the "key" query
// parameter.
func WebSocketHandler(bus Bus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.Query().Get("key")
		if key == "" {
			http.Error(w, "missing key", http.StatusBadRequest)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()
		kw, err := watchKey(ctx, bus, key)
		if err != nil {
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseInternalServerErr, err.Error()))
			return
		}
		defer kw.close()

		// A client close surfaces as a read error.
		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					cancel()
					return
				}
			}
		}()

		for {
			event, ok := kw.next(ctx)
			if !ok {
				return
			}
			frame, err := json.Marshal(StreamEvent{Event: event, Key: key})
			if err != nil {
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		}
	}
}
