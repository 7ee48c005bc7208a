package httpapi

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/refclip/refclip/internal/refclip"
)

const eventBufferSize = 64

// Hub fans core events out to connected extension clients over websockets.
// Delivery is best effort: a client that cannot keep up has events dropped
// rather than backpressuring the save pipeline.
type Hub struct {
	mu      sync.Mutex
	clients map[chan refclip.Event]struct{}
	closed  bool
}

func NewHub() *Hub {
	return &Hub{clients: map[chan refclip.Event]struct{}{}}
}

// Notify implements refclip.Notifier.
func (h *Hub) Notify(event refclip.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.clients {
		select {
		case ch <- event:
		default:
		}
	}
}

func (h *Hub) subscribe() (chan refclip.Event, func()) {
	ch := make(chan refclip.Event, eventBufferSize)
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	h.clients[ch] = struct{}{}
	h.mu.Unlock()
	return ch, func() {
		h.mu.Lock()
		delete(h.clients, ch)
		h.mu.Unlock()
	}
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// The extension connects from its own origin.
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Printf("events: websocket accept failed: %v", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	ch, cancel := h.subscribe()
	defer cancel()

	// We never read application frames; CloseRead surfaces client closure
	// through the returned context.
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, event)
			cancelWrite()
			if err != nil {
				return
			}
		}
	}
}

// Close disconnects all clients and stops accepting new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for ch := range h.clients {
		close(ch)
		delete(h.clients, ch)
	}
}
