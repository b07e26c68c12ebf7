// Package websocket pushes hub events to connected clients. Every event that
// crosses the bus bridge is broadcast verbatim as one JSON frame
// `{"type":...,"data":...,"timestamp":...}` to every client — clients filter
// on their side, which keeps the hub free of per-topic bookkeeping.
package websocket

import (
	"context"
	"sync"
)

// sendBufferSize is the capacity of the per-client frame channel. A client
// whose buffer fills up is too slow to keep up and is disconnected so it
// cannot stall the broadcast path.
const sendBufferSize = 64

// Hub is the registry of connected clients. Register and unregister are
// serialised through the Run loop; Broadcast copies the client set under a
// short read-lock and sends outside it.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}

	register   chan *Client
	unregister chan *Client
	stopped    chan struct{}

	// onCountChange, when set, observes the connected-client count.
	// Used to feed the ws_clients gauge.
	onCountChange func(n int)
}

// NewHub creates an idle Hub. Call Run in a goroutine to start it.
func NewHub(onCountChange func(n int)) *Hub {
	return &Hub{
		clients:       make(map[*Client]struct{}),
		register:      make(chan *Client, 16),
		unregister:    make(chan *Client, 16),
		stopped:       make(chan struct{}),
		onCountChange: onCountChange,
	}
}

// Run starts the hub's event loop. It must be called exactly once, in its
// own goroutine, and exits when ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.stopped)

	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()
			h.notifyCount(n)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.notifyCount(n)

		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
			}
			h.clients = make(map[*Client]struct{})
			h.mu.Unlock()
			h.notifyCount(0)
			return
		}
	}
}

// Broadcast queues frame for every connected client. Safe to call from any
// goroutine; it is the sink handed to the bus bridge. Clients with a full
// send buffer are disconnected.
func (h *Hub) Broadcast(frame []byte) {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		select {
		case c.send <- frame:
		default:
			h.unregister <- c
		}
	}
}

// Subscribe registers a client after the WebSocket upgrade.
func (h *Hub) Subscribe(client *Client) {
	h.register <- client
}

// Unsubscribe removes a client after its connection closes.
func (h *Hub) Unsubscribe(client *Client) {
	h.unregister <- client
}

// ConnectedCount returns the current number of connected clients.
func (h *Hub) ConnectedCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) notifyCount(n int) {
	if h.onCountChange != nil {
		h.onCountChange(n)
	}
}
