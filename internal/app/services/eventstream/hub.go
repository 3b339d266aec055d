// Package eventstream fans newly inserted on-chain events out to connected
// dashboard clients, the same pg_notify tap C2 uses but broadcast instead of
// evaluated: a push-based alternative to polling GET /api/v1/triggers state.
package eventstream

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/chainreactor/backend/internal/app/domain/event"
	"github.com/chainreactor/backend/internal/app/services/eventprocessor"
	"github.com/chainreactor/backend/internal/app/storage"
	"github.com/chainreactor/backend/pkg/pgnotify"
)

// clientBuffer bounds how far a slow websocket reader may lag before the
// hub drops it rather than blocking the broadcaster on one stuck client.
const clientBuffer = 64

// Hub re-fetches each newly inserted event and broadcasts it to every
// registered client channel. One Hub is shared process-wide by the gateway.
type Hub struct {
	events storage.EventStore

	mu      sync.RWMutex
	clients map[chan event.Event]struct{}
}

// New builds a Hub backed by events for re-fetching full rows on notify.
func New(events storage.EventStore) *Hub {
	return &Hub{events: events, clients: make(map[chan event.Event]struct{})}
}

// Subscribe registers the hub as a pg_notify handler alongside C2's
// eventprocessor.Processor; both receive every insert notification
// independently.
func (h *Hub) Subscribe(bus *pgnotify.Bus) error {
	return bus.Subscribe(eventprocessor.NotificationChannel, func(ctx context.Context, ev pgnotify.Event) error {
		var n event.Notification
		if err := json.Unmarshal(ev.Payload, &n); err != nil {
			return fmt.Errorf("eventstream: decode notification: %w", err)
		}
		evt, err := h.events.GetEvent(ctx, n.EventID)
		if err != nil {
			return fmt.Errorf("eventstream: fetch event %s: %w", n.EventID, err)
		}
		h.broadcast(evt)
		return nil
	})
}

// Register returns a channel that receives every event broadcast after this
// call, and a function to unregister and close it when the caller is done.
func (h *Hub) Register() (<-chan event.Event, func()) {
	ch := make(chan event.Event, clientBuffer)
	h.mu.Lock()
	h.clients[ch] = struct{}{}
	h.mu.Unlock()

	return ch, func() {
		h.mu.Lock()
		if _, ok := h.clients[ch]; ok {
			delete(h.clients, ch)
			close(ch)
		}
		h.mu.Unlock()
	}
}

func (h *Hub) broadcast(evt event.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.clients {
		select {
		case ch <- evt:
		default:
			// client is too far behind; drop this event for it rather than
			// block the broadcaster on a stuck websocket writer.
		}
	}
}
