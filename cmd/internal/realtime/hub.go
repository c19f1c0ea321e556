package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"secrets/cmd/identity"
	"secrets/cmd/internal/metrics"
)

// Hub fans new secrets out to every connected subscriber.
//
// Concurrency guarantees:
// - Subscribe/Unsubscribe are safe under concurrent Publish.
// - Publish never blocks; a subscriber with a full queue misses the event.
type Hub struct {
	log     *slog.Logger
	metrics *metrics.Feed

	mu      sync.RWMutex
	members map[string]*Client
}

// NewHub constructs a Hub. m may be nil.
func NewHub(log *slog.Logger, m *metrics.Feed) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		log:     log,
		metrics: m,
		members: make(map[string]*Client),
	}
}

// Subscribe adds client to the fanout set.
func (h *Hub) Subscribe(client *Client) {
	if h == nil || client == nil || client.ConnID == "" {
		return
	}

	h.mu.Lock()
	h.members[client.ConnID] = client
	h.mu.Unlock()

	h.metrics.Subscribed()
	h.log.Debug("feed.subscribe", "conn_id", client.ConnID, "identity_id", client.IdentityID)
}

// Unsubscribe removes a client and signals its shutdown.
func (h *Hub) Unsubscribe(connID string) {
	if h == nil || connID == "" {
		return
	}

	h.mu.Lock()
	cl := h.members[connID]
	delete(h.members, connID)
	h.mu.Unlock()

	// Close after removal so no publisher still holds the client while it tears down.
	if cl == nil {
		return
	}
	cl.Close()
	h.metrics.Unsubscribed()
	h.log.Debug("feed.unsubscribe", "conn_id", connID)
}

// Len reports the number of subscribers.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.members)
}

// PublishSecret announces s to every subscriber.
func (h *Hub) PublishSecret(ctx context.Context, s identity.Secret) {
	payload, err := json.Marshal(toSecretPayload(s))
	if err != nil {
		h.log.ErrorContext(ctx, "feed.publish.marshal.fail", "err", err)
		return
	}
	h.Broadcast(newEnvelope(TypeSecretNew, payload, time.Now().UTC()))
	h.metrics.Published()
}

// Broadcast delivers env to all subscribers without blocking.
func (h *Hub) Broadcast(env Envelope) {
	if h == nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, m := range h.members {
		select {
		case <-m.Done():
			continue
		default:
		}

		select {
		case m.Send <- env:
		default:
			h.metrics.Dropped()
		}
	}
}

func toSecretPayload(s identity.Secret) SecretPayload {
	return SecretPayload{ID: s.ID, Body: s.Body, CreatedAt: s.CreatedAt}
}
