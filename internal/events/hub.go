package events

import (
	"context"
	"sync"
)

// Hub is the central pub/sub broker for WebSocket observers. It tracks
// connected clients and routes published messages to every client
// subscribed to a given topic.
//
// Design mirrors a single-writer event loop: register/unregister requests
// are serialized through channels into Run, which applies them to the
// client registry under the write lock. Publish holds a read-lock just
// long enough to copy the target set, then sends outside the lock so a
// slow client never blocks the event loop.
type Hub struct {
	clients map[*Client]struct{}
	topics  map[string]map[*Client]struct{}

	mu sync.RWMutex

	register   chan *Client
	unregister chan *Client
}

// NewHub creates an idle Hub. Call Run in a goroutine to start it.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]struct{}),
		topics:     make(map[string]map[*Client]struct{}),
		register:   make(chan *Client, 16),
		unregister: make(chan *Client, 16),
	}
}

// Run starts the hub's event loop. Call exactly once, in its own
// goroutine; it exits when ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = struct{}{}
			for _, topic := range client.topics {
				if h.topics[topic] == nil {
					h.topics[topic] = make(map[*Client]struct{})
				}
				h.topics[topic][client] = struct{}{}
			}
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				for _, topic := range client.topics {
					delete(h.topics[topic], client)
					if len(h.topics[topic]) == 0 {
						delete(h.topics, topic)
					}
				}
				close(client.send)
			}
			h.mu.Unlock()

		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
			}
			h.clients = make(map[*Client]struct{})
			h.topics = make(map[string]map[*Client]struct{})
			h.mu.Unlock()
			return
		}
	}
}

// Publish sends msg to every client subscribed to topic. Safe to call
// from any goroutine. A client whose send buffer is full is disconnected
// so it cannot stall delivery to the rest of the topic's subscribers.
func (h *Hub) Publish(topic string, msg Message) {
	h.mu.RLock()
	targets := h.topics[topic]
	clients := make([]*Client, 0, len(targets))
	for c := range targets {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		select {
		case c.send <- msg:
		default:
			h.unregister <- c
		}
	}
}

// Subscribe registers client with the hub and adds it to all its topics.
func (h *Hub) Subscribe(client *Client) {
	h.register <- client
}

// Unsubscribe removes client from the hub and all its topic subscriptions.
func (h *Hub) Unsubscribe(client *Client) {
	h.unregister <- client
}

// ConnectedCount returns the current number of connected observers.
func (h *Hub) ConnectedCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// JobSucceeded implements jobqueue.EventPublisher.
func (h *Hub) JobSucceeded(jobID int64, variant string) {
	payload := JobPayload{JobID: jobID, Variant: variant}
	msg := Message{Type: MsgJobSucceeded, Topic: "jobs", Payload: payload}
	h.Publish("jobs", msg)
	h.publishJobTopic(jobID, msg)
}

// JobFailed implements jobqueue.EventPublisher.
func (h *Hub) JobFailed(jobID int64, variant string, err error, permanent bool) {
	payload := JobPayload{JobID: jobID, Variant: variant, Permanent: permanent}
	if err != nil {
		payload.Err = err.Error()
	}
	msg := Message{Type: MsgJobFailed, Topic: "jobs", Payload: payload}
	h.Publish("jobs", msg)
	h.publishJobTopic(jobID, msg)
}

// JobDeferred implements jobqueue.EventPublisher.
func (h *Hub) JobDeferred(jobID int64, variant string) {
	payload := JobPayload{JobID: jobID, Variant: variant}
	msg := Message{Type: MsgJobDeferred, Topic: "jobs", Payload: payload}
	h.Publish("jobs", msg)
	h.publishJobTopic(jobID, msg)
}

func (h *Hub) publishJobTopic(jobID int64, msg Message) {
	topic := jobTopic(jobID)
	msg.Topic = topic
	h.Publish(topic, msg)
}

// SwarmChanged publishes a swarm.changed event for the given recipient.
func (h *Hub) SwarmChanged(pubkeyHex string, nodeCount int) {
	h.Publish("swarm", Message{
		Type:    MsgSwarmChanged,
		Topic:   "swarm",
		Payload: SwarmPayload{PubkeyHex: pubkeyHex, NodeCount: nodeCount},
	})
}

// PoolChanged publishes a pool.changed event.
func (h *Hub) PoolChanged(nodeCount int) {
	h.Publish("pool", Message{
		Type:    MsgPoolChanged,
		Topic:   "pool",
		Payload: PoolPayload{NodeCount: nodeCount},
	})
}

// PathChanged publishes a path.changed event.
func (h *Hub) PathChanged(pathID string, hops int) {
	h.Publish("path", Message{
		Type:    MsgPathChanged,
		Topic:   "path",
		Payload: PathPayload{PathID: pathID, Hops: hops},
	})
}
