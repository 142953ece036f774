package devserver

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	v1 "github.com/attia12/stage-mouna/shared/contracts/realtime/v1"

	"github.com/attia12/stage-mouna/cmd/internal/realtime"
)

// Hub routes topic messages to subscribed sessions.
//
// Subscribe/Unsubscribe are safe under concurrent Publish, and Publish never
// blocks: a member whose queue is full misses the message.
type Hub struct {
	log *slog.Logger
	now func() time.Time

	mu     sync.RWMutex
	topics map[string]map[string]*Client // topic -> session id -> client
}

// NewHub constructs an empty Hub.
func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		log:    log,
		now:    func() time.Time { return time.Now().UTC() },
		topics: make(map[string]map[string]*Client),
	}
}

// Subscribe adds client to topic. Subscribing twice is a no-op.
func (h *Hub) Subscribe(topic string, client *Client) {
	if client == nil || client.SessionID == "" {
		return
	}
	h.mu.Lock()
	members, ok := h.topics[topic]
	if !ok {
		members = make(map[string]*Client)
		h.topics[topic] = members
	}
	members[client.SessionID] = client
	h.mu.Unlock()

	h.log.Debug("hub.subscribe", "topic", topic, "session_id", client.SessionID)
}

// Unsubscribe removes the session from topic.
func (h *Hub) Unsubscribe(topic, sessionID string) {
	h.mu.Lock()
	if members, ok := h.topics[topic]; ok {
		delete(members, sessionID)
		if len(members) == 0 {
			delete(h.topics, topic)
		}
	}
	h.mu.Unlock()

	h.log.Debug("hub.unsubscribe", "topic", topic, "session_id", sessionID)
}

// Leave removes the session from every topic in topics.
func (h *Hub) Leave(sessionID string, topics []string) {
	for _, t := range topics {
		h.Unsubscribe(t, sessionID)
	}
}

// Subscribers returns the number of sessions on topic.
func (h *Hub) Subscribers(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}

// Publish wraps data in a message envelope and fans it out to topic.
// It returns how many sessions accepted the message.
func (h *Hub) Publish(topic string, data any) (int, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return 0, err
	}
	env, err := realtime.NewEnvelope(v1.TypeMessage, v1.MessagePayload{Topic: topic, Data: raw}, h.now())
	if err != nil {
		return 0, err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := 0
	for _, c := range h.topics[topic] {
		if c.offer(env) {
			delivered++
		} else {
			h.log.Info("hub.publish.drop", "topic", topic, "session_id", c.SessionID)
		}
	}
	return delivered, nil
}
