package v1

import (
	"encoding/json"
	"errors"
	"strings"
)

// Topic prefixes used for per-user delivery.
const (
	TopicNotifications     = "notifications"
	TopicNotificationStats = "notification-stats"
)

// NotificationsTopic returns the per-user notification event topic.
func NotificationsTopic(userID string) string {
	return TopicNotifications + ":" + userID
}

// StatsTopic returns the per-user notification stats topic.
func StatsTopic(userID string) string {
	return TopicNotificationStats + ":" + userID
}

// SplitTopic splits "kind:owner". ok is false for malformed topics.
func SplitTopic(topic string) (kind, owner string, ok bool) {
	kind, owner, ok = strings.Cut(topic, ":")
	if !ok || strings.TrimSpace(kind) == "" || strings.TrimSpace(owner) == "" {
		return "", "", false
	}
	return kind, owner, true
}

// ---- Payloads ----

// HelloPayload is sent by the client after the upgrade completes.
type HelloPayload struct {
	ClientID string `json:"client_id,omitempty"`
}

// HelloAckPayload carries the server-side connection id and the authenticated user.
type HelloAckPayload struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id,omitempty"`
}

// SubscribePayload is used for subscribe, its echo, and unsubscribe.
type SubscribePayload struct {
	Topic string `json:"topic"`
}

// Validate checks the topic shape.
func (p SubscribePayload) Validate() error {
	if _, _, ok := SplitTopic(p.Topic); !ok {
		return errors.New("invalid topic")
	}
	return nil
}

// MessagePayload delivers topic data. Data is the topic-specific document
// (a notification or a stats projection).
type MessagePayload struct {
	Topic string          `json:"topic"`
	Data  json.RawMessage `json:"data"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
