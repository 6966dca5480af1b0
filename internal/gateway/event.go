package gateway

import (
	"maps"
	"time"
)

const maxTopicLen = 255

// Event is a notification delivered to every subscriber of a topic at
// publish time. The payload is cloned by the bus and must be treated as
// read-only by subscribers.
type Event struct {
	// Topic names the stream the event was published to (e.g. "new-item")
	Topic string `json:"topic"`
	// Payload is the key-value body of the event
	Payload map[string]any `json:"payload"`
	// PublishTime is stamped by the bus
	PublishTime time.Time `json:"publishTime"`
}

// NewEvent stamps a detached copy of payload for topic.
func NewEvent(topic string, payload map[string]any) Event {
	return Event{
		Topic:       topic,
		Payload:     maps.Clone(payload),
		PublishTime: time.Now().UTC(),
	}
}

// ValidateTopic rejects topic names a bus will not accept: empty, longer
// than 255 bytes, or containing anything outside [A-Za-z0-9_.:-] with an
// alphanumeric first byte.
func ValidateTopic(topic string) error {
	if topic == "" {
		return InvalidArgument("topic name must not be empty")
	}
	if len(topic) > maxTopicLen {
		return InvalidArgument("topic name exceeds %d bytes", maxTopicLen)
	}
	for i := 0; i < len(topic); i++ {
		c := topic[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case i > 0 && (c == '.' || c == '_' || c == ':' || c == '-'):
		default:
			return InvalidArgument("topic name %q contains invalid character at %d", topic, i)
		}
	}
	return nil
}
