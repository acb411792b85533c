// Package broker implements the topic registry, the subscriber index, the
// local fanout path and the cross-node Redis pub/sub bus.
package broker

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/adred-codev/wampd/internal/wamp"
)

// ErrBackendUnavailable reports a Redis transport failure on the publish or
// subscribe path.
var ErrBackendUnavailable = errors.New("pub/sub backend unavailable")

// BroadcastMessage is the envelope carried on the Redis bus. It is not a
// WAMP wire message; it has its own JSON round-trip used only between
// nodes. PublisherNodeID suppresses echo-back of a node's own
// publications; a nil PublisherConnectionID means the message arrived from
// another node and local publisher exclusion does not apply.
type BroadcastMessage struct {
	TopicName             string             `json:"topic_name"`
	Event                 *wamp.EventMessage `json:"event_message"`
	PublisherConnectionID *int64             `json:"publisher_connection_id"`
	PublisherNodeID       string             `json:"publisher_node_id"`
}

// JSON returns the bus payload form of the envelope.
func (b *BroadcastMessage) JSON() ([]byte, error) {
	return json.Marshal(b)
}

// ParseBroadcastMessage decodes a bus payload back into an envelope.
func ParseBroadcastMessage(data []byte) (*BroadcastMessage, error) {
	var aux struct {
		TopicName             string          `json:"topic_name"`
		Event                 json.RawMessage `json:"event_message"`
		PublisherConnectionID *int64          `json:"publisher_connection_id"`
		PublisherNodeID       string          `json:"publisher_node_id"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return nil, fmt.Errorf("broadcast envelope: %w", err)
	}
	if aux.TopicName == "" {
		return nil, errors.New("broadcast envelope: missing topic_name")
	}
	if len(aux.Event) == 0 {
		return nil, errors.New("broadcast envelope: missing event_message")
	}
	msg, err := wamp.Decode(aux.Event)
	if err != nil {
		return nil, fmt.Errorf("broadcast envelope: %w", err)
	}
	event, ok := msg.(*wamp.EventMessage)
	if !ok {
		return nil, fmt.Errorf("broadcast envelope: event_message has code %d, want EVENT", msg.MessageCode())
	}
	return &BroadcastMessage{
		TopicName:             aux.TopicName,
		Event:                 event,
		PublisherConnectionID: aux.PublisherConnectionID,
		PublisherNodeID:       aux.PublisherNodeID,
	}, nil
}

// NewNodeID returns the per-process publisher node ID: a UUID rendered as
// 32 hex characters, fixed at startup.
func NewNodeID() string {
	u := uuid.New()
	return hex.EncodeToString(u[:])
}
