// Package session tracks live client connections and their per-topic
// subscription and publication indexes.
package session

import (
	"sync"
	"time"
)

// Sink is the ordered, one-message-at-a-time write side of a client
// connection. The transport's write pump implements it; tests use fakes.
type Sink interface {
	// WriteMessage queues one serialized WAMP frame for delivery.
	WriteMessage(data []byte) error
	// Close tears down the underlying transport with a close code and
	// reason. It must be safe to call more than once.
	Close(code int, reason string) error
}

// Connection is one authorized client connection, identified by its
// global-scope session ID. It mirrors broker state: while the connection is
// not a zombie, every entry in its subscriber index has a matching entry in
// the topic's subscriber map.
type Connection struct {
	ID int64

	mu          sync.RWMutex
	sink        Sink
	details     map[string]any
	subscriber  map[string]int64 // topic name -> subscription ID
	publisher   map[string]int64 // topic name -> publication channel ID
	lastUpdate  time.Time
	zombie      bool
	zombifiedAt time.Time
}

// NewConnection creates a connection with the metadata the authorization
// hook supplied.
func NewConnection(id int64, sink Sink, details map[string]any) *Connection {
	if details == nil {
		details = map[string]any{}
	}
	return &Connection{
		ID:         id,
		sink:       sink,
		details:    details,
		subscriber: make(map[string]int64),
		publisher:  make(map[string]int64),
		lastUpdate: time.Now(),
	}
}

// Send writes one frame through the connection's sink.
func (c *Connection) Send(data []byte) error {
	c.mu.RLock()
	sink := c.sink
	c.mu.RUnlock()
	if sink == nil {
		return nil
	}
	return sink.WriteMessage(data)
}

// CloseSink closes the transport side of the connection.
func (c *Connection) CloseSink(code int, reason string) error {
	c.mu.RLock()
	sink := c.sink
	c.mu.RUnlock()
	if sink == nil {
		return nil
	}
	return sink.Close(code, reason)
}

// Detail returns one metadata value from the authorization details.
func (c *Connection) Detail(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.details[key]
	return v, ok
}

// SetDetail stores one metadata value and refreshes the update timestamp.
func (c *Connection) SetDetail(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.details[key] = value
	c.lastUpdate = time.Now()
}

// AddSubscriptionChannel records that this connection subscribes to a topic
// under the given subscription ID.
func (c *Connection) AddSubscriptionChannel(subscriptionID int64, topicName string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscriber[topicName] = subscriptionID
	c.lastUpdate = time.Now()
}

// RemoveSubscriptionChannel drops the subscriber entry for a topic.
func (c *Connection) RemoveSubscriptionChannel(topicName string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subscriber, topicName)
	c.lastUpdate = time.Now()
}

// AddPublishingChannel records that this connection publishes to a topic
// under the given channel ID.
func (c *Connection) AddPublishingChannel(channelID int64, topicName string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.publisher[topicName] = channelID
	c.lastUpdate = time.Now()
}

// RemovePublishingChannel drops the publisher entry for a topic.
func (c *Connection) RemovePublishingChannel(topicName string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.publisher, topicName)
	c.lastUpdate = time.Now()
}

// SubscriptionID returns this connection's subscription ID on a topic.
func (c *Connection) SubscriptionID(topicName string) (int64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	id, ok := c.subscriber[topicName]
	return id, ok
}

// SubscriberTopics returns a copy of the topic -> subscription ID index.
func (c *Connection) SubscriberTopics() map[string]int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]int64, len(c.subscriber))
	for k, v := range c.subscriber {
		out[k] = v
	}
	return out
}

// PublisherTopics returns a copy of the topic -> channel ID index.
func (c *Connection) PublisherTopics() map[string]int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]int64, len(c.publisher))
	for k, v := range c.publisher {
		out[k] = v
	}
	return out
}

// Zombify marks the connection as detached from all topics but not yet torn
// down at the transport layer. The caller is responsible for removing the
// connection from the topic maps first; Zombify only clears this side of
// the mirror and flips the flag.
func (c *Connection) Zombify() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscriber = make(map[string]int64)
	c.publisher = make(map[string]int64)
	c.zombie = true
	c.zombifiedAt = time.Now()
	c.lastUpdate = c.zombifiedAt
}

// IsZombie reports whether the connection has been zombified.
func (c *Connection) IsZombie() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.zombie
}

// LastUpdate returns the timestamp of the last state change.
func (c *Connection) LastUpdate() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastUpdate
}

// Snapshot returns a JSON-able view of the connection for introspection.
func (c *Connection) Snapshot() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	subscriber := make(map[string]int64, len(c.subscriber))
	for k, v := range c.subscriber {
		subscriber[k] = v
	}
	publisher := make(map[string]int64, len(c.publisher))
	for k, v := range c.publisher {
		publisher[k] = v
	}
	return map[string]any{
		"id":          c.ID,
		"zombie":      c.zombie,
		"last_update": c.lastUpdate,
		"topics": map[string]any{
			"subscriber": subscriber,
			"publisher":  publisher,
		},
	}
}
