package broker

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/adred-codev/wampd/internal/session"
	"github.com/adred-codev/wampd/internal/wamp"
)

// Defaults for the Redis subscriber receive deadline and the publisher
// connection recycle cadence.
const (
	DefaultPubSubTimeout   = 60 * time.Second
	DefaultRecycleInterval = 3 * time.Hour
)

// Options configures a Manager. A nil Redis disables the cross-node bus;
// topics then fan out to local subscribers only. NewClient lets tests
// inject a mock Redis client factory.
type Options struct {
	NodeID          string
	Redis           *RedisConfig
	PubSubTimeout   time.Duration
	RecycleInterval time.Duration
	Logger          zerolog.Logger
	IDs             *wamp.IDAllocator
	NewClient       func(*RedisConfig) *redis.Client
}

// Manager owns the topic registry. All subscription and publication
// bookkeeping goes through it so the two-sided mirror between topics and
// connections stays consistent.
type Manager struct {
	nodeID          string
	redis           *RedisConfig
	pubSubTimeout   time.Duration
	recycleInterval time.Duration
	logger          zerolog.Logger
	ids             *wamp.IDAllocator
	newClient       func(*RedisConfig) *redis.Client

	mu     sync.RWMutex
	topics map[string]*Topic
}

// NewManager creates a manager with the given options, filling defaults.
func NewManager(opts Options) *Manager {
	if opts.NodeID == "" {
		opts.NodeID = NewNodeID()
	}
	if opts.PubSubTimeout <= 0 {
		opts.PubSubTimeout = DefaultPubSubTimeout
	}
	if opts.RecycleInterval <= 0 {
		opts.RecycleInterval = DefaultRecycleInterval
	}
	if opts.IDs == nil {
		opts.IDs = wamp.NewIDAllocator(nil)
	}
	if opts.NewClient == nil {
		opts.NewClient = func(cfg *RedisConfig) *redis.Client {
			return redis.NewClient(&redis.Options{
				Addr:     cfg.Addr,
				Password: cfg.Password,
				DB:       cfg.DB,
			})
		}
	}
	return &Manager{
		nodeID:          opts.NodeID,
		redis:           opts.Redis,
		pubSubTimeout:   opts.PubSubTimeout,
		recycleInterval: opts.RecycleInterval,
		logger:          opts.Logger,
		ids:             opts.IDs,
		newClient:       opts.NewClient,
		topics:          make(map[string]*Topic),
	}
}

// NodeID returns the publisher node ID stamped on outgoing broadcasts.
func (m *Manager) NodeID() string { return m.nodeID }

// CreateTopic ensures a topic exists and returns it. Creating an existing
// topic is a no-op.
func (m *Manager) CreateTopic(name string) *Topic {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.topics[name]
	if !ok {
		t = newTopic(name, m, m.redis)
		m.topics[name] = t
	}
	return t
}

// Topic returns the named topic if it exists.
func (m *Manager) Topic(name string) (*Topic, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.topics[name]
	return t, ok
}

// TopicNames returns the names of all known topics.
func (m *Manager) TopicNames() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.topics))
	for name := range m.topics {
		names = append(names, name)
	}
	return names
}

// AddSubscriber subscribes a connection to a topic, creating the topic if
// needed. A zero subscriptionID allocates a fresh one. On success the
// subscription ID is returned; on a bus failure nothing is recorded and
// the allocated ID is released.
func (m *Manager) AddSubscriber(ctx context.Context, topicName string, conn *session.Connection, subscriptionID int64) (int64, error) {
	t := m.CreateTopic(topicName)
	allocated := false
	if subscriptionID == 0 {
		subscriptionID = m.ids.Allocate()
		allocated = true
	}
	if err := t.addSubscriber(ctx, subscriptionID, conn); err != nil {
		if allocated {
			m.ids.Release(subscriptionID)
		}
		return 0, err
	}
	return subscriptionID, nil
}

// RemoveSubscriber drops one subscription from a topic and releases its ID.
func (m *Manager) RemoveSubscriber(topicName string, subscriptionID int64) (*session.Connection, bool) {
	t, ok := m.Topic(topicName)
	if !ok {
		return nil, false
	}
	conn, ok := t.removeSubscriber(subscriptionID)
	if ok {
		m.ids.Release(subscriptionID)
	}
	return conn, ok
}

// AddPublisher registers a connection as a publisher on a topic, creating
// the topic if needed. A zero channelID allocates a fresh one.
func (m *Manager) AddPublisher(topicName string, conn *session.Connection, channelID int64) int64 {
	t := m.CreateTopic(topicName)
	if channelID == 0 {
		channelID = m.ids.Allocate()
	}
	t.addPublisher(channelID, conn)
	return channelID
}

// RemovePublisher drops one publisher registration and releases its ID.
func (m *Manager) RemovePublisher(topicName string, channelID int64) (*session.Connection, bool) {
	t, ok := m.Topic(topicName)
	if !ok {
		return nil, false
	}
	conn, ok := t.removePublisher(channelID)
	if ok {
		m.ids.Release(channelID)
	}
	return conn, ok
}

// RemoveConnection detaches a connection from every topic it subscribes or
// publishes to, driven by the connection's own index. Safe to call for
// connections that were never attached.
func (m *Manager) RemoveConnection(conn *session.Connection) {
	for topicName, subscriptionID := range conn.SubscriberTopics() {
		m.RemoveSubscriber(topicName, subscriptionID)
	}
	for topicName, channelID := range conn.PublisherTopics() {
		m.RemovePublisher(topicName, channelID)
	}
}

// GetConnection resolves a subscription or publication channel ID on a
// topic to its connection, consulting subscribers first.
func (m *Manager) GetConnection(topicName string, id int64) *session.Connection {
	t, ok := m.Topic(topicName)
	if !ok {
		return nil
	}
	return t.getConnection(id)
}

// Publish sends a broadcast through the named topic: local delivery plus
// the Redis bus. The topic is created if it does not exist yet.
func (m *Manager) Publish(ctx context.Context, b *BroadcastMessage) error {
	t := m.CreateTopic(b.TopicName)
	return t.Publish(ctx, b)
}

// Snapshot returns a JSON-able view of every topic for introspection.
func (m *Manager) Snapshot() map[string]any {
	m.mu.RLock()
	topics := make([]*Topic, 0, len(m.topics))
	for _, t := range m.topics {
		topics = append(topics, t)
	}
	m.mu.RUnlock()
	out := make(map[string]any, len(topics))
	for _, t := range topics {
		out[t.Name()] = t.Snapshot()
	}
	return out
}

// Shutdown closes every topic's Redis resources.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	topics := m.topics
	m.topics = make(map[string]*Topic)
	m.mu.Unlock()
	for _, t := range topics {
		t.close()
	}
}
