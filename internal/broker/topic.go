package broker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/adred-codev/wampd/internal/metrics"
	"github.com/adred-codev/wampd/internal/session"
	"github.com/adred-codev/wampd/internal/wamp"
)

// RedisConfig selects the Redis server backing a topic's bus channel.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// Topic holds one pub/sub topic: its local subscriber and publisher maps
// and, when Redis is configured, two Redis connections. The publisher
// connection is lazy, shared across publishes and recycled periodically.
// The subscriber connection exists exactly while the topic has local
// subscribers; it runs a receive loop bounded by the pub/sub timeout.
type Topic struct {
	name            string
	nodeID          string
	logger          zerolog.Logger
	redis           *RedisConfig
	newClient       func(*RedisConfig) *redis.Client
	releaseID       func(int64)
	pubSubTimeout   time.Duration
	recycleInterval time.Duration

	// opMu serializes whole subscribe, unsubscribe and evict operations so
	// the subscriber map and the Redis subscriber connection change
	// together: the connection exists iff the topic has local subscribers.
	opMu sync.Mutex

	mu          sync.RWMutex
	subscribers map[int64]*session.Connection
	publishers  map[int64]*session.Connection

	pubMu     sync.Mutex
	publisher *redis.Client

	subMu     sync.Mutex
	subClient *redis.Client
	subPubSub *redis.PubSub
	subDone   chan struct{}

	recycleOnce sync.Once
	recycleStop chan struct{}
}

func newTopic(name string, m *Manager, redisCfg *RedisConfig) *Topic {
	t := &Topic{
		name:            name,
		nodeID:          m.nodeID,
		logger:          m.logger.With().Str("topic", name).Logger(),
		redis:           redisCfg,
		newClient:       m.newClient,
		releaseID:       m.ids.Release,
		pubSubTimeout:   m.pubSubTimeout,
		recycleInterval: m.recycleInterval,
		subscribers:     make(map[int64]*session.Connection),
		publishers:      make(map[int64]*session.Connection),
		recycleStop:     make(chan struct{}),
	}
	return t
}

// Name returns the topic URI.
func (t *Topic) Name() string { return t.name }

// SubscriberCount returns the number of local subscribers.
func (t *Topic) SubscriberCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.subscribers)
}

// Subscribers returns a copy of the subscription ID -> connection map.
func (t *Topic) Subscribers() map[int64]*session.Connection {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[int64]*session.Connection, len(t.subscribers))
	for id, c := range t.subscribers {
		out[id] = c
	}
	return out
}

// Publishers returns a copy of the channel ID -> connection map.
func (t *Topic) Publishers() map[int64]*session.Connection {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[int64]*session.Connection, len(t.publishers))
	for id, c := range t.publishers {
		out[id] = c
	}
	return out
}

// HasSubscriberConnection reports whether the Redis subscriber connection
// is currently established. Invariant when Redis is configured: true iff
// the topic has at least one local subscriber.
func (t *Topic) HasSubscriberConnection() bool {
	t.subMu.Lock()
	defer t.subMu.Unlock()
	return t.subPubSub != nil
}

// Snapshot returns a JSON-able view of the topic for introspection.
func (t *Topic) Snapshot() map[string]any {
	t.mu.RLock()
	defer t.mu.RUnlock()
	subscribers := make(map[int64]any, len(t.subscribers))
	for id, c := range t.subscribers {
		subscribers[id] = c.Snapshot()
	}
	publishers := make(map[int64]any, len(t.publishers))
	for id, c := range t.publishers {
		publishers[id] = c.Snapshot()
	}
	return map[string]any{
		"name":        t.name,
		"subscribers": subscribers,
		"publishers":  publishers,
	}
}

// addSubscriber establishes the Redis subscriber connection if needed, then
// records the subscription on both sides of the mirror. If the bus cannot
// be reached, nothing is recorded.
func (t *Topic) addSubscriber(ctx context.Context, subscriptionID int64, conn *session.Connection) error {
	t.opMu.Lock()
	defer t.opMu.Unlock()
	if err := t.ensureSubscriberConnection(ctx); err != nil {
		return err
	}
	t.mu.Lock()
	t.subscribers[subscriptionID] = conn
	t.mu.Unlock()
	conn.AddSubscriptionChannel(subscriptionID, t.name)
	return nil
}

// removeSubscriber pops the subscription and clears the reverse pointer.
// Dropping the last local subscriber tears down the Redis subscriber
// connection.
func (t *Topic) removeSubscriber(subscriptionID int64) (*session.Connection, bool) {
	t.opMu.Lock()
	defer t.opMu.Unlock()
	t.mu.Lock()
	conn, ok := t.subscribers[subscriptionID]
	if ok {
		delete(t.subscribers, subscriptionID)
	}
	remaining := len(t.subscribers)
	t.mu.Unlock()
	if !ok {
		return nil, false
	}
	conn.RemoveSubscriptionChannel(t.name)
	if remaining == 0 {
		t.teardownSubscriberConnection()
	}
	return conn, true
}

func (t *Topic) addPublisher(channelID int64, conn *session.Connection) {
	t.mu.Lock()
	t.publishers[channelID] = conn
	t.mu.Unlock()
	conn.AddPublishingChannel(channelID, t.name)
}

func (t *Topic) removePublisher(channelID int64) (*session.Connection, bool) {
	t.mu.Lock()
	conn, ok := t.publishers[channelID]
	if ok {
		delete(t.publishers, channelID)
	}
	t.mu.Unlock()
	if !ok {
		return nil, false
	}
	conn.RemovePublishingChannel(t.name)
	return conn, true
}

// getConnection resolves a subscription or publication channel ID to its
// connection, consulting subscribers first.
func (t *Topic) getConnection(id int64) *session.Connection {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if c, ok := t.subscribers[id]; ok {
		return c
	}
	return t.publishers[id]
}

// Publish delivers the broadcast to local subscribers and, when Redis is
// configured, publishes the envelope to the topic's bus channel through
// the shared publisher connection.
func (t *Topic) Publish(ctx context.Context, b *BroadcastMessage) error {
	t.deliver(b.Event, b.PublisherConnectionID)
	if t.redis == nil {
		return nil
	}
	payload, err := b.JSON()
	if err != nil {
		return fmt.Errorf("encode broadcast for %q: %w", t.name, err)
	}
	client := t.publisherClient()
	if err := client.Publish(ctx, t.name, payload).Err(); err != nil {
		metrics.BusPublishFailures.Inc()
		return fmt.Errorf("%w: publish to %q: %v", ErrBackendUnavailable, t.name, err)
	}
	metrics.BusPublishes.Inc()
	return nil
}

// deliver writes the event to every local subscriber, skipping the
// publisher when a publisher connection ID is given. Each subscriber
// receives the event stamped with its own subscription ID; one failed
// write never blocks the rest.
func (t *Topic) deliver(event *wamp.EventMessage, publisherConnectionID *int64) {
	type target struct {
		subscriptionID int64
		conn           *session.Connection
	}
	t.mu.RLock()
	targets := make([]target, 0, len(t.subscribers))
	for id, conn := range t.subscribers {
		targets = append(targets, target{subscriptionID: id, conn: conn})
	}
	t.mu.RUnlock()

	for _, tg := range targets {
		if publisherConnectionID != nil && tg.conn.ID == *publisherConnectionID {
			continue
		}
		ev := *event
		ev.SubscriptionID = tg.subscriptionID
		data, err := wamp.Marshal(&ev)
		if err != nil {
			t.logger.Error().Err(err).Msg("Failed to encode event for delivery")
			continue
		}
		if err := tg.conn.Send(data); err != nil {
			metrics.DeliveryFailures.Inc()
			t.logger.Warn().
				Err(err).
				Int64("connection_id", tg.conn.ID).
				Msg("Event delivery failed")
			continue
		}
		metrics.EventsDelivered.Inc()
	}
}

// publisherClient returns the shared publisher connection, dialing it on
// first use and arming the periodic recycler.
func (t *Topic) publisherClient() *redis.Client {
	t.pubMu.Lock()
	defer t.pubMu.Unlock()
	if t.publisher == nil {
		t.publisher = t.newClient(t.redis)
	}
	t.recycleOnce.Do(func() {
		go t.recycleLoop()
	})
	return t.publisher
}

// recycleLoop disconnects the publisher connection on a fixed cadence. The
// next publish reconnects, which bounds idle connection lifetime without
// disturbing in-flight calls.
func (t *Topic) recycleLoop() {
	ticker := time.NewTicker(t.recycleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.recycleStop:
			return
		case <-ticker.C:
			t.recyclePublisher()
		}
	}
}

func (t *Topic) recyclePublisher() {
	t.pubMu.Lock()
	defer t.pubMu.Unlock()
	if t.publisher == nil {
		return
	}
	if err := t.publisher.Close(); err != nil {
		t.logger.Warn().Err(err).Msg("Error closing publisher connection during recycle")
	}
	t.publisher = nil
	metrics.PublisherRecycles.Inc()
	t.logger.Debug().Msg("Recycled publisher connection")
}

// ensureSubscriberConnection lazily creates the per-topic Redis subscriber
// connection: connect, subscribe to the channel named after the topic,
// then arm the receive loop. A failure at any step leaves no state behind.
func (t *Topic) ensureSubscriberConnection(ctx context.Context) error {
	if t.redis == nil {
		return nil
	}
	t.subMu.Lock()
	defer t.subMu.Unlock()
	if t.subPubSub != nil {
		return nil
	}

	client := t.newClient(t.redis)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return fmt.Errorf("%w: connect for %q: %v", ErrBackendUnavailable, t.name, err)
	}
	pubsub := client.Subscribe(ctx, t.name)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		_ = client.Close()
		return fmt.Errorf("%w: subscribe to %q: %v", ErrBackendUnavailable, t.name, err)
	}

	done := make(chan struct{})
	t.subClient = client
	t.subPubSub = pubsub
	t.subDone = done
	go t.receiveLoop(pubsub, done)
	t.logger.Debug().Msg("Subscriber connection established")
	return nil
}

// teardownSubscriberConnection closes the subscriber connection after a
// deliberate unsubscribe. The receive loop observes the done channel and
// exits without evicting anyone.
func (t *Topic) teardownSubscriberConnection() {
	t.subMu.Lock()
	defer t.subMu.Unlock()
	t.dropSubscriberConnectionLocked()
}

func (t *Topic) dropSubscriberConnectionLocked() {
	if t.subPubSub == nil {
		return
	}
	close(t.subDone)
	_ = t.subPubSub.Close()
	_ = t.subClient.Close()
	t.subPubSub = nil
	t.subClient = nil
	t.subDone = nil
}

// receiveLoop waits for bus messages with the pub/sub timeout as its
// deadline. A timeout re-arms the wait; a transport error runs the
// eviction path; a deliberate teardown (done closed) just exits.
func (t *Topic) receiveLoop(pubsub *redis.PubSub, done chan struct{}) {
	for {
		msg, err := pubsub.ReceiveTimeout(context.Background(), t.pubSubTimeout)
		select {
		case <-done:
			return
		default:
		}
		if err != nil {
			if isTimeout(err) {
				continue
			}
			t.logger.Warn().
				Err(err).
				Msg("Subscriber connection dropped, evicting local subscribers")
			t.evictSubscribers()
			return
		}
		switch m := msg.(type) {
		case *redis.Message:
			t.handleBusPayload(m.Channel, []byte(m.Payload))
		case *redis.Subscription, *redis.Pong:
			// control frames from the server, nothing to deliver
		}
	}
}

// handleBusPayload processes one envelope received from the bus.
func (t *Topic) handleBusPayload(channel string, payload []byte) {
	metrics.BusMessagesReceived.Inc()
	b, err := ParseBroadcastMessage(payload)
	if err != nil {
		t.logger.Warn().Err(err).Msg("Dropping undecodable bus payload")
		return
	}
	if b.TopicName != channel {
		t.logger.Warn().
			Str("channel", channel).
			Str("envelope_topic", b.TopicName).
			Msg("Dropping bus payload with mismatched topic")
		return
	}
	if b.PublisherNodeID == t.nodeID {
		// our own publication echoed back; local delivery already happened
		metrics.BusEchoesDropped.Inc()
		return
	}
	t.deliver(b.Event, nil)
}

// evictSubscribers runs the failure path: every local subscriber's
// WebSocket is closed and its subscription removed, rather than silently
// losing bus messages. The topic can be re-subscribed to afterwards.
func (t *Topic) evictSubscribers() {
	t.opMu.Lock()
	defer t.opMu.Unlock()
	t.mu.Lock()
	evicted := t.subscribers
	t.subscribers = make(map[int64]*session.Connection)
	t.mu.Unlock()

	for subscriptionID, conn := range evicted {
		conn.RemoveSubscriptionChannel(t.name)
		_ = conn.CloseSink(1011, "pub/sub backend unavailable")
		t.releaseID(subscriptionID)
		metrics.SubscriberEvictions.Inc()
	}

	t.subMu.Lock()
	if t.subPubSub != nil {
		_ = t.subPubSub.Close()
		_ = t.subClient.Close()
		t.subPubSub = nil
		t.subClient = nil
		t.subDone = nil
	}
	t.subMu.Unlock()
}

// close releases all Redis resources held by the topic.
func (t *Topic) close() {
	select {
	case <-t.recycleStop:
	default:
		close(t.recycleStop)
	}
	t.opMu.Lock()
	t.teardownSubscriberConnection()
	t.opMu.Unlock()
	t.pubMu.Lock()
	if t.publisher != nil {
		_ = t.publisher.Close()
		t.publisher = nil
	}
	t.pubMu.Unlock()
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
