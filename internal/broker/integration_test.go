package broker

import (
	"context"
	"math/rand"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adred-codev/wampd/internal/session"
	"github.com/adred-codev/wampd/internal/wamp"
)

// Integration tests against a live Redis. Enable with REDIS_ADDR, e.g.
//
//	REDIS_ADDR=localhost:6379 go test ./internal/broker/
func liveManager(t *testing.T, nodeID string) *Manager {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	m := NewManager(Options{
		NodeID:        nodeID,
		Redis:         &RedisConfig{Addr: addr},
		PubSubTimeout: 2 * time.Second,
		Logger:        zerolog.Nop(),
		IDs:           wamp.NewIDAllocator(rand.NewSource(time.Now().UnixNano())),
	})
	t.Cleanup(m.Shutdown)
	return m
}

func waitForFrames(t *testing.T, sink *fakeSink, want int) []string {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if frames := sink.frames(t); len(frames) >= want {
			return frames
		}
		time.Sleep(20 * time.Millisecond)
	}
	frames := sink.frames(t)
	require.Len(t, frames, want)
	return frames
}

func TestCrossNodePublishIntegration(t *testing.T) {
	nodeA := liveManager(t, "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	nodeB := liveManager(t, "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")

	sink := &fakeSink{}
	conn := session.NewConnection(7, sink, nil)
	subID, err := nodeA.AddSubscriber(context.Background(), "test", conn, 7)
	require.NoError(t, err)
	require.Equal(t, int64(7), subID)

	publish := func(kind string) {
		err := nodeB.Publish(context.Background(), &BroadcastMessage{
			TopicName: "test",
			Event: &wamp.EventMessage{
				PublicationID: 123,
				Kwargs:        map[string]any{"type": kind},
			},
			PublisherNodeID: nodeB.NodeID(),
		})
		require.NoError(t, err)
	}

	publish("test")
	frames := waitForFrames(t, sink, 1)
	assert.Equal(t, `[36,7,123,{},[],{"type":"test"}]`, frames[0])

	publish("second")
	frames = waitForFrames(t, sink, 2)
	assert.Equal(t, `[36,7,123,{},[],{"type":"second"}]`, frames[1])
}

func TestSubscriberConnectionLifecycleIntegration(t *testing.T) {
	m := liveManager(t, "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	conn := session.NewConnection(1, &fakeSink{}, nil)

	subID, err := m.AddSubscriber(context.Background(), "lifecycle.test", conn, 0)
	require.NoError(t, err)

	topic, _ := m.Topic("lifecycle.test")
	assert.True(t, topic.HasSubscriberConnection())

	_, removed := m.RemoveSubscriber("lifecycle.test", subID)
	require.True(t, removed)
	assert.False(t, topic.HasSubscriberConnection(),
		"last unsubscribe tears the Redis subscriber connection down")
}

func TestSubscriberConnectionInvariantUnderChurnIntegration(t *testing.T) {
	m := liveManager(t, "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	connA := session.NewConnection(1, &fakeSink{}, nil)
	connB := session.NewConnection(2, &fakeSink{}, nil)

	for i := 0; i < 50; i++ {
		idA := int64(1000 + i)
		_, err := m.AddSubscriber(context.Background(), "churn.test", connA, idA)
		require.NoError(t, err)

		// Concurrently drop the last subscriber and add a new one; the
		// subscriber connection must end up matching the map either way.
		idB := int64(100000 + i)
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = m.AddSubscriber(context.Background(), "churn.test", connB, idB)
		}()
		go func() {
			defer wg.Done()
			m.RemoveSubscriber("churn.test", idA)
		}()
		wg.Wait()

		topic, ok := m.Topic("churn.test")
		require.True(t, ok)
		assert.Equal(t, topic.SubscriberCount() > 0, topic.HasSubscriberConnection(),
			"iteration %d: subscriber connection out of step with the subscriber map", i)
		m.RemoveSubscriber("churn.test", idB)
	}
}

func TestSubscriberDropEvictsIntegration(t *testing.T) {
	m := liveManager(t, "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	sink := &fakeSink{}
	conn := session.NewConnection(1, sink, nil)

	_, err := m.AddSubscriber(context.Background(), "drop.test", conn, 0)
	require.NoError(t, err)
	topic, _ := m.Topic("drop.test")

	// Kill the subscriber connection out from under the receive loop.
	topic.subMu.Lock()
	require.NoError(t, topic.subClient.Close())
	topic.subMu.Unlock()

	deadline := time.Now().Add(5 * time.Second)
	closed := false
	for time.Now().Before(deadline) {
		if closed, _ = sink.closedWith(); closed {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	assert.True(t, closed, "subscriber WebSocket closed after bus drop")
	assert.Empty(t, topic.Subscribers())
}
