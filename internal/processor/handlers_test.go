package processor_test

import (
	"context"
	"encoding/json"
	"math/rand"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adred-codev/wampd/internal/broker"
	"github.com/adred-codev/wampd/internal/processor"
	"github.com/adred-codev/wampd/internal/session"
	"github.com/adred-codev/wampd/internal/wamp"
)

type fakeSink struct {
	mu     sync.Mutex
	writes [][]byte
}

func (f *fakeSink) WriteMessage(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, data)
	return nil
}

func (f *fakeSink) Close(int, string) error { return nil }

func (f *fakeSink) frames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.writes))
	for i, w := range f.writes {
		out[i] = string(w)
	}
	return out
}

func newTestEnv(t *testing.T, hooks processor.Hooks) *processor.Env {
	t.Helper()
	if hooks == nil {
		hooks = processor.DefaultHooks{}
	}
	ids := wamp.NewIDAllocator(rand.NewSource(1))
	topics := broker.NewManager(broker.Options{
		NodeID: "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
		Logger: zerolog.Nop(),
		IDs:    ids,
	})
	t.Cleanup(topics.Shutdown)
	return &processor.Env{
		Registry:   session.NewRegistry(),
		Topics:     topics,
		IDs:        ids,
		Hooks:      hooks,
		Procedures: processor.NewProcedureTable(),
		Logger:     zerolog.Nop(),
	}
}

func decode(t *testing.T, frame string) wamp.Message {
	t.Helper()
	msg, err := wamp.Decode([]byte(frame))
	require.NoError(t, err)
	return msg
}

func marshal(t *testing.T, m wamp.Message) string {
	t.Helper()
	data, err := wamp.Marshal(m)
	require.NoError(t, err)
	return string(data)
}

func TestHello(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := session.NewConnection(1234, &fakeSink{}, nil)

	out := processor.Hello(context.Background(), env, decode(t, `[1,"realm",{}]`), conn)

	welcome, ok := out.Answer.(*wamp.WelcomeMessage)
	require.True(t, ok)
	assert.Equal(t, int64(1234), welcome.SessionID)

	roles, ok := welcome.Details["roles"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, roles, "broker")
	assert.Contains(t, roles, "dealer")
	assert.False(t, out.MustClose)
}

func TestSubscribe(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := session.NewConnection(1, &fakeSink{}, nil)

	out := processor.Subscribe(context.Background(), env, decode(t, `[32,123,{},"olympic.games"]`), conn)

	subscribed, ok := out.Answer.(*wamp.SubscribedMessage)
	require.True(t, ok)
	assert.Equal(t, int64(123), subscribed.RequestID)
	assert.NotZero(t, subscribed.SubscriptionID)

	topic, ok := env.Topics.Topic("olympic.games")
	require.True(t, ok)
	assert.Same(t, conn, topic.Subscribers()[subscribed.SubscriptionID])
}

type denySubscribeHooks struct{ processor.DefaultHooks }

func (denySubscribeHooks) AuthorizeSubscription(string, *session.Connection) (bool, string) {
	return false, "members only"
}

func TestSubscribeDenied(t *testing.T) {
	env := newTestEnv(t, denySubscribeHooks{})
	conn := session.NewConnection(1, &fakeSink{}, nil)

	out := processor.Subscribe(context.Background(), env, decode(t, `[32,123,{},"olympic.games"]`), conn)

	errMsg, ok := out.Answer.(*wamp.ErrorMessage)
	require.True(t, ok)
	assert.Equal(t, "tornwamp.subscribe.unauthorized", errMsg.URI)
	assert.Equal(t, "members only", errMsg.Details["message"])
	assert.Empty(t, conn.SubscriberTopics())
}

func TestUnsubscribe(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := session.NewConnection(1, &fakeSink{}, nil)

	out := processor.Subscribe(context.Background(), env, decode(t, `[32,123,{},"olympic.games"]`), conn)
	subID := out.Answer.(*wamp.SubscribedMessage).SubscriptionID

	unsub := &wamp.UnsubscribeMessage{RequestID: 124, SubscriptionID: subID}
	out = processor.Unsubscribe(context.Background(), env, unsub, conn)

	unsubscribed, ok := out.Answer.(*wamp.UnsubscribedMessage)
	require.True(t, ok)
	assert.Equal(t, int64(124), unsubscribed.RequestID)
	assert.Empty(t, conn.SubscriberTopics())
}

func TestUnsubscribeUnknownID(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := session.NewConnection(1, &fakeSink{}, nil)

	unsub := &wamp.UnsubscribeMessage{RequestID: 124, SubscriptionID: 99999}
	out := processor.Unsubscribe(context.Background(), env, unsub, conn)

	errMsg, ok := out.Answer.(*wamp.ErrorMessage)
	require.True(t, ok)
	assert.Equal(t, "wamp.error.no_such_subscription", errMsg.URI)
}

func TestPublishWithoutAcknowledge(t *testing.T) {
	env := newTestEnv(t, nil)
	pubSink := &fakeSink{}
	subSinkA, subSinkB := &fakeSink{}, &fakeSink{}
	publisher := session.NewConnection(1, pubSink, nil)
	subA := session.NewConnection(2, subSinkA, nil)
	subB := session.NewConnection(3, subSinkB, nil)

	for _, c := range []*session.Connection{publisher, subA, subB} {
		out := processor.Subscribe(context.Background(), env, decode(t, `[32,1,{},"world.cup"]`), c)
		require.IsType(t, &wamp.SubscribedMessage{}, out.Answer)
	}
	subIDA, _ := subA.SubscriptionID("world.cup")
	subIDB, _ := subB.SubscriptionID("world.cup")

	out := processor.Publish(context.Background(), env, decode(t, `[16,345,{},"world.cup"]`), publisher)
	assert.Nil(t, out.Answer, "publish without acknowledge gets no reply")

	assert.Empty(t, pubSink.frames(), "publisher excluded from its own event")

	for sink, subID := range map[*fakeSink]int64{subSinkA: subIDA, subSinkB: subIDB} {
		frames := sink.frames()
		require.Len(t, frames, 1)
		var event []any
		require.NoError(t, json.Unmarshal([]byte(frames[0]), &event))
		require.Len(t, event, 4)
		assert.Equal(t, float64(wamp.EVENT), event[0])
		assert.Equal(t, float64(subID), event[1])
		assert.NotZero(t, event[2])
		assert.Equal(t, map[string]any{}, event[3])
	}
}

func TestPublishAcknowledged(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := session.NewConnection(1, &fakeSink{}, nil)

	out := processor.Publish(context.Background(), env, decode(t, `[16,456,{"acknowledge":true},"world.cup"]`), conn)

	published, ok := out.Answer.(*wamp.PublishedMessage)
	require.True(t, ok)
	assert.Equal(t, int64(456), published.RequestID)
	assert.NotZero(t, published.PublicationID)

	// Publishing registers the connection as a publisher on the topic.
	assert.Contains(t, conn.PublisherTopics(), "world.cup")
}

type denyPublishHooks struct{ processor.DefaultHooks }

func (denyPublishHooks) AuthorizePublication(string, *session.Connection) (bool, string) {
	return false, "Your problem"
}

func TestPublishDenied(t *testing.T) {
	env := newTestEnv(t, denyPublishHooks{})
	conn := session.NewConnection(1, &fakeSink{}, nil)

	out := processor.Publish(context.Background(), env, decode(t, `[16,456,{"acknowledge":true},"world.cup"]`), conn)
	require.NotNil(t, out.Answer)
	assert.Equal(t,
		`[8,16,456,{"message":"Your problem"},"tornwamp.publish.unauthorized"]`,
		marshal(t, out.Answer))
}

type panicHooks struct{ processor.DefaultHooks }

func (panicHooks) AuthorizePublication(string, *session.Connection) (bool, string) {
	panic("boom")
}

func TestHookPanicBecomesDeny(t *testing.T) {
	env := newTestEnv(t, panicHooks{})
	conn := session.NewConnection(1, &fakeSink{}, nil)

	out := processor.Publish(context.Background(), env, decode(t, `[16,456,{"acknowledge":true},"world.cup"]`), conn)

	errMsg, ok := out.Answer.(*wamp.ErrorMessage)
	require.True(t, ok)
	assert.Equal(t, "tornwamp.publish.unauthorized", errMsg.URI)
	assert.Contains(t, errMsg.Details["message"], "boom")
}

type panicBroadcastHooks struct{ processor.DefaultHooks }

func (panicBroadcastHooks) PublishBroadcasts(*wamp.PublishMessage, int64, *session.Connection) ([]*broker.BroadcastMessage, wamp.Message) {
	panic("hook boom")
}

func (panicBroadcastHooks) SubscribeBroadcasts(*wamp.SubscribeMessage, int64, *session.Connection) []*broker.BroadcastMessage {
	panic("hook boom")
}

func TestPublishBroadcastHookPanicBecomesError(t *testing.T) {
	env := newTestEnv(t, panicBroadcastHooks{})
	conn := session.NewConnection(1, &fakeSink{}, nil)

	out := processor.Publish(context.Background(), env, decode(t, `[16,456,{"acknowledge":true},"world.cup"]`), conn)

	errMsg, ok := out.Answer.(*wamp.ErrorMessage)
	require.True(t, ok)
	assert.Equal(t, "tornwamp.publish.unauthorized", errMsg.URI)
	assert.Contains(t, errMsg.Details["message"], "hook boom")
}

func TestSubscribeBroadcastHookPanicBecomesError(t *testing.T) {
	env := newTestEnv(t, panicBroadcastHooks{})
	conn := session.NewConnection(1, &fakeSink{}, nil)

	out := processor.Subscribe(context.Background(), env, decode(t, `[32,123,{},"olympic.games"]`), conn)

	errMsg, ok := out.Answer.(*wamp.ErrorMessage)
	require.True(t, ok)
	assert.Equal(t, "tornwamp.subscribe.unauthorized", errMsg.URI)
	assert.Contains(t, errMsg.Details["message"], "hook boom")

	// The half-finished subscription was rolled back.
	assert.Empty(t, conn.SubscriberTopics())
	topic, _ := env.Topics.Topic("olympic.games")
	assert.Empty(t, topic.Subscribers())
}

func TestCallPing(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := session.NewConnection(1, &fakeSink{}, nil)

	out := processor.Call(context.Background(), env, decode(t, `[48,9001,{},"ping"]`), conn)
	assert.Equal(t, `[50,9001,{},["Ping response"]]`, marshal(t, out.Answer))
}

func TestCallStatus(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := session.NewConnection(1, &fakeSink{}, nil)
	env.Registry.Add(conn)

	out := processor.Call(context.Background(), env, decode(t, `[48,2,{},"wampd.status"]`), conn)

	result, ok := out.Answer.(*wamp.ResultMessage)
	require.True(t, ok)
	assert.Equal(t, env.Topics.NodeID(), result.Kwargs["node_id"])
	assert.Equal(t, 1, result.Kwargs["connections"])
}

func TestCallUnknownProcedure(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := session.NewConnection(1, &fakeSink{}, nil)

	out := processor.Call(context.Background(), env, decode(t, `[48,777,{},"abc"]`), conn)

	errMsg, ok := out.Answer.(*wamp.ErrorMessage)
	require.True(t, ok)
	assert.Equal(t, wamp.CALL, errMsg.RequestCode)
	assert.Equal(t, int64(777), errMsg.RequestID)
	assert.Equal(t, "wamp.rpc.unsupported.procedure", errMsg.URI)
	assert.Equal(t, "The procedure abc doesn't exist", errMsg.Details["message"])
	assert.Contains(t, errMsg.Details, "call")

	// The details carry the original call frame.
	data := marshal(t, out.Answer)
	assert.Contains(t, data, `"call":[48,777,{},"abc"]`)
}

func TestCallSwappedHandler(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := session.NewConnection(1, &fakeSink{}, nil)

	env.Procedures.Register("ping", func(_ *processor.Env, call *wamp.CallMessage, _ *session.Connection) (wamp.Message, []*broker.BroadcastMessage, error) {
		return &wamp.ResultMessage{RequestID: call.RequestID, Args: []any{"Pong"}}, nil, nil
	})

	out := processor.Call(context.Background(), env, decode(t, `[48,1,{},"ping"]`), conn)
	assert.Equal(t, `[50,1,{},["Pong"]]`, marshal(t, out.Answer))
}

func TestGoodbye(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := session.NewConnection(1, &fakeSink{}, nil)

	out := processor.Subscribe(context.Background(), env, decode(t, `[32,1,{},"olympic.games"]`), conn)
	require.IsType(t, &wamp.SubscribedMessage{}, out.Answer)

	out = processor.Goodbye(context.Background(), env, decode(t, `[6,{"message":"GTG"},"wamp.error.system_shutdown"]`), conn)

	goodbye, ok := out.Answer.(*wamp.GoodbyeMessage)
	require.True(t, ok)
	assert.Equal(t, "wamp.error.system_shutdown", goodbye.Reason)
	assert.True(t, out.MustClose)
	assert.Equal(t, 1000, out.CloseCode)
	assert.Equal(t, "GTG", out.CloseReason)

	// The connection was detached from every topic before the close.
	assert.Empty(t, conn.SubscriberTopics())
	topic, _ := env.Topics.Topic("olympic.games")
	assert.Empty(t, topic.Subscribers())
}

func TestUnhandled(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := session.NewConnection(1, &fakeSink{}, nil)

	out := processor.Unhandled(context.Background(), env, decode(t, `[70,4567,{},["ok"]]`), conn)

	errMsg, ok := out.Answer.(*wamp.ErrorMessage)
	require.True(t, ok)
	assert.Equal(t, wamp.YIELD, errMsg.RequestCode)
	assert.Equal(t, int64(4567), errMsg.RequestID)
	assert.Equal(t, "wamp.unsupported.message", errMsg.URI)
}

func TestUnhandledCodeZero(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := session.NewConnection(1, &fakeSink{}, nil)

	out := processor.Unhandled(context.Background(), env, decode(t, `[0,1,{}]`), conn)

	errMsg, ok := out.Answer.(*wamp.ErrorMessage)
	require.True(t, ok)
	assert.Equal(t, wamp.Code(0), errMsg.RequestCode)
	assert.Equal(t, int64(1), errMsg.RequestID)
	assert.Equal(t, "wamp.unsupported.message", errMsg.URI)
}
