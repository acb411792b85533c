package router_test

import (
	"context"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adred-codev/wampd/internal/processor"
	"github.com/adred-codev/wampd/internal/router"
	"github.com/adred-codev/wampd/internal/session"
	"github.com/adred-codev/wampd/internal/wamp"
)

type fakeSink struct {
	mu     sync.Mutex
	writes [][]byte
	closed bool
}

func (f *fakeSink) WriteMessage(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, data)
	return nil
}

func (f *fakeSink) Close(int, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeSink) frames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.writes))
	for i, w := range f.writes {
		out[i] = string(w)
	}
	return out
}

func newTestRouter(t *testing.T) *router.Router {
	t.Helper()
	rt := router.New(router.Options{Logger: zerolog.Nop()})
	t.Cleanup(rt.Shutdown)
	return rt
}

func TestAttachDetach(t *testing.T) {
	rt := newTestRouter(t)
	sink := &fakeSink{}

	conn := rt.Attach(sink, map[string]any{"user": "alice"})
	require.NotNil(t, conn)
	assert.Equal(t, 1, rt.Registry().Count())
	assert.True(t, rt.IDs().InUse(conn.ID))

	rt.Detach(conn)
	assert.Equal(t, 0, rt.Registry().Count())
	assert.True(t, conn.IsZombie())
	assert.False(t, rt.IDs().InUse(conn.ID))

	// Detach is idempotent.
	rt.Detach(conn)
	assert.Equal(t, 0, rt.Registry().Count())
}

func TestHelloWelcomeExchange(t *testing.T) {
	rt := newTestRouter(t)
	sink := &fakeSink{}
	conn := rt.Attach(sink, nil)

	disp, err := rt.HandleFrame(context.Background(), conn, []byte(`[1,"realm",{}]`))
	require.NoError(t, err)
	assert.False(t, disp.MustClose)

	frames := sink.frames()
	require.Len(t, frames, 1)
	welcome, err := wamp.Decode([]byte(frames[0]))
	require.NoError(t, err)
	assert.Equal(t, conn.ID, welcome.(*wamp.WelcomeMessage).SessionID)
	assert.GreaterOrEqual(t, conn.ID, wamp.MinID)
	assert.LessOrEqual(t, conn.ID, wamp.MaxID)
}

func TestSubscribePublishFlow(t *testing.T) {
	rt := newTestRouter(t)
	subSink, pubSink := &fakeSink{}, &fakeSink{}
	subscriber := rt.Attach(subSink, nil)
	publisher := rt.Attach(pubSink, nil)

	_, err := rt.HandleFrame(context.Background(), subscriber, []byte(`[32,123,{},"world.cup"]`))
	require.NoError(t, err)
	require.Len(t, subSink.frames(), 1)

	_, err = rt.HandleFrame(context.Background(), publisher, []byte(`[16,345,{},"world.cup"]`))
	require.NoError(t, err)

	assert.Empty(t, pubSink.frames(), "unacknowledged publish gets no reply")
	require.Len(t, subSink.frames(), 2, "subscriber receives the event")
	event, err := wamp.Decode([]byte(subSink.frames()[1]))
	require.NoError(t, err)
	assert.Equal(t, wamp.EVENT, event.MessageCode())
}

func TestGoodbyeDisposition(t *testing.T) {
	rt := newTestRouter(t)
	sink := &fakeSink{}
	conn := rt.Attach(sink, nil)

	disp, err := rt.HandleFrame(context.Background(), conn, []byte(`[6,{"message":"GTG"},"wamp.close.normal"]`))
	require.NoError(t, err)
	assert.True(t, disp.MustClose)
	assert.Equal(t, 1000, disp.CloseCode)
	assert.Equal(t, "GTG", disp.CloseReason)

	frames := sink.frames()
	require.Len(t, frames, 1)
	assert.Equal(t, `[6,{"message":"GTG"},"wamp.close.normal"]`, frames[0])
}

func TestZombieGetsNoReply(t *testing.T) {
	rt := newTestRouter(t)
	sink := &fakeSink{}
	conn := rt.Attach(sink, nil)
	rt.Detach(conn)

	disp, err := rt.HandleFrame(context.Background(), conn, []byte(`[1,"realm",{}]`))
	require.NoError(t, err)
	assert.False(t, disp.MustClose)
	assert.Empty(t, sink.frames())
}

func TestMalformedFrameReturnsError(t *testing.T) {
	rt := newTestRouter(t)
	conn := rt.Attach(&fakeSink{}, nil)

	_, err := rt.HandleFrame(context.Background(), conn, []byte(`{"not":"wamp"}`))
	assert.ErrorIs(t, err, wamp.ErrMalformedFrame)
}

func TestUnknownCodeAnsweredWithError(t *testing.T) {
	rt := newTestRouter(t)
	sink := &fakeSink{}
	conn := rt.Attach(sink, nil)

	_, err := rt.HandleFrame(context.Background(), conn, []byte(`[64,25349185,{},"com.myapp.echo"]`))
	require.NoError(t, err)

	frames := sink.frames()
	require.Len(t, frames, 1)
	errMsg, err := wamp.Decode([]byte(frames[0]))
	require.NoError(t, err)
	assert.Equal(t, "wamp.unsupported.message", errMsg.(*wamp.ErrorMessage).URI)
}

func TestSetProcessorSwapsDispatch(t *testing.T) {
	rt := newTestRouter(t)
	sink := &fakeSink{}
	conn := rt.Attach(sink, nil)

	rt.SetProcessor(wamp.HELLO, func(_ context.Context, _ *processor.Env, _ wamp.Message, c *session.Connection) *processor.Outcome {
		return &processor.Outcome{Answer: &wamp.WelcomeMessage{SessionID: 42}}
	})

	_, err := rt.HandleFrame(context.Background(), conn, []byte(`[1,"realm",{}]`))
	require.NoError(t, err)
	assert.Equal(t, `[2,42,{}]`, sink.frames()[0])
}

func TestPublishThenSubscribeNoReplay(t *testing.T) {
	rt := newTestRouter(t)
	pubSink, subSink := &fakeSink{}, &fakeSink{}
	publisher := rt.Attach(pubSink, nil)
	subscriber := rt.Attach(subSink, nil)

	_, err := rt.HandleFrame(context.Background(), publisher, []byte(`[16,345,{},"world.cup"]`))
	require.NoError(t, err)

	_, err = rt.HandleFrame(context.Background(), subscriber, []byte(`[32,123,{},"world.cup"]`))
	require.NoError(t, err)

	frames := subSink.frames()
	require.Len(t, frames, 1, "late subscriber gets only SUBSCRIBED, no replay")
	subscribed, err := wamp.Decode([]byte(frames[0]))
	require.NoError(t, err)
	assert.Equal(t, wamp.SUBSCRIBED, subscribed.MessageCode())
}

func TestProcessorPanicClosesOnlyThatConnection(t *testing.T) {
	rt := newTestRouter(t)
	sink := &fakeSink{}
	conn := rt.Attach(sink, nil)
	other := rt.Attach(&fakeSink{}, nil)

	rt.SetProcessor(wamp.HELLO, func(context.Context, *processor.Env, wamp.Message, *session.Connection) *processor.Outcome {
		panic("processor boom")
	})

	disp, err := rt.HandleFrame(context.Background(), conn, []byte(`[1,"realm",{}]`))
	require.NoError(t, err)
	assert.True(t, disp.MustClose)
	assert.Equal(t, 1011, disp.CloseCode)
	assert.Empty(t, sink.frames())

	// The router keeps serving other connections.
	_, err = rt.HandleFrame(context.Background(), other, []byte(`[32,123,{},"world.cup"]`))
	require.NoError(t, err)
}

func TestDefaultRouterSingleton(t *testing.T) {
	assert.Same(t, router.Default(), router.Default())
}
