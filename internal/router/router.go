// Package router owns the process-wide routing state: the session
// registry, the topic manager, the procedure table and the code to
// processor dispatch table.
package router

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/adred-codev/wampd/internal/broker"
	"github.com/adred-codev/wampd/internal/metrics"
	"github.com/adred-codev/wampd/internal/processor"
	"github.com/adred-codev/wampd/internal/session"
	"github.com/adred-codev/wampd/internal/wamp"
)

// Options configures a Router.
type Options struct {
	Logger zerolog.Logger
	Broker broker.Options
	Hooks  processor.Hooks
}

// Disposition tells the transport what to do with the connection after a
// frame has been handled.
type Disposition struct {
	MustClose   bool
	CloseCode   int
	CloseReason string
}

// Router dispatches decoded frames to their processors and owns all shared
// routing state.
type Router struct {
	registry   *session.Registry
	topics     *broker.Manager
	ids        *wamp.IDAllocator
	procedures *processor.ProcedureTable
	hooks      processor.Hooks
	logger     zerolog.Logger

	mu         sync.RWMutex
	processors map[wamp.Code]processor.Func
}

// New builds a router with the default dispatch table.
func New(opts Options) *Router {
	if opts.Hooks == nil {
		opts.Hooks = processor.DefaultHooks{}
	}
	ids := opts.Broker.IDs
	if ids == nil {
		ids = wamp.NewIDAllocator(nil)
		opts.Broker.IDs = ids
	}
	opts.Broker.Logger = opts.Logger
	r := &Router{
		registry:   session.NewRegistry(),
		topics:     broker.NewManager(opts.Broker),
		ids:        ids,
		procedures: processor.NewProcedureTable(),
		hooks:      opts.Hooks,
		logger:     opts.Logger,
		processors: map[wamp.Code]processor.Func{
			wamp.HELLO:       processor.Hello,
			wamp.GOODBYE:     processor.Goodbye,
			wamp.SUBSCRIBE:   processor.Subscribe,
			wamp.UNSUBSCRIBE: processor.Unsubscribe,
			wamp.PUBLISH:     processor.Publish,
			wamp.CALL:        processor.Call,
		},
	}
	return r
}

var (
	defaultRouter *Router
	defaultOnce   sync.Once
)

// Default returns the shared router, building it on first use with
// default options and no Redis bus.
func Default() *Router {
	defaultOnce.Do(func() {
		defaultRouter = New(Options{Logger: zerolog.Nop()})
	})
	return defaultRouter
}

// Registry returns the session registry.
func (r *Router) Registry() *session.Registry { return r.registry }

// Topics returns the topic manager.
func (r *Router) Topics() *broker.Manager { return r.topics }

// Procedures returns the procedure table.
func (r *Router) Procedures() *processor.ProcedureTable { return r.procedures }

// IDs returns the identifier allocator.
func (r *Router) IDs() *wamp.IDAllocator { return r.ids }

// SetProcessor installs or replaces the processor for a message code.
func (r *Router) SetProcessor(code wamp.Code, fn processor.Func) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.processors[code] = fn
}

func (r *Router) processorFor(code wamp.Code) processor.Func {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if fn, ok := r.processors[code]; ok {
		return fn
	}
	return processor.Unhandled
}

func (r *Router) env() *processor.Env {
	return &processor.Env{
		Registry:   r.registry,
		Topics:     r.topics,
		IDs:        r.ids,
		Hooks:      r.hooks,
		Procedures: r.procedures,
		Logger:     r.logger,
	}
}

// Attach registers a new connection: a session ID is allocated, the
// connection created around the sink and added to the registry.
func (r *Router) Attach(sink session.Sink, details map[string]any) *session.Connection {
	conn := session.NewConnection(r.ids.Allocate(), sink, details)
	r.registry.Add(conn)
	metrics.ConnectionsTotal.Inc()
	metrics.ConnectionsActive.Inc()
	return conn
}

// Detach zombifies a connection: it is removed from every topic, its
// indexes cleared, its session ID released and the registry entry dropped.
// Detach is idempotent.
func (r *Router) Detach(conn *session.Connection) {
	if conn == nil || conn.IsZombie() {
		return
	}
	r.topics.RemoveConnection(conn)
	conn.Zombify()
	if r.registry.Remove(conn.ID) != nil {
		metrics.ConnectionsActive.Dec()
	}
	r.ids.Release(conn.ID)
}

// HandleFrame decodes one inbound text frame, runs its processor, writes
// the reply and publishes any broadcasts. A decode failure is returned to
// the transport, which closes the connection.
func (r *Router) HandleFrame(ctx context.Context, conn *session.Connection, frame []byte) (Disposition, error) {
	if conn.IsZombie() {
		return Disposition{}, nil
	}
	metrics.MessagesReceived.Inc()
	msg, err := wamp.Decode(frame)
	if err != nil {
		return Disposition{}, err
	}

	outcome := r.process(ctx, msg, conn)

	if outcome.Answer != nil {
		data, err := wamp.Marshal(outcome.Answer)
		if err != nil {
			r.logger.Error().Err(err).Msg("Failed to encode reply")
		} else if err := conn.Send(data); err != nil {
			r.logger.Warn().
				Err(err).
				Int64("connection_id", conn.ID).
				Msg("Failed to write reply")
		} else {
			metrics.MessagesSent.Inc()
		}
	}

	for _, b := range outcome.Broadcasts {
		if b.PublisherNodeID == "" {
			b.PublisherNodeID = r.topics.NodeID()
		}
		if err := r.topics.Publish(ctx, b); err != nil {
			r.logger.Warn().
				Err(err).
				Str("topic", b.TopicName).
				Msg("Deferred broadcast publish failed")
		}
	}

	return Disposition{
		MustClose:   outcome.MustClose,
		CloseCode:   outcome.CloseCode,
		CloseReason: outcome.CloseReason,
	}, nil
}

// process runs the dispatched processor. A panic escaping a processor is
// contained here: it is logged and the offending connection closed, the
// rest of the process keeps serving.
func (r *Router) process(ctx context.Context, msg wamp.Message, conn *session.Connection) (outcome *processor.Outcome) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error().
				Interface("panic", rec).
				Int64("connection_id", conn.ID).
				Int("message_code", int(msg.MessageCode())).
				Msg("Processor panicked")
			outcome = &processor.Outcome{
				MustClose:   true,
				CloseCode:   1011,
				CloseReason: "internal error",
			}
		}
	}()
	return r.processorFor(msg.MessageCode())(ctx, r.env(), msg, conn)
}

// Shutdown releases the broker's Redis resources.
func (r *Router) Shutdown() {
	r.topics.Shutdown()
}
