// Package processor implements the per-code WAMP message handlers. Each
// handler consumes one inbound message and produces an Outcome: the direct
// reply, any broadcasts, and whether the connection must close.
package processor

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/adred-codev/wampd/internal/broker"
	"github.com/adred-codev/wampd/internal/metrics"
	"github.com/adred-codev/wampd/internal/session"
	"github.com/adred-codev/wampd/internal/wamp"
)

// Error URIs emitted by the handlers.
const (
	URIUnauthorized          = "tornwamp.error.unauthorized"
	URISubscribeUnauthorized = "tornwamp.subscribe.unauthorized"
	URIPublishUnauthorized   = "tornwamp.publish.unauthorized"
	URIBackendUnavailable    = "tornwamp.error.backend_unavailable"
	URIUnsupportedProcedure  = "wamp.rpc.unsupported.procedure"
	URIProcedureFailed       = "wamp.rpc.runtime_error"
	URIUnsupportedMessage    = "wamp.unsupported.message"
	URINoSuchSubscription    = "wamp.error.no_such_subscription"
)

// Outcome is what a handler produced for one inbound message. Answer is
// written to the sender first; Broadcasts are published afterwards. When
// MustClose is set the transport closes the connection once the answer has
// been written.
type Outcome struct {
	Answer      wamp.Message
	Broadcasts  []*broker.BroadcastMessage
	MustClose   bool
	CloseCode   int
	CloseReason string
}

// Env bundles the shared state every handler needs.
type Env struct {
	Registry   *session.Registry
	Topics     *broker.Manager
	IDs        *wamp.IDAllocator
	Hooks      Hooks
	Procedures *ProcedureTable
	Logger     zerolog.Logger
}

// Func handles one inbound message for one connection.
type Func func(ctx context.Context, env *Env, msg wamp.Message, conn *session.Connection) *Outcome

// errorOutcome records the ERROR metric and wraps the reply in an Outcome.
// A nil reply (the request type takes no ERROR) yields an empty Outcome.
func errorOutcome(in wamp.Message, uri, description string) *Outcome {
	answer := wamp.BuildErrorFor(in, uri, description)
	if answer == nil {
		return &Outcome{}
	}
	metrics.ProcessorErrors.WithLabelValues(uri).Inc()
	return &Outcome{Answer: answer}
}

// recoverHook converts a panic inside a customization hook into a deny,
// honoring the rule that hook failures become ERROR replies on ERROR-prone
// requests and are otherwise logged and swallowed.
func recoverHook(logger zerolog.Logger, allow *bool, reason *string) {
	if r := recover(); r != nil {
		logger.Error().Interface("panic", r).Msg("Customization hook panicked")
		*allow = false
		*reason = fmt.Sprintf("hook failure: %v", r)
	}
}
