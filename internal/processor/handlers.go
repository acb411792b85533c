package processor

import (
	"context"
	"fmt"

	"github.com/adred-codev/wampd/internal/broker"
	"github.com/adred-codev/wampd/internal/metrics"
	"github.com/adred-codev/wampd/internal/session"
	"github.com/adred-codev/wampd/internal/wamp"
)

// defaultWelcomeDetails advertises the feature set of the broker and
// dealer roles.
func defaultWelcomeDetails() map[string]any {
	return map[string]any{
		"authrole":   "anonymous",
		"authmethod": "anonymous",
		"roles": map[string]any{
			"broker": map[string]any{
				"features": map[string]any{
					"publisher_identification":      true,
					"publisher_exclusion":           true,
					"subscriber_blackwhite_listing": true,
				},
			},
			"dealer": map[string]any{
				"features": map[string]any{
					"progressive_call_results": true,
					"caller_identification":    true,
				},
			},
		},
	}
}

// Hello answers a session open with WELCOME. The realm is not validated.
func Hello(_ context.Context, _ *Env, _ wamp.Message, conn *session.Connection) *Outcome {
	return &Outcome{
		Answer: &wamp.WelcomeMessage{
			SessionID: conn.ID,
			Details:   defaultWelcomeDetails(),
		},
	}
}

// Goodbye detaches the connection from every topic, echoes the GOODBYE and
// tells the transport to close with the normal close code.
func Goodbye(_ context.Context, env *Env, msg wamp.Message, conn *session.Connection) *Outcome {
	goodbye, ok := msg.(*wamp.GoodbyeMessage)
	if !ok {
		return &Outcome{}
	}
	env.Topics.RemoveConnection(conn)
	closeReason, _ := goodbye.Details["message"].(string)
	return &Outcome{
		Answer:      &wamp.GoodbyeMessage{Details: goodbye.Details, Reason: goodbye.Reason},
		MustClose:   true,
		CloseCode:   1000,
		CloseReason: closeReason,
	}
}

// Subscribe authorizes the subscription, registers it with the broker and
// answers SUBSCRIBED. An authorization deny or a bus failure answers
// ERROR instead.
func Subscribe(ctx context.Context, env *Env, msg wamp.Message, conn *session.Connection) *Outcome {
	subscribe, ok := msg.(*wamp.SubscribeMessage)
	if !ok {
		return Unhandled(ctx, env, msg, conn)
	}

	allow, reason := authorizeSubscription(env, subscribe.Topic, conn)
	if !allow {
		return errorOutcome(subscribe, URISubscribeUnauthorized, reason)
	}

	subscriptionID, err := env.Topics.AddSubscriber(ctx, subscribe.Topic, conn, 0)
	if err != nil {
		return errorOutcome(subscribe, URIBackendUnavailable, err.Error())
	}

	broadcasts, err := subscribeBroadcasts(env, subscribe, subscriptionID, conn)
	if err != nil {
		env.Topics.RemoveSubscriber(subscribe.Topic, subscriptionID)
		return errorOutcome(subscribe, URISubscribeUnauthorized, err.Error())
	}

	return &Outcome{
		Answer: &wamp.SubscribedMessage{
			RequestID:      subscribe.RequestID,
			SubscriptionID: subscriptionID,
		},
		Broadcasts: broadcasts,
	}
}

// Unsubscribe removes the subscription named by its ID and answers
// UNSUBSCRIBED. An ID the connection does not hold answers ERROR.
func Unsubscribe(ctx context.Context, env *Env, msg wamp.Message, conn *session.Connection) *Outcome {
	unsubscribe, ok := msg.(*wamp.UnsubscribeMessage)
	if !ok {
		return Unhandled(ctx, env, msg, conn)
	}

	for topicName, subscriptionID := range conn.SubscriberTopics() {
		if subscriptionID != unsubscribe.SubscriptionID {
			continue
		}
		if _, removed := env.Topics.RemoveSubscriber(topicName, subscriptionID); removed {
			return &Outcome{Answer: &wamp.UnsubscribedMessage{RequestID: unsubscribe.RequestID}}
		}
		break
	}
	return errorOutcome(unsubscribe, URINoSuchSubscription,
		fmt.Sprintf("subscription %d does not exist", unsubscribe.SubscriptionID))
}

// Publish authorizes the publication, lets the hook shape the broadcasts,
// publishes them and answers per the acknowledge option. Broadcasts are
// published here rather than deferred so a bus failure can still reach the
// caller as an ERROR when acknowledged.
func Publish(ctx context.Context, env *Env, msg wamp.Message, conn *session.Connection) *Outcome {
	publish, ok := msg.(*wamp.PublishMessage)
	if !ok {
		return Unhandled(ctx, env, msg, conn)
	}

	allow, reason := authorizePublication(env, publish.Topic, conn)
	if !allow {
		return errorOutcome(publish, URIPublishUnauthorized, reason)
	}

	if _, registered := conn.PublisherTopics()[publish.Topic]; !registered {
		env.Topics.AddPublisher(publish.Topic, conn, 0)
	}

	publicationID := env.IDs.Allocate()
	broadcasts, reply, err := publishBroadcasts(env, publish, publicationID, conn)
	if err != nil {
		env.IDs.Release(publicationID)
		return errorOutcome(publish, URIPublishUnauthorized, err.Error())
	}
	for _, b := range broadcasts {
		if b.PublisherNodeID == "" {
			b.PublisherNodeID = env.Topics.NodeID()
		}
		if err := env.Topics.Publish(ctx, b); err != nil {
			env.Logger.Warn().
				Err(err).
				Str("topic", b.TopicName).
				Msg("Broadcast publish failed")
			if publish.Acknowledge() {
				return errorOutcome(publish, URIBackendUnavailable, err.Error())
			}
		}
	}

	if !publish.Acknowledge() {
		return &Outcome{}
	}
	if reply != nil {
		return &Outcome{Answer: reply}
	}
	return &Outcome{
		Answer: &wamp.PublishedMessage{
			RequestID:     publish.RequestID,
			PublicationID: publicationID,
		},
	}
}

// Call looks the procedure up in the table and runs it. An unknown
// procedure answers ERROR carrying the original call frame.
func Call(ctx context.Context, env *Env, msg wamp.Message, conn *session.Connection) *Outcome {
	call, ok := msg.(*wamp.CallMessage)
	if !ok {
		return Unhandled(ctx, env, msg, conn)
	}

	handler, found := env.Procedures.Get(call.Procedure)
	if !found {
		out := errorOutcome(call, URIUnsupportedProcedure,
			fmt.Sprintf("The procedure %s doesn't exist", call.Procedure))
		if answer, ok := out.Answer.(*wamp.ErrorMessage); ok {
			answer.Details["call"] = call
		}
		return out
	}

	metrics.ProcedureCalls.WithLabelValues(call.Procedure).Inc()
	answer, broadcasts, err := runProcedure(env, handler, call, conn)
	if err != nil {
		return errorOutcome(call, URIProcedureFailed, err.Error())
	}
	for _, b := range broadcasts {
		if b.PublisherNodeID == "" {
			b.PublisherNodeID = env.Topics.NodeID()
		}
	}
	return &Outcome{Answer: answer, Broadcasts: broadcasts}
}

// Unhandled answers any frame this router has no processor for.
func Unhandled(_ context.Context, _ *Env, msg wamp.Message, _ *session.Connection) *Outcome {
	requestID, _ := wamp.RequestIDOf(msg)
	answer, err := wamp.NewErrorMessage(msg.MessageCode(), requestID, URIUnsupportedMessage)
	if err != nil {
		return &Outcome{}
	}
	answer.SetDescription(fmt.Sprintf("Unsupported message type %d", msg.MessageCode()))
	metrics.ProcessorErrors.WithLabelValues(URIUnsupportedMessage).Inc()
	return &Outcome{Answer: answer}
}

func authorizeSubscription(env *Env, topicName string, conn *session.Connection) (allow bool, reason string) {
	defer recoverHook(env.Logger, &allow, &reason)
	return env.Hooks.AuthorizeSubscription(topicName, conn)
}

func authorizePublication(env *Env, topicName string, conn *session.Connection) (allow bool, reason string) {
	defer recoverHook(env.Logger, &allow, &reason)
	return env.Hooks.AuthorizePublication(topicName, conn)
}

func subscribeBroadcasts(env *Env, msg *wamp.SubscribeMessage, subscriptionID int64, conn *session.Connection) (broadcasts []*broker.BroadcastMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			env.Logger.Error().
				Interface("panic", r).
				Str("topic", msg.Topic).
				Msg("Subscription broadcast hook panicked")
			err = fmt.Errorf("hook failure: %v", r)
		}
	}()
	return env.Hooks.SubscribeBroadcasts(msg, subscriptionID, conn), nil
}

func publishBroadcasts(env *Env, msg *wamp.PublishMessage, publicationID int64, conn *session.Connection) (broadcasts []*broker.BroadcastMessage, reply wamp.Message, err error) {
	defer func() {
		if r := recover(); r != nil {
			env.Logger.Error().
				Interface("panic", r).
				Str("topic", msg.Topic).
				Msg("Publication broadcast hook panicked")
			err = fmt.Errorf("hook failure: %v", r)
		}
	}()
	broadcasts, reply = env.Hooks.PublishBroadcasts(msg, publicationID, conn)
	return broadcasts, reply, nil
}

func runProcedure(env *Env, handler ProcedureHandler, call *wamp.CallMessage, conn *session.Connection) (answer wamp.Message, broadcasts []*broker.BroadcastMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			env.Logger.Error().
				Interface("panic", r).
				Str("procedure", call.Procedure).
				Msg("Procedure handler panicked")
			err = fmt.Errorf("procedure %s failed: %v", call.Procedure, r)
		}
	}()
	return handler(env, call, conn)
}
