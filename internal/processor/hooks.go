package processor

import (
	"github.com/adred-codev/wampd/internal/broker"
	"github.com/adred-codev/wampd/internal/session"
	"github.com/adred-codev/wampd/internal/wamp"
)

// Hooks is the customization surface of the router: authorization decisions
// and broadcast shaping. The zero implementation (DefaultHooks) allows
// everything and produces the standard single-EVENT broadcast per
// publication.
type Hooks interface {
	// AuthorizeSubscription decides whether conn may subscribe to a topic.
	// On deny the reason string is carried in the ERROR reply.
	AuthorizeSubscription(topicName string, conn *session.Connection) (bool, string)

	// AuthorizePublication decides whether conn may publish to a topic.
	AuthorizePublication(topicName string, conn *session.Connection) (bool, string)

	// SubscribeBroadcasts returns broadcasts to publish after a successful
	// subscription, e.g. presence announcements.
	SubscribeBroadcasts(msg *wamp.SubscribeMessage, subscriptionID int64, conn *session.Connection) []*broker.BroadcastMessage

	// PublishBroadcasts maps one PUBLISH to the broadcasts it generates,
	// plus an optional reply overriding the default PUBLISHED
	// acknowledgement.
	PublishBroadcasts(msg *wamp.PublishMessage, publicationID int64, conn *session.Connection) ([]*broker.BroadcastMessage, wamp.Message)
}

// DefaultHooks allows every subscription and publication and wraps each
// publication in exactly one EVENT broadcast.
type DefaultHooks struct{}

func (DefaultHooks) AuthorizeSubscription(string, *session.Connection) (bool, string) {
	return true, ""
}

func (DefaultHooks) AuthorizePublication(string, *session.Connection) (bool, string) {
	return true, ""
}

func (DefaultHooks) SubscribeBroadcasts(*wamp.SubscribeMessage, int64, *session.Connection) []*broker.BroadcastMessage {
	return nil
}

func (DefaultHooks) PublishBroadcasts(msg *wamp.PublishMessage, publicationID int64, conn *session.Connection) ([]*broker.BroadcastMessage, wamp.Message) {
	event := &wamp.EventMessage{
		PublicationID: publicationID,
		Details:       map[string]any{},
		Args:          msg.Args,
		Kwargs:        msg.Kwargs,
	}
	connID := conn.ID
	return []*broker.BroadcastMessage{{
		TopicName:             msg.Topic,
		Event:                 event,
		PublisherConnectionID: &connID,
	}}, nil
}
