// Package wamp implements the WAMP v2 basic-profile message codec and the
// global-scope identifier allocator.
//
// Wire form is the `wamp.2.json` framing: every message is a JSON array
// whose first element is an integer code. Variadic args/kwargs tails encode
// in the shortest legal form: both empty means both omitted, kwargs empty
// means args only, kwargs present means both present.
package wamp

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Code is the integer discriminant of a WAMP message.
type Code int

// Message codes from the WAMP basic profile.
const (
	HELLO        Code = 1
	WELCOME      Code = 2
	ABORT        Code = 3
	CHALLENGE    Code = 4
	AUTHENTICATE Code = 5
	GOODBYE      Code = 6
	HEARTBEAT    Code = 7
	ERROR        Code = 8
	PUBLISH      Code = 16
	PUBLISHED    Code = 17
	SUBSCRIBE    Code = 32
	SUBSCRIBED   Code = 33
	UNSUBSCRIBE  Code = 34
	UNSUBSCRIBED Code = 35
	EVENT        Code = 36
	CALL         Code = 48
	CANCEL       Code = 49
	RESULT       Code = 50
	REGISTER     Code = 64
	REGISTERED   Code = 65
	UNREGISTER   Code = 66
	UNREGISTERED Code = 67
	INVOCATION   Code = 68
	INTERRUPT    Code = 69
	YIELD        Code = 70
)

// ErrMalformedFrame is returned when a frame cannot be parsed as a WAMP
// message at all. The transport closes the connection on this error.
var ErrMalformedFrame = errors.New("malformed WAMP frame")

// Message is any WAMP message variant.
type Message interface {
	MessageCode() Code
	MarshalJSON() ([]byte, error)
}

// Marshal returns the canonical JSON array form of a message.
func Marshal(m Message) ([]byte, error) {
	return m.MarshalJSON()
}

// appendTail applies the shortest-legal-form rule for [..., args, kwargs]
// tails.
func appendTail(value []any, args []any, kwargs map[string]any) []any {
	if len(kwargs) > 0 {
		if args == nil {
			args = []any{}
		}
		return append(value, args, kwargs)
	}
	if len(args) > 0 {
		return append(value, args)
	}
	return value
}

func orEmptyDict(d map[string]any) map[string]any {
	if d == nil {
		return map[string]any{}
	}
	return d
}

// HelloMessage is sent by a client to open a session:
// [HELLO, Realm|uri, Details|dict]
type HelloMessage struct {
	Realm   string
	Details map[string]any
}

func (m *HelloMessage) MessageCode() Code { return HELLO }

func (m *HelloMessage) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{HELLO, m.Realm, orEmptyDict(m.Details)})
}

// WelcomeMessage answers a HELLO:
// [WELCOME, Session|id, Details|dict]
type WelcomeMessage struct {
	SessionID int64
	Details   map[string]any
}

func (m *WelcomeMessage) MessageCode() Code { return WELCOME }

func (m *WelcomeMessage) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{WELCOME, m.SessionID, orEmptyDict(m.Details)})
}

// AbortMessage aborts session opening:
// [ABORT, Details|dict, Reason|uri]
type AbortMessage struct {
	Details map[string]any
	Reason  string
}

// NewAbortMessage builds an ABORT. The reason URI is mandatory.
func NewAbortMessage(reason string) (*AbortMessage, error) {
	if reason == "" {
		return nil, errors.New("abort message requires a reason URI")
	}
	return &AbortMessage{Details: map[string]any{}, Reason: reason}, nil
}

func (m *AbortMessage) MessageCode() Code { return ABORT }

func (m *AbortMessage) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{ABORT, orEmptyDict(m.Details), m.Reason})
}

// GoodbyeMessage closes a session:
// [GOODBYE, Details|dict, Reason|uri]
type GoodbyeMessage struct {
	Details map[string]any
	Reason  string
}

func (m *GoodbyeMessage) MessageCode() Code { return GOODBYE }

func (m *GoodbyeMessage) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{GOODBYE, orEmptyDict(m.Details), m.Reason})
}

// ErrorMessage reports a request failure:
// [ERROR, REQUEST.Type|int, REQUEST.Request|id, Details|dict, Error|uri,
// Arguments|list, ArgumentsKw|dict]
type ErrorMessage struct {
	RequestCode Code
	RequestID   int64
	Details     map[string]any
	URI         string
	Args        []any
	Kwargs      map[string]any
}

// NewErrorMessage builds an ERROR. The error URI is mandatory; the request
// code may be any non-negative value, including 0, so frames with unknown
// codes can still be answered.
func NewErrorMessage(requestCode Code, requestID int64, uri string) (*ErrorMessage, error) {
	if requestCode < 0 {
		return nil, errors.New("error message requires the code of the request it answers")
	}
	if uri == "" {
		return nil, errors.New("error message requires an error URI")
	}
	return &ErrorMessage{
		RequestCode: requestCode,
		RequestID:   requestID,
		Details:     map[string]any{},
		URI:         uri,
	}, nil
}

func (m *ErrorMessage) MessageCode() Code { return ERROR }

// SetDescription stores a human readable explanation under details.message.
func (m *ErrorMessage) SetDescription(text string) {
	if m.Details == nil {
		m.Details = map[string]any{}
	}
	m.Details["message"] = text
}

func (m *ErrorMessage) MarshalJSON() ([]byte, error) {
	value := []any{ERROR, m.RequestCode, m.RequestID, orEmptyDict(m.Details), m.URI}
	return json.Marshal(appendTail(value, m.Args, m.Kwargs))
}

// PublishMessage requests event publication:
// [PUBLISH, Request|id, Options|dict, Topic|uri, Arguments|list,
// ArgumentsKw|dict]
type PublishMessage struct {
	RequestID int64
	Options   map[string]any
	Topic     string
	Args      []any
	Kwargs    map[string]any
}

func (m *PublishMessage) MessageCode() Code { return PUBLISH }

// Acknowledge reports whether options.acknowledge is set.
func (m *PublishMessage) Acknowledge() bool {
	v, ok := m.Options["acknowledge"].(bool)
	return ok && v
}

func (m *PublishMessage) MarshalJSON() ([]byte, error) {
	value := []any{PUBLISH, m.RequestID, orEmptyDict(m.Options), m.Topic}
	return json.Marshal(appendTail(value, m.Args, m.Kwargs))
}

// PublishedMessage acknowledges a publication:
// [PUBLISHED, PUBLISH.Request|id, Publication|id]
type PublishedMessage struct {
	RequestID     int64
	PublicationID int64
}

func (m *PublishedMessage) MessageCode() Code { return PUBLISHED }

func (m *PublishedMessage) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{PUBLISHED, m.RequestID, m.PublicationID})
}

// SubscribeMessage requests a topic subscription:
// [SUBSCRIBE, Request|id, Options|dict, Topic|uri]
type SubscribeMessage struct {
	RequestID int64
	Options   map[string]any
	Topic     string
}

// NewSubscribeMessage builds a SUBSCRIBE. Request ID and topic are
// mandatory.
func NewSubscribeMessage(requestID int64, topic string) (*SubscribeMessage, error) {
	if topic == "" {
		return nil, errors.New("subscribe message requires a topic")
	}
	return &SubscribeMessage{RequestID: requestID, Options: map[string]any{}, Topic: topic}, nil
}

func (m *SubscribeMessage) MessageCode() Code { return SUBSCRIBE }

func (m *SubscribeMessage) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{SUBSCRIBE, m.RequestID, orEmptyDict(m.Options), m.Topic})
}

// SubscribedMessage acknowledges a subscription:
// [SUBSCRIBED, SUBSCRIBE.Request|id, Subscription|id]
type SubscribedMessage struct {
	RequestID      int64
	SubscriptionID int64
}

func (m *SubscribedMessage) MessageCode() Code { return SUBSCRIBED }

func (m *SubscribedMessage) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{SUBSCRIBED, m.RequestID, m.SubscriptionID})
}

// UnsubscribeMessage requests subscription removal:
// [UNSUBSCRIBE, Request|id, SUBSCRIBED.Subscription|id]
type UnsubscribeMessage struct {
	RequestID      int64
	SubscriptionID int64
}

func (m *UnsubscribeMessage) MessageCode() Code { return UNSUBSCRIBE }

func (m *UnsubscribeMessage) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{UNSUBSCRIBE, m.RequestID, m.SubscriptionID})
}

// UnsubscribedMessage acknowledges an unsubscribe:
// [UNSUBSCRIBED, UNSUBSCRIBE.Request|id]
type UnsubscribedMessage struct {
	RequestID int64
}

func (m *UnsubscribedMessage) MessageCode() Code { return UNSUBSCRIBED }

func (m *UnsubscribedMessage) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{UNSUBSCRIBED, m.RequestID})
}

// EventMessage delivers a publication to a subscriber:
// [EVENT, SUBSCRIBED.Subscription|id, PUBLISHED.Publication|id,
// Details|dict, Arguments|list, ArgumentsKw|dict]
type EventMessage struct {
	SubscriptionID int64
	PublicationID  int64
	Details        map[string]any
	Args           []any
	Kwargs         map[string]any
}

func (m *EventMessage) MessageCode() Code { return EVENT }

func (m *EventMessage) MarshalJSON() ([]byte, error) {
	value := []any{EVENT, m.SubscriptionID, m.PublicationID, orEmptyDict(m.Details)}
	return json.Marshal(appendTail(value, m.Args, m.Kwargs))
}

// CallMessage invokes a remote procedure:
// [CALL, Request|id, Options|dict, Procedure|uri, Arguments|list,
// ArgumentsKw|dict]
type CallMessage struct {
	RequestID int64
	Options   map[string]any
	Procedure string
	Args      []any
	Kwargs    map[string]any
}

func (m *CallMessage) MessageCode() Code { return CALL }

func (m *CallMessage) MarshalJSON() ([]byte, error) {
	value := []any{CALL, m.RequestID, orEmptyDict(m.Options), m.Procedure}
	return json.Marshal(appendTail(value, m.Args, m.Kwargs))
}

// ResultMessage answers a CALL:
// [RESULT, CALL.Request|id, Details|dict, YIELD.Arguments|list,
// YIELD.ArgumentsKw|dict]
type ResultMessage struct {
	RequestID int64
	Details   map[string]any
	Args      []any
	Kwargs    map[string]any
}

func (m *ResultMessage) MessageCode() Code { return RESULT }

func (m *ResultMessage) MarshalJSON() ([]byte, error) {
	value := []any{RESULT, m.RequestID, orEmptyDict(m.Details)}
	return json.Marshal(appendTail(value, m.Args, m.Kwargs))
}

// GenericMessage holds any frame whose code has no dedicated variant. The
// dispatcher routes these to the unsupported-message responder.
type GenericMessage struct {
	Code  Code
	Value []any
}

func (m *GenericMessage) MessageCode() Code { return m.Code }

func (m *GenericMessage) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.Value)
}

// RequestID returns the second array element when it is a number, -1
// otherwise.
func (m *GenericMessage) RequestID() int64 {
	if len(m.Value) > 1 {
		if n, ok := m.Value[1].(float64); ok {
			return int64(n)
		}
	}
	return -1
}

// RequestIDOf extracts the request ID of request-bearing variants.
func RequestIDOf(m Message) (int64, bool) {
	switch v := m.(type) {
	case *PublishMessage:
		return v.RequestID, true
	case *SubscribeMessage:
		return v.RequestID, true
	case *UnsubscribeMessage:
		return v.RequestID, true
	case *CallMessage:
		return v.RequestID, true
	case *PublishedMessage:
		return v.RequestID, true
	case *SubscribedMessage:
		return v.RequestID, true
	case *UnsubscribedMessage:
		return v.RequestID, true
	case *ResultMessage:
		return v.RequestID, true
	case *ErrorMessage:
		return v.RequestID, true
	case *GenericMessage:
		return v.RequestID(), true
	}
	return 0, false
}

// BuildErrorFor returns an ERROR answering in when its code is one of the
// request types this router answers with ERROR (CALL, SUBSCRIBE,
// UNSUBSCRIBE, PUBLISH). Other message types return nil.
func BuildErrorFor(in Message, uri, description string) *ErrorMessage {
	code := in.MessageCode()
	switch code {
	case CALL, SUBSCRIBE, UNSUBSCRIBE, PUBLISH:
	default:
		return nil
	}
	requestID, _ := RequestIDOf(in)
	out, err := NewErrorMessage(code, requestID, uri)
	if err != nil {
		return nil
	}
	if description != "" {
		out.SetDescription(description)
	}
	return out
}

// Decode parses a JSON array frame into its message variant. Unknown codes
// decode into a GenericMessage. Frames that are not a JSON array with an
// integer first element fail with ErrMalformedFrame.
func Decode(data []byte) (Message, error) {
	var elems []json.RawMessage
	if err := json.Unmarshal(data, &elems); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if len(elems) == 0 {
		return nil, fmt.Errorf("%w: empty array", ErrMalformedFrame)
	}
	var code Code
	if err := json.Unmarshal(elems[0], &code); err != nil {
		return nil, fmt.Errorf("%w: non-integer code", ErrMalformedFrame)
	}

	switch code {
	case HELLO:
		return decodeHello(elems)
	case WELCOME:
		return decodeWelcome(elems)
	case ABORT:
		return decodeAbort(elems)
	case GOODBYE:
		return decodeGoodbye(elems)
	case ERROR:
		return decodeError(elems)
	case PUBLISH:
		return decodePublish(elems)
	case PUBLISHED:
		return decodePublished(elems)
	case SUBSCRIBE:
		return decodeSubscribe(elems)
	case SUBSCRIBED:
		return decodeSubscribed(elems)
	case UNSUBSCRIBE:
		return decodeUnsubscribe(elems)
	case UNSUBSCRIBED:
		return decodeUnsubscribed(elems)
	case EVENT:
		return decodeEvent(elems)
	case CALL:
		return decodeCall(elems)
	case RESULT:
		return decodeResult(elems)
	}
	return decodeGeneric(code, elems)
}

func intElem(elems []json.RawMessage, i int, field string) (int64, error) {
	if i >= len(elems) {
		return 0, fmt.Errorf("message is missing %s", field)
	}
	var n int64
	if err := json.Unmarshal(elems[i], &n); err != nil {
		return 0, fmt.Errorf("%s must be an integer: %w", field, err)
	}
	return n, nil
}

func stringElem(elems []json.RawMessage, i int, field string) (string, error) {
	if i >= len(elems) {
		return "", fmt.Errorf("message is missing %s", field)
	}
	var s string
	if err := json.Unmarshal(elems[i], &s); err != nil {
		return "", fmt.Errorf("%s must be a string: %w", field, err)
	}
	return s, nil
}

func dictElem(elems []json.RawMessage, i int, field string) (map[string]any, error) {
	if i >= len(elems) {
		return nil, fmt.Errorf("message is missing %s", field)
	}
	var d map[string]any
	if err := json.Unmarshal(elems[i], &d); err != nil {
		return nil, fmt.Errorf("%s must be a dict: %w", field, err)
	}
	return d, nil
}

// tailElems decodes the optional [args, kwargs] suffix starting at from.
func tailElems(elems []json.RawMessage, from int) ([]any, map[string]any, error) {
	var args []any
	var kwargs map[string]any
	if from < len(elems) {
		if err := json.Unmarshal(elems[from], &args); err != nil {
			return nil, nil, fmt.Errorf("arguments must be a list: %w", err)
		}
	}
	if from+1 < len(elems) {
		if err := json.Unmarshal(elems[from+1], &kwargs); err != nil {
			return nil, nil, fmt.Errorf("keyword arguments must be a dict: %w", err)
		}
	}
	return args, kwargs, nil
}

func decodeHello(elems []json.RawMessage) (Message, error) {
	realm, err := stringElem(elems, 1, "realm")
	if err != nil {
		return nil, err
	}
	details, err := dictElem(elems, 2, "details")
	if err != nil {
		return nil, err
	}
	return &HelloMessage{Realm: realm, Details: details}, nil
}

func decodeWelcome(elems []json.RawMessage) (Message, error) {
	sid, err := intElem(elems, 1, "session ID")
	if err != nil {
		return nil, err
	}
	details, err := dictElem(elems, 2, "details")
	if err != nil {
		return nil, err
	}
	return &WelcomeMessage{SessionID: sid, Details: details}, nil
}

func decodeAbort(elems []json.RawMessage) (Message, error) {
	details, err := dictElem(elems, 1, "details")
	if err != nil {
		return nil, err
	}
	reason, err := stringElem(elems, 2, "reason")
	if err != nil {
		return nil, err
	}
	if reason == "" {
		return nil, errors.New("abort message requires a reason URI")
	}
	return &AbortMessage{Details: details, Reason: reason}, nil
}

func decodeGoodbye(elems []json.RawMessage) (Message, error) {
	details, err := dictElem(elems, 1, "details")
	if err != nil {
		return nil, err
	}
	reason, err := stringElem(elems, 2, "reason")
	if err != nil {
		return nil, err
	}
	return &GoodbyeMessage{Details: details, Reason: reason}, nil
}

func decodeError(elems []json.RawMessage) (Message, error) {
	requestCode, err := intElem(elems, 1, "request code")
	if err != nil {
		return nil, err
	}
	requestID, err := intElem(elems, 2, "request ID")
	if err != nil {
		return nil, err
	}
	details, err := dictElem(elems, 3, "details")
	if err != nil {
		return nil, err
	}
	uri, err := stringElem(elems, 4, "error URI")
	if err != nil {
		return nil, err
	}
	if uri == "" {
		return nil, errors.New("error message requires an error URI")
	}
	args, kwargs, err := tailElems(elems, 5)
	if err != nil {
		return nil, err
	}
	return &ErrorMessage{
		RequestCode: Code(requestCode),
		RequestID:   requestID,
		Details:     details,
		URI:         uri,
		Args:        args,
		Kwargs:      kwargs,
	}, nil
}

func decodePublish(elems []json.RawMessage) (Message, error) {
	requestID, err := intElem(elems, 1, "request ID")
	if err != nil {
		return nil, err
	}
	options, err := dictElem(elems, 2, "options")
	if err != nil {
		return nil, err
	}
	topic, err := stringElem(elems, 3, "topic")
	if err != nil {
		return nil, err
	}
	args, kwargs, err := tailElems(elems, 4)
	if err != nil {
		return nil, err
	}
	return &PublishMessage{
		RequestID: requestID,
		Options:   options,
		Topic:     topic,
		Args:      args,
		Kwargs:    kwargs,
	}, nil
}

func decodePublished(elems []json.RawMessage) (Message, error) {
	requestID, err := intElem(elems, 1, "request ID")
	if err != nil {
		return nil, err
	}
	publicationID, err := intElem(elems, 2, "publication ID")
	if err != nil {
		return nil, err
	}
	return &PublishedMessage{RequestID: requestID, PublicationID: publicationID}, nil
}

func decodeSubscribe(elems []json.RawMessage) (Message, error) {
	requestID, err := intElem(elems, 1, "request ID")
	if err != nil {
		return nil, err
	}
	options, err := dictElem(elems, 2, "options")
	if err != nil {
		return nil, err
	}
	topic, err := stringElem(elems, 3, "topic")
	if err != nil {
		return nil, err
	}
	if topic == "" {
		return nil, errors.New("subscribe message requires a topic")
	}
	return &SubscribeMessage{RequestID: requestID, Options: options, Topic: topic}, nil
}

func decodeSubscribed(elems []json.RawMessage) (Message, error) {
	requestID, err := intElem(elems, 1, "request ID")
	if err != nil {
		return nil, err
	}
	subscriptionID, err := intElem(elems, 2, "subscription ID")
	if err != nil {
		return nil, err
	}
	return &SubscribedMessage{RequestID: requestID, SubscriptionID: subscriptionID}, nil
}

func decodeUnsubscribe(elems []json.RawMessage) (Message, error) {
	requestID, err := intElem(elems, 1, "request ID")
	if err != nil {
		return nil, err
	}
	subscriptionID, err := intElem(elems, 2, "subscription ID")
	if err != nil {
		return nil, err
	}
	return &UnsubscribeMessage{RequestID: requestID, SubscriptionID: subscriptionID}, nil
}

func decodeUnsubscribed(elems []json.RawMessage) (Message, error) {
	requestID, err := intElem(elems, 1, "request ID")
	if err != nil {
		return nil, err
	}
	return &UnsubscribedMessage{RequestID: requestID}, nil
}

func decodeEvent(elems []json.RawMessage) (Message, error) {
	subscriptionID, err := intElem(elems, 1, "subscription ID")
	if err != nil {
		return nil, err
	}
	publicationID, err := intElem(elems, 2, "publication ID")
	if err != nil {
		return nil, err
	}
	details, err := dictElem(elems, 3, "details")
	if err != nil {
		return nil, err
	}
	args, kwargs, err := tailElems(elems, 4)
	if err != nil {
		return nil, err
	}
	return &EventMessage{
		SubscriptionID: subscriptionID,
		PublicationID:  publicationID,
		Details:        details,
		Args:           args,
		Kwargs:         kwargs,
	}, nil
}

func decodeCall(elems []json.RawMessage) (Message, error) {
	requestID, err := intElem(elems, 1, "request ID")
	if err != nil {
		return nil, err
	}
	options, err := dictElem(elems, 2, "options")
	if err != nil {
		return nil, err
	}
	procedure, err := stringElem(elems, 3, "procedure")
	if err != nil {
		return nil, err
	}
	args, kwargs, err := tailElems(elems, 4)
	if err != nil {
		return nil, err
	}
	return &CallMessage{
		RequestID: requestID,
		Options:   options,
		Procedure: procedure,
		Args:      args,
		Kwargs:    kwargs,
	}, nil
}

func decodeResult(elems []json.RawMessage) (Message, error) {
	requestID, err := intElem(elems, 1, "request ID")
	if err != nil {
		return nil, err
	}
	details, err := dictElem(elems, 2, "details")
	if err != nil {
		return nil, err
	}
	args, kwargs, err := tailElems(elems, 3)
	if err != nil {
		return nil, err
	}
	return &ResultMessage{RequestID: requestID, Details: details, Args: args, Kwargs: kwargs}, nil
}

func decodeGeneric(code Code, elems []json.RawMessage) (Message, error) {
	value := make([]any, len(elems))
	for i, raw := range elems {
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		value[i] = v
	}
	return &GenericMessage{Code: code, Value: value}, nil
}
