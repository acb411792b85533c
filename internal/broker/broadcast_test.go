package broker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adred-codev/wampd/internal/wamp"
)

func TestBroadcastMessageRoundTrip(t *testing.T) {
	connID := int64(42)
	b := &BroadcastMessage{
		TopicName: "world.cup",
		Event: &wamp.EventMessage{
			PublicationID: 555,
			Kwargs:        map[string]any{"type": "test"},
		},
		PublisherConnectionID: &connID,
		PublisherNodeID:       "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
	}

	payload, err := b.JSON()
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"topic_name": "world.cup",
		"event_message": [36,0,555,{},[],{"type":"test"}],
		"publisher_connection_id": 42,
		"publisher_node_id": "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	}`, string(payload))

	parsed, err := ParseBroadcastMessage(payload)
	require.NoError(t, err)
	assert.Equal(t, b.TopicName, parsed.TopicName)
	assert.Equal(t, int64(555), parsed.Event.PublicationID)
	require.NotNil(t, parsed.PublisherConnectionID)
	assert.Equal(t, connID, *parsed.PublisherConnectionID)
	assert.Equal(t, b.PublisherNodeID, parsed.PublisherNodeID)
}

func TestBroadcastMessageNullConnectionID(t *testing.T) {
	parsed, err := ParseBroadcastMessage([]byte(`{
		"topic_name": "test",
		"event_message": [36,0,1,{}],
		"publisher_connection_id": null,
		"publisher_node_id": "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
	}`))
	require.NoError(t, err)
	assert.Nil(t, parsed.PublisherConnectionID)
}

func TestParseBroadcastMessageRejects(t *testing.T) {
	for name, payload := range map[string]string{
		"not json":        `nope`,
		"missing topic":   `{"event_message":[36,0,1,{}],"publisher_node_id":"x"}`,
		"missing event":   `{"topic_name":"t","publisher_node_id":"x"}`,
		"event not EVENT": `{"topic_name":"t","event_message":[2,1,{}],"publisher_node_id":"x"}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ParseBroadcastMessage([]byte(payload))
			assert.Error(t, err)
		})
	}
}

func TestNewNodeID(t *testing.T) {
	a, b := NewNodeID(), NewNodeID()
	assert.Len(t, a, 32)
	assert.Regexp(t, `^[0-9a-f]{32}$`, a)
	assert.NotEqual(t, a, b)
}
