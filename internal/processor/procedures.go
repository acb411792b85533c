package processor

import (
	"sync"

	"github.com/adred-codev/wampd/internal/broker"
	"github.com/adred-codev/wampd/internal/session"
	"github.com/adred-codev/wampd/internal/wamp"
)

// ProcedureHandler answers one CALL. It returns the reply (usually a
// RESULT) and any broadcasts the call should generate.
type ProcedureHandler func(env *Env, call *wamp.CallMessage, conn *session.Connection) (wamp.Message, []*broker.BroadcastMessage, error)

// ProcedureTable maps procedure URIs to handlers. Handlers can be swapped
// at runtime, which tests rely on.
type ProcedureTable struct {
	mu       sync.RWMutex
	handlers map[string]ProcedureHandler
}

// NewProcedureTable creates a table preloaded with the built-in
// procedures.
func NewProcedureTable() *ProcedureTable {
	t := &ProcedureTable{handlers: make(map[string]ProcedureHandler)}
	t.Register("ping", pingProcedure)
	t.Register("wampd.status", statusProcedure)
	return t
}

// Register installs or replaces a handler.
func (t *ProcedureTable) Register(name string, h ProcedureHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[name] = h
}

// Unregister removes a handler.
func (t *ProcedureTable) Unregister(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.handlers, name)
}

// Get returns the handler registered under name.
func (t *ProcedureTable) Get(name string) (ProcedureHandler, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	h, ok := t.handlers[name]
	return h, ok
}

// Names returns the registered procedure URIs.
func (t *ProcedureTable) Names() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	names := make([]string, 0, len(t.handlers))
	for name := range t.handlers {
		names = append(names, name)
	}
	return names
}

// pingProcedure answers with the call's options echoed as details and a
// fixed response argument.
func pingProcedure(_ *Env, call *wamp.CallMessage, _ *session.Connection) (wamp.Message, []*broker.BroadcastMessage, error) {
	return &wamp.ResultMessage{
		RequestID: call.RequestID,
		Details:   call.Options,
		Args:      []any{"Ping response"},
	}, nil, nil
}

// statusProcedure reports the router's live state: node ID, connection
// count and a per-topic snapshot.
func statusProcedure(env *Env, call *wamp.CallMessage, _ *session.Connection) (wamp.Message, []*broker.BroadcastMessage, error) {
	return &wamp.ResultMessage{
		RequestID: call.RequestID,
		Details:   map[string]any{},
		Kwargs: map[string]any{
			"node_id":     env.Topics.NodeID(),
			"connections": env.Registry.Count(),
			"topics":      env.Topics.Snapshot(),
		},
	}, nil, nil
}
