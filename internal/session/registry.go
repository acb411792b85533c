package session

import "sync"

// Registry is the process-wide map of live connections, keyed by session
// ID. Processors read it concurrently; the transport writes on open and
// close.
type Registry struct {
	mu    sync.RWMutex
	conns map[int64]*Connection
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[int64]*Connection)}
}

// Add registers a connection under its session ID.
func (r *Registry) Add(c *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[c.ID] = c
}

// Remove deregisters a connection. Removal is idempotent; the removed
// connection (or nil) is returned.
func (r *Registry) Remove(id int64) *Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.conns[id]
	delete(r.conns, id)
	return c
}

// Get returns the connection with the given session ID.
func (r *Registry) Get(id int64) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	return c, ok
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// FilterBy scans the registry for connections whose authorization detail
// under the given attribute equals value.
func (r *Registry) FilterBy(attribute string, value any) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Connection
	for _, c := range r.conns {
		if v, ok := c.Detail(attribute); ok && v == value {
			out = append(out, c)
		}
	}
	return out
}

// Range calls fn for each live connection until fn returns false.
func (r *Registry) Range(fn func(c *Connection) bool) {
	r.mu.RLock()
	snapshot := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		snapshot = append(snapshot, c)
	}
	r.mu.RUnlock()
	for _, c := range snapshot {
		if !fn(c) {
			return
		}
	}
}
