// Package correlation bridges agent-initiated requests to decisions supplied
// later by an external caller. Each pending request is held as an explicit
// resolver (a one-shot channel) in a keyed registry until it is resolved
// exactly once or the registry is drained at session end.
package correlation

import "sync"

// Registry maps generated request ids to not-yet-settled resolvers. Req is
// the echoed request payload, Resp the decision type. The zero value is not
// usable; call NewRegistry.
type Registry[Req, Resp any] struct {
	mu       sync.Mutex
	pending  map[string]*entry[Req, Resp]
	resolved map[string]struct{}
}

type entry[Req, Resp any] struct {
	req Req
	ch  chan Resp
}

// NewRegistry creates an empty registry.
func NewRegistry[Req, Resp any]() *Registry[Req, Resp] {
	return &Registry[Req, Resp]{
		pending:  make(map[string]*entry[Req, Resp]),
		resolved: make(map[string]struct{}),
	}
}

// Add registers a pending request under id and returns the channel the
// protocol call site blocks on. The channel receives exactly one value, from
// Resolve or from a Drain fallback.
func (r *Registry[Req, Resp]) Add(id string, req Req) <-chan Resp {
	e := &entry[Req, Resp]{req: req, ch: make(chan Resp, 1)}
	r.mu.Lock()
	r.pending[id] = e
	r.mu.Unlock()
	return e.ch
}

// Get returns the echoed request for a pending id.
func (r *Registry[Req, Resp]) Get(id string) (Req, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.pending[id]
	if !ok {
		var zero Req
		return zero, false
	}
	return e.req, true
}

// Resolve settles the pending request exactly once and removes it. A second
// resolve of the same id reports alreadyResolved=true; an id that was never
// registered reports both false. Either failure leaves every other entry
// untouched.
func (r *Registry[Req, Resp]) Resolve(id string, resp Resp) (ok, alreadyResolved bool) {
	r.mu.Lock()
	e, exists := r.pending[id]
	if !exists {
		_, alreadyResolved = r.resolved[id]
		r.mu.Unlock()
		return false, alreadyResolved
	}
	delete(r.pending, id)
	r.resolved[id] = struct{}{}
	r.mu.Unlock()

	e.ch <- resp
	return true, false
}

// WasResolved reports whether id was registered and has since been settled,
// either by Resolve or by Drain.
func (r *Registry[Req, Resp]) WasResolved(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.resolved[id]
	return ok
}

// Drain force-resolves every outstanding entry with fallback and empties the
// registry, so no protocol call site is left awaiting forever. It returns the
// number of entries resolved.
func (r *Registry[Req, Resp]) Drain(fallback Resp) int {
	r.mu.Lock()
	entries := r.pending
	r.pending = make(map[string]*entry[Req, Resp])
	for id := range entries {
		r.resolved[id] = struct{}{}
	}
	r.mu.Unlock()

	for _, e := range entries {
		e.ch <- fallback
	}
	return len(entries)
}

// Len returns the number of pending entries.
func (r *Registry[Req, Resp]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}
