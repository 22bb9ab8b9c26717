package repl

import (
	"context"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
)

// registry maps session ids to Sessions for one engine. Creating a Session
// only allocates it and starts a goroutine, so holding mu across creation
// keeps a single Session per id without stalling other ids on a spawn.
type registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
	create   func(id string) *Session
}

func newRegistry(create func(id string) *Session) *registry {
	return &registry{
		sessions: make(map[string]*Session),
		create:   create,
	}
}

// getOrCreate returns the live Session for id, replacing a terminated one.
func (r *registry) getOrCreate(id string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, errEngineClosed
	}
	if s, ok := r.sessions[id]; ok && s.State() != StateTerminated {
		return s, nil
	}
	s := r.create(id)
	r.sessions[id] = s
	return s, nil
}

func (r *registry) remove(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	return s, ok
}

// list returns the sessions sorted by id.
func (r *registry) list() []*Session {
	r.mu.Lock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// closeAll refuses new sessions and terminates every existing one in
// parallel.
func (r *registry) closeAll(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	sessions := r.sessions
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	var g errgroup.Group
	for _, s := range sessions {
		g.Go(func() error {
			return s.Terminate(ctx)
		})
	}
	return g.Wait()
}
