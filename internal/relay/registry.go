package relay

import (
	"sync"
)

// Registry tracks live sessions so they can be torn down together on
// shutdown. Sessions remove themselves once their close sequence is done.
type Registry struct {
	mu   sync.Mutex
	live map[*Session]struct{}
}

func NewRegistry() *Registry {
	return &Registry{live: make(map[*Session]struct{})}
}

// Add tracks s until it dies.
func (r *Registry) Add(s *Session) {
	r.mu.Lock()
	r.live[s] = struct{}{}
	r.mu.Unlock()

	go func() {
		<-s.Done()
		r.mu.Lock()
		delete(r.live, s)
		r.mu.Unlock()
	}()
}

// Len returns the number of tracked sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.live)
}

// KillAll kills every tracked session.
func (r *Registry) KillAll() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.live))
	for s := range r.live {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	for _, s := range sessions {
		s.Kill()
	}
}
