package handlecache

import "sync"

// PerTimelineState is embedded into a concrete Timeline to keep every
// HandleInner resolved for it reachable for as long as the timeline is
// alive, and to let shutdown fail out every future Cache miss for it.
// Grounded on the original's PerTimelineState<T>.
type PerTimelineState struct {
	mu       sync.Mutex
	handles  []*HandleInner
	shutDown bool
}

// NewPerTimelineState returns a fresh, not-yet-shut-down state.
func NewPerTimelineState() *PerTimelineState {
	return &PerTimelineState{}
}

// push registers inner as belonging to this timeline. It fails if
// Shutdown has already run, in which case the caller must release
// inner's gate guard and report PerTimelineStateShutDown.
func (s *PerTimelineState) push(inner *HandleInner) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutDown {
		return false
	}
	s.handles = append(s.handles, inner)
	return true
}

// remove drops inner from the registry without affecting shut_down,
// used by Cache.Close to prune entries a departing connection no
// longer needs tracked.
func (s *PerTimelineState) remove(inner *HandleInner) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, h := range s.handles {
		if h == inner {
			s.handles = append(s.handles[:i], s.handles[i+1:]...)
			return
		}
	}
}

// Shutdown ensures Cache.Get will never again return a Handle to this
// timeline, even though already-alive Handles remain usable. After
// this method returns, Cache.Get will never again return a Handle to
// this timeline, even if the tenant manager would still resolve to it.
//
// 1. Atomically take the handles registry (new gets now fail).
// 2. Mark every existing HandleInner shut down; a cache hit on one of
// them is rejected and evicted on its caller's next access.
func (s *PerTimelineState) Shutdown() {
	s.mu.Lock()
	handles := s.handles
	s.handles = nil
	s.shutDown = true
	s.mu.Unlock()

	for _, h := range handles {
		h.shutDown.Store(true)
	}
}
