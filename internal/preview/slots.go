package preview

import (
	"context"
	"sync"
)

// Slots tracks one in-flight render per key. Starting a render for a key
// cancels the one already running there, so the last request wins.
type Slots struct {
	mu     sync.Mutex
	seq    uint64
	active map[string]handle
}

type handle struct {
	id     uint64
	cancel context.CancelFunc
}

func NewSlots() *Slots {
	return &Slots{active: make(map[string]handle)}
}

// Start registers a new render for key. The returned commit reports whether
// the render is still current and releases the slot; a false commit means the
// result must be dropped.
func (s *Slots) Start(parent context.Context, key string) (context.Context, func() bool) {
	ctx, cancel := context.WithCancel(parent)

	s.mu.Lock()
	if prev, ok := s.active[key]; ok {
		prev.cancel()
	}
	s.seq++
	id := s.seq
	s.active[key] = handle{id: id, cancel: cancel}
	s.mu.Unlock()

	commit := func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		cur, ok := s.active[key]
		if !ok || cur.id != id || ctx.Err() != nil {
			cancel()
			return false
		}
		delete(s.active, key)
		cancel()
		return true
	}
	return ctx, commit
}

// CancelAll cancels every in-flight render.
func (s *Slots) CancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, h := range s.active {
		h.cancel()
		delete(s.active, key)
	}
}

// inFlight is the number of renders holding a slot.
func (s *Slots) inFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}
