package cube

import "sync"

// Handle identifies a registry slot. The generation makes handles to a
// reused slot distinguishable from the current occupant. The zero Handle is
// never valid.
type Handle struct {
	index uint32
	gen   uint32
}

func (h Handle) IsZero() bool { return h.gen == 0 }

type registrySlot struct {
	gen      uint32
	listener Listener
}

// Registry tracks live engines so structural changes can be broadcast to
// them. Engines deregister explicitly when their session ends.
type Registry struct {
	mu    sync.Mutex
	slots []registrySlot
	free  []uint32
}

func (r *Registry) Register(l Listener) Handle {
	r.mu.Lock()
	defer r.mu.Unlock()

	if n := len(r.free); n > 0 {
		idx := r.free[n-1]
		r.free = r.free[:n-1]
		s := &r.slots[idx]
		s.gen++
		s.listener = l
		return Handle{index: idx, gen: s.gen}
	}
	r.slots = append(r.slots, registrySlot{gen: 1, listener: l})
	return Handle{index: uint32(len(r.slots) - 1), gen: 1}
}

// Deregister frees the slot. It reports false for stale or unknown handles.
func (r *Registry) Deregister(h Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.validLocked(h) {
		return false
	}
	r.slots[h.index].listener = nil
	r.free = append(r.free, h.index)
	return true
}

func (r *Registry) Lookup(h Handle) (Listener, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.validLocked(h) {
		return nil, false
	}
	return r.slots[h.index].listener, true
}

func (r *Registry) validLocked(h Handle) bool {
	if h.gen == 0 || int(h.index) >= len(r.slots) {
		return false
	}
	s := r.slots[h.index]
	return s.gen == h.gen && s.listener != nil
}

// Len returns the number of live registrations.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.slots) - len(r.free)
}

// Each calls fn for every live registration. fn runs outside the registry
// lock on a snapshot, so it may register or deregister.
func (r *Registry) Each(fn func(Handle, Listener)) {
	type entry struct {
		h Handle
		l Listener
	}
	r.mu.Lock()
	live := make([]entry, 0, len(r.slots))
	for i, s := range r.slots {
		if s.listener != nil {
			live = append(live, entry{h: Handle{index: uint32(i), gen: s.gen}, l: s.listener})
		}
	}
	r.mu.Unlock()

	for _, e := range live {
		fn(e.h, e.l)
	}
}
