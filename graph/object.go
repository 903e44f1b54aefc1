package graph

import "sync"

// Prop is a property id paired with the value the kernel reported when
// the property was first looked up. The id is stable for the object's
// lifetime; the value is a snapshot, not a live view.
type Prop struct {
	ID    uint32
	Value uint64
}

// propSet caches name lookups per object so repeated commits don't
// re-walk the kernel's property tables.
type propSet struct {
	mu     sync.Mutex
	byName map[string]Prop
}

func (s *propSet) get(name string) (Prop, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.byName[name]
	return p, ok
}

func (s *propSet) put(name string, p Prop) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.byName == nil {
		s.byName = make(map[string]Prop)
	}
	s.byName[name] = p
}
