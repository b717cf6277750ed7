package identity

import "lxmesh/pkg/transport"

// Store is a recall cache of identities learned from announces, keyed by
// destination hash. It implements transport.Resolver. Capacity is fixed;
// inserting past it evicts the oldest entry.
type Store struct {
    cap     int
    entries map[string]*Identity
    order   []string
}

// NewStore creates a store holding at most capacity identities.
func NewStore(capacity int) *Store {
    if capacity <= 0 {
        capacity = 128
    }
    return &Store{cap: capacity, entries: make(map[string]*Identity, capacity)}
}

// Remember associates a destination hash with an identity, evicting the
// oldest association when full.
func (s *Store) Remember(destinationHash []byte, id *Identity) {
    key := string(destinationHash)
    if _, ok := s.entries[key]; !ok {
        if len(s.order) >= s.cap {
            oldest := s.order[0]
            s.order = s.order[1:]
            delete(s.entries, oldest)
        }
        s.order = append(s.order, key)
    }
    s.entries[key] = id
}

// Recall returns the identity for a destination hash, or nil.
func (s *Store) Recall(destinationHash []byte) transport.Identity {
    id, ok := s.entries[string(destinationHash)]
    if !ok {
        return nil
    }
    return id
}

// Len reports the number of cached identities.
func (s *Store) Len() int { return len(s.entries) }
