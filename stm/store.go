package stm

import (
	"encoding/json"
	"sort"
	"sync"
)

// Store holds every region of the fleet in coordinator memory.
//
// Store never returns errors: version mismatches are reported through the accepted flag.
// Values cross the Store boundary as copies.
type Store struct {
	mu      sync.Mutex
	regions map[string]map[string]*Item
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{regions: make(map[string]map[string]*Item)}
}

func (s *Store) region(name string) map[string]*Item {
	r, ok := s.regions[name]
	if !ok {
		r = make(map[string]*Item)
		s.regions[name] = r
	}
	return r
}

// Get returns a copy of the entry. An absent key with a non-nil initial value is
// materialized at version 0.
func (s *Store) Get(region, key string, initial json.RawMessage) (*Item, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.region(region)
	item, ok := r[key]
	if !ok {
		if initial == nil {
			return nil, false
		}
		item = &Item{Value: cloneRaw(initial), Version: 0}
		r[key] = item
	}
	out := item.clone()
	return &out, true
}

// Set applies a compare-and-swap write.
//
// A first write is stored at version 0. Later writes are accepted only when the
// candidate version equals the stored one, and the stored version advances by one. On a
// mismatch, a non-nil resolve rewrites the current value and the write counts as
// accepted. The returned item is the stored entry after the call.
func (s *Store) Set(region, key string, candidate Item, resolve ResolveFunc) (Item, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.region(region)
	item, ok := r[key]
	if !ok {
		item = &Item{Value: cloneRaw(candidate.Value), Version: 0}
		r[key] = item
		return item.clone(), true
	}

	switch {
	case candidate.Version == item.Version:
		item = &Item{Value: cloneRaw(candidate.Value), Version: item.Version + 1}
	case resolve != nil:
		item = &Item{Value: cloneRaw(resolve(cloneRaw(item.Value))), Version: item.Version + 1}
	default:
		return item.clone(), false
	}
	r[key] = item
	return item.clone(), true
}

// Clean wipes region when fn is nil and always reports a change. Otherwise fn
// visits every entry in key order; changed entries take the returned value and a
// version bump.
func (s *Store) Clean(region string, fn CleanFunc) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.regions[region]
	if fn == nil {
		delete(s.regions, region)
		return true
	}
	if !ok {
		return false
	}

	keys := make([]string, 0, len(r))
	for k := range r {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	changed := false
	for _, k := range keys {
		item := r[k]
		next, dirty := fn(k, cloneRaw(item.Value))
		if !dirty {
			continue
		}
		r[k] = &Item{Value: cloneRaw(next), Version: item.Version + 1}
		changed = true
	}
	return changed
}

// Regions lists the names of regions currently held.
func (s *Store) Regions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.regions))
	for name := range s.regions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
