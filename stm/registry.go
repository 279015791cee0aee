package stm

import (
	"encoding/json"
	"sync"
)

// ResolveFunc computes the value stored when a write loses a version race.
type ResolveFunc func(current json.RawMessage) json.RawMessage

// CleanFunc inspects one entry during Region.Clean. It returns the replacement value and
// whether the entry changed.
type CleanFunc func(key string, value json.RawMessage) (json.RawMessage, bool)

var (
	registryMu sync.RWMutex
	resolvers  = map[string]ResolveFunc{}
	cleaners   = map[string]func(arg string) CleanFunc{}
)

// RegisterResolver makes fn available to writes under name. Every process of the fleet
// must register the same resolvers, usually from an init function.
func RegisterResolver(name string, fn ResolveFunc) {
	registryMu.Lock()
	defer registryMu.Unlock()
	resolvers[name] = fn
}

// RegisterCleaner makes a clean predicate factory available under name.
func RegisterCleaner(name string, factory func(arg string) CleanFunc) {
	registryMu.Lock()
	defer registryMu.Unlock()
	cleaners[name] = factory
}

// LookupResolver returns the resolver registered under name.
func LookupResolver(name string) (ResolveFunc, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	fn, ok := resolvers[name]
	return fn, ok
}

// LookupCleaner builds the predicate referenced by c.
func LookupCleaner(c *Cleaner) (CleanFunc, bool) {
	registryMu.RLock()
	factory, ok := cleaners[c.Name]
	registryMu.RUnlock()
	if !ok {
		return nil, false
	}
	return factory(c.Arg), true
}
