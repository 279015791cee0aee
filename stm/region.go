package stm

import (
	"context"
	"encoding/json"
)

// Item is one versioned entry of a region.
type Item struct {
	Value   json.RawMessage `json:"value"`
	Version uint64          `json:"version"`
}

func (i Item) clone() Item {
	return Item{Value: cloneRaw(i.Value), Version: i.Version}
}

// Change is a notification that a region was modified by another process.
//
// When All is set the notification names no key: several entries changed at once and
// subscribers must re-read whatever they care about.
type Change struct {
	Region string `json:"region"`
	Key    string `json:"key,omitempty"`
	Item   *Item  `json:"item,omitempty"`
	All    bool   `json:"all,omitempty"`
}

// SetOptions tunes a single write.
type SetOptions struct {
	// Notify broadcasts the accepted item to every other process.
	Notify bool
	// Resolver names a registered ResolveFunc applied when versions mismatch.
	Resolver string
}

// Cleaner references a registered clean predicate and its argument. A nil *Cleaner
// passed to Region.Clean wipes the region.
type Cleaner struct {
	Name string `json:"name"`
	Arg  string `json:"arg,omitempty"`
}

// Region is a named table of versioned entries.
//
// Implementations are safe for concurrent use. Values returned by Get and Set are
// copies; mutating them never touches stored state.
type Region interface {
	Name() string
	// Get returns the entry for key. When the key is absent and initial is non-nil the
	// entry is materialized at version 0. It returns nil when the key is absent and no
	// initial value was given.
	Get(ctx context.Context, key string, initial json.RawMessage) (*Item, error)
	// Set writes item if its version matches the stored one, or if the key is absent.
	// A rejected write returns a *ConflictError.
	Set(ctx context.Context, key string, item Item, opts SetOptions) (Item, error)
	// Clean wipes the region when cleaner is nil, otherwise lets the named predicate
	// rewrite entries. It reports whether anything changed.
	Clean(ctx context.Context, cleaner *Cleaner) (bool, error)
	// Notify installs the change handler for this region in the calling process,
	// replacing any previous one.
	Notify(ctx context.Context, fn func(Change)) error
}

// Backend hands out regions by name.
type Backend interface {
	Region(name string) Region
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	out := make(json.RawMessage, len(raw))
	copy(out, raw)
	return out
}
