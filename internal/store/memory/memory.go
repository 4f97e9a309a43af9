// Package memory implements the relay's primary event store: a map of
// events keyed by ID plus three secondary indices (kind, author,
// tag name/value). All four structures mutate atomically under one
// lock, so no reader ever sees an event in one index but not another.
package memory

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/mira/teltow/pkg/event"
	"github.com/mira/teltow/pkg/storage"
)

// Store is an in-memory, index-backed implementation of storage.Store.
type Store struct {
	mu       sync.RWMutex
	events   map[string]*event.Event
	byKind   map[int]map[string]struct{}
	byAuthor map[string]map[string]struct{}
	byTag    map[string]map[string]struct{} // "name:value" -> ids
}

var (
	_ storage.Store       = (*Store)(nil)
	_ storage.Snapshotter = (*Store)(nil)
)

// New creates a new empty in-memory store.
func New() *Store {
	return &Store{
		events:   make(map[string]*event.Event),
		byKind:   make(map[int]map[string]struct{}),
		byAuthor: make(map[string]map[string]struct{}),
		byTag:    make(map[string]map[string]struct{}),
	}
}

// tagKey builds the tag index key from a tag's first two elements.
// Single-element tags index under "name:".
func tagKey(tag []string) string {
	value := ""
	if len(tag) >= 2 {
		value = tag[1]
	}
	return tag[0] + ":" + value
}

// SaveEvent inserts an event into the primary map and all indices in
// one atomic step. Re-saving an existing ID overwrites.
func (s *Store) SaveEvent(ctx context.Context, evt *event.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.events[evt.ID] = evt

	if s.byKind[evt.Kind] == nil {
		s.byKind[evt.Kind] = make(map[string]struct{})
	}
	s.byKind[evt.Kind][evt.ID] = struct{}{}

	if s.byAuthor[evt.PubKey] == nil {
		s.byAuthor[evt.PubKey] = make(map[string]struct{})
	}
	s.byAuthor[evt.PubKey][evt.ID] = struct{}{}

	for _, tag := range evt.Tags {
		if len(tag) == 0 {
			continue
		}
		key := tagKey(tag)
		if s.byTag[key] == nil {
			s.byTag[key] = make(map[string]struct{})
		}
		s.byTag[key][evt.ID] = struct{}{}
	}

	return nil
}

// DeleteEvent removes an event from the primary map and from every
// index bucket it was added to. Returns whether an event existed.
func (s *Store) DeleteEvent(ctx context.Context, eventID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	evt, exists := s.events[eventID]
	if !exists {
		return false, nil
	}

	delete(s.events, eventID)

	if ids := s.byKind[evt.Kind]; ids != nil {
		delete(ids, eventID)
		if len(ids) == 0 {
			delete(s.byKind, evt.Kind)
		}
	}

	if ids := s.byAuthor[evt.PubKey]; ids != nil {
		delete(ids, eventID)
		if len(ids) == 0 {
			delete(s.byAuthor, evt.PubKey)
		}
	}

	for _, tag := range evt.Tags {
		if len(tag) == 0 {
			continue
		}
		key := tagKey(tag)
		if ids := s.byTag[key]; ids != nil {
			delete(ids, eventID)
			if len(ids) == 0 {
				delete(s.byTag, key)
			}
		}
	}

	return true, nil
}

// GetEvent retrieves a single event by ID.
func (s *Store) GetEvent(ctx context.Context, eventID string) (*event.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	evt, exists := s.events[eventID]
	if !exists {
		return nil, storage.ErrNotFound
	}
	return evt, nil
}

// QueryEvents retrieves events matching the filters. Filters are OR'd
// together and deduplicated by ID; each filter's result arrives sorted
// newest-first with that filter's own limit applied.
func (s *Store) QueryEvents(ctx context.Context, filters []*event.Filter) ([]*event.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []*event.Event
	seen := make(map[string]bool)

	for _, filter := range filters {
		for _, evt := range s.queryFilter(filter) {
			if !seen[evt.ID] {
				results = append(results, evt)
				seen[evt.ID] = true
			}
		}
	}

	return results, nil
}

// queryFilter evaluates one filter against the indices. Each asserted
// set-valued dimension contributes a candidate ID set; the sets are
// intersected, with the first contributor seeding the running result.
// An asserted-but-empty dimension therefore seeds an empty set and
// matches nothing; only a fully absent dimension is unconstrained.
// Callers must hold at least a read lock.
func (s *Store) queryFilter(f *event.Filter) []*event.Event {
	var result map[string]struct{}
	seeded := false

	intersect := func(candidates map[string]struct{}) {
		if !seeded {
			result = candidates
			seeded = true
			return
		}
		narrowed := make(map[string]struct{})
		for id := range result {
			if _, ok := candidates[id]; ok {
				narrowed[id] = struct{}{}
			}
		}
		result = narrowed
	}

	if f.Kinds != nil {
		candidates := make(map[string]struct{})
		for _, kind := range f.Kinds {
			for id := range s.byKind[kind] {
				candidates[id] = struct{}{}
			}
		}
		intersect(candidates)
	}

	if f.Authors != nil {
		candidates := make(map[string]struct{})
		for _, author := range f.Authors {
			for id := range s.byAuthor[author] {
				candidates[id] = struct{}{}
			}
		}
		intersect(candidates)
	}

	for tagName, values := range f.Tags {
		candidates := make(map[string]struct{})
		for _, value := range values {
			for id := range s.byTag[tagName+":"+value] {
				candidates[id] = struct{}{}
			}
		}
		intersect(candidates)
	}

	// No set-valued dimension asserted: candidate set is everything.
	if !seeded {
		result = make(map[string]struct{}, len(s.events))
		for id := range s.events {
			result[id] = struct{}{}
		}
	}

	var events []*event.Event
	for id := range result {
		evt, ok := s.events[id]
		if !ok {
			continue
		}
		// since/until are inclusive bounds on created_at
		if f.Since != nil && evt.CreatedAt < *f.Since {
			continue
		}
		if f.Until != nil && evt.CreatedAt > *f.Until {
			continue
		}
		events = append(events, evt)
	}

	// Newest first. Ties keep whatever order the sort leaves; equal
	// timestamps carry no ordering guarantee.
	sort.Slice(events, func(i, j int) bool {
		return events[i].CreatedAt > events[j].CreatedAt
	})

	// Only a positive limit truncates; zero and negative limits are
	// treated as unset.
	if f.Limit != nil && *f.Limit > 0 && len(events) > *f.Limit {
		events = events[:*f.Limit]
	}

	return events
}

// Count returns the number of stored events.
func (s *Store) Count(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events), nil
}

// Close is a no-op for the in-memory store.
func (s *Store) Close() error {
	return nil
}

// snapshot is the serialized form of the store. The set-valued indices
// flatten to sorted lists and are rebuilt into sets on restore.
type snapshot struct {
	Events   map[string]*event.Event `json:"events"`
	ByKind   map[int][]string        `json:"eventsByKind"`
	ByAuthor map[string][]string     `json:"eventsByAuthor"`
	ByTag    map[string][]string     `json:"eventsByTag"`
}

func flattenIndex[K comparable](index map[K]map[string]struct{}) map[K][]string {
	out := make(map[K][]string, len(index))
	for key, ids := range index {
		list := make([]string, 0, len(ids))
		for id := range ids {
			list = append(list, id)
		}
		sort.Strings(list)
		out[key] = list
	}
	return out
}

func rebuildIndex[K comparable](flat map[K][]string) map[K]map[string]struct{} {
	out := make(map[K]map[string]struct{}, len(flat))
	for key, list := range flat {
		ids := make(map[string]struct{}, len(list))
		for _, id := range list {
			ids[id] = struct{}{}
		}
		out[key] = ids
	}
	return out
}

// Snapshot serializes the full store state. The lock is held only for
// the copy-out; JSON encoding happens outside the critical section so
// snapshotting cannot stall writers for the whole serialization.
func (s *Store) Snapshot() ([]byte, error) {
	s.mu.RLock()
	snap := snapshot{
		Events:   make(map[string]*event.Event, len(s.events)),
		ByKind:   flattenIndex(s.byKind),
		ByAuthor: flattenIndex(s.byAuthor),
		ByTag:    flattenIndex(s.byTag),
	}
	for id, evt := range s.events {
		snap.Events[id] = evt
	}
	s.mu.RUnlock()

	return json.Marshal(&snap)
}

// Restore replaces the store state with a previously taken snapshot.
func (s *Store) Restore(data []byte) error {
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return err
	}

	events := snap.Events
	if events == nil {
		events = make(map[string]*event.Event)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.events = events
	s.byKind = rebuildIndex(snap.ByKind)
	s.byAuthor = rebuildIndex(snap.ByAuthor)
	s.byTag = rebuildIndex(snap.ByTag)

	return nil
}
