// Package store implements the per-domain local store: an in-memory
// collection backed by the reading app's persisted JSON envelope files,
// with change notifications that observe the previous value alongside
// the new one.
package store

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/alexjbarnes/reader-sync/internal/domain"
)

// Store holds one domain's collection. Collections persist as an array
// under the domain's state field; blob domains (settings) persist the
// single entity as an object instead, matching the app's envelope
// layout exactly.
type Store[E domain.Entity] struct {
	dir    string
	dom    domain.Domain
	marker func(E) string
	blob   bool

	mu       sync.Mutex
	entities []E
	version  int
	hydrated bool

	// hydratedCh closes the first time the store hydrates from disk.
	hydratedCh chan struct{}

	subs    map[int]func(prev, next []E)
	nextSub int
}

// NewCollection creates an unhydrated store for an array-valued domain.
func NewCollection[E domain.Entity](dir string, dom domain.Domain, marker func(E) string) *Store[E] {
	return &Store[E]{
		dir:        dir,
		dom:        dom,
		marker:     marker,
		version:    defaultEnvelopeVersion,
		hydratedCh: make(chan struct{}),
		subs:       make(map[int]func(prev, next []E)),
	}
}

// NewBlob creates an unhydrated store for a single-entity domain. The
// envelope field holds the entity object directly rather than an array.
func NewBlob[E domain.Entity](dir string, dom domain.Domain, marker func(E) string) *Store[E] {
	s := NewCollection(dir, dom, marker)
	s.blob = true

	return s
}

// Domain returns the domain this store holds.
func (s *Store[E]) Domain() domain.Domain { return s.dom }

func (s *Store[E]) path() string {
	return filepath.Join(s.dir, s.dom.StorageKey()+".json")
}

// Hydrate loads the persisted envelope into memory and marks the store
// hydrated. A missing file hydrates to an empty collection. Safe to
// call more than once; only the first successful call closes the
// hydration channel.
func (s *Store[E]) Hydrate() error {
	entities, version, err := s.readPersisted()
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.entities = entities
	s.version = version

	if !s.hydrated {
		s.hydrated = true
		close(s.hydratedCh)
	}
	s.mu.Unlock()

	return nil
}

// Hydrated reports whether the store has loaded its persisted state.
func (s *Store[E]) Hydrated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.hydrated
}

// HydratedChan returns a channel closed once the store has hydrated.
func (s *Store[E]) HydratedChan() <-chan struct{} { return s.hydratedCh }

// Get returns a copy of the current collection.
func (s *Store[E]) Get() []E {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]E, len(s.entities))
	copy(out, s.entities)

	return out
}

// SetAll replaces the collection wholesale, persists the envelope, and
// notifies subscribers when the content actually changed. Notifications
// run synchronously on the caller's goroutine after the value has
// settled, with the previous value captured atomically.
func (s *Store[E]) SetAll(entities []E) error {
	return s.replace(entities, true)
}

// Reload re-reads the persisted envelope and applies it as the current
// value without re-persisting. Used by the state-dir watcher when the
// reading app writes an envelope file.
func (s *Store[E]) Reload() error {
	entities, version, err := s.readPersisted()
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.version = version
	s.mu.Unlock()

	return s.replace(entities, false)
}

func (s *Store[E]) replace(entities []E, persist bool) error {
	s.mu.Lock()

	prev := s.entities
	changed := domain.CollectionSignature(prev, s.marker) != domain.CollectionSignature(entities, s.marker)

	next := make([]E, len(entities))
	copy(next, entities)
	s.entities = next
	version := s.version

	var notify []func(prev, next []E)

	if changed {
		notify = make([]func(prev, next []E), 0, len(s.subs))
		for _, fn := range s.subs {
			notify = append(notify, fn)
		}
	}
	s.mu.Unlock()

	if persist && changed {
		if err := s.persist(next, version); err != nil {
			return err
		}
	}

	for _, fn := range notify {
		fn(prev, next)
	}

	return nil
}

// Subscribe registers a change callback and returns an unsubscribe
// function. The callback fires only when the collection content
// actually changes, with the previous and new values.
func (s *Store[E]) Subscribe(fn func(prev, next []E)) func() {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// RawPersisted reads the envelope file directly, bypassing the
// in-memory value. The sync startup uses this when the in-memory
// collection is empty, so a hydration race never presents an empty
// store as the user's true local state.
func (s *Store[E]) RawPersisted() ([]E, error) {
	entities, _, err := s.readPersisted()
	return entities, err
}

func (s *Store[E]) readPersisted() ([]E, int, error) {
	env, err := readEnvelope(s.path())
	if err != nil {
		return nil, 0, err
	}

	raw, ok := env.State[s.dom.StateField()]
	if !ok || string(raw) == "null" {
		return nil, env.Version, nil
	}

	if s.blob {
		var e E
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, 0, fmt.Errorf("decoding %s blob: %w", s.dom, err)
		}

		return []E{e}, env.Version, nil
	}

	var entities []E
	if err := json.Unmarshal(raw, &entities); err != nil {
		return nil, 0, fmt.Errorf("decoding %s collection: %w", s.dom, err)
	}

	return entities, env.Version, nil
}

func (s *Store[E]) persist(entities []E, version int) error {
	env, err := readEnvelope(s.path())
	if err != nil {
		return err
	}

	env.Version = version

	var raw json.RawMessage

	if s.blob {
		if len(entities) > 0 {
			raw, err = json.Marshal(entities[0])
		} else {
			raw = json.RawMessage("null")
		}
	} else {
		raw, err = json.Marshal(entities)
	}

	if err != nil {
		return fmt.Errorf("encoding %s state: %w", s.dom, err)
	}

	env.State[s.dom.StateField()] = raw

	return writeEnvelope(s.path(), env)
}
