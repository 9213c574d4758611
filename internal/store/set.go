package store

import (
	"fmt"

	"github.com/alexjbarnes/reader-sync/internal/domain"
)

// Set bundles the six domain stores the daemon syncs.
type Set struct {
	Vocabulary *Store[domain.Word]
	Bookmarks  *Store[domain.Bookmark]
	History    *Store[domain.HistoryEntry]
	Settings   *Store[domain.SettingsBlob]
	Plan       *Store[domain.PlanProgress]
	Daily      *Store[domain.DailyRecord]
}

// OpenSet creates the stores for dir and hydrates each from its
// persisted envelope.
func OpenSet(dir string) (*Set, error) {
	s := &Set{
		Vocabulary: NewCollection(dir, domain.Vocabulary, domain.WordMarker),
		Bookmarks:  NewCollection(dir, domain.Bookmarks, domain.BookmarkMarker),
		History:    NewCollection(dir, domain.History, domain.HistoryMarker),
		Settings:   NewBlob(dir, domain.Settings, domain.SettingsMarker),
		Plan:       NewCollection(dir, domain.ReadingPlan, domain.PlanMarker),
		Daily:      NewCollection(dir, domain.DailyProgress, domain.DailyMarker),
	}

	for key, r := range s.Reloaders() {
		if err := r.Hydrate(); err != nil {
			return nil, fmt.Errorf("hydrating %s: %w", key, err)
		}
	}

	return s, nil
}

// Reloader is the type-erased surface the state-dir watcher needs.
type Reloader interface {
	Hydrate() error
	Reload() error
}

// Reloaders maps each persisted file name to its store, for the
// state-dir watcher.
func (s *Set) Reloaders() map[string]Reloader {
	return map[string]Reloader{
		domain.Vocabulary.StorageKey() + ".json":    s.Vocabulary,
		domain.Bookmarks.StorageKey() + ".json":     s.Bookmarks,
		domain.History.StorageKey() + ".json":       s.History,
		domain.Settings.StorageKey() + ".json":      s.Settings,
		domain.ReadingPlan.StorageKey() + ".json":   s.Plan,
		domain.DailyProgress.StorageKey() + ".json": s.Daily,
	}
}
