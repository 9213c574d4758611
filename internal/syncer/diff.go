package syncer

import "github.com/alexjbarnes/reader-sync/internal/domain"

// Diff computes the minimal mutations needed to bring the remote side
// in line with current, given the index of last-synced version markers.
// An entity is an upsert when its id is missing from the index or its
// live marker differs from the indexed one; an indexed id absent from
// current is a delete.
//
// Safety rule: when current is empty but the index is not, no deletes
// are emitted. An empty snapshot against a non-empty index usually
// means an unflushed store reset or a hydration race, and under-deleting
// is recoverable where wiping the remote collection is not.
func Diff[E domain.Entity](current []E, index map[string]string, marker func(E) string) (upserts []E, deletes []string) {
	if len(current) == 0 && len(index) > 0 {
		return nil, nil
	}

	live := make(map[string]struct{}, len(current))

	for _, e := range current {
		id := e.EntityID()
		live[id] = struct{}{}

		prev, ok := index[id]
		if !ok || prev != marker(e) {
			upserts = append(upserts, e)
		}
	}

	for id := range index {
		if _, ok := live[id]; !ok {
			deletes = append(deletes, id)
		}
	}

	return upserts, deletes
}

// IndexFrom builds a synced-version index from a snapshot, mapping each
// entity id to its current marker. Diff(c, IndexFrom(c, m), m) is
// always empty.
func IndexFrom[E domain.Entity](entities []E, marker func(E) string) map[string]string {
	index := make(map[string]string, len(entities))
	for _, e := range entities {
		index[e.EntityID()] = marker(e)
	}

	return index
}
