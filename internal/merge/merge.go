// Package merge reconciles a remote and a local snapshot of the same
// collection into one deduplicated set. Like the reconcile decision
// tree, it is pure: no I/O, no store access, so both the startup path
// and tests can call it freely.
package merge

import "github.com/alexjbarnes/reader-sync/internal/domain"

// Merge combines remote and local entities into a single collection
// keyed by entity id. Remote entries seed the result; a local entry is
// inserted when its id is unknown (purely-local, not yet synced) and
// otherwise wins only when strictly newer by recency. Ties keep the
// remote value. This is last-write-wins at entity granularity; no
// field-level merging is attempted.
//
// Entities without an id (legacy entries from old app versions) get a
// synthesized key so they survive the merge instead of colliding on "".
func Merge[E domain.Entity](remote, local []E) []E {
	byKey := make(map[string]E, len(remote)+len(local))
	order := make([]string, 0, len(remote)+len(local))

	for _, r := range remote {
		k := entityKey(r)
		if _, ok := byKey[k]; !ok {
			order = append(order, k)
		}

		byKey[k] = r
	}

	for _, l := range local {
		k := entityKey(l)

		existing, ok := byKey[k]
		if !ok {
			byKey[k] = l
			order = append(order, k)

			continue
		}

		if l.Recency() > existing.Recency() {
			byKey[k] = l
		}
	}

	out := make([]E, 0, len(order))
	for _, k := range order {
		out = append(out, byKey[k])
	}

	return out
}

func entityKey[E domain.Entity](e E) string {
	if id := e.EntityID(); id != "" {
		return id
	}

	return domain.SynthKey(e.Recency())
}
