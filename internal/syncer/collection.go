package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/alexjbarnes/reader-sync/internal/domain"
	"github.com/alexjbarnes/reader-sync/internal/merge"
)

// localStore is the slice of the store surface one collection needs.
// *store.Store[E] satisfies it; tests substitute fakes.
type localStore[E domain.Entity] interface {
	Get() []E
	SetAll([]E) error
	Subscribe(fn func(prev, next []E)) func()
	Hydrated() bool
	HydratedChan() <-chan struct{}
	RawPersisted() ([]E, error)
}

// collectionOpts selects the sync behavior for a domain.
type collectionOpts struct {
	// diffed domains push minimal upsert/delete mutations; the rest
	// replace the remote collection wholesale.
	diffed bool

	// immediateOnGrow bypasses debouncing when the collection grew, so
	// an addition survives an immediate crash.
	immediateOnGrow bool

	// guarded enables the empty-remote rejection latch: until the
	// initial reconciliation is confirmed, an empty remote snapshot
	// must not wipe non-empty local data.
	guarded bool
}

// collection runs the sync pipeline for one domain. The manager
// orchestrates startup phases across collections; each collection owns
// its synced-version index, pending snapshot, debounce timer, and echo
// bookkeeping.
type collection[E domain.Entity] struct {
	dom    domain.Domain
	store  localStore[E]
	marker func(E) string
	opts   collectionOpts

	m *Manager

	mu           sync.Mutex
	index        map[string]string
	pending      []E
	pendingValid bool
	lastLocalMod time.Time
	reconciledOK bool
	debounce     *time.Timer
	remoteSnap   []E

	// ctx is the manager's run context, captured at attach time so
	// debounce timer callbacks have a context for remote writes.
	ctx context.Context

	unsubLocal  func()
	unsubRemote func()

	// flushMu serializes flushes so a debounce firing during an
	// immediate push cannot interleave commits.
	flushMu sync.Mutex
}

func newCollection[E domain.Entity](m *Manager, dom domain.Domain, st localStore[E], marker func(E) string, opts collectionOpts) *collection[E] {
	return &collection[E]{
		dom:    dom,
		store:  st,
		marker: marker,
		opts:   opts,
		m:      m,
		index:  map[string]string{},
	}
}

func (c *collection[E]) domainName() domain.Domain { return c.dom }

func (c *collection[E]) isHydrated() bool { return c.store.Hydrated() }

func (c *collection[E]) hydratedChan() <-chan struct{} { return c.store.HydratedChan() }

// localSnapshot returns the in-memory collection, falling back to the
// raw persisted envelope when memory is empty. The fallback covers the
// hydration race: an unhydrated (or mid-hydration) store must never
// present an empty collection as the user's true local state.
func (c *collection[E]) localSnapshot() []E {
	ents := c.store.Get()
	if len(ents) > 0 {
		return ents
	}

	raw, err := c.store.RawPersisted()
	if err != nil {
		c.m.logger.Warn("raw envelope read failed",
			slog.String("domain", string(c.dom)),
			slog.String("error", err.Error()),
		)

		return ents
	}

	if len(raw) > 0 {
		c.m.logger.Warn("in-memory store empty but envelope is not, using persisted entries",
			slog.String("domain", string(c.dom)),
			slog.Int("persisted", len(raw)),
		)

		return raw
	}

	return ents
}

// migrate copies pre-authentication local data to the remote store.
// Part of the one-time per-user migration; errors abort startup.
func (c *collection[E]) migrate(ctx context.Context) error {
	local := c.localSnapshot()
	if len(local) == 0 {
		return nil
	}

	docs, err := encodeDocs(local)
	if err != nil {
		return err
	}

	if c.opts.diffed {
		return c.m.remote.ApplyMutations(ctx, c.dom, docs, nil)
	}

	return c.m.remote.ReplaceAll(ctx, c.dom, docs)
}

// loadRemote fetches the raw remote snapshot for the merge phase.
func (c *collection[E]) loadRemote(ctx context.Context) error {
	docs, err := c.m.remote.GetAll(ctx, c.dom)
	if err != nil {
		return err
	}

	ents, err := decodeDocs[E](docs)
	if err != nil {
		return fmt.Errorf("decoding remote %s: %w", c.dom, err)
	}

	c.mu.Lock()
	c.remoteSnap = ents
	c.mu.Unlock()

	return nil
}

// mergeLocal merges the remote snapshot with local state and writes the
// result into the local store wholesale. A merge that comes back empty
// despite non-empty local input is treated as a merge bug and the local
// input is substituted.
func (c *collection[E]) mergeLocal() error {
	c.mu.Lock()
	remoteSnap := c.remoteSnap
	c.mu.Unlock()

	local := c.localSnapshot()

	merged := merge.Merge(remoteSnap, local)
	if len(merged) == 0 && len(local) > 0 {
		c.m.logger.Warn("merge produced empty result from non-empty local, keeping local",
			slog.String("domain", string(c.dom)),
			slog.Int("local", len(local)),
		)

		merged = local
	}

	if err := c.store.SetAll(merged); err != nil {
		return fmt.Errorf("writing merged %s: %w", c.dom, err)
	}

	return nil
}

// reconcile pushes the merged state back to the remote store when it
// differs from the raw remote snapshot, then marks the collection
// reconciled. On write failure the reconciled latch stays down and the
// synced-version index is seeded from the remote snapshot, so a later
// successful push still diffs correctly. Failures here are not fatal;
// the next local mutation retries the same delta.
func (c *collection[E]) reconcile(ctx context.Context) {
	merged := c.store.Get()

	c.mu.Lock()
	remoteIndex := IndexFrom(c.remoteSnap, c.marker)
	remoteSnap := c.remoteSnap
	c.mu.Unlock()

	if c.opts.diffed {
		upserts, deletes := Diff(merged, remoteIndex, c.marker)
		if len(upserts) == 0 && len(deletes) == 0 {
			c.confirmSynced(merged)
			return
		}

		docs, err := encodeDocs(upserts)
		if err != nil {
			c.m.logger.Warn("encoding reconcile upserts failed",
				slog.String("domain", string(c.dom)),
				slog.String("error", err.Error()),
			)
			c.setIndex(remoteIndex)

			return
		}

		if err := c.m.remote.ApplyMutations(ctx, c.dom, docs, deletes); err != nil {
			c.m.logger.Warn("initial reconcile write failed",
				slog.String("domain", string(c.dom)),
				slog.String("error", err.Error()),
			)
			c.setIndex(remoteIndex)

			return
		}

		c.confirmSynced(merged)
		c.m.logger.Info("collection reconciled",
			slog.String("domain", string(c.dom)),
			slog.Int("upserts", len(upserts)),
			slog.Int("deletes", len(deletes)),
		)

		return
	}

	if domain.CollectionSignature(merged, c.marker) != domain.CollectionSignature(remoteSnap, c.marker) {
		docs, err := encodeDocs(merged)
		if err != nil {
			c.m.logger.Warn("encoding reconcile docs failed",
				slog.String("domain", string(c.dom)),
				slog.String("error", err.Error()),
			)
			c.setIndex(remoteIndex)

			return
		}

		if err := c.m.remote.ReplaceAll(ctx, c.dom, docs); err != nil {
			c.m.logger.Warn("initial reconcile replace failed",
				slog.String("domain", string(c.dom)),
				slog.String("error", err.Error()),
			)
			c.setIndex(remoteIndex)

			return
		}
	}

	c.confirmSynced(merged)
}

// confirmSynced records that remote now matches snap: the index is
// rebuilt from snap and the reconciled latch raised.
func (c *collection[E]) confirmSynced(snap []E) {
	c.mu.Lock()
	c.index = IndexFrom(snap, c.marker)
	c.reconciledOK = true
	c.mu.Unlock()

	c.m.recordLastSync(c.dom)
}

func (c *collection[E]) setIndex(index map[string]string) {
	c.mu.Lock()
	c.index = index
	c.mu.Unlock()
}

// attach wires the steady-state subscriptions: remote snapshots in,
// local changes out.
func (c *collection[E]) attach(ctx context.Context) {
	c.mu.Lock()
	c.ctx = ctx
	c.mu.Unlock()

	c.unsubRemote = c.m.subs.Subscribe(c.dom, c.onRemoteSnapshot)
	c.unsubLocal = c.store.Subscribe(c.onLocalChange)
}

// onLocalChange handles a store change notification. Gated on initial
// sync completion and the processing-cloud-update flag: a change the
// sync manager itself just applied from a remote snapshot must not be
// re-diffed and pushed straight back out.
func (c *collection[E]) onLocalChange(prev, next []E) {
	if !c.m.initialSyncDone.Load() || c.m.processingCloud.Load() {
		return
	}

	c.mu.Lock()
	c.lastLocalMod = time.Now()
	c.pending = next
	c.pendingValid = true

	immediate := c.opts.immediateOnGrow && len(next) > len(prev)
	if !immediate {
		if c.debounce != nil {
			c.debounce.Stop()
		}

		ctx := c.ctx
		c.debounce = time.AfterFunc(debounceWindow, func() { c.flush(ctx) })
	}
	ctx := c.ctx
	c.mu.Unlock()

	if immediate {
		// Additions push synchronously so a saved word survives an
		// immediate crash.
		c.flush(ctx)
	}
}

// flush pushes the pending snapshot to the remote store. The snapshot
// is re-read at fire time, never the value at schedule time, so a
// mutation landing between scheduling and firing is not dropped. On
// failure the index stays stale and the next pass retries the same
// delta; the index only advances on confirmed success.
func (c *collection[E]) flush(ctx context.Context) {
	if ctx == nil || ctx.Err() != nil {
		return
	}

	c.flushMu.Lock()
	defer c.flushMu.Unlock()

	c.mu.Lock()
	snap := c.pending
	useStore := !c.pendingValid
	index := maps.Clone(c.index)
	c.mu.Unlock()

	if useStore {
		snap = c.store.Get()
	}

	if c.opts.diffed {
		if len(snap) == 0 && len(index) > 0 {
			c.m.logger.Warn("local snapshot empty with non-empty synced index, skipping deletes",
				slog.String("domain", string(c.dom)),
				slog.Int("indexed", len(index)),
			)
		}

		upserts, deletes := Diff(snap, index, c.marker)
		if len(upserts) == 0 && len(deletes) == 0 {
			return
		}

		docs, err := encodeDocs(upserts)
		if err != nil {
			c.m.logger.Warn("encoding upserts failed",
				slog.String("domain", string(c.dom)),
				slog.String("error", err.Error()),
			)

			return
		}

		if err := c.m.remote.ApplyMutations(ctx, c.dom, docs, deletes); err != nil {
			c.m.logger.Warn("push failed, will retry on next change",
				slog.String("domain", string(c.dom)),
				slog.String("error", err.Error()),
			)

			return
		}

		c.confirmSyncedSnapshot(snap)
		c.m.logger.Info("local changes pushed",
			slog.String("domain", string(c.dom)),
			slog.Int("upserts", len(upserts)),
			slog.Int("deletes", len(deletes)),
		)

		return
	}

	newIndex := IndexFrom(snap, c.marker)
	if maps.Equal(index, newIndex) {
		return
	}

	docs, err := encodeDocs(snap)
	if err != nil {
		c.m.logger.Warn("encoding snapshot failed",
			slog.String("domain", string(c.dom)),
			slog.String("error", err.Error()),
		)

		return
	}

	if err := c.m.remote.ReplaceAll(ctx, c.dom, docs); err != nil {
		c.m.logger.Warn("replace failed, will retry on next change",
			slog.String("domain", string(c.dom)),
			slog.String("error", err.Error()),
		)

		return
	}

	c.confirmSyncedSnapshot(snap)
	c.m.logger.Info("local state replaced remotely",
		slog.String("domain", string(c.dom)),
		slog.Int("entities", len(snap)),
	)
}

// confirmSyncedSnapshot advances the index after a confirmed remote
// write without touching the reconciled latch.
func (c *collection[E]) confirmSyncedSnapshot(snap []E) {
	c.mu.Lock()
	c.index = IndexFrom(snap, c.marker)
	c.mu.Unlock()

	c.m.recordLastSync(c.dom)
}

// onRemoteSnapshot applies an incoming full remote snapshot to the
// local store, unless it is a probable echo of this device's own
// recent write or a guarded empty snapshot.
func (c *collection[E]) onRemoteSnapshot(docs []json.RawMessage) {
	ents, err := decodeDocs[E](docs)
	if err != nil {
		c.m.logger.Warn("decoding remote snapshot failed",
			slog.String("domain", string(c.dom)),
			slog.String("error", err.Error()),
		)

		return
	}

	if c.opts.guarded {
		c.mu.Lock()
		reconciled := c.reconciledOK
		c.mu.Unlock()

		if !reconciled && len(ents) == 0 && len(c.store.Get()) > 0 {
			c.m.logger.Warn("rejecting empty remote snapshot before initial reconciliation",
				slog.String("domain", string(c.dom)),
			)

			return
		}
	}

	if !c.m.initialSyncDone.Load() {
		return
	}

	c.mu.Lock()
	sinceLocal := time.Since(c.lastLocalMod)
	c.mu.Unlock()

	if sinceLocal < echoWindow {
		c.m.logger.Debug("discarding probable echo",
			slog.String("domain", string(c.dom)),
			slog.Duration("since_local_mod", sinceLocal),
		)

		return
	}

	if domain.CollectionSignature(ents, c.marker) == domain.CollectionSignature(c.store.Get(), c.marker) {
		return
	}

	// The settle delay keeps the flag up long enough for the store's
	// own change notification to observe it and skip re-pushing a
	// change that originated remotely.
	c.m.processingCloud.Store(true)

	if err := c.store.SetAll(ents); err != nil {
		c.m.logger.Warn("applying remote snapshot failed",
			slog.String("domain", string(c.dom)),
			slog.String("error", err.Error()),
		)
		time.AfterFunc(settleDelay, func() { c.m.processingCloud.Store(false) })

		return
	}

	c.mu.Lock()
	c.index = IndexFrom(ents, c.marker)
	c.mu.Unlock()

	time.AfterFunc(settleDelay, func() { c.m.processingCloud.Store(false) })

	c.m.logger.Info("remote change applied locally",
		slog.String("domain", string(c.dom)),
		slog.Int("entities", len(ents)),
	)
}

// sweep pushes any local edits that landed while the startup sequence
// was still running. Called once, right after initial sync completes.
func (c *collection[E]) sweep(ctx context.Context) {
	snap := c.store.Get()

	c.mu.Lock()
	index := maps.Clone(c.index)
	c.mu.Unlock()

	dirty := false

	if c.opts.diffed {
		upserts, deletes := Diff(snap, index, c.marker)
		dirty = len(upserts) > 0 || len(deletes) > 0
	} else {
		dirty = !maps.Equal(index, IndexFrom(snap, c.marker))
	}

	if !dirty {
		return
	}

	c.mu.Lock()
	c.pending = snap
	c.pendingValid = true

	if c.debounce != nil {
		c.debounce.Stop()
	}

	c.debounce = time.AfterFunc(debounceWindow, func() { c.flush(ctx) })
	c.mu.Unlock()
}

// teardown unsubscribes, clears timers, and resets all per-session
// state. Nothing survives into a subsequent user's session.
func (c *collection[E]) teardown() {
	if c.unsubLocal != nil {
		c.unsubLocal()
		c.unsubLocal = nil
	}

	if c.unsubRemote != nil {
		c.unsubRemote()
		c.unsubRemote = nil
	}

	c.mu.Lock()
	if c.debounce != nil {
		c.debounce.Stop()
		c.debounce = nil
	}

	c.index = map[string]string{}
	c.pending = nil
	c.pendingValid = false
	c.reconciledOK = false
	c.lastLocalMod = time.Time{}
	c.remoteSnap = nil
	c.ctx = nil
	c.mu.Unlock()
}

// tracked returns the number of ids in the synced-version index.
func (c *collection[E]) tracked() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.index)
}

func encodeDocs[E domain.Entity](entities []E) ([]json.RawMessage, error) {
	docs := make([]json.RawMessage, len(entities))

	for i, e := range entities {
		data, err := json.Marshal(e)
		if err != nil {
			return nil, fmt.Errorf("encoding entity %s: %w", e.EntityID(), err)
		}

		docs[i] = data
	}

	return docs, nil
}

func decodeDocs[E domain.Entity](docs []json.RawMessage) ([]E, error) {
	entities := make([]E, 0, len(docs))

	for _, doc := range docs {
		var e E
		if err := json.Unmarshal(doc, &e); err != nil {
			return nil, fmt.Errorf("decoding document: %w", err)
		}

		entities = append(entities, e)
	}

	return entities, nil
}
