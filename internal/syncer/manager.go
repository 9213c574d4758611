package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alexjbarnes/reader-sync/internal/domain"
	rserrors "github.com/alexjbarnes/reader-sync/internal/errors"
	"github.com/alexjbarnes/reader-sync/internal/state"
	"github.com/alexjbarnes/reader-sync/internal/store"
)

const (
	// hydrationTimeout bounds how long startup waits for the stores to
	// finish hydrating before proceeding with whatever is loaded.
	hydrationTimeout = 3 * time.Second

	// echoWindow is how long after a local modification an incoming
	// remote snapshot is treated as a probable echo of our own write.
	echoWindow = 2 * time.Second

	// settleDelay keeps the processing-cloud-update flag up after a
	// remote snapshot lands, long enough for the resulting store
	// notification to observe it.
	settleDelay = 100 * time.Millisecond

	// debounceWindow batches rapid local edits into one push.
	debounceWindow = 500 * time.Millisecond
)

// Remote is the slice of the collection adapter the manager needs.
type Remote interface {
	GetAll(ctx context.Context, d domain.Domain) ([]json.RawMessage, error)
	ApplyMutations(ctx context.Context, d domain.Domain, upserts []json.RawMessage, deletes []string) error
	ReplaceAll(ctx context.Context, d domain.Domain, docs []json.RawMessage) error
}

// Subscriptions delivers full remote snapshots per domain. The
// returned function unsubscribes.
type Subscriptions interface {
	Subscribe(d domain.Domain, fn func(docs []json.RawMessage)) func()
}

// Phase names the step of the sync lifecycle the manager is in.
type Phase string

const (
	PhaseUnauthenticated Phase = "unauthenticated"
	PhaseHydrationWait   Phase = "hydration_wait"
	PhaseMigrating       Phase = "migrating"
	PhaseInitialLoad     Phase = "initial_load"
	PhaseMerging         Phase = "merging"
	PhaseReconciling     Phase = "reconciling"
	PhaseListening       Phase = "listening"
	PhaseError           Phase = "error"
)

// syncable is the type-erased surface of a collection[E], so the
// manager can drive the six differently-typed pipelines uniformly.
type syncable interface {
	domainName() domain.Domain
	isHydrated() bool
	hydratedChan() <-chan struct{}
	migrate(ctx context.Context) error
	loadRemote(ctx context.Context) error
	mergeLocal() error
	reconcile(ctx context.Context)
	attach(ctx context.Context)
	sweep(ctx context.Context)
	teardown()
	tracked() int
}

// Config wires a Manager.
type Config struct {
	Remote   Remote
	Subs     Subscriptions
	Stores   *store.Set
	State    *state.State // optional, nil disables last-sync bookkeeping
	UserID   string
	StateDir string
	Logger   *slog.Logger
}

// Manager orchestrates the per-domain sync pipelines through the
// startup sequence and into steady-state listening.
type Manager struct {
	remote   Remote
	subs     Subscriptions
	db       *state.State
	userID   string
	stateDir string
	logger   *slog.Logger

	cols []syncable

	setupGuard      atomic.Bool
	initialSyncDone atomic.Bool
	processingCloud atomic.Bool

	statusMu sync.Mutex
	phase    Phase
	syncErr  error
}

// New builds a Manager over the six domain stores.
func New(cfg Config) *Manager {
	m := &Manager{
		remote:   cfg.Remote,
		subs:     cfg.Subs,
		db:       cfg.State,
		userID:   cfg.UserID,
		stateDir: cfg.StateDir,
		logger:   cfg.Logger,
		phase:    PhaseUnauthenticated,
	}

	// Vocabulary is the only domain with the immediate-push and
	// empty-remote-guard behaviors: losing a saved word is the worst
	// failure mode this daemon has.
	m.cols = []syncable{
		newCollection(m, domain.Vocabulary, cfg.Stores.Vocabulary, domain.WordMarker,
			collectionOpts{diffed: true, immediateOnGrow: true, guarded: true}),
		newCollection(m, domain.Bookmarks, cfg.Stores.Bookmarks, domain.BookmarkMarker,
			collectionOpts{diffed: true}),
		newCollection(m, domain.History, cfg.Stores.History, domain.HistoryMarker,
			collectionOpts{}),
		newCollection(m, domain.Settings, cfg.Stores.Settings, domain.SettingsMarker,
			collectionOpts{}),
		newCollection(m, domain.ReadingPlan, cfg.Stores.Plan, domain.PlanMarker,
			collectionOpts{}),
		newCollection(m, domain.DailyProgress, cfg.Stores.Daily, domain.DailyMarker,
			collectionOpts{}),
	}

	return m
}

// Start runs the startup sequence: hydration wait, one-time migration,
// initial remote load, merge, reconcile, then steady-state listening.
// Reentrant calls while a setup is in flight return ErrSetupInProgress.
func (m *Manager) Start(ctx context.Context) error {
	if !m.setupGuard.CompareAndSwap(false, true) {
		return rserrors.ErrSetupInProgress
	}
	defer m.setupGuard.Store(false)

	m.setPhase(PhaseHydrationWait, nil)
	m.waitForHydration(ctx)

	if err := ctx.Err(); err != nil {
		m.setPhase(PhaseError, err)
		return err
	}

	m.setPhase(PhaseMigrating, nil)

	if err := m.migrate(ctx); err != nil {
		m.setPhase(PhaseError, err)
		return fmt.Errorf("migrating local data: %w", err)
	}

	m.setPhase(PhaseInitialLoad, nil)

	g, gctx := errgroup.WithContext(ctx)
	for _, c := range m.cols {
		g.Go(func() error { return c.loadRemote(gctx) })
	}

	if err := g.Wait(); err != nil {
		m.setPhase(PhaseError, err)
		return fmt.Errorf("loading remote collections: %w", err)
	}

	m.setPhase(PhaseMerging, nil)

	for _, c := range m.cols {
		if err := c.mergeLocal(); err != nil {
			m.setPhase(PhaseError, err)
			return err
		}
	}

	m.setPhase(PhaseReconciling, nil)

	for _, c := range m.cols {
		c.reconcile(ctx)
	}

	for _, c := range m.cols {
		c.attach(ctx)
	}

	m.initialSyncDone.Store(true)
	m.setPhase(PhaseListening, nil)
	m.logger.Info("sync listening", slog.String("user", m.userID))

	// Catch local edits that landed while the startup sequence ran.
	for _, c := range m.cols {
		c.sweep(ctx)
	}

	return nil
}

// waitForHydration blocks until every store has hydrated or the shared
// deadline passes. A slow hydration is logged and startup proceeds
// with whatever is loaded; the raw-envelope fallback covers the gap.
func (m *Manager) waitForHydration(ctx context.Context) {
	deadline := time.NewTimer(hydrationTimeout)
	defer deadline.Stop()

	for _, c := range m.cols {
		if c.isHydrated() {
			continue
		}

		select {
		case <-c.hydratedChan():
		case <-deadline.C:
			m.logger.Warn("store hydration timed out, proceeding",
				slog.String("domain", string(c.domainName())),
			)

			return
		case <-ctx.Done():
			return
		}
	}
}

// Close tears down all collections and resets session state. Safe to
// call on sign-out and at shutdown.
func (m *Manager) Close() {
	for _, c := range m.cols {
		c.teardown()
	}

	m.initialSyncDone.Store(false)
	m.processingCloud.Store(false)
	m.setPhase(PhaseUnauthenticated, nil)
}

func (m *Manager) setPhase(p Phase, err error) {
	m.statusMu.Lock()
	m.phase = p
	m.syncErr = err
	m.statusMu.Unlock()
}

// DomainStatus reports one domain's sync bookkeeping.
type DomainStatus struct {
	Domain   domain.Domain `json:"domain"`
	Tracked  int           `json:"tracked"`
	LastSync int64         `json:"lastSync,omitempty"`
}

// Status is a point-in-time snapshot of the manager for inspection.
type Status struct {
	Phase   Phase          `json:"phase"`
	Error   string         `json:"error,omitempty"`
	Domains []DomainStatus `json:"domains"`
}

// Status reports the current lifecycle phase and per-domain counters.
func (m *Manager) Status() Status {
	m.statusMu.Lock()
	st := Status{Phase: m.phase}
	if m.syncErr != nil {
		st.Error = m.syncErr.Error()
	}
	m.statusMu.Unlock()

	for _, c := range m.cols {
		ds := DomainStatus{
			Domain:  c.domainName(),
			Tracked: c.tracked(),
		}

		if m.db != nil {
			ds.LastSync = m.db.LastSync(m.userID, c.domainName())
		}

		st.Domains = append(st.Domains, ds)
	}

	return st
}

// recordLastSync is best effort: a failed write only costs the status
// counters accuracy.
func (m *Manager) recordLastSync(d domain.Domain) {
	if m.db == nil {
		return
	}

	if err := m.db.SetLastSync(m.userID, d, time.Now().Unix()); err != nil {
		m.logger.Warn("recording last sync failed",
			slog.String("domain", string(d)),
			slog.String("error", err.Error()),
		)
	}
}
