// Package session hosts the server side of the sync protocol: a websocket hub
// that upgrades editor clients, binds them to per-document engines, and relays
// changes between collaborators.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/twodo-sync-engine/internal/buffer"
	"github.com/example/twodo-sync-engine/internal/changelog"
	"github.com/example/twodo-sync-engine/internal/document"
	"github.com/example/twodo-sync-engine/internal/reconcile"
	"github.com/example/twodo-sync-engine/internal/snapshot"
	"github.com/example/twodo-sync-engine/internal/types"
)

// Engine bundles everything the hub needs to serve one document: the change
// log over its workspace, the reconciler for inbound peer traffic, and the
// persister that debounces buffer writes.
type Engine struct {
	Doc        types.DocumentID
	Log        *changelog.Log
	Reconciler *reconcile.Reconciler
	Persister  *buffer.Persister

	refs int
}

// ManagerConfig tunes the engines a Manager builds.
type ManagerConfig struct {
	UndoCapacity   int
	RedoCapacity   int
	SnapshotEvery  int
	SnapshotRetain int
	BufferDebounce time.Duration
}

// Manager lazily builds and reference-counts one Engine per document. The
// last release flushes the buffer and drops the engine.
type Manager struct {
	store    buffer.DurableStore
	archiver *snapshot.Archiver
	cfg      ManagerConfig
	logger   zerolog.Logger

	mu      sync.Mutex
	engines map[types.DocumentID]*Engine
	peerFor func(types.DocumentID) changelog.PeerChannel
}

// SetPeerFactory installs a constructor for the peer channel each new engine
// broadcasts its own records on. Must be set before the first Acquire.
func (m *Manager) SetPeerFactory(f func(types.DocumentID) changelog.PeerChannel) {
	m.peerFor = f
}

// NewManager constructs a Manager. The archiver may be nil when object
// storage is not configured.
func NewManager(store buffer.DurableStore, archiver *snapshot.Archiver, cfg ManagerConfig, logger zerolog.Logger) *Manager {
	if cfg.SnapshotRetain <= 0 {
		cfg.SnapshotRetain = snapshot.DefaultRetain
	}
	if cfg.BufferDebounce <= 0 {
		cfg.BufferDebounce = buffer.DefaultDebounce
	}
	return &Manager{
		store:    store,
		archiver: archiver,
		cfg:      cfg,
		logger:   logger,
		engines:  make(map[types.DocumentID]*Engine),
	}
}

// Acquire returns the engine for the document, creating it on first use. The
// persisted buffer, when present, restores the stacks and snapshots.
func (m *Manager) Acquire(ctx context.Context, doc types.DocumentID) (*Engine, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if eng, ok := m.engines[doc]; ok {
		eng.refs++
		return eng, nil
	}

	ws := &document.Workspace{}
	snaps := snapshot.NewStore(m.cfg.SnapshotRetain)
	persister := buffer.NewPersister(m.store, m.cfg.BufferDebounce, m.logger)
	opts := changelog.Options{
		UndoCapacity:  m.cfg.UndoCapacity,
		RedoCapacity:  m.cfg.RedoCapacity,
		SnapshotEvery: m.cfg.SnapshotEvery,
		Snapshots:     snaps,
		Flusher:       persister,
		Logger:        m.logger,
	}
	if m.peerFor != nil {
		opts.Peer = m.peerFor(doc)
	}
	log := changelog.New(doc, ws, opts)
	if err := persister.Load(ctx, doc, log); err != nil {
		return nil, err
	}

	eng := &Engine{
		Doc:        doc,
		Log:        log,
		Reconciler: reconcile.New(log, m.logger),
		Persister:  persister,
		refs:       1,
	}
	m.engines[doc] = eng
	if m.archiver != nil {
		m.archiver.Track(doc, snaps)
	}
	hostedEngines.Set(float64(len(m.engines)))
	m.logger.Info().Str("document", string(doc)).Msg("document engine started")
	return eng, nil
}

// Release drops one reference. When the last client leaves, the buffer is
// flushed and the engine is torn down.
func (m *Manager) Release(ctx context.Context, doc types.DocumentID) {
	m.mu.Lock()
	eng, ok := m.engines[doc]
	if ok {
		eng.refs--
		if eng.refs <= 0 {
			delete(m.engines, doc)
		} else {
			eng = nil
		}
	}
	hostedEngines.Set(float64(len(m.engines)))
	m.mu.Unlock()

	if eng == nil || !ok {
		return
	}
	if m.archiver != nil {
		m.archiver.Untrack(doc)
	}
	if err := eng.Persister.Flush(ctx); err != nil {
		m.logger.Warn().Err(err).Str("document", string(doc)).Msg("final buffer flush failed")
	}
	m.logger.Info().Str("document", string(doc)).Msg("document engine stopped")
}

// SnapshotsFor resolves the live snapshot store of a hosted document.
func (m *Manager) SnapshotsFor(doc types.DocumentID) (*snapshot.Store, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	eng, ok := m.engines[doc]
	if !ok {
		return nil, false
	}
	return eng.Log.Snapshots(), true
}

// Peek returns the live engine for a document without acquiring a reference.
func (m *Manager) Peek(doc types.DocumentID) (*Engine, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	eng, ok := m.engines[doc]
	return eng, ok
}

// Shutdown flushes every hosted engine's buffer. Used on graceful exit.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	engines := make([]*Engine, 0, len(m.engines))
	for _, eng := range m.engines {
		engines = append(engines, eng)
	}
	m.mu.Unlock()

	for _, eng := range engines {
		if err := eng.Persister.Flush(ctx); err != nil {
			m.logger.Warn().Err(err).Str("document", string(eng.Doc)).Msg("shutdown flush failed")
		}
	}
}
