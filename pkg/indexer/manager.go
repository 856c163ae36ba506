package indexer

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	serrors "github.com/nainya/spatialstore/internal/errors"
	"github.com/nainya/spatialstore/pkg/query"
	"github.com/nainya/spatialstore/pkg/rtree"
	"github.com/nainya/spatialstore/pkg/spatial"
)

// DefaultStaleTimeout bounds how long a non-stale query waits for its index
const DefaultStaleTimeout = 5 * time.Second

// ManagerConfig configures a Manager
type ManagerConfig struct {
	Source        Source
	CheckpointDir string // Empty disables checkpoint loading
	Tree          rtree.Options
	BatchSize     int
	StaleTimeout  time.Duration
	Logger        zerolog.Logger
	Recorder      Recorder
}

// Manager owns the named indexes of a collection. Redefining an index with
// a different signature rebuilds it in the background while the previous
// generation keeps serving; the new index is swapped in once caught up.
type Manager struct {
	cfg ManagerConfig

	mu      sync.Mutex
	indexes map[string]*managed
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// managed is one named index: the serving indexer plus any rebuild in flight
type managed struct {
	current atomic.Pointer[Indexer]
	serving context.CancelFunc
	build   *build
	lastErr error
}

type build struct {
	def     Definition
	cancel  context.CancelFunc
	started time.Time
}

// Info describes the state of one index
type Info struct {
	Name                string `json:"name"`
	Kind                Kind   `json:"kind"`
	Signature           string `json:"signature"`
	UpdateSeq           uint64 `json:"update_seq"`
	Entries             int    `json:"entries"`
	Documents           int    `json:"documents"`
	Height              int    `json:"height"`
	Ready               bool   `json:"ready"`
	Rebuilding          bool   `json:"rebuilding"`
	NormalizationErrors uint64 `json:"normalization_errors"`
	Error               string `json:"error,omitempty"`
}

// NewManager creates a manager with no indexes
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.StaleTimeout <= 0 {
		cfg.StaleTimeout = DefaultStaleTimeout
	}
	if cfg.Recorder == nil {
		cfg.Recorder = nopRecorder{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:     cfg,
		indexes: make(map[string]*managed),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Define creates an index or replaces its definition. Defining the same
// signature again is a no-op. A newer definition cancels an unfinished
// rebuild; its partial work is discarded.
func (m *Manager) Define(def Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	sig := def.Signature()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return serrors.NewUnavailableError(serrors.CodeIndexBuilding, "index manager is closed")
	}

	mi, ok := m.indexes[def.Name]
	if !ok {
		mi = &managed{}
		m.indexes[def.Name] = mi
	}

	if mi.build != nil {
		if mi.build.def.Signature() == sig {
			return nil
		}
		mi.build.cancel()
		m.cfg.Logger.Info().Str("index", def.Name).Msg("Cancelled superseded rebuild")
		mi.build = nil
	} else if cur := mi.current.Load(); cur != nil && cur.Definition().Signature() == sig {
		return nil
	}

	ctx, cancel := context.WithCancel(m.ctx)
	b := &build{def: def, cancel: cancel, started: time.Now()}
	mi.build = b
	mi.lastErr = nil

	m.wg.Add(1)
	go m.runBuild(ctx, mi, b)
	return nil
}

// runBuild catches a fresh index up, swaps it in and then keeps it current
func (m *Manager) runBuild(ctx context.Context, mi *managed, b *build) {
	defer m.wg.Done()

	logger := m.cfg.Logger.With().Str("index", b.def.Name).Logger()
	ix := m.newIndexer(b.def, logger)

	logger.Info().
		Str("signature", b.def.Signature()).
		Uint64("from_seq", ix.Index().UpdateSeq()).
		Msg("Index build started")

	processed, err := ix.CatchUp(ctx)
	if err != nil {
		if ctx.Err() != nil {
			logger.Info().Int("processed", processed).Msg("Index build cancelled")
			return
		}
		logger.Error().Err(err).Msg("Index build failed")
		m.mu.Lock()
		if mi.build == b {
			mi.build = nil
			mi.lastErr = err
		}
		m.mu.Unlock()
		return
	}

	m.mu.Lock()
	if mi.build != b {
		m.mu.Unlock()
		return
	}
	mi.build = nil
	if mi.serving != nil {
		mi.serving()
	}
	serveCtx, serve := context.WithCancel(m.ctx)
	mi.serving = serve
	mi.current.Store(ix)
	m.mu.Unlock()
	b.cancel()

	elapsed := time.Since(b.started)
	m.cfg.Recorder.ObserveRebuild(b.def.Name, elapsed)
	logger.Info().
		Int("processed", processed).
		Uint64("update_seq", ix.Index().UpdateSeq()).
		Int("entries", ix.Index().Snapshot().Len()).
		Dur("duration", elapsed).
		Msg("Index build completed")

	if m.cfg.CheckpointDir != "" {
		if err := spatial.RemoveCheckpoints(m.cfg.CheckpointDir, b.def.Name, b.def.Signature()); err != nil {
			logger.Warn().Err(err).Msg("Failed to remove stale checkpoints")
		}
	}

	if err := ix.Run(serveCtx); err != nil && serveCtx.Err() == nil {
		logger.Error().Err(err).Msg("Indexer stopped")
	}
}

// newIndexer starts from a matching checkpoint when one exists
func (m *Manager) newIndexer(def Definition, logger zerolog.Logger) *Indexer {
	opts := spatial.Options{
		Name:      def.Name,
		Signature: def.Signature(),
		Tree:      m.cfg.Tree,
		Logger:    &logger,
	}

	var idx *spatial.Index
	if m.cfg.CheckpointDir != "" {
		restored, found, err := spatial.LoadIndex(m.cfg.CheckpointDir, opts)
		switch {
		case err != nil:
			logger.Warn().Err(err).Msg("Ignoring unreadable checkpoint")
		case found && restored.UpdateSeq() > m.cfg.Source.Seq():
			logger.Warn().
				Uint64("checkpoint_seq", restored.UpdateSeq()).
				Uint64("store_seq", m.cfg.Source.Seq()).
				Msg("Ignoring checkpoint ahead of the change log")
		case found:
			logger.Info().Uint64("update_seq", restored.UpdateSeq()).Msg("Restored index from checkpoint")
			idx = restored
		}
	}
	if idx == nil {
		idx = spatial.NewIndex(opts)
	}

	return New(def, def.Emitter(), idx, m.cfg.Source, Config{
		BatchSize: m.cfg.BatchSize,
		Logger:    m.cfg.Logger,
		Recorder:  m.cfg.Recorder,
	})
}

// Drop stops and forgets an index and deletes its checkpoints
func (m *Manager) Drop(name string) error {
	m.mu.Lock()
	mi, ok := m.indexes[name]
	if !ok {
		m.mu.Unlock()
		return notFound(name)
	}
	delete(m.indexes, name)
	if mi.build != nil {
		mi.build.cancel()
		mi.build = nil
	}
	if mi.serving != nil {
		mi.serving()
	}
	m.mu.Unlock()

	m.cfg.Logger.Info().Str("index", name).Msg("Index dropped")
	if m.cfg.CheckpointDir != "" {
		return spatial.RemoveCheckpoints(m.cfg.CheckpointDir, name, "")
	}
	return nil
}

// Get returns the serving indexer of an index
func (m *Manager) Get(name string) (*Indexer, error) {
	m.mu.Lock()
	mi, ok := m.indexes[name]
	var lastErr error
	if ok {
		lastErr = mi.lastErr
	}
	m.mu.Unlock()

	if !ok {
		return nil, notFound(name)
	}
	ix := mi.current.Load()
	if ix == nil {
		if lastErr != nil {
			return nil, lastErr
		}
		return nil, serrors.NewUnavailableError(serrors.CodeIndexBuilding,
			fmt.Sprintf("index %s has not finished its initial build", name))
	}
	return ix, nil
}

// Snapshot returns a snapshot to answer a query from. Unless stale reads
// are accepted it first waits for the index to reach the collection's
// current sequence.
func (m *Manager) Snapshot(ctx context.Context, name string, stale query.StaleMode) (*spatial.Snapshot, error) {
	ix, err := m.Get(name)
	if err != nil {
		return nil, err
	}
	if err := ix.Index().Err(); err != nil {
		return nil, err
	}

	if !stale.AcceptsStale() {
		target := m.cfg.Source.Seq()
		if err := ix.WaitForSeq(ctx, target, m.cfg.StaleTimeout); err != nil {
			return nil, err
		}
	}
	return ix.Index().Snapshot(), nil
}

// Names returns the defined index names in order
func (m *Manager) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	names := make([]string, 0, len(m.indexes))
	for name := range m.indexes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Info reports the state of an index
func (m *Manager) Info(name string) (Info, error) {
	m.mu.Lock()
	mi, ok := m.indexes[name]
	var rebuilding bool
	var pending Definition
	var lastErr error
	if ok {
		rebuilding = mi.build != nil
		if rebuilding {
			pending = mi.build.def
		}
		lastErr = mi.lastErr
	}
	m.mu.Unlock()

	if !ok {
		return Info{}, notFound(name)
	}

	info := Info{Name: name, Rebuilding: rebuilding}
	ix := mi.current.Load()
	if ix == nil {
		info.Kind = pending.Kind
		info.Signature = pending.Signature()
	} else {
		snap := ix.Index().Snapshot()
		info.Kind = ix.Definition().Kind
		info.Signature = snap.Signature()
		info.UpdateSeq = snap.UpdateSeq()
		info.Entries = snap.Len()
		info.Documents = snap.Documents()
		info.Height = snap.Height()
		info.Ready = true
		info.NormalizationErrors = ix.NormalizationErrors()
		if err := ix.Index().Err(); err != nil {
			lastErr = err
		}
	}
	if lastErr != nil {
		info.Error = lastErr.Error()
	}
	return info, nil
}

// Ready reports whether every defined index has completed a build
func (m *Manager) Ready() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, mi := range m.indexes {
		if mi.current.Load() == nil {
			return false
		}
	}
	return true
}

// WaitReady blocks until every index defined so far has completed a build
func (m *Manager) WaitReady(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for !m.Ready() {
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Indexers returns the serving indexers
func (m *Manager) Indexers() []*Indexer {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Indexer, 0, len(m.indexes))
	for _, mi := range m.indexes {
		if ix := mi.current.Load(); ix != nil {
			out = append(out, ix)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Definition().Name < out[j].Definition().Name })
	return out
}

// Close stops every build and indexer and waits for them to exit
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()
}

func notFound(name string) error {
	return serrors.NewNotFoundError(serrors.CodeIndexNotFound, fmt.Sprintf("no spatial index named %s", name))
}
