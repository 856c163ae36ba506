// Package indexer keeps spatial indexes up to date with the document
// collection. Each index has one writer that reads changes in sequence
// order, runs the emitter, normalizes geometries and applies one atomic
// generation per document.
package indexer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	serrors "github.com/nainya/spatialstore/internal/errors"
	"github.com/nainya/spatialstore/pkg/docstore"
	"github.com/nainya/spatialstore/pkg/geometry"
	"github.com/nainya/spatialstore/pkg/spatial"
)

// DefaultBatchSize is the number of changes applied per published snapshot
const DefaultBatchSize = 500

// Source is the change feed an indexer follows
type Source interface {
	ChangesSince(since uint64, limit int) []docstore.Change
	Changed() <-chan struct{}
	Seq() uint64
}

// Recorder receives indexing metrics
type Recorder interface {
	ObserveGenerations(index string, docs int)
	ObserveNormalizationError(index string)
	ObserveIndexState(index string, updateSeq uint64, entries int)
	ObserveRebuild(index string, d time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) ObserveGenerations(string, int) {}
func (nopRecorder) ObserveNormalizationError(string) {}
func (nopRecorder) ObserveIndexState(string, uint64, int) {}
func (nopRecorder) ObserveRebuild(string, time.Duration) {}

// Config tunes an indexer
type Config struct {
	BatchSize int
	Logger    zerolog.Logger
	Recorder  Recorder
}

// Indexer is the single writer of one spatial index
type Indexer struct {
	def       Definition
	emitter   Emitter
	idx       *spatial.Index
	source    Source
	batchSize int
	logger    zerolog.Logger
	recorder  Recorder

	normErrors atomic.Uint64
}

// New creates an indexer that feeds idx from source
func New(def Definition, emitter Emitter, idx *spatial.Index, source Source, cfg Config) *Indexer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Recorder == nil {
		cfg.Recorder = nopRecorder{}
	}
	return &Indexer{
		def:       def,
		emitter:   emitter,
		idx:       idx,
		source:    source,
		batchSize: cfg.BatchSize,
		logger:    cfg.Logger.With().Str("index", def.Name).Logger(),
		recorder:  cfg.Recorder,
	}
}

// Definition returns the definition the indexer runs
func (ix *Indexer) Definition() Definition { return ix.def }

// Index returns the index being maintained
func (ix *Indexer) Index() *spatial.Index { return ix.idx }

// NormalizationErrors returns how many documents were dropped because their
// emitter failed or emitted an invalid geometry
func (ix *Indexer) NormalizationErrors() uint64 { return ix.normErrors.Load() }

// CatchUp applies every change after the index's update sequence and
// returns the number of documents processed. Cancelling ctx stops between
// batches; everything already applied stays applied.
func (ix *Indexer) CatchUp(ctx context.Context) (int, error) {
	processed := 0
	for {
		if err := ctx.Err(); err != nil {
			return processed, err
		}

		changes := ix.source.ChangesSince(ix.idx.UpdateSeq(), ix.batchSize)
		if len(changes) == 0 {
			return processed, nil
		}

		gens := make([]spatial.Generation, len(changes))
		for i, change := range changes {
			gens[i] = ix.generation(change)
		}
		if err := ix.idx.Apply(gens); err != nil {
			return processed, err
		}
		processed += len(changes)

		snap := ix.idx.Snapshot()
		ix.recorder.ObserveGenerations(ix.def.Name, len(changes))
		ix.recorder.ObserveIndexState(ix.def.Name, snap.UpdateSeq(), snap.Len())
		ix.logger.Debug().
			Int("documents", len(changes)).
			Uint64("update_seq", snap.UpdateSeq()).
			Int("entries", snap.Len()).
			Msg("Applied generations")
	}
}

// Run keeps the index current until ctx is done or the index fails
func (ix *Indexer) Run(ctx context.Context) error {
	for {
		changed := ix.source.Changed()
		if _, err := ix.CatchUp(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// WaitForSeq blocks until the index has incorporated seq. A zero timeout
// waits until ctx is done.
func (ix *Indexer) WaitForSeq(ctx context.Context, seq uint64, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	err := ix.idx.Wait(ctx, seq)
	if err == nil {
		return nil
	}
	if failed := ix.idx.Err(); failed != nil {
		return failed
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return serrors.NewUnavailableError(serrors.CodeIndexStale, fmt.Sprintf(
			"index %s is at seq %d, waiting for %d", ix.def.Name, ix.idx.UpdateSeq(), seq))
	}
	return err
}

// generation turns one change into the replacement entries of its document.
// Any failure drops the document rather than stopping the index.
func (ix *Indexer) generation(change docstore.Change) spatial.Generation {
	gen := spatial.Generation{DocID: change.Document.ID, Seq: change.Seq}
	if change.Document.Deleted {
		return gen
	}

	emissions, err := ix.emitter.Emit(change.Document)
	if err != nil {
		ix.dropDocument(change, err)
		return gen
	}

	emitted := make([]spatial.Emitted, 0, len(emissions))
	for _, em := range emissions {
		box, err := geometry.NormalizeJSON(em.Geometry)
		if err != nil {
			ix.dropDocument(change, err)
			return gen
		}
		emitted = append(emitted, spatial.Emitted{Box: box, Value: normalizeValue(em.Value)})
	}
	gen.Emissions = emitted
	return gen
}

func (ix *Indexer) dropDocument(change docstore.Change, err error) {
	ix.normErrors.Add(1)
	ix.recorder.ObserveNormalizationError(ix.def.Name)
	ix.logger.Warn().
		Err(err).
		Str("doc_id", change.Document.ID).
		Uint64("seq", change.Seq).
		Msg("Document dropped from index")
}

func normalizeValue(v json.RawMessage) json.RawMessage {
	if len(v) == 0 {
		return nil
	}
	return v
}
