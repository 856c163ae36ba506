// ABOUTME: Single-writer spatial index that publishes immutable snapshots
// ABOUTME: Keeps the R-tree and the per-document entry store in lockstep

package spatial

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	serrors "github.com/nainya/spatialstore/internal/errors"
	"github.com/nainya/spatialstore/pkg/rtree"
)

// Index is the mutable side of a spatial index. All mutation goes through
// Apply, which must only be called by one writer at a time; the mutex makes
// misuse safe but serializes it. Readers use Snapshot and never block.
type Index struct {
	name      string
	signature string

	mu         sync.Mutex
	tree       *rtree.Tree
	docs       map[string][]*Entry
	entryCount int
	nextID     uint64
	updateSeq  uint64
	failed     error

	current atomic.Pointer[Snapshot]
	changed chan struct{}
	chMu    sync.Mutex

	logger zerolog.Logger
}

// Options configures a new index
type Options struct {
	Name      string
	Signature string
	Tree      rtree.Options
	Logger    *zerolog.Logger
}

// NewIndex creates an empty index at update sequence zero
func NewIndex(opts Options) *Index {
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	idx := &Index{
		name:      opts.Name,
		signature: opts.Signature,
		tree:      rtree.New(opts.Tree),
		docs:      make(map[string][]*Entry),
		nextID:    1,
		changed:   make(chan struct{}),
		logger:    logger,
	}
	idx.publish()
	return idx
}

// Name returns the index name
func (idx *Index) Name() string { return idx.name }

// Signature returns the definition signature the index was built for
func (idx *Index) Signature() string { return idx.signature }

// Snapshot returns the latest published snapshot
func (idx *Index) Snapshot() *Snapshot {
	return idx.current.Load()
}

// UpdateSeq returns the sequence number of the latest published snapshot
func (idx *Index) UpdateSeq() uint64 {
	return idx.Snapshot().UpdateSeq()
}

// Err returns the fatal error that stopped the index, if any
func (idx *Index) Err() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.failed
}

// Apply replaces the entries of each document in gens and publishes one new
// snapshot. Generations at or below the current update sequence were already
// applied and are skipped. Readers observe either none or all of a batch.
func (idx *Index) Apply(gens []Generation) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if idx.failed != nil {
		return idx.failed
	}

	applied := 0
	for _, gen := range gens {
		if gen.Seq <= idx.updateSeq {
			continue
		}
		if err := idx.replaceLocked(gen); err != nil {
			return idx.failLocked(err)
		}
		idx.updateSeq = gen.Seq
		applied++
	}

	if applied == 0 {
		return nil
	}
	if idx.tree.Len() != idx.entryCount {
		return idx.failLocked(serrors.NewConsistencyError(fmt.Sprintf(
			"index %s: tree holds %d entries, store holds %d", idx.name, idx.tree.Len(), idx.entryCount)))
	}

	idx.publish()
	return nil
}

// replaceLocked swaps one document's entries. Caller must hold mu.
func (idx *Index) replaceLocked(gen Generation) error {
	for _, old := range idx.docs[gen.DocID] {
		tree, found := idx.tree.Delete(rtree.Item{ID: old.ID, Box: old.Box})
		if !found {
			return serrors.NewConsistencyError(fmt.Sprintf(
				"index %s: entry %d of document %q missing from tree", idx.name, old.ID, gen.DocID))
		}
		idx.tree = tree
		idx.entryCount--
	}
	delete(idx.docs, gen.DocID)

	if len(gen.Emissions) == 0 {
		return nil
	}

	entries := make([]*Entry, 0, len(gen.Emissions))
	for i, em := range gen.Emissions {
		if !em.Box.Valid() {
			return serrors.NewConsistencyError(fmt.Sprintf(
				"index %s: document %q emitted invalid box %v", idx.name, gen.DocID, em.Box))
		}
		e := &Entry{
			ID:      idx.nextID,
			DocID:   gen.DocID,
			Box:     em.Box,
			Value:   em.Value,
			Seq:     gen.Seq,
			Ordinal: i,
		}
		idx.nextID++
		idx.tree = idx.tree.Insert(rtree.Item{ID: e.ID, Box: e.Box, Data: e})
		entries = append(entries, e)
	}
	idx.docs[gen.DocID] = entries
	idx.entryCount += len(entries)
	return nil
}

func (idx *Index) failLocked(err error) error {
	idx.failed = err
	idx.logger.Error().Err(err).Str("index", idx.name).Msg("index stopped after consistency failure")
	return err
}

// publish swaps in a snapshot of the current writer state and wakes waiters.
// Caller must hold mu (or be the constructor).
func (idx *Index) publish() {
	idx.current.Store(&Snapshot{
		name:      idx.name,
		signature: idx.signature,
		tree:      idx.tree,
		updateSeq: idx.updateSeq,
		docs:      len(idx.docs),
		nextID:    idx.nextID,
	})

	idx.chMu.Lock()
	close(idx.changed)
	idx.changed = make(chan struct{})
	idx.chMu.Unlock()
}

func (idx *Index) changedCh() <-chan struct{} {
	idx.chMu.Lock()
	defer idx.chMu.Unlock()
	return idx.changed
}

// Wait blocks until a snapshot with update sequence >= seq is published or
// ctx is done.
func (idx *Index) Wait(ctx context.Context, seq uint64) error {
	for {
		ch := idx.changedCh()
		if idx.Snapshot().UpdateSeq() >= seq {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// DocumentEntries returns the entries currently stored for a document
func (idx *Index) DocumentEntries(docID string) []Entry {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	stored := idx.docs[docID]
	out := make([]Entry, len(stored))
	for i, e := range stored {
		out[i] = *e
	}
	return out
}

// restore replaces the writer state with previously persisted entries
func (idx *Index) restore(entries []*Entry, updateSeq, nextID uint64) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	items := make([]rtree.Item, len(entries))
	idx.docs = make(map[string][]*Entry)
	for i, e := range entries {
		items[i] = rtree.Item{ID: e.ID, Box: e.Box, Data: e}
		idx.docs[e.DocID] = append(idx.docs[e.DocID], e)
		if e.ID >= nextID {
			nextID = e.ID + 1
		}
	}
	for _, docEntries := range idx.docs {
		sort.Slice(docEntries, func(i, j int) bool { return docEntries[i].Ordinal < docEntries[j].Ordinal })
	}

	idx.tree = rtree.Load(idx.tree.Options(), items)
	idx.entryCount = len(entries)
	idx.updateSeq = updateSeq
	idx.nextID = nextID
	idx.publish()
}
