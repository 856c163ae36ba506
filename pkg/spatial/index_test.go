package spatial

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	serrors "github.com/nainya/spatialstore/internal/errors"
	"github.com/nainya/spatialstore/pkg/geometry"
	"github.com/nainya/spatialstore/pkg/rtree"
)

func point(x, y float64) Emitted {
	return Emitted{Box: geometry.NewBBox(x, y, x, y), Value: json.RawMessage(`"v"`)}
}

func newTestIndex() *Index {
	return NewIndex(Options{
		Name:      "basicIndex",
		Signature: "abc123",
		Tree:      rtree.Options{MinEntries: 2, MaxEntries: 4},
	})
}

func docIDs(snap *Snapshot, box geometry.BBox) []string {
	var ids []string
	snap.Search(box, func(e *Entry) bool {
		ids = append(ids, e.DocID)
		return true
	})
	sort.Strings(ids)
	return ids
}

var world = geometry.NewBBox(-180, -90, 180, 90)

func TestApplyPublishesSnapshot(t *testing.T) {
	idx := newTestIndex()
	empty := idx.Snapshot()
	assert.Equal(t, uint64(0), empty.UpdateSeq())

	require.NoError(t, idx.Apply([]Generation{
		{DocID: "a", Seq: 1, Emissions: []Emitted{point(1, 1)}},
		{DocID: "b", Seq: 2, Emissions: []Emitted{point(2, 2), point(3, 3)}},
	}))

	snap := idx.Snapshot()
	assert.Equal(t, uint64(2), snap.UpdateSeq())
	assert.Equal(t, 3, snap.Len())
	assert.Equal(t, 2, snap.Documents())
	assert.Equal(t, []string{"a", "b", "b"}, docIDs(snap, world))

	// The earlier snapshot is unaffected.
	assert.Equal(t, 0, empty.Len())
}

func TestApplyReplacesDocumentAtomically(t *testing.T) {
	idx := newTestIndex()
	require.NoError(t, idx.Apply([]Generation{
		{DocID: "multi", Seq: 1, Emissions: []Emitted{point(0, 0), point(10, 10), point(20, 20)}},
	}))

	require.NoError(t, idx.Apply([]Generation{
		{DocID: "multi", Seq: 2, Emissions: []Emitted{point(50, 50)}},
	}))
	snap := idx.Snapshot()
	assert.Equal(t, 1, snap.Len())
	assert.Empty(t, docIDs(snap, geometry.NewBBox(-1, -1, 21, 21)))

	entries := idx.DocumentEntries("multi")
	require.Len(t, entries, 1)
	assert.Equal(t, uint64(2), entries[0].Seq)
	assert.Equal(t, 0, entries[0].Ordinal)
}

func TestDeleteRemovesAllEmissions(t *testing.T) {
	idx := newTestIndex()
	require.NoError(t, idx.Apply([]Generation{
		{DocID: "multi", Seq: 1, Emissions: []Emitted{point(0, 0), point(10, 10), point(20, 20)}},
		{DocID: "other", Seq: 2, Emissions: []Emitted{point(5, 5)}},
	}))

	require.NoError(t, idx.Apply([]Generation{{DocID: "multi", Seq: 3}}))

	snap := idx.Snapshot()
	assert.Equal(t, []string{"other"}, docIDs(snap, world))
	assert.Equal(t, uint64(3), snap.UpdateSeq())
	assert.Empty(t, idx.DocumentEntries("multi"))
}

func TestApplyIsIdempotent(t *testing.T) {
	idx := newTestIndex()
	batch := []Generation{
		{DocID: "a", Seq: 1, Emissions: []Emitted{point(1, 1)}},
		{DocID: "b", Seq: 2, Emissions: []Emitted{point(2, 2)}},
	}
	require.NoError(t, idx.Apply(batch))
	before := idx.Snapshot()

	require.NoError(t, idx.Apply(batch))
	after := idx.Snapshot()

	assert.Same(t, before, after, "replaying applied changes must not publish")
	assert.Equal(t, []string{"a", "b"}, docIDs(after, world))
}

func TestUpdateSeqMonotonic(t *testing.T) {
	idx := newTestIndex()
	require.NoError(t, idx.Apply([]Generation{{DocID: "a", Seq: 5, Emissions: []Emitted{point(0, 0)}}}))
	require.NoError(t, idx.Apply([]Generation{{DocID: "b", Seq: 3, Emissions: []Emitted{point(0, 0)}}}))

	assert.Equal(t, uint64(5), idx.UpdateSeq())
	assert.Equal(t, []string{"a"}, docIDs(idx.Snapshot(), world))
}

func TestInvalidEmissionFailsIndex(t *testing.T) {
	idx := newTestIndex()
	err := idx.Apply([]Generation{{DocID: "bad", Seq: 1, Emissions: []Emitted{
		{Box: geometry.NewBBox(5, 0, 1, 0)},
	}}})
	require.Error(t, err)
	assert.True(t, serrors.IsConsistency(err))
	assert.Equal(t, err, idx.Err())

	err = idx.Apply([]Generation{{DocID: "good", Seq: 2, Emissions: []Emitted{point(0, 0)}}})
	assert.True(t, serrors.IsConsistency(err), "a failed index refuses further mutation")
	assert.Equal(t, uint64(0), idx.UpdateSeq())
}

func TestWait(t *testing.T) {
	idx := newTestIndex()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, idx.Wait(ctx, 1), context.DeadlineExceeded)

	var wg sync.WaitGroup
	wg.Add(1)
	var waitErr error
	go func() {
		defer wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		waitErr = idx.Wait(ctx, 2)
	}()

	require.NoError(t, idx.Apply([]Generation{{DocID: "a", Seq: 1}}))
	require.NoError(t, idx.Apply([]Generation{{DocID: "b", Seq: 2, Emissions: []Emitted{point(0, 0)}}}))
	wg.Wait()
	assert.NoError(t, waitErr)

	assert.NoError(t, idx.Wait(context.Background(), 2), "already reached")
}

func TestConcurrentReaders(t *testing.T) {
	idx := newTestIndex()
	done := make(chan struct{})
	var wg sync.WaitGroup

	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
				}
				snap := idx.Snapshot()
				n := 0
				snap.Search(world, func(*Entry) bool { n++; return true })
				if n != snap.Len() || n != snap.Count(world) {
					t.Errorf("snapshot seq %d: search %d, len %d", snap.UpdateSeq(), n, snap.Len())
					return
				}
			}
		}()
	}

	for seq := uint64(1); seq <= 200; seq++ {
		doc := string(rune('a' + seq%7))
		require.NoError(t, idx.Apply([]Generation{{
			DocID:     doc,
			Seq:       seq,
			Emissions: []Emitted{point(float64(seq%90), 0), point(0, float64(seq%45))},
		}}))
	}
	close(done)
	wg.Wait()
}

func TestCheckpointRoundTrip(t *testing.T) {
	dir := t.TempDir()
	idx := newTestIndex()
	require.NoError(t, idx.Apply([]Generation{
		{DocID: "a", Seq: 1, Emissions: []Emitted{point(1, 1)}},
		{DocID: "b", Seq: 2, Emissions: []Emitted{point(2, 2), {Box: geometry.NewBBox(0, 0, 4, 4), Value: json.RawMessage(`{"k":1}`)}}},
		{DocID: "c", Seq: 3},
	}))

	path := CheckpointPath(dir, "basicIndex", "abc123")
	require.NoError(t, WriteCheckpoint(path, idx.Snapshot()))

	restored, found, err := LoadIndex(dir, Options{
		Name:      "basicIndex",
		Signature: "abc123",
		Tree:      rtree.Options{MinEntries: 2, MaxEntries: 4},
	})
	require.NoError(t, err)
	require.True(t, found)

	snap := restored.Snapshot()
	assert.Equal(t, uint64(3), snap.UpdateSeq())
	assert.Equal(t, []string{"a", "b", "b"}, docIDs(snap, world))

	entries := restored.DocumentEntries("b")
	require.Len(t, entries, 2)
	assert.Equal(t, 1, entries[1].Ordinal)
	assert.JSONEq(t, `{"k":1}`, string(entries[1].Value))

	// Restored writers keep going and never reuse entry ids.
	require.NoError(t, restored.Apply([]Generation{{DocID: "b", Seq: 4, Emissions: []Emitted{point(9, 9)}}}))
	got := restored.DocumentEntries("b")
	require.Len(t, got, 1)
	assert.Greater(t, got[0].ID, entries[1].ID)
}

func TestLoadIndexMissingAndMismatched(t *testing.T) {
	dir := t.TempDir()
	_, found, err := LoadIndex(dir, Options{Name: "x", Signature: "s1"})
	require.NoError(t, err)
	assert.False(t, found)

	idx := NewIndex(Options{Name: "x", Signature: "s1"})
	require.NoError(t, WriteCheckpoint(CheckpointPath(dir, "x", "s1"), idx.Snapshot()))

	cp, err := ReadCheckpoint(CheckpointPath(dir, "x", "s1"))
	require.NoError(t, err)
	_, err = RestoreIndex(Options{Name: "x", Signature: "s2"}, cp)
	assert.Error(t, err)
}

func TestCorruptCheckpoint(t *testing.T) {
	dir := t.TempDir()
	idx := newTestIndex()
	require.NoError(t, idx.Apply([]Generation{{DocID: "a", Seq: 1, Emissions: []Emitted{point(1, 1)}}}))
	path := CheckpointPath(dir, "basicIndex", "abc123")
	require.NoError(t, WriteCheckpoint(path, idx.Snapshot()))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[len(data)-1] ^= 0xFF
	require.NoError(t, os.WriteFile(path, data, 0644))

	_, err = ReadCheckpoint(path)
	require.Error(t, err)
	assert.Equal(t, serrors.CodeCorrupted, serrors.GetCode(err))
}

func TestRemoveCheckpoints(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"idx.s1.idx", "idx.s2.idx", "idx.other.s1.idx", "other.s1.idx"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0644))
	}

	require.NoError(t, RemoveCheckpoints(dir, "idx", "s2"))

	var left []string
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		left = append(left, e.Name())
	}
	assert.ElementsMatch(t, []string{"idx.s2.idx", "idx.other.s1.idx", "other.s1.idx"}, left)
}
