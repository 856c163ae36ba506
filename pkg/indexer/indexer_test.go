package indexer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	serrors "github.com/nainya/spatialstore/internal/errors"
	"github.com/nainya/spatialstore/pkg/docstore"
	"github.com/nainya/spatialstore/pkg/geometry"
	"github.com/nainya/spatialstore/pkg/spatial"
)

var world = geometry.NewBBox(-180, -90, 180, 90)

func openStore(t *testing.T) *docstore.Store {
	t.Helper()
	s, err := docstore.Open(docstore.Options{Dir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func put(t *testing.T, s *docstore.Store, id, body string) uint64 {
	t.Helper()
	doc, err := s.Put(id, json.RawMessage(body))
	require.NoError(t, err)
	return doc.Seq
}

// putSequential stores docs "0".."9" with loc (2i-20, 2i+15)
func putSequential(t *testing.T, s *docstore.Store) {
	for i := 0; i < 10; i++ {
		put(t, s, fmt.Sprint(i), fmt.Sprintf(`{"loc":[%d,%d],"n":%d}`, 2*i-20, 2*i+15, i))
	}
}

func newTestIndexer(def Definition, s Source) *Indexer {
	idx := spatial.NewIndex(spatial.Options{Name: def.Name, Signature: def.Signature()})
	return New(def, def.Emitter(), idx, s, Config{BatchSize: 3, Logger: zerolog.Nop()})
}

var basicIndex = Definition{Name: "basicIndex", Kind: KindPoint, GeometryField: "loc", ValueField: "n"}

func TestCatchUpIndexesPoints(t *testing.T) {
	s := openStore(t)
	putSequential(t, s)

	ix := newTestIndexer(basicIndex, s)
	n, err := ix.CatchUp(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 10, n)

	snap := ix.Index().Snapshot()
	assert.Equal(t, uint64(10), snap.UpdateSeq())
	assert.Equal(t, 10, snap.Count(world))
	assert.Equal(t, 3, snap.Count(geometry.NewBBox(-18, 17, -14, 21)))

	entries := ix.Index().DocumentEntries("2")
	require.Len(t, entries, 1)
	assert.Equal(t, geometry.NewBBox(-16, 19, -16, 19), entries[0].Box)
	assert.Equal(t, json.RawMessage("2"), entries[0].Value)
}

func TestCatchUpIsIdempotent(t *testing.T) {
	s := openStore(t)
	putSequential(t, s)

	ix := newTestIndexer(basicIndex, s)
	_, err := ix.CatchUp(context.Background())
	require.NoError(t, err)
	before := ix.Index().Snapshot()

	n, err := ix.CatchUp(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Same(t, before, ix.Index().Snapshot())
}

func TestUpdateReplacesAndDeleteRemoves(t *testing.T) {
	s := openStore(t)
	def := Definition{Name: "geoJsonGeoms", Kind: KindGeoJSON, GeometryField: "geom"}
	ix := newTestIndexer(def, s)

	put(t, s, "multi", `{"geom":{"type":"MultiPoint","coordinates":[[1,1],[2,2],[3,3]]}}`)
	_, err := ix.CatchUp(context.Background())
	require.NoError(t, err)
	assert.Len(t, ix.Index().DocumentEntries("multi"), 1)
	assert.Equal(t, geometry.NewBBox(1, 1, 3, 3), ix.Index().DocumentEntries("multi")[0].Box)

	put(t, s, "multi", `{"geom":{"type":"Point","coordinates":[50,50]}}`)
	_, err = ix.CatchUp(context.Background())
	require.NoError(t, err)
	snap := ix.Index().Snapshot()
	assert.Zero(t, snap.Count(geometry.NewBBox(0, 0, 10, 10)), "old generation must be gone")
	assert.Equal(t, 1, snap.Count(geometry.NewBBox(50, 50, 50, 50)))

	_, err = s.Delete("multi")
	require.NoError(t, err)
	_, err = ix.CatchUp(context.Background())
	require.NoError(t, err)
	assert.Zero(t, ix.Index().Snapshot().Len())
	assert.Empty(t, ix.Index().DocumentEntries("multi"))
	assert.Equal(t, uint64(3), ix.Index().UpdateSeq())
}

func TestMultipleEmissionsAreReplacedTogether(t *testing.T) {
	s := openStore(t)
	emitter := EmitterFunc(func(doc docstore.Document) ([]Emission, error) {
		raw, ok := doc.Field("points")
		if !ok {
			return nil, nil
		}
		var points [][2]float64
		if err := json.Unmarshal(raw, &points); err != nil {
			return nil, err
		}
		out := make([]Emission, len(points))
		for i, p := range points {
			out[i] = Emission{
				Geometry: json.RawMessage(fmt.Sprintf(`{"type":"Point","coordinates":[%g,%g]}`, p[0], p[1])),
				Value:    json.RawMessage(fmt.Sprint(i)),
			}
		}
		return out, nil
	})
	def := Definition{Name: "multi", Kind: KindNone}
	ix := New(def, emitter, spatial.NewIndex(spatial.Options{Name: "multi"}), s, Config{})

	put(t, s, "a", `{"points":[[0,0],[1,1],[2,2]]}`)
	_, err := ix.CatchUp(context.Background())
	require.NoError(t, err)
	entries := ix.Index().DocumentEntries("a")
	require.Len(t, entries, 3)
	for i, e := range entries {
		assert.Equal(t, i, e.Ordinal)
	}

	put(t, s, "a", `{"points":[[5,5]]}`)
	_, err = ix.CatchUp(context.Background())
	require.NoError(t, err)
	assert.Len(t, ix.Index().DocumentEntries("a"), 1)
	assert.Equal(t, 1, ix.Index().Snapshot().Len())
}

func TestInvalidGeometryDropsDocumentOnly(t *testing.T) {
	s := openStore(t)
	def := Definition{Name: "geoJsonGeoms", Kind: KindGeoJSON, GeometryField: "geom"}
	ix := newTestIndexer(def, s)

	put(t, s, "good", `{"geom":{"type":"Point","coordinates":[1,2]}}`)
	put(t, s, "unknown", `{"geom":{"type":"Circle","coordinates":[1,2]}}`)
	put(t, s, "empty", `{"geom":{"type":"LineString","coordinates":[]}}`)
	put(t, s, "missing", `{"other":true}`)
	put(t, s, "garbage", `{"geom":"not geometry"}`)

	_, err := ix.CatchUp(context.Background())
	require.NoError(t, err)

	snap := ix.Index().Snapshot()
	assert.Equal(t, 1, snap.Len())
	assert.Equal(t, uint64(5), snap.UpdateSeq(), "dropped documents still advance the sequence")
	assert.Equal(t, uint64(3), ix.NormalizationErrors(), "a missing field emits nothing and is not an error")
	assert.NoError(t, ix.Index().Err())
}

func TestEmitterErrorDropsDocument(t *testing.T) {
	s := openStore(t)
	emitter := EmitterFunc(func(doc docstore.Document) ([]Emission, error) {
		if doc.ID == "bad" {
			return nil, errors.New("emitter exploded")
		}
		return basicIndex.Emitter().Emit(doc)
	})
	ix := New(basicIndex, emitter, spatial.NewIndex(spatial.Options{Name: "basicIndex"}), s, Config{})

	put(t, s, "bad", `{"loc":[0,0]}`)
	put(t, s, "good", `{"loc":[1,1]}`)
	_, err := ix.CatchUp(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, ix.Index().Snapshot().Len())
	assert.Equal(t, uint64(1), ix.NormalizationErrors())
}

func TestEmitNothingAndPrefixFilter(t *testing.T) {
	s := openStore(t)
	putSequential(t, s)
	put(t, s, "wrap1", `{"loc":[-30,50]}`)
	put(t, s, "wrap2", `{"loc":[-15,50]}`)

	nothing := newTestIndexer(Definition{Name: "emitNothing", Kind: KindNone}, s)
	_, err := nothing.CatchUp(context.Background())
	require.NoError(t, err)
	assert.Zero(t, nothing.Index().Snapshot().Len())
	assert.Equal(t, uint64(12), nothing.Index().UpdateSeq())

	prefixed := newTestIndexer(Definition{Name: "dontEmitAll", Kind: KindPoint, GeometryField: "loc", IDPrefix: "wrap"}, s)
	_, err = prefixed.CatchUp(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, prefixed.Index().Snapshot().Count(world))
}

func TestWaitForSeqTimesOut(t *testing.T) {
	s := openStore(t)
	ix := newTestIndexer(basicIndex, s)
	seq := put(t, s, "a", `{"loc":[0,0]}`)

	err := ix.WaitForSeq(context.Background(), seq, 20*time.Millisecond)
	require.Error(t, err)
	assert.True(t, serrors.IsUnavailable(err))
	assert.Equal(t, serrors.CodeIndexStale, serrors.GetCode(err))
	assert.True(t, serrors.IsRetryable(err))
}

func TestRunFollowsStore(t *testing.T) {
	s := openStore(t)
	ix := newTestIndexer(basicIndex, s)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ix.Run(ctx) }()

	for i := 0; i < 5; i++ {
		seq := put(t, s, fmt.Sprintf("doc%d", i), fmt.Sprintf(`{"loc":[%d,%d]}`, i, i))
		require.NoError(t, ix.WaitForSeq(context.Background(), seq, 2*time.Second))
	}
	assert.Equal(t, 5, ix.Index().Snapshot().Len())

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestDefinitionValidate(t *testing.T) {
	assert.NoError(t, basicIndex.Validate())
	assert.NoError(t, Definition{Name: "emitNothing", Kind: KindNone}.Validate())

	for _, def := range []Definition{
		{Kind: KindNone},
		{Name: "a.b", Kind: KindNone},
		{Name: "_all", Kind: KindNone},
		{Name: "x", Kind: KindPoint},
		{Name: "x", Kind: "circle"},
	} {
		err := def.Validate()
		require.Error(t, err, "%+v", def)
		assert.Equal(t, serrors.CodeInvalidDefinition, serrors.GetCode(err))
	}
}

func TestDefinitionSignature(t *testing.T) {
	sig := basicIndex.Signature()
	assert.Len(t, sig, 32)
	assert.Equal(t, sig, basicIndex.Signature())

	renamed := basicIndex
	renamed.Name = "other"
	assert.Equal(t, sig, renamed.Signature(), "the name does not change what is emitted")

	changed := basicIndex
	changed.GeometryField = "location"
	assert.NotEqual(t, sig, changed.Signature())
}
