package indexer

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	serrors "github.com/nainya/spatialstore/internal/errors"
	"github.com/nainya/spatialstore/pkg/geometry"
	"github.com/nainya/spatialstore/pkg/query"
	"github.com/nainya/spatialstore/pkg/spatial"
)

// syncBuffer collects log output written from background goroutines
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newTestManager(t *testing.T, cfg ManagerConfig) *Manager {
	t.Helper()
	m := NewManager(cfg)
	t.Cleanup(m.Close)
	return m
}

func waitReady(t *testing.T, m *Manager) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.WaitReady(ctx))
}

func TestManagerServesFreshSnapshots(t *testing.T) {
	s := openStore(t)
	putSequential(t, s)

	m := newTestManager(t, ManagerConfig{Source: s, StaleTimeout: 2 * time.Second})
	require.NoError(t, m.Define(basicIndex))
	waitReady(t, m)

	snap, err := m.Snapshot(context.Background(), "basicIndex", query.StaleFalse)
	require.NoError(t, err)
	assert.Equal(t, 10, snap.Count(world))

	put(t, s, "late", `{"loc":[100,50]}`)
	snap, err = m.Snapshot(context.Background(), "basicIndex", query.StaleFalse)
	require.NoError(t, err)
	assert.Equal(t, uint64(11), snap.UpdateSeq(), "a non-stale read sees the latest write")
	assert.Equal(t, 1, snap.Count(geometry.NewBBox(100, 50, 100, 50)))

	snap, err = m.Snapshot(context.Background(), "basicIndex", query.StaleOK)
	require.NoError(t, err)
	assert.NotNil(t, snap)
}

func TestManagerProvidesQueryEngine(t *testing.T) {
	s := openStore(t)
	putSequential(t, s)

	m := newTestManager(t, ManagerConfig{Source: s})
	require.NoError(t, m.Define(basicIndex))
	waitReady(t, m)

	engine := query.NewEngine(m, nil, zerolog.Nop())
	res, err := engine.Execute(context.Background(), query.NewBuilder("basicIndex").BBox(-18, 17, -14, 21).Build())
	require.NoError(t, err)
	require.Len(t, res.Rows, 3)
	assert.Equal(t, "1", res.Rows[0].ID)
	assert.Equal(t, uint64(10), res.UpdateSeq)

	_, err = engine.Execute(context.Background(), query.NewBuilder("nope").BBox(0, 0, 1, 1).Build())
	assert.True(t, serrors.IsNotFound(err))
}

func TestManagerRedefineRebuildsAndSwaps(t *testing.T) {
	s := openStore(t)
	putSequential(t, s)
	put(t, s, "wrap1", `{"loc":[-30,50]}`)

	m := newTestManager(t, ManagerConfig{Source: s})
	require.NoError(t, m.Define(basicIndex))
	waitReady(t, m)
	require.NoError(t, m.Define(basicIndex), "same signature is a no-op")

	filtered := basicIndex
	filtered.IDPrefix = "wrap"
	require.NoError(t, m.Define(filtered))

	require.Eventually(t, func() bool {
		info, err := m.Info("basicIndex")
		return err == nil && info.Signature == filtered.Signature() && !info.Rebuilding
	}, 5*time.Second, 10*time.Millisecond)

	snap, err := m.Snapshot(context.Background(), "basicIndex", query.StaleOK)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Count(world))
	assert.Equal(t, filtered.Signature(), snap.Signature())
}

func TestManagerUnknownAndDropped(t *testing.T) {
	s := openStore(t)
	m := newTestManager(t, ManagerConfig{Source: s})

	_, err := m.Snapshot(context.Background(), "missing", query.StaleOK)
	assert.True(t, serrors.IsNotFound(err))
	assert.True(t, serrors.IsNotFound(m.Drop("missing")))

	require.NoError(t, m.Define(Definition{Name: "emitNothing", Kind: KindNone}))
	waitReady(t, m)
	assert.Equal(t, []string{"emitNothing"}, m.Names())

	require.NoError(t, m.Drop("emitNothing"))
	_, err = m.Snapshot(context.Background(), "emitNothing", query.StaleOK)
	assert.True(t, serrors.IsNotFound(err))
	assert.Empty(t, m.Names())
}

func TestManagerRejectsInvalidDefinition(t *testing.T) {
	m := newTestManager(t, ManagerConfig{Source: openStore(t)})
	err := m.Define(Definition{Name: "bad", Kind: KindGeoJSON})
	assert.True(t, serrors.IsValidation(err))
	assert.Empty(t, m.Names())
}

func TestManagerInfo(t *testing.T) {
	s := openStore(t)
	putSequential(t, s)
	m := newTestManager(t, ManagerConfig{Source: s})
	require.NoError(t, m.Define(basicIndex))
	waitReady(t, m)

	info, err := m.Info("basicIndex")
	require.NoError(t, err)
	assert.True(t, info.Ready)
	assert.Equal(t, KindPoint, info.Kind)
	assert.Equal(t, uint64(10), info.UpdateSeq)
	assert.Equal(t, 10, info.Entries)
	assert.Equal(t, 10, info.Documents)
	assert.Empty(t, info.Error)
}

func TestCheckpointRoundTrip(t *testing.T) {
	dataDir := t.TempDir()
	cpDir := filepath.Join(dataDir, "indexes")

	s := openStore(t)
	putSequential(t, s)

	m := NewManager(ManagerConfig{Source: s, CheckpointDir: cpDir})
	require.NoError(t, m.Define(basicIndex))
	waitReady(t, m)

	c := NewCheckpointer(m, cpDir, zerolog.Nop())
	n, err := c.Checkpoint()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = c.Checkpoint()
	require.NoError(t, err)
	assert.Zero(t, n, "an unchanged snapshot is not rewritten")
	m.Close()

	_, err = os.Stat(spatial.CheckpointPath(cpDir, "basicIndex", basicIndex.Signature()))
	require.NoError(t, err)

	put(t, s, "late", `{"loc":[100,50]}`)

	logs := &syncBuffer{}
	m2 := newTestManager(t, ManagerConfig{Source: s, CheckpointDir: cpDir, Logger: zerolog.New(logs)})
	require.NoError(t, m2.Define(basicIndex))
	waitReady(t, m2)

	assert.Contains(t, logs.String(), "Restored index from checkpoint")
	snap, err := m2.Snapshot(context.Background(), "basicIndex", query.StaleFalse)
	require.NoError(t, err)
	assert.Equal(t, 11, snap.Count(world))
	assert.Equal(t, uint64(11), snap.UpdateSeq())
}

func TestCheckpointerLoopAndDropCleanup(t *testing.T) {
	cpDir := t.TempDir()
	s := openStore(t)
	putSequential(t, s)

	m := newTestManager(t, ManagerConfig{Source: s, CheckpointDir: cpDir})
	require.NoError(t, m.Define(basicIndex))
	waitReady(t, m)

	c := NewCheckpointer(m, cpDir, zerolog.Nop())
	c.SetInterval(10 * time.Millisecond)
	c.Start()
	path := spatial.CheckpointPath(cpDir, "basicIndex", basicIndex.Signature())
	require.Eventually(t, func() bool {
		_, err := os.Stat(path)
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)
	c.Stop()

	require.NoError(t, m.Drop("basicIndex"))
	files, err := os.ReadDir(cpDir)
	require.NoError(t, err)
	for _, f := range files {
		assert.False(t, strings.HasSuffix(f.Name(), spatial.CheckpointExt), "checkpoint %s survived drop", f.Name())
	}
}

func TestCheckpointAheadOfLogIsIgnored(t *testing.T) {
	cpDir := t.TempDir()

	ahead := openStore(t)
	putSequential(t, ahead)
	m := newTestManager(t, ManagerConfig{Source: ahead, CheckpointDir: cpDir})
	require.NoError(t, m.Define(basicIndex))
	waitReady(t, m)
	_, err := NewCheckpointer(m, cpDir, zerolog.Nop()).Checkpoint()
	require.NoError(t, err)

	behind := openStore(t)
	put(t, behind, "only", `{"loc":[0,0]}`)
	m2 := newTestManager(t, ManagerConfig{Source: behind, CheckpointDir: cpDir})
	require.NoError(t, m2.Define(basicIndex))
	waitReady(t, m2)

	snap, err := m2.Snapshot(context.Background(), "basicIndex", query.StaleFalse)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Len())
}
