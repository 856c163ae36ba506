package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nainya/spatialstore/pkg/docstore"
	"github.com/nainya/spatialstore/pkg/geometry"
)

const sampleFeatures = `{
  "type": "FeatureCollection",
  "features": [
    {"type": "Feature", "id": "oakland", "geometry": {"type": "Point", "coordinates": [-122.27, 37.8]}, "properties": {"name": "Oakland"}},
    {"type": "Feature", "id": 7, "geometry": {"type": "LineString", "coordinates": [[10, 10], [20, 5]]}, "properties": {"name": "road"}},
    {"type": "Feature", "geometry": {"type": "Polygon", "coordinates": [[[0, 0], [4, 0], [4, 3], [0, 0]]]}, "properties": {"code": "P1"}},
    {"type": "Feature", "geometry": null, "properties": {"name": "nowhere"}}
  ]
}`

func TestFeatureDocuments(t *testing.T) {
	fc, err := geojson.UnmarshalFeatureCollection([]byte(sampleFeatures))
	require.NoError(t, err)

	docs, bound, err := featureDocuments(fc, "code", "geom")
	require.NoError(t, err)
	require.Len(t, docs, 4)

	ids := []string{docs[0].ID, docs[1].ID, docs[2].ID, docs[3].ID}
	assert.Equal(t, []string{"oakland", "7", "P1", "feature-3"}, ids)

	require.NotNil(t, bound)
	assert.Equal(t, orb.Bound{Min: orb.Point{-122.27, 0}, Max: orb.Point{20, 37.8}}, *bound)

	// The stored geometry normalizes to the same box orb computes
	var body map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(docs[1].Body, &body))
	box, err := geometry.NormalizeJSON(body["geom"])
	require.NoError(t, err)
	assert.Equal(t, geometry.NewBBox(10, 5, 20, 10), box)
	assert.JSONEq(t, `"road"`, string(body["name"]))

	var bare map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(docs[3].Body, &bare))
	_, hasGeom := bare["geom"]
	assert.False(t, hasGeom)
}

func TestFeatureDocumentsRejectsDuplicateIDs(t *testing.T) {
	fc := geojson.NewFeatureCollection()
	for i := 0; i < 2; i++ {
		f := geojson.NewFeature(orb.Point{1, 1})
		f.ID = "same"
		fc.Append(f)
	}
	_, _, err := featureDocuments(fc, "", "geometry")
	assert.Error(t, err)
}

func TestImportCommand(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "features.geojson")
	require.NoError(t, os.WriteFile(file, []byte(sampleFeatures), 0644))

	dataDir = filepath.Join(dir, "data")
	batchSize = 3
	geometryField = "geometry"
	t.Cleanup(func() { dataDir, batchSize = "", 1000 })

	var out bytes.Buffer
	importCmd.SetOut(&out)
	require.NoError(t, runImport(importCmd, []string{file}))
	assert.Contains(t, out.String(), "imported 4 documents")

	store, err := docstore.Open(docstore.Options{Dir: dataDir})
	require.NoError(t, err)
	defer store.Close()

	assert.Equal(t, 4, store.Len())
	assert.Equal(t, uint64(4), store.Seq())
	doc, err := store.Get("oakland")
	require.NoError(t, err)
	raw, ok := doc.Field("geometry.type")
	require.True(t, ok)
	assert.JSONEq(t, `"Point"`, string(raw))
}
