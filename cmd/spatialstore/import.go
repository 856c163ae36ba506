package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/spf13/cobra"

	"github.com/nainya/spatialstore/internal/logger"
	"github.com/nainya/spatialstore/pkg/docstore"
)

func runImport(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}
	if batchSize <= 0 {
		return fmt.Errorf("batch-size must be positive, got %d", batchSize)
	}

	log := logger.NewLogger(logger.Config{Level: cfg.Log.Level, Pretty: cfg.Log.Pretty})

	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read %s: %w", args[0], err)
	}
	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return fmt.Errorf("parse %s: %w", args[0], err)
	}

	docs, bound, err := featureDocuments(fc, idProperty, geometryField)
	if err != nil {
		return err
	}

	store, err := docstore.Open(docstore.Options{
		Dir:         cfg.DataDir,
		SyncWrites:  cfg.Store.SyncWrites,
		MaxFileSize: cfg.Store.MaxSegmentSize,
		Logger:      log.StoreLogger(),
	})
	if err != nil {
		return fmt.Errorf("open document store: %w", err)
	}
	defer store.Close()

	written := 0
	for start := 0; start < len(docs); start += batchSize {
		end := start + batchSize
		if end > len(docs) {
			end = len(docs)
		}
		if _, err := store.BulkPut(docs[start:end]); err != nil {
			return fmt.Errorf("write documents %d-%d: %w", start, end-1, err)
		}
		written += end - start
	}

	event := log.Info().
		Str("file", args[0]).
		Int("documents", written).
		Uint64("seq", store.Seq())
	if bound != nil {
		event = event.Floats64("bounds", []float64{bound.Min.X(), bound.Min.Y(), bound.Max.X(), bound.Max.Y()})
	}
	event.Msg("Import complete")

	fmt.Fprintf(cmd.OutOrStdout(), "imported %d documents, update_seq %d\n", written, store.Seq())
	return nil
}

// featureDocuments turns each feature into a document holding its
// properties plus its geometry under geometryField. It also returns the
// bound of every geometry, or nil when no feature has one.
func featureDocuments(fc *geojson.FeatureCollection, idProperty, geometryField string) ([]docstore.Document, *orb.Bound, error) {
	docs := make([]docstore.Document, 0, len(fc.Features))
	seen := make(map[string]int, len(fc.Features))
	var bound *orb.Bound

	for i, f := range fc.Features {
		id := featureID(f, idProperty)
		if id == "" {
			id = fmt.Sprintf("feature-%d", i)
		}
		if prev, dup := seen[id]; dup {
			return nil, nil, fmt.Errorf("features %d and %d share id %q", prev, i, id)
		}
		seen[id] = i

		body := make(map[string]interface{}, len(f.Properties)+1)
		for k, v := range f.Properties {
			body[k] = v
		}
		if f.Geometry != nil {
			body[geometryField] = geojson.NewGeometry(f.Geometry)

			b := f.Geometry.Bound()
			if bound == nil {
				bound = &b
			} else {
				*bound = bound.Union(b)
			}
		}

		raw, err := json.Marshal(body)
		if err != nil {
			return nil, nil, fmt.Errorf("feature %d: %w", i, err)
		}
		docs = append(docs, docstore.Document{ID: id, Body: raw})
	}
	return docs, bound, nil
}

// featureID returns the feature id, falling back to a property
func featureID(f *geojson.Feature, idProperty string) string {
	if id := idString(f.ID); id != "" {
		return id
	}
	if idProperty != "" {
		return idString(f.Properties[idProperty])
	}
	return ""
}

func idString(v interface{}) string {
	switch id := v.(type) {
	case string:
		return id
	case float64:
		return strconv.FormatFloat(id, 'f', -1, 64)
	case int:
		return strconv.Itoa(id)
	default:
		return ""
	}
}
