// ABOUTME: Index definitions and the built-in emitters that run per document
// ABOUTME: A definition's murmur3 signature decides whether a rebuild is needed

package indexer

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spaolacci/murmur3"

	serrors "github.com/nainya/spatialstore/internal/errors"
	"github.com/nainya/spatialstore/pkg/docstore"
)

// Emission is one geometry emitted for a document. The geometry is raw
// GeoJSON; the maintainer decodes and normalizes it.
type Emission struct {
	Geometry json.RawMessage
	Value    json.RawMessage
}

// Emitter produces the emissions of a document. Returning an error drops
// the document from the index without stopping the indexer.
type Emitter interface {
	Emit(doc docstore.Document) ([]Emission, error)
}

// EmitterFunc adapts a function to the Emitter interface
type EmitterFunc func(doc docstore.Document) ([]Emission, error)

// Emit calls f(doc)
func (f EmitterFunc) Emit(doc docstore.Document) ([]Emission, error) {
	return f(doc)
}

// Kind selects a built-in emitter
type Kind string

const (
	// KindPoint reads a field holding [x, y]
	KindPoint Kind = "point"

	// KindGeoJSON reads a field holding a GeoJSON geometry
	KindGeoJSON Kind = "geojson"

	// KindNone emits nothing for every document
	KindNone Kind = "none"
)

// Definition describes a named spatial index over the collection
type Definition struct {
	Name          string `yaml:"name" json:"name"`
	Kind          Kind   `yaml:"kind" json:"kind"`
	GeometryField string `yaml:"geometry_field" json:"geometry_field,omitempty"`
	ValueField    string `yaml:"value_field" json:"value_field,omitempty"`
	IDPrefix      string `yaml:"id_prefix" json:"id_prefix,omitempty"`
}

// Validate checks that the definition can be built
func (d Definition) Validate() error {
	if d.Name == "" {
		return serrors.NewValidationError(serrors.CodeInvalidDefinition, "index name is required")
	}
	if strings.ContainsAny(d.Name, "./\\ ") || strings.HasPrefix(d.Name, "_") {
		return serrors.NewValidationError(serrors.CodeInvalidDefinition,
			fmt.Sprintf("index name %q must not start with '_' or contain '.', '/', '\\' or spaces", d.Name))
	}
	switch d.Kind {
	case KindPoint, KindGeoJSON:
		if d.GeometryField == "" {
			return serrors.NewValidationError(serrors.CodeInvalidDefinition,
				fmt.Sprintf("index %q: %s emitter needs a geometry_field", d.Name, d.Kind))
		}
	case KindNone:
	default:
		return serrors.NewValidationError(serrors.CodeInvalidDefinition,
			fmt.Sprintf("index %q: unknown kind %q", d.Name, d.Kind))
	}
	return nil
}

// Signature identifies the emitted content of the definition. Two
// definitions with the same signature produce the same entries.
func (d Definition) Signature() string {
	canonical, _ := json.Marshal(struct {
		Kind          Kind   `json:"kind"`
		GeometryField string `json:"geometry_field"`
		ValueField    string `json:"value_field"`
		IDPrefix      string `json:"id_prefix"`
	}{d.Kind, d.GeometryField, d.ValueField, d.IDPrefix})

	h1, h2 := murmur3.Sum128(canonical)
	return fmt.Sprintf("%016x%016x", h1, h2)
}

// Emitter returns the built-in emitter for the definition
func (d Definition) Emitter() Emitter {
	var emit EmitterFunc
	switch d.Kind {
	case KindPoint:
		emit = d.emitPoint
	case KindGeoJSON:
		emit = d.emitGeoJSON
	default:
		return EmitterFunc(func(docstore.Document) ([]Emission, error) { return nil, nil })
	}
	if d.IDPrefix == "" {
		return emit
	}
	return EmitterFunc(func(doc docstore.Document) ([]Emission, error) {
		if !strings.HasPrefix(doc.ID, d.IDPrefix) {
			return nil, nil
		}
		return emit(doc)
	})
}

func (d Definition) emitPoint(doc docstore.Document) ([]Emission, error) {
	raw, ok := doc.Field(d.GeometryField)
	if !ok {
		return nil, nil
	}
	geom, err := json.Marshal(struct {
		Type        string          `json:"type"`
		Coordinates json.RawMessage `json:"coordinates"`
	}{"Point", raw})
	if err != nil {
		return nil, err
	}
	return []Emission{{Geometry: geom, Value: d.value(doc)}}, nil
}

func (d Definition) emitGeoJSON(doc docstore.Document) ([]Emission, error) {
	raw, ok := doc.Field(d.GeometryField)
	if !ok {
		return nil, nil
	}
	return []Emission{{Geometry: raw, Value: d.value(doc)}}, nil
}

func (d Definition) value(doc docstore.Document) json.RawMessage {
	if d.ValueField == "" {
		return nil
	}
	raw, ok := doc.Field(d.ValueField)
	if !ok {
		return nil
	}
	return raw
}
