// ABOUTME: Strict GeoJSON geometry decoding into the closed Geometry type
// ABOUTME: Rejects unknown tags, missing or non-numeric coordinates

package geometry

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"

	serrors "github.com/nainya/spatialstore/internal/errors"
)

// rawGeometry mirrors the GeoJSON geometry object before validation
type rawGeometry struct {
	Type        string            `json:"type"`
	Coordinates json.RawMessage   `json:"coordinates"`
	Geometries  []json.RawMessage `json:"geometries"`
}

// Decode parses a GeoJSON geometry object. Structural problems (unknown type,
// missing or non-numeric coordinates) are reported as geometry errors; empty
// variants decode successfully and are rejected later by Normalize.
func Decode(data []byte) (Geometry, error) {
	var raw rawGeometry
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, serrors.Wrap(serrors.CategoryGeometry, serrors.CodeInvalidGeometry,
			"geometry is not a JSON object", err)
	}

	if raw.Type == TypeGeometryCollection {
		if raw.Geometries == nil {
			return nil, invalid("GeometryCollection without geometries")
		}
		gc := GeometryCollection{Geometries: make([]Geometry, 0, len(raw.Geometries))}
		for i, child := range raw.Geometries {
			g, err := Decode(child)
			if err != nil {
				return nil, fmt.Errorf("geometries[%d]: %w", i, err)
			}
			gc.Geometries = append(gc.Geometries, g)
		}
		return gc, nil
	}

	switch raw.Type {
	case TypePoint, TypeLineString, TypePolygon,
		TypeMultiPoint, TypeMultiLineString, TypeMultiPolygon:
	case "":
		return nil, invalid("geometry without type")
	default:
		return nil, serrors.NewGeometryError(serrors.CodeUnknownType,
			fmt.Sprintf("unknown geometry type %q", raw.Type))
	}

	if isMissing(raw.Coordinates) {
		return nil, invalid(raw.Type + " without coordinates")
	}

	switch raw.Type {
	case TypePoint:
		p, err := decodePosition(raw.Coordinates)
		if err != nil {
			return nil, err
		}
		return Point{Coordinates: p}, nil
	case TypeLineString:
		ps, err := decodePositions(raw.Coordinates)
		if err != nil {
			return nil, err
		}
		return LineString{Coordinates: ps}, nil
	case TypeMultiPoint:
		ps, err := decodePositions(raw.Coordinates)
		if err != nil {
			return nil, err
		}
		return MultiPoint{Points: ps}, nil
	case TypePolygon:
		rings, err := decodeRings(raw.Coordinates)
		if err != nil {
			return nil, err
		}
		return Polygon{Rings: rings}, nil
	case TypeMultiLineString:
		lines, err := decodeRings(raw.Coordinates)
		if err != nil {
			return nil, err
		}
		return MultiLineString{Lines: lines}, nil
	default: // TypeMultiPolygon
		polys, err := decodePolygons(raw.Coordinates)
		if err != nil {
			return nil, err
		}
		return MultiPolygon{Polygons: polys}, nil
	}
}

func decodePosition(data json.RawMessage) (Position, error) {
	var vals []interface{}
	if err := json.Unmarshal(data, &vals); err != nil {
		return Position{}, serrors.Wrap(serrors.CategoryGeometry, serrors.CodeInvalidGeometry,
			"position is not an array", err)
	}
	if len(vals) < 2 {
		return Position{}, invalid(fmt.Sprintf("position needs 2 coordinates, got %d", len(vals)))
	}

	var p Position
	for i := 0; i < 2; i++ {
		f, ok := vals[i].(float64)
		if !ok {
			return Position{}, invalid(fmt.Sprintf("coordinate %v is not numeric", vals[i]))
		}
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return Position{}, invalid("coordinate is not finite")
		}
		p[i] = f
	}
	return p, nil
}

func decodePositions(data json.RawMessage) ([]Position, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, serrors.Wrap(serrors.CategoryGeometry, serrors.CodeInvalidGeometry,
			"coordinates are not an array of positions", err)
	}
	out := make([]Position, 0, len(items))
	for _, item := range items {
		p, err := decodePosition(item)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func decodeRings(data json.RawMessage) ([][]Position, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, serrors.Wrap(serrors.CategoryGeometry, serrors.CodeInvalidGeometry,
			"coordinates are not an array of rings", err)
	}
	out := make([][]Position, 0, len(items))
	for _, item := range items {
		ring, err := decodePositions(item)
		if err != nil {
			return nil, err
		}
		out = append(out, ring)
	}
	return out, nil
}

func decodePolygons(data json.RawMessage) ([][][]Position, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, serrors.Wrap(serrors.CategoryGeometry, serrors.CodeInvalidGeometry,
			"coordinates are not an array of polygons", err)
	}
	out := make([][][]Position, 0, len(items))
	for _, item := range items {
		rings, err := decodeRings(item)
		if err != nil {
			return nil, err
		}
		out = append(out, rings)
	}
	return out, nil
}

func isMissing(data json.RawMessage) bool {
	trimmed := bytes.TrimSpace(data)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

func invalid(msg string) error {
	return serrors.NewGeometryError(serrors.CodeInvalidGeometry, msg)
}
