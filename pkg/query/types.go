// ABOUTME: Spatial query types, result rows and a fluent query builder
// ABOUTME: Query.BBox may be flipped; only the planner decides what that means

package query

import (
	"encoding/json"

	"github.com/nainya/spatialstore/pkg/geometry"
)

// StaleMode selects the read consistency of a query
type StaleMode int

const (
	// StaleFalse waits until the index reflects every change in the store
	StaleFalse StaleMode = iota
	// StaleOK answers from the latest complete snapshot immediately
	StaleOK
	// StaleUpdateAfter answers immediately; the index keeps catching up in the background
	StaleUpdateAfter
)

func (m StaleMode) String() string {
	switch m {
	case StaleOK:
		return "ok"
	case StaleUpdateAfter:
		return "update_after"
	default:
		return "false"
	}
}

// AcceptsStale reports whether the mode may skip waiting for the writer
func (m StaleMode) AcceptsStale() bool {
	return m != StaleFalse
}

// Query is a parsed spatial request
type Query struct {
	Index       string
	BBox        geometry.BBox
	PlaneBounds *geometry.BBox
	Count       bool
	Stale       StaleMode
	Limit       int // 0 means no limit
	Skip        int
}

// Mode returns "count" or "rows"
func (q Query) Mode() string {
	if q.Count {
		return "count"
	}
	return "rows"
}

// Row is a single matched entry as returned to callers
type Row struct {
	ID    string          `json:"id"`
	BBox  geometry.BBox   `json:"bbox"`
	Value json.RawMessage `json:"value"`
}

// Result holds either rows or a count. UpdateSeq is the index sequence the
// answer was computed at.
type Result struct {
	Rows      []Row
	Count     int
	CountOnly bool
	UpdateSeq uint64
	SubBoxes  int
}

// Builder provides a fluent interface for building queries
type Builder struct {
	query Query
}

// NewBuilder starts a query against the named index
func NewBuilder(index string) *Builder {
	return &Builder{query: Query{Index: index}}
}

// BBox sets the requested box
func (b *Builder) BBox(minX, minY, maxX, maxY float64) *Builder {
	b.query.BBox = geometry.NewBBox(minX, minY, maxX, maxY)
	return b
}

// PlaneBounds sets the periodic extent used for wrap queries
func (b *Builder) PlaneBounds(minX, minY, maxX, maxY float64) *Builder {
	plane := geometry.NewBBox(minX, minY, maxX, maxY)
	b.query.PlaneBounds = &plane
	return b
}

// Count switches the query to count mode
func (b *Builder) Count() *Builder {
	b.query.Count = true
	return b
}

// Stale sets the consistency mode
func (b *Builder) Stale(mode StaleMode) *Builder {
	b.query.Stale = mode
	return b
}

// Limit caps the number of rows
func (b *Builder) Limit(limit int) *Builder {
	b.query.Limit = limit
	return b
}

// Skip drops the first rows of the sorted result
func (b *Builder) Skip(skip int) *Builder {
	b.query.Skip = skip
	return b
}

// Build returns the constructed query
func (b *Builder) Build() Query {
	return b.query
}
