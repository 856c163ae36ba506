// ABOUTME: Spatial query engine: plan, search every sub-box, dedupe, sort
// ABOUTME: Reads immutable snapshots only, so queries never block the writer

package query

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/nainya/spatialstore/pkg/geometry"
	"github.com/nainya/spatialstore/pkg/spatial"
)

// Provider hands out the snapshot a query should read. Implementations
// decide how stale reads are handled and report unknown indexes and
// unavailable ones with the matching error categories.
type Provider interface {
	Snapshot(ctx context.Context, index string, stale StaleMode) (*spatial.Snapshot, error)
}

// Observer receives per-query measurements
type Observer interface {
	ObserveQuery(index, mode string, subBoxes, results int, duration time.Duration)
}

// Engine answers spatial queries
type Engine struct {
	provider Provider
	observer Observer
	logger   zerolog.Logger
}

// NewEngine creates a query engine. observer may be nil.
func NewEngine(provider Provider, observer Observer, logger zerolog.Logger) *Engine {
	return &Engine{provider: provider, observer: observer, logger: logger}
}

// Execute plans and runs q
func (e *Engine) Execute(ctx context.Context, q Query) (*Result, error) {
	start := time.Now()

	boxes, err := Plan(q.BBox, q.PlaneBounds)
	if err != nil {
		return nil, err
	}

	snap, err := e.provider.Snapshot(ctx, q.Index, q.Stale)
	if err != nil {
		return nil, err
	}

	var result *Result
	if q.Count {
		result = &Result{CountOnly: true, Count: CountSnapshot(snap, boxes)}
	} else {
		rows := FormatRows(SearchSnapshot(snap, boxes))
		result = &Result{Rows: paginate(rows, q.Skip, q.Limit)}
	}
	result.UpdateSeq = snap.UpdateSeq()
	result.SubBoxes = len(boxes)

	n := result.Count
	if !q.Count {
		n = len(result.Rows)
	}
	if e.observer != nil {
		e.observer.ObserveQuery(q.Index, q.Mode(), len(boxes), n, time.Since(start))
	}
	e.logger.Debug().
		Str("index", q.Index).
		Str("bbox", q.BBox.String()).
		Str("mode", q.Mode()).
		Int("sub_boxes", len(boxes)).
		Int("results", n).
		Uint64("update_seq", result.UpdateSeq).
		Dur("duration", time.Since(start)).
		Msg("spatial query")

	return result, nil
}

// SearchSnapshot returns every entry intersecting any of boxes, each entry
// at most once, in no particular order.
func SearchSnapshot(snap *spatial.Snapshot, boxes []geometry.BBox) []*spatial.Entry {
	if len(boxes) == 1 {
		var out []*spatial.Entry
		snap.Search(boxes[0], func(e *spatial.Entry) bool {
			out = append(out, e)
			return true
		})
		return out
	}

	seen := make(map[uint64]struct{})
	var out []*spatial.Entry
	for _, box := range boxes {
		snap.Search(box, func(e *spatial.Entry) bool {
			if _, dup := seen[e.ID]; !dup {
				seen[e.ID] = struct{}{}
				out = append(out, e)
			}
			return true
		})
	}
	return out
}

// CountSnapshot counts the distinct entries intersecting any of boxes
// without building rows. A single box is answered from cached subtree sizes;
// several boxes are deduplicated by entry id since one entry may span two of
// them.
func CountSnapshot(snap *spatial.Snapshot, boxes []geometry.BBox) int {
	switch len(boxes) {
	case 0:
		return 0
	case 1:
		return snap.Count(boxes[0])
	}

	seen := make(map[uint64]struct{})
	for _, box := range boxes {
		snap.Search(box, func(e *spatial.Entry) bool {
			seen[e.ID] = struct{}{}
			return true
		})
	}
	return len(seen)
}

func paginate(rows []Row, skip, limit int) []Row {
	if skip >= len(rows) {
		return rows[:0]
	}
	rows = rows[skip:]
	if limit > 0 && limit < len(rows) {
		rows = rows[:limit]
	}
	return rows
}

// sortEntries orders entries by document id, then emission order, then id
func sortEntries(entries []*spatial.Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.DocID != b.DocID {
			return a.DocID < b.DocID
		}
		if a.Ordinal != b.Ordinal {
			return a.Ordinal < b.Ordinal
		}
		return a.ID < b.ID
	})
}
