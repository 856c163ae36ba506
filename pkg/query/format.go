package query

import (
	"encoding/json"

	"github.com/nainya/spatialstore/pkg/spatial"
)

// RowsResponse is the wire form of a row query
type RowsResponse struct {
	Rows      []Row  `json:"rows"`
	UpdateSeq uint64 `json:"update_seq"`
}

// CountResponse is the wire form of a count query
type CountResponse struct {
	Count int `json:"count"`
}

// FormatRows sorts entries by document id (emission order breaks ties) and
// converts them to rows. The result is never nil.
func FormatRows(entries []*spatial.Entry) []Row {
	sortEntries(entries)

	rows := make([]Row, 0, len(entries))
	for _, e := range entries {
		value := e.Value
		if len(value) == 0 {
			value = json.RawMessage("null")
		}
		rows = append(rows, Row{ID: e.DocID, BBox: e.Box, Value: value})
	}
	return rows
}

// Response returns the value to serialize for r
func (r *Result) Response() interface{} {
	if r.CountOnly {
		return CountResponse{Count: r.Count}
	}
	rows := r.Rows
	if rows == nil {
		rows = []Row{}
	}
	return RowsResponse{Rows: rows, UpdateSeq: r.UpdateSeq}
}

// MarshalJSON encodes the result in its wire form
func (r *Result) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.Response())
}
