// ABOUTME: Document data model for the collection the spatial indexes read
// ABOUTME: Bodies are JSON objects addressed by id and versioned by change sequence

package docstore

import (
	"bytes"
	"encoding/json"
	"strings"
)

// Document is the latest known version of a document
type Document struct {
	ID      string          `json:"id"`      // Document identifier
	Seq     uint64          `json:"seq"`     // Change sequence that produced this version
	Deleted bool            `json:"deleted"` // Tombstone marker
	Body    json.RawMessage `json:"body,omitempty"`
}

// Field returns the raw JSON of a field in the body. Dotted paths descend
// into nested objects ("geo.location").
func (d Document) Field(path string) (json.RawMessage, bool) {
	if d.Deleted || len(d.Body) == 0 {
		return nil, false
	}

	current := d.Body
	for _, part := range strings.Split(path, ".") {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(current, &obj); err != nil {
			return nil, false
		}
		next, ok := obj[part]
		if !ok {
			return nil, false
		}
		current = next
	}
	if bytes.Equal(bytes.TrimSpace(current), []byte("null")) {
		return nil, false
	}
	return current, true
}

// Change is one entry of the by-sequence feed
type Change struct {
	Seq      uint64
	Document Document
}

// isObject reports whether data is a JSON object
func isObject(data []byte) bool {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return false
	}
	return obj != nil
}
