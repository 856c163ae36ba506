// ABOUTME: Index entries and per-document generations applied by the writer
// ABOUTME: An entry is one emitted rectangle; a generation replaces a document's entries

package spatial

import (
	"encoding/json"

	"github.com/nainya/spatialstore/pkg/geometry"
)

// Entry is a single emission stored in the index. Entries are immutable once
// published in a snapshot.
type Entry struct {
	ID      uint64          `json:"id"`
	DocID   string          `json:"doc_id"`
	Box     geometry.BBox   `json:"bbox"`
	Value   json.RawMessage `json:"value,omitempty"`
	Seq     uint64          `json:"seq"`
	Ordinal int             `json:"ordinal"`
}

// Emitted is a normalized emission ready to be stored
type Emitted struct {
	Box   geometry.BBox
	Value json.RawMessage
}

// Generation is the complete set of emissions for one document at one
// sequence number. A deleted document, or one whose emissions failed, has no
// emissions; applying it removes whatever the document contributed before.
type Generation struct {
	DocID     string
	Seq       uint64
	Emissions []Emitted
}
