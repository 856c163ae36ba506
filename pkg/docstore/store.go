// ABOUTME: In-memory document collection backed by the durable change log
// ABOUTME: Serves latest versions by id and a by-sequence change feed for indexers

package docstore

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	serrors "github.com/nainya/spatialstore/internal/errors"
	"github.com/nainya/spatialstore/pkg/changes"
)

// LogName is the base name of the change log inside the data directory
const LogName = "docs.log"

// Options configures a store
type Options struct {
	Dir         string // Data directory holding the change log
	SyncWrites  bool   // fsync every write before acknowledging it
	MaxFileSize int64  // Log segment size; zero uses the log default
	Logger      zerolog.Logger
}

// Store holds the latest version of every document, including tombstones,
// and an ordered feed of which document changed at which sequence
type Store struct {
	mu    sync.RWMutex
	log   *changes.Log
	docs  map[string]*Document
	feed  []feedEntry // ascending seq; superseded entries skipped lazily
	stale int         // superseded entries still in feed
	seq   uint64

	chMu    sync.Mutex
	changed chan struct{}

	logger zerolog.Logger
}

type feedEntry struct {
	seq uint64
	id  string
}

// Open opens the store in opts.Dir and replays its change log
func Open(opts Options) (*Store, error) {
	l := &changes.Log{
		Path:        filepath.Join(opts.Dir, LogName),
		MaxFileSize: opts.MaxFileSize,
		SyncWrites:  opts.SyncWrites,
	}
	if err := l.Open(); err != nil {
		return nil, serrors.NewStorageError(serrors.CodeCorrupted, "open change log", err)
	}

	s := &Store{
		log:     l,
		docs:    make(map[string]*Document),
		changed: make(chan struct{}),
		logger:  opts.Logger,
	}

	stats, err := l.Replay(func(e *changes.Entry) error {
		s.applyLocked(docFromEntry(e))
		return nil
	})
	if err != nil {
		l.Close()
		return nil, serrors.NewStorageError(serrors.CodeCorrupted, "replay change log", err)
	}
	if torn := l.TornBytes(); torn > 0 {
		s.logger.Warn().Int64("bytes", torn).Msg("Discarded incomplete change log tail")
	}
	s.logger.Info().
		Uint64("seq", s.seq).
		Int("documents", s.Len()).
		Int("batches", stats.CommittedBatches).
		Msg("Document store opened")
	return s, nil
}

func docFromEntry(e *changes.Entry) Document {
	doc := Document{ID: e.DocID, Seq: e.Seq}
	if e.Op == changes.OpDelete {
		doc.Deleted = true
	} else {
		doc.Body = json.RawMessage(e.Body)
	}
	return doc
}

// Put stores a new version of a document
func (s *Store) Put(id string, body json.RawMessage) (Document, error) {
	docs, err := s.BulkPut([]Document{{ID: id, Body: body}})
	if err != nil {
		return Document{}, err
	}
	return docs[0], nil
}

// BulkPut stores several documents as one atomic batch. Entries with
// Deleted set are deletions. Within a batch the last write to an id wins.
func (s *Store) BulkPut(docs []Document) ([]Document, error) {
	if len(docs) == 0 {
		return nil, nil
	}

	records := make([]changes.Record, len(docs))
	for i, doc := range docs {
		if doc.ID == "" {
			return nil, serrors.NewValidationError(serrors.CodeInvalidDocument, fmt.Sprintf("document %d: missing id", i))
		}
		if doc.Deleted {
			records[i] = changes.Record{Op: changes.OpDelete, DocID: doc.ID}
			continue
		}
		if !isObject(doc.Body) {
			return nil, serrors.NewValidationError(serrors.CodeInvalidDocument,
				fmt.Sprintf("document %q: body must be a JSON object", doc.ID))
		}
		records[i] = changes.Record{Op: changes.OpPut, DocID: doc.ID, Body: compact(doc.Body)}
	}

	s.mu.Lock()
	first, err := s.log.Append(records)
	if err != nil {
		s.mu.Unlock()
		return nil, serrors.NewStorageError(serrors.CodeLogWriteFailed, "append to change log", err)
	}
	out := make([]Document, len(records))
	for i, rec := range records {
		doc := Document{ID: rec.DocID, Seq: first + uint64(i), Deleted: rec.Op == changes.OpDelete}
		if !doc.Deleted {
			doc.Body = json.RawMessage(rec.Body)
		}
		s.applyLocked(doc)
		out[i] = doc
	}
	s.mu.Unlock()

	s.notify()
	return out, nil
}

// Delete writes a tombstone for an existing document
func (s *Store) Delete(id string) (Document, error) {
	s.mu.RLock()
	doc, ok := s.docs[id]
	missing := !ok || doc.Deleted
	s.mu.RUnlock()
	if missing {
		return Document{}, serrors.NewNotFoundError(serrors.CodeDocNotFound, fmt.Sprintf("document %q not found", id))
	}

	docs, err := s.BulkPut([]Document{{ID: id, Deleted: true}})
	if err != nil {
		return Document{}, err
	}
	return docs[0], nil
}

// Get returns the latest live version of a document
func (s *Store) Get(id string) (Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, ok := s.docs[id]
	if !ok || doc.Deleted {
		return Document{}, serrors.NewNotFoundError(serrors.CodeDocNotFound, fmt.Sprintf("document %q not found", id))
	}
	return *doc, nil
}

// Seq returns the sequence number of the latest change
func (s *Store) Seq() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.seq
}

// Len returns the number of live documents
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, doc := range s.docs {
		if !doc.Deleted {
			n++
		}
	}
	return n
}

// ChangesSince returns, in sequence order, the latest version of every
// document changed after since. A document that changed several times
// appears once, at its latest sequence. limit <= 0 means no limit.
func (s *Store) ChangesSince(since uint64, limit int) []Change {
	s.mu.RLock()
	defer s.mu.RUnlock()

	start := sort.Search(len(s.feed), func(i int) bool { return s.feed[i].seq > since })
	var out []Change
	for _, fe := range s.feed[start:] {
		doc := s.docs[fe.id]
		if doc.Seq != fe.seq {
			continue
		}
		out = append(out, Change{Seq: fe.seq, Document: *doc})
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// Changed returns a channel that is closed at the next write
func (s *Store) Changed() <-chan struct{} {
	s.chMu.Lock()
	defer s.chMu.Unlock()
	return s.changed
}

// Close closes the change log
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.log.Close()
}

// applyLocked records a document version (caller must hold mu for writing)
func (s *Store) applyLocked(doc Document) {
	if prev, ok := s.docs[doc.ID]; ok && prev.Seq < doc.Seq {
		s.stale++
	}
	d := doc
	s.docs[doc.ID] = &d
	s.feed = append(s.feed, feedEntry{seq: doc.Seq, id: doc.ID})
	if doc.Seq > s.seq {
		s.seq = doc.Seq
	}

	if s.stale > 1024 && s.stale > len(s.feed)/2 {
		s.compactLocked()
	}
}

// compactLocked drops superseded feed entries
func (s *Store) compactLocked() {
	live := s.feed[:0]
	for _, fe := range s.feed {
		if s.docs[fe.id].Seq == fe.seq {
			live = append(live, fe)
		}
	}
	s.feed = live
	s.stale = 0
}

func (s *Store) notify() {
	s.chMu.Lock()
	close(s.changed)
	s.changed = make(chan struct{})
	s.chMu.Unlock()
}

func compact(body json.RawMessage) []byte {
	var buf bytes.Buffer
	if err := json.Compact(&buf, body); err != nil {
		return body
	}
	return buf.Bytes()
}
