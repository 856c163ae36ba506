// Package server exposes the document store and its spatial indexes over
// HTTP and gRPC
package server

import (
	"context"
	"time"

	"github.com/nainya/spatialstore/internal/logger"
	"github.com/nainya/spatialstore/internal/metrics"
	"github.com/nainya/spatialstore/pkg/docstore"
	"github.com/nainya/spatialstore/pkg/indexer"
	"github.com/nainya/spatialstore/pkg/query"
)

// Version is reported by the status endpoints
const Version = "1.0.0"

// Server holds the state shared by the HTTP and gRPC surfaces
type Server struct {
	store   *docstore.Store
	indexes *indexer.Manager
	engine  *query.Engine
	metrics *metrics.Metrics
	log     *logger.Logger

	startTime time.Time
}

// NewServer creates a server over an open store and its index manager
func NewServer(store *docstore.Store, indexes *indexer.Manager, m *metrics.Metrics, log *logger.Logger) *Server {
	if log == nil {
		log = logger.Nop()
	}
	var observer query.Observer
	if m != nil {
		observer = m
	}
	return &Server{
		store:     store,
		indexes:   indexes,
		engine:    query.NewEngine(indexes, observer, log.Zerolog().With().Str("component", "query").Logger()),
		metrics:   m,
		log:       log,
		startTime: time.Now(),
	}
}

// Status summarizes the server for health reporting
type Status struct {
	Service       string   `json:"service"`
	Version       string   `json:"version"`
	UptimeSeconds int64    `json:"uptime_seconds"`
	DocCount      int      `json:"doc_count"`
	UpdateSeq     uint64   `json:"update_seq"`
	Indexes       []string `json:"indexes"`
	Ready         bool     `json:"ready"`
}

// Status reports document and index counts
func (s *Server) Status() Status {
	return Status{
		Service:       "spatialstore",
		Version:       Version,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		DocCount:      s.store.Len(),
		UpdateSeq:     s.store.Seq(),
		Indexes:       s.indexes.Names(),
		Ready:         s.indexes.Ready(),
	}
}

// Query runs a spatial query and logs it
func (s *Server) Query(ctx context.Context, q query.Query) (*query.Result, error) {
	start := time.Now()
	result, err := s.engine.Execute(ctx, q)

	n := 0
	if result != nil {
		n = result.Count
		if !result.CountOnly {
			n = len(result.Rows)
		}
	}
	s.log.LogQuery(q.Index, q.BBox.String(), q.Mode(), n, time.Since(start), err)
	return result, err
}

// recordWrites counts accepted document writes
func (s *Server) recordWrites(docs []docstore.Document) {
	for _, doc := range docs {
		s.log.LogGeneration(doc.ID, doc.Seq, doc.Deleted)
		if s.metrics == nil {
			continue
		}
		op := "put"
		if doc.Deleted {
			op = "delete"
		}
		s.metrics.RecordDocumentWrite(op, doc.Seq)
	}
}

// dropIndex drops an index and its metric series
func (s *Server) dropIndex(name string) error {
	if err := s.indexes.Drop(name); err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.ForgetIndex(name)
	}
	return nil
}
