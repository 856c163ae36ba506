package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/nainya/spatialstore/internal/config"
	serrors "github.com/nainya/spatialstore/internal/errors"
	"github.com/nainya/spatialstore/pkg/docstore"
	"github.com/nainya/spatialstore/pkg/indexer"
	"github.com/nainya/spatialstore/pkg/query"
)

// RequestIDHeader carries the request id on requests and responses
const RequestIDHeader = "X-Request-ID"

const maxBodyBytes = 64 << 20

type requestIDKey struct{}

// RequestID returns the request id stored in ctx
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// NewHTTPServer creates the HTTP server for the query and document surface
func (s *Server) NewHTTPServer(cfg config.HTTPConfig) *http.Server {
	return &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.Handler(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
}

// Handler returns the routed and instrumented HTTP handler
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", s.handleStatus)

	// Documents
	mux.HandleFunc("PUT /docs/{id}", s.handlePutDoc)
	mux.HandleFunc("GET /docs/{id}", s.handleGetDoc)
	mux.HandleFunc("DELETE /docs/{id}", s.handleDeleteDoc)
	mux.HandleFunc("POST /_bulk_docs", s.handleBulkDocs)

	// Index definitions
	mux.HandleFunc("GET /_index", s.handleListIndexes)
	mux.HandleFunc("PUT /_index/{name}", s.handleDefineIndex)
	mux.HandleFunc("GET /_index/{name}", s.handleIndexInfo)
	mux.HandleFunc("DELETE /_index/{name}", s.handleDropIndex)

	// Queries. The literal routes above are more specific and win.
	mux.HandleFunc("GET /{index}/{action}", s.handleIndexAction)

	return s.instrument(mux)
}

// instrument assigns a request id, recovers panics and records the
// access log line and request metrics
func (s *Server) instrument(next http.Handler) http.Handler {
	log := s.log.HTTPLogger()

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set(RequestIDHeader, id)
		r = r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id))

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		if s.metrics != nil {
			s.metrics.HTTPRequestsInFlight.Inc()
			defer s.metrics.HTTPRequestsInFlight.Dec()
		}

		defer func() {
			if p := recover(); p != nil {
				log.Error().
					Str("request_id", id).
					Interface("panic", p).
					Msg("Recovered from handler panic")
				if !rec.wroteHeader {
					writeError(rec, serrors.NewInternalError("handler panic", fmt.Errorf("%v", p)))
				}
			}

			route := r.Pattern
			if route == "" {
				route = "unmatched"
			}
			duration := time.Since(start)
			if s.metrics != nil {
				s.metrics.RecordHTTPRequest(route, rec.status, duration)
			}
			log.Info().
				Str("request_id", id).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Str("route", route).
				Int("status", rec.status).
				Dur("duration_ms", duration).
				Msg("HTTP request completed")
		}()

		next.ServeHTTP(rec, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status = code
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	r.wroteHeader = true
	return r.ResponseWriter.Write(b)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Status())
}

func (s *Server) handleIndexAction(w http.ResponseWriter, r *http.Request) {
	if r.PathValue("action") != "_spatial" {
		writeError(w, serrors.NewNotFoundError(serrors.CodeIndexNotFound,
			fmt.Sprintf("unknown resource %s", r.URL.Path)))
		return
	}

	q, err := query.ParseParams(r.PathValue("index"), r.URL.Query())
	if err != nil {
		writeError(w, err)
		return
	}
	result, err := s.Query(r.Context(), q)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type writeResponse struct {
	OK  bool   `json:"ok"`
	ID  string `json:"id"`
	Seq uint64 `json:"seq"`
}

func (s *Server) handlePutDoc(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeError(w, err)
		return
	}
	doc, err := s.store.Put(r.PathValue("id"), body)
	if err != nil {
		writeError(w, err)
		return
	}
	s.recordWrites([]docstore.Document{doc})
	writeJSON(w, http.StatusCreated, writeResponse{OK: true, ID: doc.ID, Seq: doc.Seq})
}

func (s *Server) handleGetDoc(w http.ResponseWriter, r *http.Request) {
	doc, err := s.store.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handleDeleteDoc(w http.ResponseWriter, r *http.Request) {
	doc, err := s.store.Delete(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	s.recordWrites([]docstore.Document{doc})
	writeJSON(w, http.StatusOK, writeResponse{OK: true, ID: doc.ID, Seq: doc.Seq})
}

// handleBulkDocs accepts {"docs":[...]} where each element is a document
// body carrying its id in "_id". "_deleted": true marks a deletion.
func (s *Server) handleBulkDocs(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var req struct {
		Docs []map[string]json.RawMessage `json:"docs"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, serrors.NewValidationError(serrors.CodeInvalidDocument, "body must be {\"docs\": [...]}"))
		return
	}

	docs := make([]docstore.Document, len(req.Docs))
	for i, fields := range req.Docs {
		doc, err := bulkDocument(fields)
		if err != nil {
			writeError(w, serrors.NewValidationError(serrors.CodeInvalidDocument,
				fmt.Sprintf("document %d: %v", i, err)))
			return
		}
		docs[i] = doc
	}

	written, err := s.store.BulkPut(docs)
	if err != nil {
		writeError(w, err)
		return
	}
	s.recordWrites(written)

	out := make([]writeResponse, len(written))
	for i, doc := range written {
		out[i] = writeResponse{OK: true, ID: doc.ID, Seq: doc.Seq}
	}
	writeJSON(w, http.StatusCreated, out)
}

// bulkDocument splits the reserved fields off a bulk document
func bulkDocument(fields map[string]json.RawMessage) (docstore.Document, error) {
	if fields == nil {
		return docstore.Document{}, fmt.Errorf("not a JSON object")
	}
	var doc docstore.Document
	raw, ok := fields["_id"]
	if !ok {
		return doc, fmt.Errorf("missing _id")
	}
	if err := json.Unmarshal(raw, &doc.ID); err != nil {
		return doc, fmt.Errorf("_id must be a string")
	}
	if raw, ok := fields["_deleted"]; ok {
		if err := json.Unmarshal(raw, &doc.Deleted); err != nil {
			return doc, fmt.Errorf("_deleted must be a boolean")
		}
	}
	if doc.Deleted {
		return doc, nil
	}

	delete(fields, "_id")
	delete(fields, "_deleted")
	body, err := json.Marshal(fields)
	if err != nil {
		return doc, err
	}
	doc.Body = body
	return doc, nil
}

func (s *Server) handleListIndexes(w http.ResponseWriter, r *http.Request) {
	names := s.indexes.Names()
	infos := make([]indexer.Info, 0, len(names))
	for _, name := range names {
		info, err := s.indexes.Info(name)
		if err != nil {
			// Dropped since Names was read
			continue
		}
		infos = append(infos, info)
	}
	writeJSON(w, http.StatusOK, infos)
}

func (s *Server) handleDefineIndex(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var def indexer.Definition
	if err := json.Unmarshal(body, &def); err != nil {
		writeError(w, serrors.NewValidationError(serrors.CodeInvalidDefinition,
			fmt.Sprintf("invalid index definition: %v", err)))
		return
	}
	def.Name = r.PathValue("name")

	if err := s.indexes.Define(def); err != nil {
		writeError(w, err)
		return
	}
	s.log.LogRebuild(def.Name, def.Signature())
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"ok":        true,
		"name":      def.Name,
		"signature": def.Signature(),
	})
}

func (s *Server) handleIndexInfo(w http.ResponseWriter, r *http.Request) {
	info, err := s.indexes.Info(r.PathValue("name"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleDropIndex(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := s.dropIndex(name); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "name": name})
}

func readBody(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return nil, serrors.NewValidationError(serrors.CodeInvalidDocument, fmt.Sprintf("read body: %v", err))
	}
	if len(body) > maxBodyBytes {
		return nil, serrors.NewValidationError(serrors.CodeInvalidDocument, "request body too large")
	}
	return body, nil
}

// errorResponse is the body of every failed request
type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	Reason    string `json:"reason"`
	Retryable bool   `json:"retryable,omitempty"`
}

func writeError(w http.ResponseWriter, err error) {
	resp := errorResponse{
		Error:     string(serrors.GetCategory(err)),
		Code:      serrors.GetCode(err),
		Reason:    err.Error(),
		Retryable: serrors.IsRetryable(err),
	}
	if resp.Error == "" {
		resp.Error = string(serrors.CategoryInternal)
		resp.Code = serrors.CodeUnexpected
	}
	writeJSON(w, serrors.HTTPStatus(err), resp)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
