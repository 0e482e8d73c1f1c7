// Package http is the admin surface of the engine: introspection of the
// stores plus manual flush and compaction triggers. It is not a data path.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"cfstore/pkg/cell"
	"cfstore/pkg/compaction"
	"cfstore/pkg/dberrors"
	"cfstore/pkg/store"
	"cfstore/pkg/storefile"
	"cfstore/pkg/types"
)

const (
	contentTypeJSON        = "application/json"
	defaultHTTPPort        = "8080"
	defaultShutdownTimeout = time.Second * 5
)

type IStore interface {
	Snapshot() store.Info
	Add(cells ...*cell.Cell) (int64, error)
	Flush() (*storefile.Reader, error)
	CompactIfNeeded() (*compaction.Context, error)
	TriggerMajorCompaction()
}

type iMetrics interface {
	Snapshot() (counters, gauges map[string]float64)
}

// iSeq assigns sequence numbers to cells written through the admin API, the
// way the write-ahead log would on the data path.
type iSeq interface {
	Next() types.SeqN
}

// Server exposes the admin API over a set of stores keyed by family name.
type Server struct {
	stores     map[string]IStore
	metrics    iMetrics
	seq        iSeq
	httpServer *http.Server
	URL        string
	addr       string
}

// NewServer creates a new admin server. metrics may be nil; seq may be nil
// when the write endpoint is not wanted.
func NewServer(stores map[string]IStore, metrics iMetrics, seq iSeq, port string) *Server {
	if port == "" {
		port = defaultHTTPPort
	}
	return &Server{
		stores:  stores,
		metrics: metrics,
		seq:     seq,
		URL:     "http://localhost:" + port,
		addr:    ":" + port,
	}
}

// Start starts the server.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.createRouter(),
		ReadHeaderTimeout: time.Second,
	}

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
		}
	}()

	slog.Info("HTTP server started", "addr", s.URL)
	return nil
}

// Stop stops the server.
func (s *Server) Stop() error {
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown HTTP server: %w", err)
		}
	}
	return nil
}

// createRouter builds chi router
func (s *Server) createRouter() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", s.handleHealth)
	r.Get("/metrics", s.handleMetrics)
	r.Get("/api/stores", s.handleListStores)
	r.Get("/api/stores/{family}", s.handleStoreInfo)
	r.Post("/api/stores/{family}/cells", s.handlePutCell)
	r.Post("/api/stores/{family}/flush", s.handleFlush)
	r.Post("/api/stores/{family}/compact", s.handleCompact)

	return r
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Warn("Error encoding response", "error", err)
	}
}

func (s *Server) lookupStore(w http.ResponseWriter, r *http.Request) (IStore, bool) {
	family := chi.URLParam(r, "family")
	st, ok := s.stores[family]
	if !ok {
		s.writeJSON(w, http.StatusNotFound, NewErrorResponse("Unknown family"))
		return nil, false
	}
	return st, true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, NewOKResponse())
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.metrics == nil {
		s.writeJSON(w, http.StatusOK, map[string]any{})
		return
	}
	counters, gauges := s.metrics.Snapshot()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"counters": counters,
		"gauges":   gauges,
	})
}

func (s *Server) handleListStores(w http.ResponseWriter, r *http.Request) {
	infos := make([]store.Info, 0, len(s.stores))
	for _, st := range s.stores {
		infos = append(infos, st.Snapshot())
	}
	s.writeJSON(w, http.StatusOK, infos)
}

func (s *Server) handleStoreInfo(w http.ResponseWriter, r *http.Request) {
	st, ok := s.lookupStore(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, st.Snapshot())
}

type putCellRequest struct {
	Row       string `json:"row"`
	Qualifier string `json:"qualifier"`
	Value     string `json:"value"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

func (s *Server) handlePutCell(w http.ResponseWriter, r *http.Request) {
	st, ok := s.lookupStore(w, r)
	if !ok {
		return
	}
	if s.seq == nil {
		s.writeJSON(w, http.StatusServiceUnavailable, NewErrorResponse("Writes are disabled"))
		return
	}

	var req putCellRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Invalid request body"))
		return
	}
	if req.Row == "" {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Row must not be empty"))
		return
	}
	if req.Timestamp == 0 {
		req.Timestamp = time.Now().UnixMilli()
	}

	c := &cell.Cell{
		Row:       []byte(req.Row),
		Family:    []byte(chi.URLParam(r, "family")),
		Qualifier: []byte(req.Qualifier),
		Timestamp: req.Timestamp,
		Kind:      cell.TypePut,
		Value:     []byte(req.Value),
		Seq:       s.seq.Next(),
	}
	if _, err := st.Add(c); err != nil {
		s.writeJSON(w, http.StatusInternalServerError, NewErrorResponse(err.Error()))
		return
	}
	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}

func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request) {
	st, ok := s.lookupStore(w, r)
	if !ok {
		return
	}
	if _, err := st.Flush(); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, dberrors.ErrSnapshotPending) {
			// A flush is already running; the request is effectively served.
			status = http.StatusConflict
		}
		s.writeJSON(w, status, NewErrorResponse(err.Error()))
		return
	}
	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}

func (s *Server) handleCompact(w http.ResponseWriter, r *http.Request) {
	st, ok := s.lookupStore(w, r)
	if !ok {
		return
	}
	if r.URL.Query().Get("major") == "true" {
		st.TriggerMajorCompaction()
	}
	if _, err := st.CompactIfNeeded(); err != nil {
		s.writeJSON(w, http.StatusInternalServerError, NewErrorResponse(err.Error()))
		return
	}
	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}
