// Package admin exposes the operator surface over HTTP: node status, queue
// statistics, dead-letter inspection and requeue, read-only document access
// and the Prometheus metrics endpoint.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/quillhq/quill/db"
	"github.com/quillhq/quill/docs"
	"github.com/quillhq/quill/queue"
	"github.com/quillhq/quill/telemetry"
	"github.com/rs/zerolog/log"
)

const defaultListLimit = 50

// Server serves the admin API for one node.
type Server struct {
	service   *docs.Service
	channel   *queue.Channel
	nodeID    uint64
	metrics   bool
	startedAt time.Time

	httpServer *http.Server
}

func NewServer(service *docs.Service, channel *queue.Channel, nodeID uint64, metricsEnabled bool) *Server {
	return &Server{
		service:   service,
		channel:   channel,
		nodeID:    nodeID,
		metrics:   metricsEnabled,
		startedAt: time.Now(),
	}
}

// Router builds the admin route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(requestLogger)

	r.Get("/status", s.handleStatus)
	r.Get("/queue", s.handleQueueStats)

	r.Route("/deadletters", func(r chi.Router) {
		r.Get("/", s.handleListDeadLetters)
		r.Post("/{seq}/requeue", s.handleRequeueDeadLetter)
	})

	r.Route("/scopes/{scope}", func(r chi.Router) {
		r.Get("/documents", s.handleListDocuments)
		r.Get("/documents/{id}", s.handleGetDocument)
		r.Get("/search", s.handleSearch)
	})

	if s.metrics {
		if h := telemetry.GetMetricsHandler(); h != nil {
			r.Handle("/metrics", h)
		}
	}

	return r
}

// Start serves the admin API on addr until Shutdown is called.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	log.Info().Str("address", addr).Msg("Admin API listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("admin server failed: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, map[string]interface{}{
		"node_id":        s.nodeID,
		"uptime_seconds": int64(time.Since(s.startedAt).Seconds()),
		"queue":          s.channel.Stats(),
	})
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, s.channel.Stats())
}

func (s *Server) handleListDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit, err := parseIntParam(r, "limit", defaultListLimit)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	dead, err := s.channel.DeadLetters(limit)
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSONResponse(w, dead)
}

func (s *Server) handleRequeueDeadLetter(w http.ResponseWriter, r *http.Request) {
	seq, err := strconv.ParseUint(chi.URLParam(r, "seq"), 10, 64)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "invalid sequence number")
		return
	}

	newSeq, err := s.channel.RequeueDeadLetter(r.Context(), seq)
	if err != nil {
		writeErrorResponse(w, http.StatusNotFound, err.Error())
		return
	}

	log.Info().Uint64("seq", seq).Uint64("new_seq", newSeq).Msg("Dead letter requeued by operator")
	writeJSONResponse(w, map[string]interface{}{"requeued_as": newSeq})
}

func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	scope := chi.URLParam(r, "scope")
	q, err := parseListQuery(r)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	page, err := s.service.List(r.Context(), scope, q)
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	writePage(w, page)
}

func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	scope := chi.URLParam(r, "scope")
	id := chi.URLParam(r, "id")

	doc, err := s.service.Get(r.Context(), scope, id)
	if err != nil {
		if errors.Is(err, docs.ErrNotFound) {
			writeErrorResponse(w, http.StatusNotFound, "document not found")
			return
		}
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSONResponse(w, doc)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	scope := chi.URLParam(r, "scope")
	term := r.URL.Query().Get("q")
	if term == "" {
		writeErrorResponse(w, http.StatusBadRequest, "query parameter q is required")
		return
	}

	q, err := parseListQuery(r)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	page, err := s.service.Search(r.Context(), scope, term, q)
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	writePage(w, page)
}

func parseListQuery(r *http.Request) (db.ListQuery, error) {
	limit, err := parseIntParam(r, "limit", defaultListLimit)
	if err != nil {
		return db.ListQuery{}, err
	}
	offset, err := parseIntParam(r, "offset", 0)
	if err != nil {
		return db.ListQuery{}, err
	}
	return db.ListQuery{
		Limit:          limit,
		Offset:         offset,
		IncludeDeleted: r.URL.Query().Get("include_deleted") == "true",
	}, nil
}

func parseIntParam(r *http.Request, name string, fallback int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("invalid %s parameter", name)
	}
	return v, nil
}

func writePage(w http.ResponseWriter, page *docs.Page) {
	w.Header().Set("Content-Type", "application/json")
	response := map[string]interface{}{
		"data":  page.Documents,
		"total": page.Total,
	}
	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}

func writeJSONResponse(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"data": data}); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}

func writeErrorResponse(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"error": message}); err != nil {
		log.Error().Err(err).Msg("Failed to encode error response")
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", time.Since(start)).
			Msg("Admin request")
	})
}
