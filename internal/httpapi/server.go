// Package httpapi is the read-only ops surface: health, component status,
// open gaps, the model catalog, Prometheus metrics, and the repair
// websocket. Every component hook is optional so a partial deployment (say,
// backfill only) still serves.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/quantpond/driftline/internal/broadcast"
	"github.com/quantpond/driftline/internal/domain"
	"github.com/quantpond/driftline/internal/ingest"
	"github.com/quantpond/driftline/internal/obs"
	"github.com/quantpond/driftline/internal/registry"
)

// IngestSource exposes the live ingestor to /status and /gaps.
type IngestSource interface {
	Status() ingest.Status
	Gaps() []domain.GapSegment
}

// BackfillSource exposes the recovery queue depth.
type BackfillSource interface {
	QueueDepth() int
}

// RetrainSource exposes the controller state machine.
type RetrainSource interface {
	State() (state string, lastRun, lastPromotion time.Time)
}

// Config wires the optional component hooks into the server. Nil fields
// simply drop their section from the responses.
type Config struct {
	ListenAddr string
	Ingest     IngestSource
	Backfill   BackfillSource
	Retrain    RetrainSource
	Models     *registry.Service
	Hub        *broadcast.Hub
	Metrics    *obs.Metrics
	ModelName  string
	ModelType  string
}

// Server is the ops HTTP server.
type Server struct {
	cfg  Config
	http *http.Server
}

// NewServer builds the server and its routes.
func NewServer(cfg Config) *Server {
	s := &Server{cfg: cfg}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/gaps", s.handleGaps).Methods(http.MethodGet)
	r.HandleFunc("/models", s.handleModels).Methods(http.MethodGet)
	if cfg.Metrics != nil {
		r.Handle("/metrics", cfg.Metrics.Handler()).Methods(http.MethodGet)
	}
	if cfg.Hub != nil {
		r.HandleFunc("/ws", cfg.Hub.ServeWS)
	}

	s.http = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Start serves in a goroutine until Shutdown.
func (s *Server) Start() {
	go func() {
		log.Info().Str("addr", s.cfg.ListenAddr).Msg("Ops HTTP server listening")
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Ops HTTP server failed")
		}
	}()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := StatusResponse{Status: "ok", Timestamp: time.Now().UTC()}

	if s.cfg.Ingest != nil {
		st := s.cfg.Ingest.Status()
		resp.Ingest = &st
		if !st.Running {
			resp.Status = "degraded"
		}
	}
	if s.cfg.Backfill != nil {
		resp.Backfill = &BackfillState{QueueDepth: s.cfg.Backfill.QueueDepth()}
	}
	if s.cfg.Retrain != nil {
		state, lastRun, lastPromotion := s.cfg.Retrain.State()
		rs := &RetrainState{State: state}
		if !lastRun.IsZero() {
			rs.LastRun = &lastRun
		}
		if !lastPromotion.IsZero() {
			rs.LastPromotion = &lastPromotion
		}
		resp.Retrain = rs
	}
	if s.cfg.Models != nil {
		resp.Models = &ModelState{CachedModels: s.cfg.Models.CachedModels()}
	}
	if s.cfg.Hub != nil {
		resp.WSClients = s.cfg.Hub.Subscribers()
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGaps(w http.ResponseWriter, _ *http.Request) {
	resp := GapsResponse{Segments: []domain.GapSegment{}, Generated: time.Now().UTC()}
	if s.cfg.Ingest != nil {
		resp.Segments = s.cfg.Ingest.Gaps()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Models == nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: "model registry not configured"})
		return
	}

	limit := 10
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 100 {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "limit must be 1..100"})
			return
		}
		limit = n
	}

	rows, err := s.cfg.Models.Latest(r.Context(), s.cfg.ModelName, s.cfg.ModelType, limit)
	if err != nil {
		log.Error().Err(err).Msg("Model listing failed")
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "failed to list models"})
		return
	}

	resp := ModelsResponse{Models: make([]ModelInfo, 0, len(rows)), Generated: time.Now().UTC()}
	for _, row := range rows {
		resp.Models = append(resp.Models, ModelInfo{
			ID:         row.ID,
			Name:       row.Name,
			Version:    row.Version,
			ModelType:  row.ModelType,
			Status:     row.Status,
			Metrics:    row.MetricsMap(),
			CreatedAt:  row.CreatedAt,
			PromotedAt: row.PromotedAt,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Response encode failed")
	}
}
