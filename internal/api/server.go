package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"engagement-analytics/internal/cache"
	"engagement-analytics/internal/config"
	"engagement-analytics/internal/enrich"
	"engagement-analytics/internal/ledger"
	"engagement-analytics/internal/models"
	"engagement-analytics/internal/orchestrator"
	"engagement-analytics/internal/ratelimit"
	"engagement-analytics/internal/store"
	"engagement-analytics/internal/telemetry"
)

// Server wires HTTP handlers for activity ingest, profile enrichment, and
// the analytics read API.
type Server struct {
	cfg      config.Config
	store    *store.Store
	ledger   *ledger.Ledger
	orch     *orchestrator.Orchestrator
	enricher *enrich.Enricher
	profiles *cache.ProfileCache
	limiter  *ratelimit.SourceLimiter
	log      *logrus.Logger
}

// New constructs the API server.
func New(cfg config.Config, st *store.Store, ld *ledger.Ledger, orch *orchestrator.Orchestrator, enricher *enrich.Enricher, profiles *cache.ProfileCache, limiter *ratelimit.SourceLimiter, log *logrus.Logger) *Server {
	return &Server{
		cfg:      cfg,
		store:    st,
		ledger:   ld,
		orch:     orch,
		enricher: enricher,
		profiles: profiles,
		limiter:  limiter,
		log:      log,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/events", s.handleIngestEvent)
	r.Post("/profiles/{aid}/enrich", s.handleEnrich)
	r.Get("/profiles/{aid}", s.handleGetProfile)
	r.Get("/entities/{id}/metrics", s.handleEntityMetrics)
	r.Get("/entities/{id}/metrics/daily", s.handleEntityMetricsDaily)
	r.Get("/entities/{id}/distribution", s.handleDistribution)
	r.Get("/leads/{aid}", s.handleVisitorLeads)
	r.Get("/jobs/{kind}/runs", s.handleJobRuns)
	r.Post("/jobs/{kind}/run", s.handleTriggerJob)
	return r
}

type ingestRequest struct {
	AID         string     `json:"aid"`
	EntityID    int64      `json:"entity_id"`
	SubEntityID *int64     `json:"sub_entity_id,omitempty"`
	EventType   string     `json:"event_type"`
	OccurredAt  *time.Time `json:"occurred_at,omitempty"`
}

func (s *Server) handleIngestEvent(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.AID == "" || req.EntityID == 0 || req.EventType == "" {
		http.Error(w, "aid, entity_id, and event_type are required", http.StatusBadRequest)
		return
	}
	occurred := time.Now().UTC()
	if req.OccurredAt != nil {
		occurred = req.OccurredAt.UTC()
	}
	ev := models.ActivityEvent{
		ID:          uuid.New().String(),
		AID:         req.AID,
		EntityID:    req.EntityID,
		SubEntityID: req.SubEntityID,
		EventType:   req.EventType,
		OccurredAt:  occurred,
	}
	if err := s.store.InsertActivity(r.Context(), ev); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	telemetry.EventsIngested.Inc()
	writeJSON(w, http.StatusAccepted, ev)
}

func (s *Server) handleEnrich(w http.ResponseWriter, r *http.Request) {
	aid := chi.URLParam(r, "aid")
	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(r.Context(), sourceFromRequest(r))
		if err != nil {
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	var incoming map[string]any
	if err := json.NewDecoder(r.Body).Decode(&incoming); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if err := s.enricher.MergeAttributes(r.Context(), aid, incoming); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	telemetry.ProfileMerges.Inc()
	if s.profiles != nil {
		if err := s.profiles.Invalidate(r.Context(), aid); err != nil {
			s.log.WithField("aid", aid).WithError(err).Warn("cache invalidation failed")
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "merged"})
}

func (s *Server) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	aid := chi.URLParam(r, "aid")
	if s.profiles != nil {
		if p, found, err := s.profiles.Get(r.Context(), aid); err == nil && found {
			writeJSON(w, http.StatusOK, p)
			return
		}
	}
	p, found, err := s.store.GetProfile(r.Context(), aid)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !found {
		http.Error(w, "profile not found", http.StatusNotFound)
		return
	}
	if s.profiles != nil {
		if err := s.profiles.Set(r.Context(), p); err != nil {
			s.log.WithField("aid", aid).WithError(err).Warn("cache fill failed")
		}
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleEntityMetrics(w http.ResponseWriter, r *http.Request) {
	entityID, err := entityIDParam(r)
	if err != nil {
		http.Error(w, "invalid entity id", http.StatusBadRequest)
		return
	}
	m, found, err := s.store.GetEntityMetrics(r.Context(), entityID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !found {
		http.Error(w, "no metrics for entity", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleEntityMetricsDaily(w http.ResponseWriter, r *http.Request) {
	entityID, err := entityIDParam(r)
	if err != nil {
		http.Error(w, "invalid entity id", http.StatusBadRequest)
		return
	}
	days := 30
	if v := r.URL.Query().Get("days"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			days = n
		}
	}
	fromDay := time.Now().UTC().AddDate(0, 0, -days).Truncate(24 * time.Hour)
	rows, err := s.store.DailyEntityMetrics(r.Context(), entityID, fromDay)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": rows})
}

func (s *Server) handleDistribution(w http.ResponseWriter, r *http.Request) {
	entityID, err := entityIDParam(r)
	if err != nil {
		http.Error(w, "invalid entity id", http.StatusBadRequest)
		return
	}
	rows, err := s.store.SubEntityDistribution(r.Context(), entityID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": rows})
}

func (s *Server) handleVisitorLeads(w http.ResponseWriter, r *http.Request) {
	aid := chi.URLParam(r, "aid")
	rows, err := s.store.HouseLeadsForVisitor(r.Context(), aid)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": rows})
}

func (s *Server) handleJobRuns(w http.ResponseWriter, r *http.Request) {
	kind, err := models.ParseJobKind(chi.URLParam(r, "kind"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	runs, err := s.ledger.RecentRuns(r.Context(), kind, 50)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": runs})
}

// handleTriggerJob runs one kind synchronously. A run already in progress is
// a normal outcome, not an error.
func (s *Server) handleTriggerJob(w http.ResponseWriter, r *http.Request) {
	kind, err := models.ParseJobKind(chi.URLParam(r, "kind"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	run, err := s.orch.RunKind(r.Context(), kind)
	if errors.Is(err, orchestrator.ErrAlreadyRunning) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "already_running"})
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func entityIDParam(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
}

func sourceFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Source"); v != "" {
		return v
	}
	return "default"
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
