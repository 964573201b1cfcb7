// Package httpapi serves a read-only JSON view of groups, runs, and system
// health. All writes happen through the batch engine; the API never mutates.
package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/pulsefeed/grouper/internal/config"
	"github.com/pulsefeed/grouper/internal/model"
	"github.com/pulsefeed/grouper/internal/monitoring"
	"github.com/pulsefeed/grouper/internal/resilience"
	"github.com/pulsefeed/grouper/internal/store"
	"github.com/pulsefeed/grouper/internal/trending"
)

type Server struct {
	store     store.Store
	collector *monitoring.Collector
	ranker    *trending.Ranker
	cfg       config.Config
}

func NewServer(st store.Store, cfg config.Config) *Server {
	return &Server{
		store:     st,
		collector: monitoring.NewCollector(st),
		ranker:    trending.NewRanker(st),
		cfg:       cfg,
	}
}

// Handler builds the route tree.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet},
	}))

	r.Get("/healthz", s.handleHealth)
	r.Route("/api", func(r chi.Router) {
		r.Get("/categories", s.handleCategories)
		r.Get("/groups", s.handleListGroups)
		r.Get("/groups/{id}", s.handleGetGroup)
		r.Get("/articles/{id}/group", s.handleArticleGroup)
		r.Get("/trending", s.handleTrending)
		r.Get("/metrics", s.handleMetrics)
		r.Get("/runs", s.handleRuns)
		r.Get("/dlq", s.handleDLQ)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if _, err := s.store.CountPending(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, eris.Wrap(err, "store unreachable"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCategories(w http.ResponseWriter, r *http.Request) {
	counts, err := s.store.GroupCountsByCategory(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	type categoryInfo struct {
		Category model.Category `json:"category"`
		Groups   int            `json:"groups"`
	}
	out := make([]categoryInfo, 0, len(model.AllCategories()))
	for _, cat := range model.AllCategories() {
		out = append(out, categoryInfo{Category: cat, Groups: counts[cat]})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleListGroups(w http.ResponseWriter, r *http.Request) {
	filter := store.GroupFilter{
		Limit:  queryInt(r, "limit", 50),
		Offset: queryInt(r, "offset", 0),
	}
	if cat := r.URL.Query().Get("category"); cat != "" {
		c := model.Category(cat)
		if !c.Valid() {
			writeError(w, http.StatusBadRequest, eris.Errorf("unknown category %q", cat))
			return
		}
		filter.Category = c
	}
	if since := r.URL.Query().Get("updated_since"); since != "" {
		ts, err := time.Parse(time.RFC3339, since)
		if err != nil {
			writeError(w, http.StatusBadRequest, eris.Wrap(err, "parse updated_since"))
			return
		}
		filter.UpdatedSince = ts
	}

	groups, err := s.store.ListGroups(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if groups == nil {
		groups = []model.Group{}
	}
	writeJSON(w, http.StatusOK, groups)
}

func (s *Server) handleGetGroup(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, eris.New("group id must be an integer"))
		return
	}

	group, err := s.store.GetGroup(r.Context(), id)
	if err != nil {
		if eris.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, eris.Errorf("group %d not found", id))
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, group)
}

func (s *Server) handleArticleGroup(w http.ResponseWriter, r *http.Request) {
	articleID := chi.URLParam(r, "id")

	group, err := s.store.GetGroupByArticle(r.Context(), articleID)
	if err != nil {
		if eris.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, eris.Errorf("article %s has no group", articleID))
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, group)
}

func (s *Server) handleTrending(w http.ResponseWriter, r *http.Request) {
	var category model.Category
	if cat := r.URL.Query().Get("category"); cat != "" {
		c := model.Category(cat)
		if !c.Valid() {
			writeError(w, http.StatusBadRequest, eris.Errorf("unknown category %q", cat))
			return
		}
		category = c
	}
	window := time.Duration(queryInt(r, "window_hours", 24)) * time.Hour
	limit := queryInt(r, "limit", 10)

	entries, err := s.ranker.Rank(r.Context(), category, window, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if entries == nil {
		entries = []trending.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	lookback := queryInt(r, "lookback_hours", s.cfg.Monitoring.LookbackHours)
	if lookback <= 0 {
		lookback = 24
	}
	snap, err := s.collector.Collect(r.Context(), lookback)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.store.ListRuns(r.Context(), queryInt(r, "limit", 20))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if runs == nil {
		runs = []model.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	filter := resilience.DLQFilter{
		Category:    r.URL.Query().Get("category"),
		FailedStage: r.URL.Query().Get("stage"),
		ErrorType:   r.URL.Query().Get("error_type"),
		Limit:       queryInt(r, "limit", 100),
	}
	entries, err := s.store.ListDLQ(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if entries == nil {
		entries = []resilience.DLQEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		zap.L().Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
		)
	})
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Error("httpapi: encode response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
