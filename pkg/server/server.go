// Package server provides the HTTP API for the footprint renderer: tile
// buffer rendering with version-based revalidation, plus version and area
// endpoints.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"golang.org/x/time/rate"

	"github.com/NERVsystems/tracemap/pkg/renderer"
)

// Server serves rendered tile buffers over HTTP.
type Server struct {
	renderer *renderer.MapRenderer
	logger   *slog.Logger
	limiter  *RateLimiter
}

// Config holds server construction options.
type Config struct {
	RateLimit rate.Limit
	RateBurst int
}

// New creates a server around a renderer.
func New(r *renderer.MapRenderer, logger *slog.Logger, cfg Config) *Server {
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 50
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 100
	}
	return &Server{
		renderer: r,
		logger:   logger.With("component", "server"),
		limiter:  NewRateLimiter(cfg.RateLimit, cfg.RateBurst),
	}
}

// Handler returns the full HTTP handler with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/tiles", s.handleTiles)
	mux.HandleFunc("GET /api/version", s.handleVersion)
	mux.HandleFunc("GET /api/area", s.handleArea)

	var handler http.Handler = mux
	handler = s.limiter.Middleware(handler)
	handler = LoggingMiddleware(s.logger)(handler)
	handler = RequestIDMiddleware(handler)
	return handler
}

// handleTiles renders a viewport. The client may send the version it last
// saw in If-None-Match; if nothing changed the response is 304.
func (s *Server) handleTiles(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	x, err := parseInt(q.Get("x"), 0)
	if err != nil {
		httpError(w, http.StatusBadRequest, "invalid x: %v", err)
		return
	}
	y, err := parseInt(q.Get("y"), 0)
	if err != nil {
		httpError(w, http.StatusBadRequest, "invalid y: %v", err)
		return
	}
	z, err := parseInt(q.Get("z"), 0)
	if err != nil {
		httpError(w, http.StatusBadRequest, "invalid z: %v", err)
		return
	}
	width, err := parseInt(q.Get("width"), 1)
	if err != nil {
		httpError(w, http.StatusBadRequest, "invalid width: %v", err)
		return
	}
	height, err := parseInt(q.Get("height"), 1)
	if err != nil {
		httpError(w, http.StatusBadRequest, "invalid height: %v", err)
		return
	}
	power, err := parseInt(q.Get("p"), 9)
	if err != nil {
		httpError(w, http.StatusBadRequest, "invalid p: %v", err)
		return
	}

	version, changed := s.renderer.HasChangedSince(r.Header.Get("If-None-Match"))
	if !changed {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	buffer, err := s.renderer.GetTileBuffer(x, y, int(z), width, height, int(power))
	if err != nil {
		var validationErr *renderer.ValidationError
		if errors.As(err, &validationErr) {
			httpError(w, http.StatusBadRequest, "%s", validationErr.Error())
			return
		}
		s.logger.Error("render failed", "error", err)
		httpError(w, http.StatusInternalServerError, "render failed")
		return
	}

	body, err := buffer.ToBytes()
	if err != nil {
		s.logger.Error("tile buffer encoding failed", "error", err)
		httpError(w, http.StatusInternalServerError, "encoding failed")
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("ETag", `"`+version+`"`)
	w.Write(body)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"version": s.renderer.GetVersionString()})
}

func (s *Server) handleArea(w http.ResponseWriter, r *http.Request) {
	area, err := s.renderer.GetCurrentArea()
	if err != nil {
		s.logger.Error("area computation failed", "error", err)
		httpError(w, http.StatusInternalServerError, "area computation failed")
		return
	}
	writeJSON(w, map[string]uint64{"area_m2": area})
}

func parseInt(s string, def int64) (int64, error) {
	if s == "" {
		return def, nil
	}
	return strconv.ParseInt(s, 10, 64)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encoding failed", http.StatusInternalServerError)
	}
}

func httpError(w http.ResponseWriter, status int, format string, args ...any) {
	http.Error(w, fmt.Sprintf(format, args...), status)
}
