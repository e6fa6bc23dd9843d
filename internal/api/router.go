// Package api exposes the pipeline over HTTP.
package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/book-expert/logger"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

const logFmtRequest = "%s %s -> %d in %s (request %s)"

// RouterConfig holds settings for the API router.
type RouterConfig struct {
	// CorsAllowedOrigins is a comma-separated list of allowed origins. Empty allows all.
	CorsAllowedOrigins string
	// Metrics serves GET /metrics when set.
	Metrics http.Handler
}

// NewRouter wires the pipeline routes and the shared middleware.
func NewRouter(h *Handler, cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(h.logger))
	r.Use(middleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins(cfg.CorsAllowedOrigins),
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	}))

	r.Get("/health", h.Health)

	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics)
	}

	r.Route("/v2", func(r chi.Router) {
		r.Post("/tts/pipeline", h.RunPipeline)
		r.Post("/text/segments", h.Segments)
	})

	return r
}

func allowedOrigins(configured string) []string {
	origins := make([]string, 0)

	for _, origin := range strings.Split(configured, ",") {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}

	if len(origins) == 0 {
		return []string{"*"}
	}

	return origins
}

func requestLogger(log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			wrapped := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			started := time.Now()

			next.ServeHTTP(wrapped, r)

			log.Info(logFmtRequest, r.Method, r.URL.Path, wrapped.Status(),
				time.Since(started).Round(time.Millisecond), middleware.GetReqID(r.Context()))
		})
	}
}
