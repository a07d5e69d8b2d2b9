package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/podushkina/taskdispatch/internal/logx"
	"github.com/rs/cors"
)

func NewRouter(h *Handler, logger *slog.Logger, allowedOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(logx.Middleware(logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.New(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", UserHeader},
	}).Handler)

	r.Get("/health", h.HealthCheck)

	r.Route("/tasks", func(r chi.Router) {
		r.Post("/", h.SubmitTask)
		r.Get("/", h.ListTasks)
		r.Get("/stats", h.Stats)
		r.Get("/{id}", h.GetTask)
		r.Post("/{id}/cancel", h.CancelTask)
	})

	return r
}
