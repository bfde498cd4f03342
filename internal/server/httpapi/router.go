package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/and161185/schoolsync/internal/model"
)

// Router returns the HTTP routes of s.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(Logging(s.log))
	r.Use(Recover(s.log))

	r.Get("/health", s.health)

	r.Route("/auth", func(r chi.Router) {
		r.Post("/register", s.register)
		r.Post("/login", s.login)
		r.Post("/refresh", s.refresh)
		r.With(Authenticate(s.auth)).Post("/logout", s.logout)
	})

	r.Group(func(r chi.Router) {
		r.Use(Authenticate(s.auth))
		r.Post("/sync", s.syncBatch)
		r.Route("/api/entities/{type}", func(r chi.Router) {
			r.Post("/", s.writeEntity(model.OpCreate, http.StatusCreated))
			r.Post("/{id}", s.writeEntity(model.OpCreate, http.StatusCreated))
			r.Get("/{id}", s.getEntity)
			r.Put("/{id}", s.writeEntity(model.OpUpdate, http.StatusOK))
			r.Delete("/{id}", s.writeEntity(model.OpDelete, http.StatusNoContent))
		})
	})

	return r
}
