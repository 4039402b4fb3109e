package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/diary-hub/diary-hub/internal/api/ws"
	"github.com/diary-hub/diary-hub/internal/application/auth"
	"github.com/diary-hub/diary-hub/internal/domain/record"
)

// Server holds dependencies for HTTP handlers.
type Server struct {
	gateway *ws.Gateway
	store   record.Store
	authSvc *auth.Service
}

func NewServer(gateway *ws.Gateway, store record.Store, authSvc *auth.Service) *Server {
	return &Server{
		gateway: gateway,
		store:   store,
		authSvc: authSvc,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.healthz)

	r.Route("/v1", func(r chi.Router) {
		// The websocket endpoint sits outside the timeout middleware;
		// connections are long-lived.
		r.Get("/ws", s.gateway.ServeHTTP)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			r.Use(s.requireToken)
			r.Route("/records", func(r chi.Router) {
				r.Get("/", s.listRecords)
				r.Get("/export", s.exportRecords)
			})
		})
	})

	return r
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type ctxKey int

const userIDKey ctxKey = 0

// requireToken authenticates "Authorization: Bearer <user>:<token>" and puts
// the user id on the request context.
func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, token, ok := bearerCredentials(r)
		if !ok {
			respondError(w, http.StatusUnauthorized, "unauthorized", "missing credentials")
			return
		}
		if err := s.authSvc.Authenticate(userID, token); err != nil {
			respondError(w, http.StatusUnauthorized, "unauthorized", "invalid token")
			return
		}
		next.ServeHTTP(w, r.WithContext(withUserID(r.Context(), userID)))
	})
}

func (s *Server) listRecords(w http.ResponseWriter, r *http.Request) {
	userID := userIDFrom(r)
	pollID := r.URL.Query().Get("poll_id")
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, "bad_request", "invalid limit")
			return
		}
		limit = n
	}

	records, err := s.store.List(r.Context(), userID, pollID, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	if records == nil {
		records = []*record.Record{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"records": records})
}

func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, map[string]interface{}{
		"error":   code,
		"message": message,
	})
}
