// Package httpapi exposes the schoolsync REST API over chi.
package httpapi

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/and161185/schoolsync/internal/errs"
	"github.com/and161185/schoolsync/internal/model"
	"github.com/and161185/schoolsync/internal/service"
)

const maxBody = 4 << 20

// Server wires services into HTTP handlers.
type Server struct {
	auth service.AuthService
	sync service.SyncService
	log  *zap.Logger
}

// New constructs a Server with injected services.
func New(auth service.AuthService, sync service.SyncService, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{auth: auth, sync: sync, log: log}
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBody))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: bad json: %v", errs.ErrValidation, err)
	}
	return nil
}

// remoteIP drops the port so one client keeps one limiter key across connections.
func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- auth ---

func (s *Server) register(w http.ResponseWriter, r *http.Request) {
	var req model.LoginRequest
	if err := decode(r, &req); err != nil {
		writeError(w, s.log, err)
		return
	}
	userID, err := s.auth.Register(r.Context(), req.Email, req.Password)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"userId": userID})
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var req model.LoginRequest
	if err := decode(r, &req); err != nil {
		writeError(w, s.log, err)
		return
	}
	tok, u, err := s.auth.LoginWithIP(r.Context(), req.Email, req.Password, remoteIP(r))
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, model.LoginResponse{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		SessionToken: tok.SessionToken,
		UserID:       u.ID.String(),
		Email:        u.Email,
	})
}

func (s *Server) refresh(w http.ResponseWriter, r *http.Request) {
	var req model.RefreshRequest
	if err := decode(r, &req); err != nil {
		writeError(w, s.log, err)
		return
	}
	tok, err := s.auth.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, model.RefreshResponse{AccessToken: tok.AccessToken, RefreshToken: tok.RefreshToken})
}

func (s *Server) logout(w http.ResponseWriter, r *http.Request) {
	uid, _ := UserIDFromCtx(r.Context())
	if err := s.auth.Logout(r.Context(), uid); err != nil {
		writeError(w, s.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- sync ---

func (s *Server) syncBatch(w http.ResponseWriter, r *http.Request) {
	uid, _ := UserIDFromCtx(r.Context())
	var req model.SyncRequest
	if err := decode(r, &req); err != nil {
		writeError(w, s.log, err)
		return
	}
	res, err := s.sync.ApplyBatch(r.Context(), uid, req)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// --- entities ---

type entityJSON struct {
	Type      string          `json:"type"`
	ID        string          `json:"id"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Deleted   bool            `json:"deleted,omitempty"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

func toEntityJSON(e model.Entity) entityJSON {
	return entityJSON{Type: e.Type, ID: e.ID, Payload: e.Payload, Deleted: e.Deleted, UpdatedAt: e.UpdatedAt}
}

func readPayload(r *http.Request) (json.RawMessage, error) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, nil
	}
	if !json.Valid(raw) {
		return nil, fmt.Errorf("%w: payload is not json", errs.ErrValidation)
	}
	return raw, nil
}

func (s *Server) writeEntity(kind model.OpKind, okStatus int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid, _ := UserIDFromCtx(r.Context())
		op := model.QueuedOperation{
			Operation:  kind,
			EntityType: chi.URLParam(r, "type"),
			EntityID:   chi.URLParam(r, "id"),
			Timestamp:  time.Now().UTC(),
		}
		if kind != model.OpDelete {
			p, err := readPayload(r)
			if err != nil {
				writeError(w, s.log, err)
				return
			}
			op.Payload = p
		}
		e, err := s.sync.Apply(r.Context(), uid, op)
		if err != nil {
			writeError(w, s.log, err)
			return
		}
		if okStatus == http.StatusNoContent {
			w.WriteHeader(okStatus)
			return
		}
		writeJSON(w, okStatus, toEntityJSON(e))
	}
}

func (s *Server) getEntity(w http.ResponseWriter, r *http.Request) {
	uid, _ := UserIDFromCtx(r.Context())
	e, err := s.sync.Get(r.Context(), uid, chi.URLParam(r, "type"), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, toEntityJSON(*e))
}
