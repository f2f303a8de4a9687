package httpapi

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/speedyvan/dispatch/internal/apperr"
	"github.com/speedyvan/dispatch/internal/assign"
	"github.com/speedyvan/dispatch/internal/auth"
	"github.com/speedyvan/dispatch/internal/dispatch"
	"github.com/speedyvan/dispatch/internal/models"
	"github.com/speedyvan/dispatch/internal/observability"
	"github.com/speedyvan/dispatch/internal/storage"
)

const maxBodyBytes = 1 << 20

type autoAssignResponse struct {
	Success bool `json:"success"`
	*assign.AutoAssignResult
	Score float64 `json:"score"`
}

func (s *Server) handleAutoAssignment(w http.ResponseWriter, r *http.Request) {
	var req assign.AutoAssignRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.assign.AutoAssign(r.Context(), req, actorFrom(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, autoAssignResponse{Success: true, AutoAssignResult: res, Score: res.Driver.Score.Value})
}

type assignResponse struct {
	Success bool `json:"success"`
	*assign.AssignResult
}

func (s *Server) handleAssign(w http.ResponseWriter, r *http.Request) {
	var req assign.AssignRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.assign.Assign(r.Context(), req, actorFrom(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, assignResponse{Success: true, AssignResult: res})
}

type smartAssignResponse struct {
	Success bool `json:"success"`
	*assign.SmartAssignResult
}

func (s *Server) handleSmartAssign(w http.ResponseWriter, r *http.Request) {
	var req assign.SmartAssignRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.assign.SmartAssign(r.Context(), req, actorFrom(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, smartAssignResponse{Success: true, SmartAssignResult: res})
}

func (s *Server) handleGetMode(w http.ResponseWriter, r *http.Request) {
	m, err := s.assign.Mode(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "mode": m})
}

func (s *Server) handleSetMode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Mode string `json:"mode"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	m, err := s.assign.SetMode(r.Context(), req.Mode, actorFrom(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "mode": m})
}

type confirmResponse struct {
	Success bool `json:"success"`
	*assign.ConfirmResult
}

func (s *Server) handleConfirmBooking(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PaymentRef string `json:"paymentIntentId"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.assign.ConfirmBooking(r.Context(), mux.Vars(r)["id"], req.PaymentRef, actorFrom(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, confirmResponse{Success: true, ConfirmResult: res})
}

func (s *Server) handleCancelBooking(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.assign.CancelJob(r.Context(), mux.Vars(r)["id"], req.Reason, actorFrom(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "job": res.Job, "cancelledAssignment": res.Assignment})
}

func (s *Server) handleAuditTrail(w http.ResponseWriter, r *http.Request) {
	entries, err := s.assign.AuditTrail(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if entries == nil {
		entries = []models.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "entries": entries})
}

func (s *Server) handleAssignmentResponse(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var (
		a   *models.Assignment
		err error
	)
	switch storage.Response(vars["action"]) {
	case storage.ResponseAccept:
		a, err = s.assign.Accept(r.Context(), vars["id"], actorFrom(r))
	case storage.ResponseDecline:
		a, err = s.assign.Decline(r.Context(), vars["id"], actorFrom(r))
	case storage.ResponseComplete:
		a, err = s.assign.Complete(r.Context(), vars["id"], actorFrom(r))
	default:
		err = fmt.Errorf("unknown action %q: %w", vars["action"], apperr.ErrValidation)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "assignment": a})
}

func (s *Server) handleAvailability(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Availability models.Availability `json:"availability"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.assign.SetAvailability(r.Context(), actorFrom(r), req.Availability); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "availability": req.Availability})
}

// handleExpireAssignments is called by the scheduler with the shared cron
// secret as a bearer token.
func (s *Server) handleExpireAssignments(w http.ResponseWriter, r *http.Request) {
	if !s.cronAuthorized(r) {
		s.writeError(w, r, apperr.ErrUnauthenticated)
		return
	}
	rep, err := s.reaper.Sweep(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) cronAuthorized(r *http.Request) bool {
	if s.cronSecret == "" {
		return false
	}
	got := []byte(r.Header.Get("Authorization"))
	want := []byte("Bearer " + s.cronSecret)
	return subtle.ConstantTimeCompare(got, want) == 1
}

func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	var loc models.DriverLocation
	if err := decodeJSON(r, &loc); err != nil {
		s.writeError(w, r, err)
		return
	}
	if strings.TrimSpace(loc.DriverID) == "" || !loc.Loc.Known() {
		s.writeError(w, r, fmt.Errorf("driver_id and loc are required: %w", apperr.ErrValidation))
		return
	}
	if err := s.locator.Upsert(r.Context(), loc); err != nil {
		s.writeError(w, r, fmt.Errorf("store location: %w", err))
		return
	}
	if s.locations != nil {
		if err := s.locations.PublishLocation(r.Context(), loc); err != nil {
			s.logger.Warn("location publish failed", zap.String("driver_id", loc.DriverID), zap.Error(err))
		}
	}
	observability.LocationUpdates.Inc()
	w.WriteHeader(http.StatusNoContent)
}

// Browsers cannot set headers on a websocket handshake, so the session token
// may also arrive as ?token=.
func (s *Server) wsActor(r *http.Request) (models.Actor, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		if tok := r.URL.Query().Get("token"); tok != "" {
			header = "Bearer " + tok
		}
	}
	return s.auth.Authenticate(header)
}

func (s *Server) handleDriverWS(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["driver_id"]
	actor, err := s.wsActor(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if actor.Role != auth.RoleAdmin && actor.ID != id {
		s.writeError(w, r, fmt.Errorf("driver %s: %w", id, apperr.ErrForbidden))
		return
	}
	s.serveWS(w, r, dispatch.DriverChannel(id), dispatch.DriversChannel)
}

func (s *Server) handleAdminWS(w http.ResponseWriter, r *http.Request) {
	actor, err := s.wsActor(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := auth.Authorize(actor, auth.RoleAdmin); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.serveWS(w, r, dispatch.AdminChannel)
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request, channels ...string) {
	if s.hub == nil {
		http.Error(w, "websocket not enabled", http.StatusNotFound)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	s.hub.Serve(conn, channels...)
}

func actorFrom(r *http.Request) models.Actor {
	a, _ := auth.ActorFrom(r.Context())
	return a
}

// decodeJSON accepts an empty body as the zero value.
func decodeJSON(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("malformed body: %w", apperr.ErrValidation)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("route", routeTemplate(r)),
			zap.String("request_id", requestIDFromContext(r.Context())),
			zap.Error(err),
		)
	}
	writeJSON(w, status, errorResponse{Success: false, Message: apperr.Public(err)})
}
