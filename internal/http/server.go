package httpapi

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/speedyvan/dispatch/internal/assign"
	"github.com/speedyvan/dispatch/internal/auth"
	"github.com/speedyvan/dispatch/internal/dispatch"
	"github.com/speedyvan/dispatch/internal/geo"
	"github.com/speedyvan/dispatch/internal/models"
	"github.com/speedyvan/dispatch/internal/reaper"
)

// LocationPublisher forwards accepted driver positions, normally to Kafka.
type LocationPublisher interface {
	PublishLocation(ctx context.Context, loc models.DriverLocation) error
}

type Deps struct {
	Assign     *assign.Service
	Reaper     *reaper.Reaper
	Auth       *auth.Authenticator
	Locator    geo.Locator
	Locations  LocationPublisher // optional
	Hub        *dispatch.WSHub   // optional
	CronSecret string
	Logger     *zap.Logger
	// Ready is checked by /readyz; nil means always ready.
	Ready func(ctx context.Context) error
}

type Server struct {
	assign     *assign.Service
	reaper     *reaper.Reaper
	auth       *auth.Authenticator
	locator    geo.Locator
	locations  LocationPublisher
	hub        *dispatch.WSHub
	cronSecret string
	ready      func(ctx context.Context) error
	logger     *zap.Logger
	upgrader   websocket.Upgrader
	mux        *mux.Router
}

func NewServer(d Deps) *Server {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	s := &Server{
		assign:     d.Assign,
		reaper:     d.Reaper,
		auth:       d.Auth,
		locator:    d.Locator,
		locations:  d.Locations,
		hub:        d.Hub,
		cronSecret: d.CronSecret,
		ready:      d.Ready,
		logger:     d.Logger,
		mux:        mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	s.mux.HandleFunc("/readyz", s.handleReady).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())

	s.mux.HandleFunc("/api/cron/expire-assignments", s.handleExpireAssignments).Methods(http.MethodGet, http.MethodPost)
	s.mux.HandleFunc("/internal/driver/locations", s.handleDriverLocation).Methods(http.MethodPost)

	admin := s.mux.PathPrefix("/api/admin").Subrouter()
	admin.Use(s.requireRole(auth.RoleAdmin))
	admin.HandleFunc("/auto-assignment", s.handleAutoAssignment).Methods(http.MethodPost)
	admin.HandleFunc("/dispatch/assign", s.handleAssign).Methods(http.MethodPost)
	admin.HandleFunc("/dispatch/smart-assign", s.handleSmartAssign).Methods(http.MethodPost)
	admin.HandleFunc("/dispatch/mode", s.handleGetMode).Methods(http.MethodGet)
	admin.HandleFunc("/dispatch/mode", s.handleSetMode).Methods(http.MethodPut)
	admin.HandleFunc("/bookings/{id}/confirm", s.handleConfirmBooking).Methods(http.MethodPost)
	admin.HandleFunc("/bookings/{id}/cancel", s.handleCancelBooking).Methods(http.MethodPost)
	admin.HandleFunc("/bookings/{id}/audit", s.handleAuditTrail).Methods(http.MethodGet)

	driver := s.mux.PathPrefix("/api/driver").Subrouter()
	driver.Use(s.requireRole(auth.RoleDriver))
	driver.HandleFunc("/assignments/{id}/{action:accept|decline|complete}", s.handleAssignmentResponse).Methods(http.MethodPost)
	driver.HandleFunc("/availability", s.handleAvailability).Methods(http.MethodPut)

	s.mux.HandleFunc("/ws/drivers/{driver_id}", s.handleDriverWS)
	s.mux.HandleFunc("/ws/admin", s.handleAdminWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}
