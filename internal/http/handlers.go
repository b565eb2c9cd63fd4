package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-dispatch/internal/clock"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/registry"
)

// Drivers is the driver registry surface exposed over HTTP.
type Drivers interface {
	Register(d models.Driver) error
	Get(id string) (models.Driver, error)
	UpdateLocation(id string, lat, lon float64, ts time.Time) error
	SetActive(id string, active bool) error
	SetStatus(id string, status models.DriverStatus) error
	SetVerification(id string, v models.VerificationStatus) error
}

// Matcher is the matching service surface exposed over HTTP.
type Matcher interface {
	RequestMatch(ctx context.Context, req models.RideRequest) (models.Session, error)
	Respond(ctx context.Context, rideID, driverID string, accept bool) error
	Cancel(ctx context.Context, rideID string) error
	Complete(ctx context.Context, rideID string) error
	ListPending(driverID string) []models.RideRequest
	Get(rideID string) (models.Session, error)
}

// LocationSink receives accepted location pings for downstream consumers.
type LocationSink interface {
	PublishLocation(ctx context.Context, ev models.LocationEvent) error
}

type Options struct {
	Drivers   Drivers
	Matcher   Matcher
	WSReg     *dispatch.WSRegistry
	Locations LocationSink
	// Ready reports whether backing stores are reachable.
	Ready  func(ctx context.Context) error
	Clock  clock.Clock
	Logger *slog.Logger
}

type Server struct {
	drivers   Drivers
	matcher   Matcher
	wsReg     *dispatch.WSRegistry
	locations LocationSink
	ready     func(ctx context.Context) error
	clock     clock.Clock
	logger    *slog.Logger
	validate  *validator.Validate
	mux       *mux.Router
}

func NewServer(o Options) *Server {
	if o.Clock == nil {
		o.Clock = clock.Real{}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.WSReg == nil {
		o.WSReg = dispatch.NewWSRegistry()
	}
	s := &Server{
		drivers:   o.Drivers,
		matcher:   o.Matcher,
		wsReg:     o.WSReg,
		locations: o.Locations,
		ready:     o.Ready,
		clock:     o.Clock,
		logger:    o.Logger,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		mux:       mux.NewRouter(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.registerMiddleware()

	s.mux.HandleFunc("/internal/driver/locations", s.handleDriverLocation).Methods(http.MethodPost)

	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/drivers", s.handleRegisterDriver).Methods(http.MethodPost)
	api.HandleFunc("/drivers/{driver_id}", s.handleGetDriver).Methods(http.MethodGet)
	api.HandleFunc("/drivers/{driver_id}/status", s.handleDriverStatus).Methods(http.MethodPut)
	api.HandleFunc("/drivers/{driver_id}/verification", s.handleDriverVerification).Methods(http.MethodPut)
	api.HandleFunc("/drivers/{driver_id}/active", s.handleDriverActive).Methods(http.MethodPut)
	api.HandleFunc("/drivers/{driver_id}/pending-requests", s.handlePendingRequests).Methods(http.MethodGet)

	api.HandleFunc("/rides/match-best-driver", s.handleMatchBestDriver).Methods(http.MethodPost)
	api.HandleFunc("/rides/{ride_id}", s.handleGetRide).Methods(http.MethodGet)
	api.HandleFunc("/rides/{ride_id}/respond", s.handleRespond).Methods(http.MethodPost)
	api.HandleFunc("/rides/{ride_id}/cancel", s.handleCancel).Methods(http.MethodPost)
	api.HandleFunc("/rides/{ride_id}/complete", s.handleComplete).Methods(http.MethodPost)

	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods(http.MethodGet)
	s.mux.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws/{participant_id}", s.handleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	var req locationRequest
	if !s.decode(w, r, &req) {
		return
	}
	ev := models.LocationEvent{DriverID: req.DriverID, Lat: req.Lat, Lon: req.Lon, Timestamp: s.clock.Now()}
	if req.Timestamp != nil {
		ev.Timestamp = *req.Timestamp
	}
	if err := s.drivers.UpdateLocation(ev.DriverID, ev.Lat, ev.Lon, ev.Timestamp); err != nil {
		s.writeError(w, r, err)
		return
	}
	if s.locations != nil {
		if err := s.locations.PublishLocation(r.Context(), ev); err != nil {
			s.logger.Warn("location publish failed", "driver_id", ev.DriverID, "error", err)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRegisterDriver(w http.ResponseWriter, r *http.Request) {
	var req driverRequest
	if !s.decode(w, r, &req) {
		return
	}
	d := req.toDriver(s.clock.Now())
	if err := s.drivers.Register(d); err != nil {
		s.writeError(w, r, err)
		return
	}
	got, err := s.drivers.Get(d.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, got)
}

func (s *Server) handleGetDriver(w http.ResponseWriter, r *http.Request) {
	d, err := s.drivers.Get(mux.Vars(r)["driver_id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleDriverStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if !s.decode(w, r, &req) {
		return
	}
	s.updateDriver(w, r, func(id string) error {
		return s.drivers.SetStatus(id, models.DriverStatus(req.Status))
	})
}

func (s *Server) handleDriverVerification(w http.ResponseWriter, r *http.Request) {
	var req verificationRequest
	if !s.decode(w, r, &req) {
		return
	}
	s.updateDriver(w, r, func(id string) error {
		return s.drivers.SetVerification(id, models.VerificationStatus(req.VerificationStatus))
	})
}

func (s *Server) handleDriverActive(w http.ResponseWriter, r *http.Request) {
	var req activeRequest
	if !s.decode(w, r, &req) {
		return
	}
	s.updateDriver(w, r, func(id string) error {
		return s.drivers.SetActive(id, *req.Active)
	})
}

func (s *Server) updateDriver(w http.ResponseWriter, r *http.Request, apply func(id string) error) {
	id := mux.Vars(r)["driver_id"]
	if err := apply(id); err != nil {
		s.writeError(w, r, err)
		return
	}
	d, err := s.drivers.Get(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handlePendingRequests(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["driver_id"]
	if _, err := s.drivers.Get(id); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"driver_id": id, "requests": s.matcher.ListPending(id)})
}

func (s *Server) handleMatchBestDriver(w http.ResponseWriter, r *http.Request) {
	var req matchRequest
	if !s.decode(w, r, &req) {
		return
	}
	view, err := s.matcher.RequestMatch(r.Context(), req.toRideRequest())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if view.Ride.Status == models.RideFailed {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": view.Reason, "session": view})
		return
	}
	writeJSON(w, http.StatusCreated, view)
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	view, err := s.matcher.Get(mux.Vars(r)["ride_id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleRespond(w http.ResponseWriter, r *http.Request) {
	var req respondRequest
	if !s.decode(w, r, &req) {
		return
	}
	rideID := mux.Vars(r)["ride_id"]
	err := s.matcher.Respond(r.Context(), rideID, req.DriverID, *req.Accept)
	s.writeSession(w, r, rideID, err)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	rideID := mux.Vars(r)["ride_id"]
	s.writeSession(w, r, rideID, s.matcher.Cancel(r.Context(), rideID))
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	rideID := mux.Vars(r)["ride_id"]
	s.writeSession(w, r, rideID, s.matcher.Complete(r.Context(), rideID))
}

func (s *Server) writeSession(w http.ResponseWriter, r *http.Request, rideID string, err error) {
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	view, err := s.matcher.Get(rideID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.ready(ctx); err != nil {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(200)
	w.Write([]byte("ready"))
}

var upgrader = websocket.Upgrader{}

// handleWS keeps a participant's socket registered until the peer goes away.
// Inbound frames are ignored; responses go through the REST endpoints.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["participant_id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "participant_id", id, "error", err)
		return
	}
	s.wsReg.Add(id, conn)
	defer s.wsReg.Remove(id, conn)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json: " + err.Error()})
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return false
	}
	return true
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= 500 {
		s.logger.Error("request failed", "path", r.URL.Path, "request_id", requestIDFromContext(r.Context()), "error", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, registry.ErrInvalidLocation), errors.Is(err, registry.ErrInvalidStatus):
		return http.StatusBadRequest
	case errors.Is(err, registry.ErrUnknownDriver), errors.Is(err, matcher.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, matcher.ErrStaleOffer),
		errors.Is(err, matcher.ErrRequestNotPending),
		errors.Is(err, matcher.ErrNotMatched),
		errors.Is(err, registry.ErrDriverUnavailable),
		errors.Is(err, registry.ErrInvalidStatusTransition):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
