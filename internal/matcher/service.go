package matcher

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/clock"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/registry"
)

// RideJournal persists ride records. Implementations must not block.
type RideJournal interface {
	RideCreated(r models.Ride)
	RideUpdated(r models.Ride)
}

type nopJournal struct{}

func (nopJournal) RideCreated(models.Ride) {}
func (nopJournal) RideUpdated(models.Ride) {}

// Registry is what the service needs from the driver registry.
type Registry interface {
	Reserver
	Stats() registry.Stats
}

type Config struct {
	OfferTimeout  time.Duration
	SweepInterval time.Duration
	MaxAttempts   int
	// RequestTTL bounds how long a ride may stay unmatched. Zero disables it.
	RequestTTL time.Duration
	// ArchiveRetention is how long terminal sessions stay queryable.
	ArchiveRetention time.Duration
}

type Deps struct {
	Registry Registry
	Selector CandidateSource
	Notifier dispatch.Notifier
	Journal  RideJournal
	ETA      ETA
	Clock    clock.Clock
	Logger   *slog.Logger
}

// Service is the entry point of the matching engine. It owns every dispatch
// session: active ones are keyed by ride id until they reach a terminal
// status, then moved to the archive.
type Service struct {
	coord    *Coordinator
	registry Registry
	journal  RideJournal
	clock    clock.Clock
	cfg      Config
	logger   *slog.Logger

	mu       sync.RWMutex
	active   map[string]*Session
	archived map[string]*Session
}

func NewService(d Deps, cfg Config) *Service {
	if d.Clock == nil {
		d.Clock = clock.Real{}
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Journal == nil {
		d.Journal = nopJournal{}
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Second
	}
	if cfg.ArchiveRetention <= 0 {
		cfg.ArchiveRetention = 10 * time.Minute
	}
	coord := NewCoordinator(d.Registry, d.Selector, d.Notifier, d.ETA, d.Clock,
		CoordinatorConfig{OfferTimeout: cfg.OfferTimeout, MaxAttempts: cfg.MaxAttempts}, d.Logger)
	return &Service{
		coord:    coord,
		registry: d.Registry,
		journal:  d.Journal,
		clock:    d.Clock,
		cfg:      cfg,
		logger:   d.Logger,
		active:   make(map[string]*Session),
		archived: make(map[string]*Session),
	}
}

// RequestMatch starts matching a pending ride and returns once the first
// offer is out, or the session has already failed for lack of drivers. The
// rest of the process is asynchronous.
func (s *Service) RequestMatch(ctx context.Context, req models.RideRequest) (models.Session, error) {
	if req.Status == "" {
		req.Status = models.RidePending
	}
	if req.Status != models.RidePending {
		return models.Session{}, ErrRequestNotPending
	}
	if err := geo.Validate(req.Origin.Lat, req.Origin.Lon); err != nil {
		return models.Session{}, err
	}
	if err := geo.Validate(req.Destination.Lat, req.Destination.Lon); err != nil {
		return models.Session{}, err
	}
	now := s.clock.Now()
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.RequestedAt.IsZero() {
		req.RequestedAt = now
	}

	sess := newSession(uuid.NewString(), req, now, s.cfg.RequestTTL)
	sess.mu.Lock()
	s.mu.Lock()
	_, isActive := s.active[req.ID]
	_, isArchived := s.archived[req.ID]
	if isActive || isArchived {
		s.mu.Unlock()
		sess.mu.Unlock()
		return models.Session{}, ErrRequestNotPending
	}
	s.active[req.ID] = sess
	s.mu.Unlock()

	s.journal.RideCreated(sess.record())
	s.logger.Info("dispatch session started", "session_id", sess.id, "ride_id", req.ID, "rider_id", req.RiderID)
	s.coord.Advance(ctx, sess)
	if sess.status() != models.RidePending {
		s.journal.RideUpdated(sess.record())
	}
	view, done := sess.view(), sess.terminal()
	sess.mu.Unlock()
	if done {
		s.archive(req.ID)
	}
	return view, nil
}

// Respond delivers a driver's accept or reject for a ride.
func (s *Service) Respond(ctx context.Context, rideID, driverID string, accept bool) error {
	sess, active := s.lookup(rideID)
	if sess == nil {
		return ErrSessionNotFound
	}
	if !active {
		return ErrStaleOffer
	}
	var err error
	done := s.apply(sess, func() {
		err = s.coord.Respond(ctx, sess, driverID, accept)
	})
	if done {
		s.archive(rideID)
	}
	return err
}

// Cancel ends a ride's matching, releasing any driver it holds.
func (s *Service) Cancel(ctx context.Context, rideID string) error {
	sess, active := s.lookup(rideID)
	if sess == nil {
		return ErrSessionNotFound
	}
	if !active {
		return ErrRequestNotPending
	}
	var err error
	done := s.apply(sess, func() {
		err = s.coord.Cancel(ctx, sess)
	})
	if done {
		s.archive(rideID)
	}
	return err
}

// Complete frees the driver of a matched ride.
func (s *Service) Complete(ctx context.Context, rideID string) error {
	sess, _ := s.lookup(rideID)
	if sess == nil {
		return ErrSessionNotFound
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if err := s.coord.Complete(ctx, sess); err != nil {
		return err
	}
	s.journal.RideUpdated(sess.record())
	return nil
}

// ListPending returns the rides for which driverID holds an open offer.
func (s *Service) ListPending(driverID string) []models.RideRequest {
	now := s.clock.Now()
	out := []models.RideRequest{}
	for _, sess := range s.activeSessions() {
		sess.mu.Lock()
		if o := sess.pendingOffer(); o != nil && o.DriverID == driverID && now.Before(o.ExpiresAt) {
			out = append(out, sess.view().Ride)
		}
		sess.mu.Unlock()
	}
	return out
}

// Get returns the session of a ride, active or archived.
func (s *Service) Get(rideID string) (models.Session, error) {
	sess, _ := s.lookup(rideID)
	if sess == nil {
		return models.Session{}, ErrSessionNotFound
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.view(), nil
}

// Sweep expires overdue offers and sessions as of now, then prunes the
// archive.
func (s *Service) Sweep(ctx context.Context) {
	start := time.Now()
	now := s.clock.Now()
	var finished []string
	for _, sess := range s.activeSessions() {
		done := s.apply(sess, func() {
			s.coord.Expire(ctx, sess, now)
		})
		if done {
			finished = append(finished, sess.ride.ID)
		}
	}
	for _, id := range finished {
		s.archive(id)
	}
	s.prune(now)
	s.updateGauges()
	observability.SweepDuration.Observe(time.Since(start).Seconds())
}

// Run sweeps on every tick until ctx is done.
func (s *Service) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Shutdown fails every active session so their drivers are released and the
// ride owner can retry elsewhere.
func (s *Service) Shutdown(ctx context.Context) {
	for _, sess := range s.activeSessions() {
		done := s.apply(sess, func() {
			if sess.terminal() {
				return
			}
			s.coord.withdraw(sess, s.clock.Now())
			s.coord.finish(ctx, sess, models.RideFailed, "dispatcher shutting down")
		})
		if done {
			s.archive(sess.ride.ID)
		}
	}
}

// HeldReservations maps each driver a live session holds to that session's id.
func (s *Service) HeldReservations() map[string]string {
	s.mu.RLock()
	all := make([]*Session, 0, len(s.active)+len(s.archived))
	for _, sess := range s.active {
		all = append(all, sess)
	}
	for _, sess := range s.archived {
		all = append(all, sess)
	}
	s.mu.RUnlock()

	out := make(map[string]string)
	for _, sess := range all {
		sess.mu.Lock()
		if d := sess.heldDriver(); d != "" {
			out[d] = sess.id
		}
		sess.mu.Unlock()
	}
	return out
}

// apply runs fn under the session lock, journals a status change, and
// reports whether the session is terminal. The ride id never changes after
// creation so callers may read it once the lock is released.
func (s *Service) apply(sess *Session, fn func()) bool {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	before := sess.status()
	fn()
	if sess.status() != before {
		s.journal.RideUpdated(sess.record())
	}
	return sess.terminal()
}

func (s *Service) lookup(rideID string) (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if sess, ok := s.active[rideID]; ok {
		return sess, true
	}
	if sess, ok := s.archived[rideID]; ok {
		return sess, false
	}
	return nil, false
}

func (s *Service) activeSessions() []*Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Session, 0, len(s.active))
	for _, sess := range s.active {
		out = append(out, sess)
	}
	return out
}

func (s *Service) archive(rideID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.active[rideID]; ok {
		delete(s.active, rideID)
		s.archived[rideID] = sess
	}
}

// prune drops archived sessions older than the retention window. A matched
// ride whose trip has not completed still holds its driver and is kept.
func (s *Service) prune(now time.Time) {
	s.mu.RLock()
	candidates := make(map[string]*Session, len(s.archived))
	for id, sess := range s.archived {
		candidates[id] = sess
	}
	s.mu.RUnlock()

	var drop []string
	for id, sess := range candidates {
		sess.mu.Lock()
		expired := now.Sub(sess.closedAt) > s.cfg.ArchiveRetention
		holding := sess.heldDriver() != ""
		sess.mu.Unlock()
		if expired && !holding {
			drop = append(drop, id)
		}
	}
	if len(drop) == 0 {
		return
	}
	s.mu.Lock()
	for _, id := range drop {
		delete(s.archived, id)
	}
	s.mu.Unlock()
}

func (s *Service) updateGauges() {
	s.mu.RLock()
	observability.ActiveSessions.Set(float64(len(s.active)))
	s.mu.RUnlock()
	if s.registry == nil {
		return
	}
	st := s.registry.Stats()
	observability.DriversOnline.Set(float64(st.Online))
	observability.DriversBusy.Set(float64(st.Busy))
	observability.DriversDispatchable.Set(float64(st.Dispatchable))
}
