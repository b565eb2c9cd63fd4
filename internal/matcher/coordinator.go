package matcher

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/example/ride-dispatch/internal/clock"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/registry"
)

// Reserver is the registry's reservation surface.
type Reserver interface {
	Reserve(driverID, holder string) error
	Release(driverID, holder string) bool
	HeldBy(driverID, holder string) bool
}

type CandidateSource interface {
	Next(pickup models.Coord, c models.Constraints, excluded map[string]struct{}) (registry.Candidate, bool)
}

type ETA interface {
	Estimate(from, to models.Coord) float64
}

type CoordinatorConfig struct {
	OfferTimeout time.Duration
	// MaxAttempts caps the number of drivers tried per session. Zero means
	// the session runs until candidates are exhausted.
	MaxAttempts int
}

// Coordinator drives the offer state machine of a session: it opens offers,
// handles responses and timeouts, and moves on to the next candidate until
// the session ends. Every method expects the session lock to be held.
type Coordinator struct {
	registry Reserver
	selector CandidateSource
	notifier dispatch.Notifier
	eta      ETA
	clock    clock.Clock
	cfg      CoordinatorConfig
	logger   *slog.Logger
}

func NewCoordinator(reg Reserver, sel CandidateSource, n dispatch.Notifier, eta ETA, clk clock.Clock, cfg CoordinatorConfig, logger *slog.Logger) *Coordinator {
	if cfg.OfferTimeout <= 0 {
		cfg.OfferTimeout = 15 * time.Second
	}
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{registry: reg, selector: sel, notifier: n, eta: eta, clock: clk, cfg: cfg, logger: logger}
}

// MakeOffer reserves cand for the session and opens an offer to it. If the
// driver cannot be reserved it is recorded as declined and
// ErrDriverUnavailable is returned.
func (c *Coordinator) MakeOffer(ctx context.Context, s *Session, cand registry.Candidate) error {
	now := c.clock.Now()
	s.attempt(cand.DriverID)
	if err := c.registry.Reserve(cand.DriverID, s.id); err != nil {
		if errors.Is(err, registry.ErrDriverUnavailable) || errors.Is(err, registry.ErrUnknownDriver) {
			s.recordDeclined(cand.DriverID, now)
			observability.ReserveConflicts.Inc()
			c.logger.Debug("candidate unavailable", "session_id", s.id, "ride_id", s.ride.ID, "driver_id", cand.DriverID)
			return ErrDriverUnavailable
		}
		return err
	}

	offer := models.MatchOffer{
		RideID:    s.ride.ID,
		DriverID:  cand.DriverID,
		OfferedAt: now,
		ExpiresAt: now.Add(c.cfg.OfferTimeout),
		DistanceM: cand.DistanceM,
	}
	if c.eta != nil {
		offer.ETA = c.eta.Estimate(cand.Loc, s.ride.Origin)
	}
	s.openOffer(offer)
	observability.OffersMade.Inc()
	c.logger.Info("offer opened", "session_id", s.id, "ride_id", s.ride.ID, "driver_id", cand.DriverID, "distance_m", cand.DistanceM, "expires_at", offer.ExpiresAt)

	if c.notifier != nil {
		_ = c.notifier.NotifyOffer(ctx, models.OfferNotice{SessionID: s.id, Ride: s.ride, Offer: *s.pendingOffer()})
	}
	return nil
}

// Advance offers the ride to the best remaining candidate, skipping drivers
// that cannot be reserved, and fails the session once none are left.
func (c *Coordinator) Advance(ctx context.Context, s *Session) {
	for !s.terminal() {
		if s.pendingOffer() != nil {
			return
		}
		if s.pastDeadline(c.clock.Now()) {
			c.finish(ctx, s, models.RideExpired, "request ttl elapsed")
			return
		}
		if c.cfg.MaxAttempts > 0 && len(s.attempted) >= c.cfg.MaxAttempts {
			c.finish(ctx, s, models.RideFailed, ErrNoDriverAvailable.Error())
			return
		}
		cand, ok := c.selector.Next(s.ride.Origin, s.ride.Constraints, s.excluded)
		if !ok {
			c.finish(ctx, s, models.RideFailed, ErrNoDriverAvailable.Error())
			return
		}
		err := c.MakeOffer(ctx, s, cand)
		if err == nil {
			return
		}
		if errors.Is(err, ErrDriverUnavailable) {
			continue
		}
		c.failSafe(ctx, s, err)
		return
	}
}

// Respond applies a driver's answer to the open offer. Answers for offers
// that are no longer open, or that belong to another driver, get
// ErrStaleOffer and change nothing. An answer that arrives after the
// offer deadline expires the offer, and one that arrives after the request
// deadline expires the whole session.
func (c *Coordinator) Respond(ctx context.Context, s *Session, driverID string, accept bool) error {
	if s.terminal() {
		return ErrStaleOffer
	}
	if now := c.clock.Now(); s.pastDeadline(now) {
		c.withdraw(s, now)
		c.finish(ctx, s, models.RideExpired, "request ttl elapsed")
		return ErrStaleOffer
	}
	o := s.pendingOffer()
	if o == nil || o.DriverID != driverID {
		return ErrStaleOffer
	}
	now := c.clock.Now()
	if !now.Before(o.ExpiresAt) {
		c.expireOffer(ctx, s, now)
		return ErrStaleOffer
	}

	if !accept {
		c.registry.Release(driverID, s.id)
		s.resolve(models.OfferRejected, now)
		observability.OffersResolved.WithLabelValues(string(models.OfferRejected)).Inc()
		c.logger.Info("offer rejected", "session_id", s.id, "ride_id", s.ride.ID, "driver_id", driverID)
		c.Advance(ctx, s)
		return nil
	}

	if !c.registry.HeldBy(driverID, s.id) {
		c.failSafe(ctx, s, ErrInconsistentState)
		return ErrInconsistentState
	}
	s.resolve(models.OfferAccepted, now)
	s.driverID = driverID
	observability.OffersResolved.WithLabelValues(string(models.OfferAccepted)).Inc()
	observability.MatchesTotal.Inc()
	observability.MatchLatency.Observe(now.Sub(s.createdAt).Seconds())
	c.finish(ctx, s, models.RideMatched, "")
	return nil
}

// Expire handles the passage of time up to now: an overdue offer is expired
// and the session advances, and a session past its deadline ends expired.
// It reports whether anything changed.
func (c *Coordinator) Expire(ctx context.Context, s *Session, now time.Time) bool {
	if s.terminal() {
		return false
	}
	if s.pastDeadline(now) {
		c.withdraw(s, now)
		c.finish(ctx, s, models.RideExpired, "request ttl elapsed")
		return true
	}
	o := s.pendingOffer()
	if o == nil || now.Before(o.ExpiresAt) {
		return false
	}
	c.expireOffer(ctx, s, now)
	return true
}

// Cancel withdraws any open offer and ends the session cancelled.
func (c *Coordinator) Cancel(ctx context.Context, s *Session) error {
	if s.terminal() {
		return ErrRequestNotPending
	}
	c.withdraw(s, c.clock.Now())
	c.finish(ctx, s, models.RideCancelled, "cancelled")
	return nil
}

// Complete releases the driver of a matched ride once the trip is over.
func (c *Coordinator) Complete(ctx context.Context, s *Session) error {
	if s.status() != models.RideMatched || s.completed {
		return ErrNotMatched
	}
	now := c.clock.Now()
	c.registry.Release(s.driverID, s.id)
	s.completed = true
	s.doneAt = now
	s.updatedAt = now
	c.logger.Info("ride completed", "session_id", s.id, "ride_id", s.ride.ID, "driver_id", s.driverID)
	return nil
}

func (c *Coordinator) expireOffer(ctx context.Context, s *Session, now time.Time) {
	o := s.pendingOffer()
	if o == nil {
		return
	}
	driverID := o.DriverID
	c.registry.Release(driverID, s.id)
	s.resolve(models.OfferExpired, now)
	observability.OffersResolved.WithLabelValues(string(models.OfferExpired)).Inc()
	c.logger.Info("offer expired", "session_id", s.id, "ride_id", s.ride.ID, "driver_id", driverID)
	c.Advance(ctx, s)
}

// withdraw closes an open offer without advancing.
func (c *Coordinator) withdraw(s *Session, now time.Time) {
	o := s.pendingOffer()
	if o == nil {
		return
	}
	c.registry.Release(o.DriverID, s.id)
	s.resolve(models.OfferWithdrawn, now)
	observability.OffersResolved.WithLabelValues(string(models.OfferWithdrawn)).Inc()
}

// failSafe ends the session after an internal fault, releasing whatever it
// holds so no reservation outlives it.
func (c *Coordinator) failSafe(ctx context.Context, s *Session, cause error) {
	now := c.clock.Now()
	if held := s.heldDriver(); held != "" {
		c.registry.Release(held, s.id)
	}
	s.resolve(models.OfferWithdrawn, now)
	c.logger.Error("dispatch session failed on internal fault", "session_id", s.id, "ride_id", s.ride.ID, "error", cause)
	c.finish(ctx, s, models.RideFailed, ErrInconsistentState.Error())
}

func (c *Coordinator) finish(ctx context.Context, s *Session, status models.RideStatus, reason string) {
	now := c.clock.Now()
	s.finish(status, reason, now)
	observability.SessionOutcomes.WithLabelValues(string(status)).Inc()
	c.logger.Info("dispatch session closed", "session_id", s.id, "ride_id", s.ride.ID, "status", status, "driver_id", s.driverID, "reason", reason, "attempts", len(s.attempted))
	if c.notifier != nil {
		_ = c.notifier.NotifyOutcome(ctx, models.Outcome{
			SessionID: s.id,
			RideID:    s.ride.ID,
			RiderID:   s.ride.RiderID,
			Status:    status,
			DriverID:  s.driverID,
			Reason:    reason,
			At:        now,
		})
	}
}
