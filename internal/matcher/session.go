package matcher

import (
	"slices"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// Session is the dispatch state machine for one ride request. Every method
// below requires mu to be held by the caller.
type Session struct {
	mu sync.Mutex

	id        string
	ride      models.RideRequest
	attempted []string
	excluded  map[string]struct{}
	offers    []models.MatchOffer
	current   int // index of the open or accepted offer, -1 if none
	driverID  string
	reason    string
	completed bool

	createdAt time.Time
	updatedAt time.Time
	closedAt  time.Time
	doneAt    time.Time
	deadline  time.Time
}

func newSession(id string, ride models.RideRequest, now time.Time, ttl time.Duration) *Session {
	s := &Session{
		id:        id,
		ride:      ride,
		excluded:  make(map[string]struct{}),
		current:   -1,
		createdAt: now,
		updatedAt: now,
	}
	if ttl > 0 {
		s.deadline = now.Add(ttl)
	}
	return s
}

func (s *Session) status() models.RideStatus { return s.ride.Status }

func (s *Session) terminal() bool { return s.ride.Status.Terminal() }

func (s *Session) attempt(driverID string) {
	s.attempted = append(s.attempted, driverID)
	s.excluded[driverID] = struct{}{}
}

// pendingOffer returns the open offer, or nil.
func (s *Session) pendingOffer() *models.MatchOffer {
	if s.current < 0 {
		return nil
	}
	o := &s.offers[s.current]
	if o.State != models.OfferPending {
		return nil
	}
	return o
}

func (s *Session) openOffer(o models.MatchOffer) {
	o.State = models.OfferPending
	s.offers = append(s.offers, o)
	s.current = len(s.offers) - 1
	s.ride.Status = models.RideOffering
	s.updatedAt = o.OfferedAt
}

func (s *Session) recordDeclined(driverID string, now time.Time) {
	s.offers = append(s.offers, models.MatchOffer{
		RideID:     s.ride.ID,
		DriverID:   driverID,
		State:      models.OfferDeclined,
		OfferedAt:  now,
		ResolvedAt: now,
	})
	s.updatedAt = now
}

// resolve closes the open offer with state. Only an accepted offer stays
// current.
func (s *Session) resolve(state models.OfferState, now time.Time) *models.MatchOffer {
	o := s.pendingOffer()
	if o == nil {
		return nil
	}
	o.State = state
	o.ResolvedAt = now
	if state != models.OfferAccepted {
		s.current = -1
	}
	s.updatedAt = now
	return o
}

func (s *Session) finish(status models.RideStatus, reason string, now time.Time) {
	s.ride.Status = status
	s.reason = reason
	s.closedAt = now
	s.updatedAt = now
}

// heldDriver is the driver this session believes it has reserved.
func (s *Session) heldDriver() string {
	if o := s.pendingOffer(); o != nil {
		return o.DriverID
	}
	if s.ride.Status == models.RideMatched && !s.completed {
		return s.driverID
	}
	return ""
}

func (s *Session) pastDeadline(now time.Time) bool {
	return !s.deadline.IsZero() && !now.Before(s.deadline)
}

func (s *Session) record() models.Ride {
	return models.Ride{
		ID:          s.ride.ID,
		RiderID:     s.ride.RiderID,
		DriverID:    s.driverID,
		Origin:      s.ride.Origin,
		Destination: s.ride.Destination,
		Status:      s.ride.Status,
		Reason:      s.reason,
		Completed:   s.completed,
		CreatedAt:   s.createdAt,
		UpdatedAt:   s.updatedAt,
		CompletedAt: s.doneAt,
	}
}

func (s *Session) view() models.Session {
	v := models.Session{
		ID:        s.id,
		Ride:      s.ride,
		Attempted: slices.Clone(s.attempted),
		Offers:    slices.Clone(s.offers),
		DriverID:  s.driverID,
		Reason:    s.reason,
		Completed: s.completed,
		CreatedAt: s.createdAt,
		UpdatedAt: s.updatedAt,
	}
	v.Ride.Constraints.RequiredCapabilities = slices.Clone(s.ride.Constraints.RequiredCapabilities)
	if s.current >= 0 {
		o := s.offers[s.current]
		v.CurrentOffer = &o
	}
	return v
}
