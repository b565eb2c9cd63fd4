package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/clock"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

var (
	ErrInvalidLocation         = geo.ErrInvalidLocation
	ErrUnknownDriver           = errors.New("unknown driver")
	ErrDriverUnavailable       = errors.New("driver unavailable")
	ErrInvalidStatusTransition = errors.New("invalid driver status transition")
	ErrInvalidStatus           = errors.New("invalid status value")
)

// Journal receives a copy of every driver mutation. Implementations must not
// block; the registry calls it while holding the driver's lock.
type Journal interface {
	RecordDriver(d models.Driver)
}

type nopJournal struct{}

func (nopJournal) RecordDriver(models.Driver) {}

type Config struct {
	// StaleAfter is how old a location may be before the driver stops being
	// dispatchable.
	StaleAfter time.Duration
	Clock      clock.Clock
	Journal    Journal
	Logger     *slog.Logger
}

type entry struct {
	mu     sync.Mutex
	d      models.Driver
	caps   map[string]struct{}
	holder string
}

// Registry is the live state of every known driver. The map lock only guards
// membership; each driver has its own lock so reservations on different
// drivers never contend.
type Registry struct {
	mu         sync.RWMutex
	drivers    map[string]*entry
	staleAfter time.Duration
	clock      clock.Clock
	journal    Journal
	logger     *slog.Logger
}

func New(cfg Config) *Registry {
	r := &Registry{
		drivers:    make(map[string]*entry),
		staleAfter: cfg.StaleAfter,
		clock:      cfg.Clock,
		journal:    cfg.Journal,
		logger:     cfg.Logger,
	}
	if r.staleAfter <= 0 {
		r.staleAfter = 30 * time.Second
	}
	if r.clock == nil {
		r.clock = clock.Real{}
	}
	if r.journal == nil {
		r.journal = nopJournal{}
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	return r
}

// Register adds a driver or refreshes the durable fields of a known one. A
// known driver's status goes through the same transition checks as SetStatus.
func (r *Registry) Register(d models.Driver) error {
	if d.ID == "" {
		return fmt.Errorf("%w: empty id", ErrUnknownDriver)
	}
	if d.Status == "" {
		d.Status = models.DriverOffline
	}
	if d.VerificationStatus == "" {
		d.VerificationStatus = models.VerificationPending
	}
	if !d.Status.Valid() || !d.VerificationStatus.Valid() {
		return ErrInvalidStatus
	}
	if !d.LastLocationUpdate.IsZero() {
		if err := geo.Validate(d.Loc.Lat, d.Loc.Lon); err != nil {
			return err
		}
	}

	r.mu.Lock()
	e, ok := r.drivers[d.ID]
	if !ok {
		if d.Status == models.DriverBusy {
			r.mu.Unlock()
			return fmt.Errorf("%w: cannot register %s as busy", ErrInvalidStatusTransition, d.ID)
		}
		e = &entry{d: d, caps: capSet(d.Capabilities)}
		e.d.Capabilities = slices.Clone(d.Capabilities)
		r.drivers[d.ID] = e
		r.mu.Unlock()
		e.mu.Lock()
		r.journal.RecordDriver(e.snapshot())
		e.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := checkTransition(e.d.Status, d.Status); err != nil {
		return err
	}
	e.d.Status = d.Status
	e.d.VerificationStatus = d.VerificationStatus
	e.d.IsLocationActive = d.IsLocationActive
	e.d.Capabilities = slices.Clone(d.Capabilities)
	e.caps = capSet(d.Capabilities)
	if !d.LastLocationUpdate.IsZero() && !d.LastLocationUpdate.Before(e.d.LastLocationUpdate) {
		e.d.Loc = d.Loc
		e.d.LastLocationUpdate = d.LastLocationUpdate
	}
	r.journal.RecordDriver(e.snapshot())
	return nil
}

func (r *Registry) Get(id string) (models.Driver, error) {
	e, err := r.lookup(id)
	if err != nil {
		return models.Driver{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshot(), nil
}

// UpdateLocation applies a location ping with last-write-wins semantics on
// ts. Pings older than the stored one are dropped without error.
func (r *Registry) UpdateLocation(id string, lat, lon float64, ts time.Time) error {
	if err := geo.Validate(lat, lon); err != nil {
		return err
	}
	e, err := r.lookup(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if ts.Before(e.d.LastLocationUpdate) {
		observability.LocationUpdatesDiscarded.Inc()
		r.logger.Debug("stale location update discarded", "driver_id", id, "ts", ts, "stored_ts", e.d.LastLocationUpdate)
		return nil
	}
	e.d.Loc = models.Coord{Lat: lat, Lon: lon}
	e.d.LastLocationUpdate = ts
	r.journal.RecordDriver(e.snapshot())
	return nil
}

func (r *Registry) SetActive(id string, active bool) error {
	e, err := r.lookup(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.d.IsLocationActive == active {
		return nil
	}
	e.d.IsLocationActive = active
	r.journal.RecordDriver(e.snapshot())
	return nil
}

// SetStatus moves a driver between offline and online. Busy is only entered
// and left through Reserve and Release.
func (r *Registry) SetStatus(id string, status models.DriverStatus) error {
	if !status.Valid() {
		return ErrInvalidStatus
	}
	e, err := r.lookup(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := checkTransition(e.d.Status, status); err != nil {
		return err
	}
	if e.d.Status == status {
		return nil
	}
	e.d.Status = status
	r.journal.RecordDriver(e.snapshot())
	return nil
}

func (r *Registry) SetVerification(id string, v models.VerificationStatus) error {
	if !v.Valid() {
		return ErrInvalidStatus
	}
	e, err := r.lookup(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.d.VerificationStatus == v {
		return nil
	}
	e.d.VerificationStatus = v
	r.journal.RecordDriver(e.snapshot())
	return nil
}

// Reserve claims a dispatchable driver for holder and flips it to busy.
// Exactly one of any number of concurrent callers can win.
func (r *Registry) Reserve(id, holder string) error {
	e, err := r.lookup(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.holder != "" || !r.dispatchable(e, r.clock.Now()) {
		return fmt.Errorf("%w: %s", ErrDriverUnavailable, id)
	}
	e.holder = holder
	e.d.Status = models.DriverBusy
	r.journal.RecordDriver(e.snapshot())
	return nil
}

// Release returns a driver reserved by holder to online. Releasing a driver
// held by someone else, or releasing twice, does nothing and reports false.
func (r *Registry) Release(id, holder string) bool {
	e, err := r.lookup(id)
	if err != nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.holder == "" || e.holder != holder {
		return false
	}
	e.holder = ""
	e.d.Status = models.DriverOnline
	r.journal.RecordDriver(e.snapshot())
	return true
}

// HeldBy reports whether holder currently owns the driver's reservation.
func (r *Registry) HeldBy(id, holder string) bool {
	e, err := r.lookup(id)
	if err != nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.holder != "" && e.holder == holder && e.d.Status == models.DriverBusy
}

// Reservations maps every reserved driver to its holder.
func (r *Registry) Reservations() map[string]string {
	out := make(map[string]string)
	for _, e := range r.entries() {
		e.mu.Lock()
		if e.holder != "" {
			out[e.d.ID] = e.holder
		}
		e.mu.Unlock()
	}
	return out
}

type Stats struct {
	Registered   int
	Online       int
	Busy         int
	Dispatchable int
}

func (r *Registry) Stats() Stats {
	now := r.clock.Now()
	var s Stats
	for _, e := range r.entries() {
		e.mu.Lock()
		s.Registered++
		switch e.d.Status {
		case models.DriverOnline:
			s.Online++
		case models.DriverBusy:
			s.Busy++
		}
		if e.holder == "" && r.dispatchable(e, now) {
			s.Dispatchable++
		}
		e.mu.Unlock()
	}
	return s
}

// Hydrate replays mirrored locations into the registry, skipping drivers it
// does not know. It returns how many events were applied.
func (r *Registry) Hydrate(events []models.LocationEvent) int {
	n := 0
	for _, ev := range events {
		if err := r.UpdateLocation(ev.DriverID, ev.Lat, ev.Lon, ev.Timestamp); err != nil {
			continue
		}
		n++
	}
	return n
}

func (r *Registry) lookup(id string) (*entry, error) {
	r.mu.RLock()
	e, ok := r.drivers[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDriver, id)
	}
	return e, nil
}

func (r *Registry) entries() []*entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*entry, 0, len(r.drivers))
	for _, e := range r.drivers {
		out = append(out, e)
	}
	return out
}

// dispatchable must be called with e.mu held.
func (r *Registry) dispatchable(e *entry, now time.Time) bool {
	d := &e.d
	if d.Status != models.DriverOnline || d.VerificationStatus != models.VerificationApproved || !d.IsLocationActive {
		return false
	}
	if d.LastLocationUpdate.IsZero() {
		return false
	}
	return now.Sub(d.LastLocationUpdate) <= r.staleAfter
}

func (e *entry) snapshot() models.Driver {
	d := e.d
	d.Capabilities = slices.Clone(e.d.Capabilities)
	return d
}

func (e *entry) hasAll(caps []string) bool {
	for _, c := range caps {
		if _, ok := e.caps[c]; !ok {
			return false
		}
	}
	return true
}

func checkTransition(from, to models.DriverStatus) error {
	if from == to {
		return nil
	}
	switch {
	case from == models.DriverOffline && to == models.DriverOnline,
		from == models.DriverOnline && to == models.DriverOffline:
		return nil
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidStatusTransition, from, to)
}

func capSet(caps []string) map[string]struct{} {
	out := make(map[string]struct{}, len(caps))
	for _, c := range caps {
		out[c] = struct{}{}
	}
	return out
}
