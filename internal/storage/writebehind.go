package storage

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

type rideOp struct {
	ride   models.Ride
	create bool
}

// WriteBehind persists registry and session mutations off the hot path.
// Driver records are coalesced per driver so a burst of location pings costs
// one write per flush; ride records are queued in order and dropped when the
// queue is full.
type WriteBehind struct {
	drivers    DriverStore
	rides      TripStore
	flushEvery time.Duration
	logger     *slog.Logger

	mu      sync.Mutex
	pending map[string]models.Driver

	rideQ chan rideOp
}

func NewWriteBehind(drivers DriverStore, rides TripStore, queueSize int, flushEvery time.Duration, logger *slog.Logger) *WriteBehind {
	if queueSize <= 0 {
		queueSize = 4096
	}
	if flushEvery <= 0 {
		flushEvery = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WriteBehind{
		drivers:    drivers,
		rides:      rides,
		flushEvery: flushEvery,
		logger:     logger,
		pending:    make(map[string]models.Driver),
		rideQ:      make(chan rideOp, queueSize),
	}
}

func (w *WriteBehind) RecordDriver(d models.Driver) {
	w.mu.Lock()
	w.pending[d.ID] = d
	w.mu.Unlock()
}

func (w *WriteBehind) RideCreated(r models.Ride) { w.enqueue(rideOp{ride: r, create: true}) }

func (w *WriteBehind) RideUpdated(r models.Ride) { w.enqueue(rideOp{ride: r}) }

func (w *WriteBehind) enqueue(op rideOp) {
	select {
	case w.rideQ <- op:
	default:
		observability.PersistDropped.Inc()
		w.logger.Warn("persist queue full, dropping ride record", "ride_id", op.ride.ID, "status", op.ride.Status)
	}
}

// Run flushes until ctx is cancelled, then performs a final flush.
func (w *WriteBehind) Run(ctx context.Context) {
	ticker := time.NewTicker(w.flushEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			w.drain()
			return
		case op := <-w.rideQ:
			w.writeRide(op)
		case <-ticker.C:
			w.FlushDrivers(context.Background())
		}
	}
}

func (w *WriteBehind) drain() {
	for {
		select {
		case op := <-w.rideQ:
			w.writeRide(op)
		default:
			w.FlushDrivers(context.Background())
			return
		}
	}
}

// FlushDrivers writes every coalesced driver record. Failed writes are put
// back unless a newer record arrived meanwhile.
func (w *WriteBehind) FlushDrivers(ctx context.Context) {
	w.mu.Lock()
	batch := w.pending
	w.pending = make(map[string]models.Driver, len(batch))
	w.mu.Unlock()

	for id, d := range batch {
		if err := w.drivers.SaveDriver(ctx, d); err != nil {
			observability.PersistErrors.Inc()
			w.logger.Error("persist driver failed", "driver_id", id, "error", err)
			w.mu.Lock()
			if _, newer := w.pending[id]; !newer {
				w.pending[id] = d
			}
			w.mu.Unlock()
		}
	}
}

func (w *WriteBehind) writeRide(op rideOp) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var err error
	if op.create {
		err = w.rides.SaveRide(ctx, op.ride)
	} else {
		err = w.rides.UpdateRide(ctx, op.ride)
	}
	if err != nil {
		observability.PersistErrors.Inc()
		w.logger.Error("persist ride failed", "ride_id", op.ride.ID, "status", op.ride.Status, "error", err)
	}
}
