package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

type job struct {
	offer   *models.OfferNotice
	outcome *models.Outcome
}

// Async queues notifications for a pool of workers so callers holding
// session locks never wait on a transport. When the queue is full the
// notification is dropped and counted.
type Async struct {
	next    Notifier
	queue   chan job
	workers int
	timeout time.Duration
	logger  *slog.Logger
	wg      sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

func NewAsync(next Notifier, size, workers int, logger *slog.Logger) *Async {
	if size <= 0 {
		size = 1024
	}
	if workers <= 0 {
		workers = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Async{next: next, queue: make(chan job, size), workers: workers, timeout: 5 * time.Second, logger: logger}
}

// Start launches the workers. They drain the queue and exit after Close.
func (a *Async) Start() {
	for i := 0; i < a.workers; i++ {
		a.wg.Add(1)
		go a.work()
	}
}

// Close stops accepting work and waits for queued notifications to flush.
func (a *Async) Close() {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.mu.Unlock()
	a.wg.Wait()
}

func (a *Async) NotifyOffer(ctx context.Context, n models.OfferNotice) error {
	a.enqueue(job{offer: &n}, "offer")
	return nil
}

func (a *Async) NotifyOutcome(ctx context.Context, o models.Outcome) error {
	a.enqueue(job{outcome: &o}, "outcome")
	return nil
}

func (a *Async) enqueue(j job, kind string) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		observability.NotificationsDropped.WithLabelValues(kind).Inc()
		return
	}
	select {
	case a.queue <- j:
	default:
		observability.NotificationsDropped.WithLabelValues(kind).Inc()
		a.logger.Warn("notification queue full, dropping", "kind", kind)
	}
}

func (a *Async) work() {
	defer a.wg.Done()
	for j := range a.queue {
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		switch {
		case j.offer != nil:
			if err := a.next.NotifyOffer(ctx, *j.offer); err != nil {
				a.logger.Warn("offer notification failed", "ride_id", j.offer.Ride.ID, "driver_id", j.offer.Offer.DriverID, "error", err)
			}
		case j.outcome != nil:
			if err := a.next.NotifyOutcome(ctx, *j.outcome); err != nil {
				a.logger.Warn("outcome notification failed", "ride_id", j.outcome.RideID, "status", j.outcome.Status, "error", err)
			}
		}
		cancel()
	}
}
