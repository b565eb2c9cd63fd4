package dispatch

import (
	"context"
	"errors"
	"log/slog"

	"github.com/example/ride-dispatch/internal/models"
)

// Notifier pushes offers to drivers and terminal outcomes to riders and the
// ride owner. Delivery is best effort.
type Notifier interface {
	NotifyOffer(ctx context.Context, n models.OfferNotice) error
	NotifyOutcome(ctx context.Context, o models.Outcome) error
}

// Fanout delivers to every wrapped notifier and joins their errors.
type Fanout []Notifier

func (f Fanout) NotifyOffer(ctx context.Context, n models.OfferNotice) error {
	var errs []error
	for _, t := range f {
		if err := t.NotifyOffer(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f Fanout) NotifyOutcome(ctx context.Context, o models.Outcome) error {
	var errs []error
	for _, t := range f {
		if err := t.NotifyOutcome(ctx, o); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogNotifier only logs. It is the fallback when no transport is configured.
type LogNotifier struct {
	Logger *slog.Logger
}

func (l LogNotifier) NotifyOffer(ctx context.Context, n models.OfferNotice) error {
	l.Logger.Info("offer", "ride_id", n.Ride.ID, "driver_id", n.Offer.DriverID, "expires_at", n.Offer.ExpiresAt)
	return nil
}

func (l LogNotifier) NotifyOutcome(ctx context.Context, o models.Outcome) error {
	l.Logger.Info("outcome", "ride_id", o.RideID, "status", o.Status, "driver_id", o.DriverID, "reason", o.Reason)
	return nil
}
