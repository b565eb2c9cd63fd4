package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/registry"
	"github.com/example/ride-dispatch/internal/storage"
)

func TestRestoreDriversClearsReservations(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	ts := time.Now()
	_ = store.SaveDriver(ctx, models.Driver{ID: "d1", Status: models.DriverBusy, VerificationStatus: models.VerificationApproved, Loc: models.Coord{Lat: 1, Lon: 2}, LastLocationUpdate: ts})
	_ = store.SaveDriver(ctx, models.Driver{ID: "d2", Status: models.DriverOffline})
	_ = store.SaveDriver(ctx, models.Driver{ID: "d3", Status: "parked"})

	reg := registry.New(registry.Config{StaleAfter: time.Minute})
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if err := restoreDrivers(ctx, reg, store, logger); err != nil {
		t.Fatal(err)
	}
	d1, err := reg.Get("d1")
	if err != nil || d1.Status != models.DriverOnline {
		t.Fatalf("expected d1 online, got %+v (%v)", d1, err)
	}
	if d2, _ := reg.Get("d2"); d2.Status != models.DriverOffline {
		t.Fatalf("expected d2 offline, got %s", d2.Status)
	}
	if _, err := reg.Get("d3"); !errors.Is(err, registry.ErrUnknownDriver) {
		t.Fatalf("invalid record should be skipped, got %v", err)
	}
	if len(reg.Reservations()) != 0 {
		t.Fatal("no reservation may survive a restart")
	}
}

func TestReadinessJoinsChecks(t *testing.T) {
	ok := func(context.Context) error { return nil }
	down := errors.New("redis down")
	if err := readiness([]func(context.Context) error{ok, ok})(context.Background()); err != nil {
		t.Fatalf("expected ready, got %v", err)
	}
	err := readiness([]func(context.Context) error{ok, func(context.Context) error { return down }})(context.Background())
	if !errors.Is(err, down) {
		t.Fatalf("expected %v, got %v", down, err)
	}
	if err := readiness(nil)(context.Background()); err != nil {
		t.Fatalf("no checks means ready, got %v", err)
	}
}
