package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

type flakyDrivers struct {
	mu    sync.Mutex
	fail  int
	saved []models.Driver
}

func (f *flakyDrivers) LoadDrivers(ctx context.Context) ([]models.Driver, error) { return nil, nil }

func (f *flakyDrivers) SaveDriver(ctx context.Context, d models.Driver) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail > 0 {
		f.fail--
		return errors.New("db down")
	}
	f.saved = append(f.saved, d)
	return nil
}

func TestMemoryStoreRides(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	r := models.Ride{ID: "r1", Status: models.RidePending}
	_ = m.SaveRide(ctx, r)
	r.Status = models.RideMatched
	r.DriverID = "d1"
	_ = m.UpdateRide(ctx, r)
	got, ok := m.Get("r1")
	if !ok || got.Status != models.RideMatched || got.DriverID != "d1" {
		t.Fatalf("unexpected ride %+v", got)
	}
}

func TestMemoryStoreDriversSorted(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	_ = m.SaveDriver(ctx, models.Driver{ID: "b"})
	_ = m.SaveDriver(ctx, models.Driver{ID: "a", Capabilities: []string{"xl"}})
	ds, _ := m.LoadDrivers(ctx)
	if len(ds) != 2 || ds[0].ID != "a" || ds[1].ID != "b" {
		t.Fatalf("unexpected drivers %+v", ds)
	}
}

func TestWriteBehindCoalescesDrivers(t *testing.T) {
	mem := NewMemoryStore()
	w := NewWriteBehind(mem, mem, 8, time.Hour, nil)
	for i := 0; i < 10; i++ {
		w.RecordDriver(models.Driver{ID: "d1", Loc: models.Coord{Lat: float64(i)}})
	}
	w.FlushDrivers(context.Background())
	d, ok := mem.Driver("d1")
	if !ok || d.Loc.Lat != 9 {
		t.Fatalf("expected last record to win, got %+v", d)
	}
}

func TestWriteBehindRetainsFailedDriver(t *testing.T) {
	f := &flakyDrivers{fail: 1}
	w := NewWriteBehind(f, NewMemoryStore(), 8, time.Hour, nil)
	w.RecordDriver(models.Driver{ID: "d1"})
	w.FlushDrivers(context.Background())
	if len(f.saved) != 0 {
		t.Fatal("first flush should fail")
	}
	w.FlushDrivers(context.Background())
	if len(f.saved) != 1 {
		t.Fatalf("expected retry to persist, got %d", len(f.saved))
	}
}

func TestWriteBehindRunDrainsOnShutdown(t *testing.T) {
	mem := NewMemoryStore()
	w := NewWriteBehind(mem, mem, 8, time.Hour, nil)
	w.RideCreated(models.Ride{ID: "r1", Status: models.RidePending})
	w.RideUpdated(models.Ride{ID: "r1", Status: models.RideCancelled})
	w.RecordDriver(models.Driver{ID: "d1"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()
	cancel()
	<-done

	r, ok := mem.Get("r1")
	if !ok || r.Status != models.RideCancelled {
		t.Fatalf("expected cancelled ride persisted, got %+v", r)
	}
	if _, ok := mem.Driver("d1"); !ok {
		t.Fatal("expected driver persisted on shutdown")
	}
}

func TestWriteBehindDropsWhenFull(t *testing.T) {
	mem := NewMemoryStore()
	w := NewWriteBehind(mem, mem, 1, time.Hour, nil)
	w.RideCreated(models.Ride{ID: "r1"})
	w.RideCreated(models.Ride{ID: "r2"})
	w.drain()
	if _, ok := mem.Get("r2"); ok {
		t.Fatal("r2 should have been dropped")
	}
	if _, ok := mem.Get("r1"); !ok {
		t.Fatal("r1 should have been written")
	}
}
