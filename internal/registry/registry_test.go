package registry

import (
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/clock"
	"github.com/example/ride-dispatch/internal/models"
)

var t0 = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

type recordingJournal struct {
	mu      sync.Mutex
	records []models.Driver
}

func (j *recordingJournal) RecordDriver(d models.Driver) {
	j.mu.Lock()
	j.records = append(j.records, d)
	j.mu.Unlock()
}

func (j *recordingJournal) count() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.records)
}

func newTestRegistry(t *testing.T) (*Registry, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(t0)
	return New(Config{StaleAfter: 30 * time.Second, Clock: clk}), clk
}

func addEligible(t *testing.T, r *Registry, id string, lat, lon float64, ts time.Time, caps ...string) {
	t.Helper()
	err := r.Register(models.Driver{
		ID:                 id,
		Status:             models.DriverOnline,
		VerificationStatus: models.VerificationApproved,
		IsLocationActive:   true,
		Loc:                models.Coord{Lat: lat, Lon: lon},
		LastLocationUpdate: ts,
		Capabilities:       caps,
	})
	if err != nil {
		t.Fatalf("register %s: %v", id, err)
	}
}

func ids(r *Registry, center models.Coord, radius float64, caps ...string) []string {
	var out []string
	for c := range r.QueryEligible(center, radius, caps) {
		out = append(out, c.DriverID)
	}
	return out
}

func TestUpdateLocationDiscardsOlderTimestamp(t *testing.T) {
	r, _ := newTestRegistry(t)
	addEligible(t, r, "D1", 10.5, -66.9, t0)

	if err := r.UpdateLocation("D1", 11, -67, t0.Add(-time.Second)); err != nil {
		t.Fatalf("older update should not error: %v", err)
	}
	d, _ := r.Get("D1")
	if d.Loc.Lat != 10.5 || d.Loc.Lon != -66.9 || !d.LastLocationUpdate.Equal(t0) {
		t.Fatalf("older update was applied: %+v", d)
	}

	if err := r.UpdateLocation("D1", 10.6, -66.8, t0.Add(time.Second)); err != nil {
		t.Fatalf("newer update: %v", err)
	}
	d, _ = r.Get("D1")
	if d.Loc.Lat != 10.6 || !d.LastLocationUpdate.Equal(t0.Add(time.Second)) {
		t.Fatalf("newer update not applied: %+v", d)
	}
}

func TestUpdateLocationErrors(t *testing.T) {
	r, _ := newTestRegistry(t)
	addEligible(t, r, "D1", 0, 0, t0)
	if err := r.UpdateLocation("D1", 91, 0, t0); !errors.Is(err, ErrInvalidLocation) {
		t.Fatalf("expected ErrInvalidLocation, got %v", err)
	}
	if err := r.UpdateLocation("D1", 0, 181, t0); !errors.Is(err, ErrInvalidLocation) {
		t.Fatalf("expected ErrInvalidLocation, got %v", err)
	}
	if err := r.UpdateLocation("nobody", 0, 0, t0); !errors.Is(err, ErrUnknownDriver) {
		t.Fatalf("expected ErrUnknownDriver, got %v", err)
	}
}

func TestSettersUnknownDriver(t *testing.T) {
	r, _ := newTestRegistry(t)
	if err := r.SetActive("x", true); !errors.Is(err, ErrUnknownDriver) {
		t.Fatalf("SetActive: %v", err)
	}
	if err := r.SetStatus("x", models.DriverOnline); !errors.Is(err, ErrUnknownDriver) {
		t.Fatalf("SetStatus: %v", err)
	}
	if err := r.SetVerification("x", models.VerificationApproved); !errors.Is(err, ErrUnknownDriver) {
		t.Fatalf("SetVerification: %v", err)
	}
}

func TestSettersIdempotent(t *testing.T) {
	j := &recordingJournal{}
	r := New(Config{Clock: clock.NewManual(t0), Journal: j})
	addEligible(t, r, "D1", 0, 0, t0)
	before := j.count()
	for i := 0; i < 3; i++ {
		if err := r.SetStatus("D1", models.DriverOnline); err != nil {
			t.Fatal(err)
		}
		if err := r.SetActive("D1", true); err != nil {
			t.Fatal(err)
		}
		if err := r.SetVerification("D1", models.VerificationApproved); err != nil {
			t.Fatal(err)
		}
	}
	if j.count() != before {
		t.Fatalf("idempotent setters journaled %d extra records", j.count()-before)
	}
}

func TestStatusTransitions(t *testing.T) {
	r, _ := newTestRegistry(t)
	if err := r.Register(models.Driver{ID: "D1"}); err != nil {
		t.Fatal(err)
	}
	if err := r.SetStatus("D1", models.DriverBusy); !errors.Is(err, ErrInvalidStatusTransition) {
		t.Fatalf("offline->busy: expected ErrInvalidStatusTransition, got %v", err)
	}
	if err := r.SetStatus("D1", models.DriverOnline); err != nil {
		t.Fatalf("offline->online: %v", err)
	}
	if err := r.SetStatus("D1", models.DriverBusy); !errors.Is(err, ErrInvalidStatusTransition) {
		t.Fatalf("online->busy: expected ErrInvalidStatusTransition, got %v", err)
	}
	if err := r.SetStatus("D1", models.DriverStatus("parked")); !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("unknown status: %v", err)
	}
}

func TestBusyDriverCannotGoOffline(t *testing.T) {
	r, _ := newTestRegistry(t)
	addEligible(t, r, "D1", 0, 0, t0)
	if err := r.Reserve("D1", "s1"); err != nil {
		t.Fatal(err)
	}
	if err := r.SetStatus("D1", models.DriverOffline); !errors.Is(err, ErrInvalidStatusTransition) {
		t.Fatalf("busy->offline: expected ErrInvalidStatusTransition, got %v", err)
	}
	if err := r.SetStatus("D1", models.DriverOnline); !errors.Is(err, ErrInvalidStatusTransition) {
		t.Fatalf("busy->online via setter: expected ErrInvalidStatusTransition, got %v", err)
	}
	if !r.Release("D1", "s1") {
		t.Fatal("release failed")
	}
	d, _ := r.Get("D1")
	if d.Status != models.DriverOnline {
		t.Fatalf("release must return driver to online, got %s", d.Status)
	}
}

func TestQueryEligibleFilters(t *testing.T) {
	r, clk := newTestRegistry(t)
	center := models.Coord{Lat: 10.5, Lon: -66.9}
	addEligible(t, r, "ok", 10.501, -66.9, t0)
	addEligible(t, r, "inactive", 10.501, -66.9, t0)
	addEligible(t, r, "unapproved", 10.501, -66.9, t0)
	addEligible(t, r, "offline", 10.501, -66.9, t0)
	addEligible(t, r, "stale", 10.501, -66.9, t0.Add(-31*time.Second))
	addEligible(t, r, "far", 11.5, -66.9, t0)
	addEligible(t, r, "reserved", 10.501, -66.9, t0)

	_ = r.SetActive("inactive", false)
	_ = r.SetVerification("unapproved", models.VerificationUnderReview)
	_ = r.SetStatus("offline", models.DriverOffline)
	if err := r.Reserve("reserved", "s1"); err != nil {
		t.Fatal(err)
	}

	got := ids(r, center, 5000)
	if !slices.Equal(got, []string{"ok"}) {
		t.Fatalf("expected only ok, got %v", got)
	}

	// everything else goes stale once the clock moves past the threshold
	clk.Advance(31 * time.Second)
	if got := ids(r, center, 5000); len(got) != 0 {
		t.Fatalf("expected no fresh drivers, got %v", got)
	}
}

func TestQueryEligibleCapabilities(t *testing.T) {
	r, _ := newTestRegistry(t)
	center := models.Coord{Lat: 0, Lon: 0}
	addEligible(t, r, "plain", 0.001, 0, t0)
	addEligible(t, r, "courier", 0.002, 0, t0, "deliveries")
	addEligible(t, r, "van", 0.003, 0, t0, "deliveries", "xl")

	if got := ids(r, center, 5000, "deliveries"); !slices.Equal(got, []string{"courier", "van"}) {
		t.Fatalf("deliveries: got %v", got)
	}
	if got := ids(r, center, 5000, "deliveries", "xl"); !slices.Equal(got, []string{"van"}) {
		t.Fatalf("deliveries+xl: got %v", got)
	}
}

func TestQueryEligibleOrderingAndTieBreak(t *testing.T) {
	r, _ := newTestRegistry(t)
	center := models.Coord{Lat: 0, Lon: 0}
	addEligible(t, r, "far", 0.004, 0, t0)
	addEligible(t, r, "near-fresh", 0.001, 0, t0)
	addEligible(t, r, "near-idle", 0.001, 0, t0.Add(-10*time.Second))

	seq := r.QueryEligible(center, 5000, nil)
	want := []string{"near-idle", "near-fresh", "far"}
	var first []string
	for c := range seq {
		first = append(first, c.DriverID)
	}
	if !slices.Equal(first, want) {
		t.Fatalf("expected %v, got %v", want, first)
	}
	// restartable
	var second []string
	for c := range seq {
		second = append(second, c.DriverID)
		if len(second) == 1 {
			break
		}
	}
	if !slices.Equal(second, want[:1]) {
		t.Fatalf("restart: expected %v, got %v", want[:1], second)
	}
}

func TestReserveRelease(t *testing.T) {
	r, _ := newTestRegistry(t)
	addEligible(t, r, "D1", 0, 0, t0)

	if err := r.Reserve("D1", "s1"); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := r.Reserve("D1", "s2"); !errors.Is(err, ErrDriverUnavailable) {
		t.Fatalf("second reserve: expected ErrDriverUnavailable, got %v", err)
	}
	if r.Release("D1", "s2") {
		t.Fatal("release by non-holder must be a no-op")
	}
	if !r.HeldBy("D1", "s1") {
		t.Fatal("s1 should still hold D1")
	}
	if !r.Release("D1", "s1") {
		t.Fatal("release by holder failed")
	}
	if r.Release("D1", "s1") {
		t.Fatal("double release must be a no-op")
	}
	if len(r.Reservations()) != 0 {
		t.Fatalf("expected no reservations, got %v", r.Reservations())
	}
}

func TestReserveRequiresDispatchable(t *testing.T) {
	r, clk := newTestRegistry(t)
	addEligible(t, r, "D1", 0, 0, t0)
	clk.Advance(time.Minute)
	if err := r.Reserve("D1", "s1"); !errors.Is(err, ErrDriverUnavailable) {
		t.Fatalf("stale driver: expected ErrDriverUnavailable, got %v", err)
	}
	if err := r.Reserve("ghost", "s1"); !errors.Is(err, ErrUnknownDriver) {
		t.Fatalf("unknown driver: expected ErrUnknownDriver, got %v", err)
	}
}

func TestConcurrentReserveSingleWinner(t *testing.T) {
	r, _ := newTestRegistry(t)
	addEligible(t, r, "D1", 0, 0, t0)

	const attempts = 16
	var wg sync.WaitGroup
	errs := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(holder string) {
			defer wg.Done()
			errs <- r.Reserve("D1", holder)
		}(string(rune('a' + i)))
	}
	wg.Wait()
	close(errs)

	success := 0
	for err := range errs {
		if err == nil {
			success++
			continue
		}
		if !errors.Is(err, ErrDriverUnavailable) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if success != 1 {
		t.Fatalf("expected exactly 1 reservation, got %d", success)
	}
}

func TestRegisterBusyRejected(t *testing.T) {
	r, _ := newTestRegistry(t)
	err := r.Register(models.Driver{ID: "D1", Status: models.DriverBusy})
	if !errors.Is(err, ErrInvalidStatusTransition) {
		t.Fatalf("expected ErrInvalidStatusTransition, got %v", err)
	}
}

func TestHydrateSkipsUnknownAndOlder(t *testing.T) {
	r, _ := newTestRegistry(t)
	addEligible(t, r, "D1", 0, 0, t0)
	n := r.Hydrate([]models.LocationEvent{
		{DriverID: "D1", Lat: 1, Lon: 1, Timestamp: t0.Add(-time.Minute)},
		{DriverID: "ghost", Lat: 1, Lon: 1, Timestamp: t0},
		{DriverID: "D1", Lat: 2, Lon: 2, Timestamp: t0.Add(time.Second)},
	})
	// the older event is accepted without effect, the unknown one fails
	if n != 2 {
		t.Fatalf("expected 2 applied, got %d", n)
	}
	d, _ := r.Get("D1")
	if d.Loc.Lat != 2 {
		t.Fatalf("expected newest location, got %+v", d.Loc)
	}
}

func TestStats(t *testing.T) {
	r, _ := newTestRegistry(t)
	addEligible(t, r, "D1", 0, 0, t0)
	addEligible(t, r, "D2", 0, 0, t0)
	_ = r.Register(models.Driver{ID: "D3"})
	_ = r.Reserve("D1", "s1")
	s := r.Stats()
	if s.Registered != 3 || s.Online != 1 || s.Busy != 1 || s.Dispatchable != 1 {
		t.Fatalf("unexpected stats %+v", s)
	}
}
