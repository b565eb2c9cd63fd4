package selector

import (
	"iter"
	"slices"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/clock"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/registry"
)

type fakeSource struct {
	cands  []registry.Candidate
	radius float64
	caps   []string
}

func (f *fakeSource) QueryEligible(center models.Coord, radiusM float64, required []string) iter.Seq[registry.Candidate] {
	f.radius = radiusM
	f.caps = required
	return slices.Values(f.cands)
}

func TestSelectSkipsExcluded(t *testing.T) {
	src := &fakeSource{cands: []registry.Candidate{{DriverID: "A"}, {DriverID: "B"}, {DriverID: "C"}}}
	s := New(src, 3000)
	var got []string
	for c := range s.Select(models.Coord{}, models.Constraints{}, map[string]struct{}{"B": {}}) {
		got = append(got, c.DriverID)
	}
	if !slices.Equal(got, []string{"A", "C"}) {
		t.Fatalf("expected [A C], got %v", got)
	}
}

func TestSelectRadiusDefaultAndOverride(t *testing.T) {
	src := &fakeSource{}
	s := New(src, 3000)
	s.Next(models.Coord{}, models.Constraints{}, nil)
	if src.radius != 3000 {
		t.Fatalf("expected default radius 3000, got %v", src.radius)
	}
	s.Next(models.Coord{}, models.Constraints{RadiusMeters: 800, RequiredCapabilities: []string{"deliveries"}}, nil)
	if src.radius != 800 || !slices.Equal(src.caps, []string{"deliveries"}) {
		t.Fatalf("constraints not forwarded: radius=%v caps=%v", src.radius, src.caps)
	}
}

func TestNextEmpty(t *testing.T) {
	s := New(&fakeSource{}, 5000)
	if _, ok := s.Next(models.Coord{}, models.Constraints{}, nil); ok {
		t.Fatal("expected exhaustion on empty source")
	}
}

func TestSelectAgainstRegistry(t *testing.T) {
	now := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	reg := registry.New(registry.Config{StaleAfter: time.Minute, Clock: clock.NewManual(now)})
	pickup := models.Coord{Lat: 10.5030, Lon: -66.9010}
	for _, d := range []struct {
		id       string
		lat, lon float64
	}{
		{"D1", 10.5, -66.9},
	} {
		err := reg.Register(models.Driver{
			ID: d.id, Status: models.DriverOnline, VerificationStatus: models.VerificationApproved,
			IsLocationActive: true, Loc: models.Coord{Lat: d.lat, Lon: d.lon}, LastLocationUpdate: now,
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	s := New(reg, 5000)
	c, ok := s.Next(pickup, models.Constraints{RadiusMeters: 5000}, nil)
	if !ok || c.DriverID != "D1" {
		t.Fatalf("expected D1, got %+v ok=%v", c, ok)
	}
	if _, ok := s.Next(pickup, models.Constraints{RadiusMeters: 5000}, map[string]struct{}{"D1": {}}); ok {
		t.Fatal("expected exhaustion once D1 is excluded")
	}
}
