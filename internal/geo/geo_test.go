package geo

import (
	"errors"
	"math"
	"testing"

	"github.com/example/ride-dispatch/internal/models"
)

func TestHaversineZero(t *testing.T) {
	d := Haversine(0, 0, 0, 0)
	if d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestHaversineKnownDistance(t *testing.T) {
	// one degree of latitude is ~111.19 km on the mean-radius sphere
	d := Haversine(0, 0, 1, 0)
	if math.Abs(d-111195) > 50 {
		t.Fatalf("expected ~111195m, got %f", d)
	}
}

func TestDistanceSymmetric(t *testing.T) {
	a := models.Coord{Lat: 10.5, Lon: -66.9}
	b := models.Coord{Lat: 10.503, Lon: -66.901}
	if math.Abs(Distance(a, b)-Distance(b, a)) > 1e-9 {
		t.Fatalf("distance not symmetric")
	}
	if d := Distance(a, b); d < 300 || d > 400 {
		t.Fatalf("expected roughly 350m, got %f", d)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		lat, lon float64
		ok       bool
	}{
		{0, 0, true},
		{90, 180, true},
		{-90, -180, true},
		{90.0001, 0, false},
		{0, -180.5, false},
		{math.NaN(), 0, false},
	}
	for _, c := range cases {
		err := Validate(c.lat, c.lon)
		if c.ok && err != nil {
			t.Fatalf("(%v,%v) unexpected error %v", c.lat, c.lon, err)
		}
		if !c.ok && !errors.Is(err, ErrInvalidLocation) {
			t.Fatalf("(%v,%v) expected ErrInvalidLocation, got %v", c.lat, c.lon, err)
		}
	}
}
