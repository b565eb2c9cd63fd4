package eta

import (
	"context"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/clock"
	"github.com/example/ride-dispatch/internal/models"
)

type fixedClient struct {
	v     float64
	calls chan struct{}
}

func (f *fixedClient) EstimateSeconds(ctx context.Context, from, to models.Coord) (float64, error) {
	f.calls <- struct{}{}
	return f.v, nil
}

func TestEstimateSecondsDefaultSpeed(t *testing.T) {
	a := models.Coord{Lat: 0, Lon: 0}
	b := models.Coord{Lat: 0.01, Lon: 0}
	got := EstimateSeconds(a, b, 0)
	want := EstimateSeconds(a, b, 8)
	if got != want || got <= 0 {
		t.Fatalf("expected default speed estimate %f, got %f", want, got)
	}
}

func TestCacheExpiry(t *testing.T) {
	clk := clock.NewManual(time.Date(2024, 6, 1, 18, 0, 0, 0, time.UTC))
	c := NewCache(time.Minute, clk)
	a, b := models.Coord{Lat: 1, Lon: 1}, models.Coord{Lat: 2, Lon: 2}
	c.Set(a, b, 42)
	clk.Advance(time.Minute)
	if v, ok := c.Get(a, b); !ok || v != 42 {
		t.Fatalf("expected cached 42 at the ttl boundary, got %v %v", v, ok)
	}
	clk.Advance(time.Second)
	if _, ok := c.Get(a, b); ok {
		t.Fatal("expected entry to expire")
	}
}

func TestEstimatorRefinesInBackground(t *testing.T) {
	client := &fixedClient{v: 123, calls: make(chan struct{}, 4)}
	cache := NewCache(time.Minute, nil)
	e := NewEstimator(client, cache, 10, 2, nil)
	a, b := models.Coord{Lat: 0, Lon: 0}, models.Coord{Lat: 0.01, Lon: 0}

	first := e.Estimate(a, b)
	if math.Abs(first-EstimateSeconds(a, b, 10)) > 1e-9 {
		t.Fatalf("first estimate should be naive, got %f", first)
	}
	e.Wait()
	if got := e.Estimate(a, b); got != 123 {
		t.Fatalf("expected refined 123, got %f", got)
	}
}

func TestOSRMClient(t *testing.T) {
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		w.Write([]byte(`{"code":"Ok","routes":[{"duration":321.5}]}`))
	}))
	defer srv.Close()
	c := NewOSRMClient(srv.URL + "/")
	v, err := c.EstimateSeconds(context.Background(), models.Coord{Lat: 10.5, Lon: -66.9}, models.Coord{Lat: 10.6, Lon: -66.8})
	if err != nil || v != 321.5 {
		t.Fatalf("expected 321.5, got %v err=%v", v, err)
	}
	if path != "/route/v1/driving/-66.900000,10.500000;-66.800000,10.600000" {
		t.Fatalf("unexpected path %s", path)
	}
}

func TestOSRMClientNoRoute(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"code":"NoRoute","routes":[]}`))
	}))
	defer srv.Close()
	_, err := NewOSRMClient(srv.URL).EstimateSeconds(context.Background(), models.Coord{}, models.Coord{Lat: 1})
	if !errors.Is(err, ErrNoRoute) {
		t.Fatalf("expected ErrNoRoute, got %v", err)
	}
}
