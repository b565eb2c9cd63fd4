package registry

import (
	"container/heap"
	"iter"
	"time"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

// Candidate is a dispatchable driver as seen at query time.
type Candidate struct {
	DriverID           string
	Loc                models.Coord
	DistanceM          float64
	LastLocationUpdate time.Time
}

// QueryEligible snapshots the dispatchable drivers within radiusM of center
// that hold every required capability. The returned sequence yields them
// nearest first, breaking distance ties by the oldest location update so the
// driver idle longest goes first. Ordering is done lazily as the caller
// consumes; ranging again restarts from the nearest.
func (r *Registry) QueryEligible(center models.Coord, radiusM float64, required []string) iter.Seq[Candidate] {
	now := r.clock.Now()
	var snap []Candidate
	for _, e := range r.entries() {
		e.mu.Lock()
		ok := e.holder == "" && r.dispatchable(e, now) && e.hasAll(required)
		loc, id, ts := e.d.Loc, e.d.ID, e.d.LastLocationUpdate
		e.mu.Unlock()
		if !ok {
			continue
		}
		dist := geo.Distance(center, loc)
		if dist > radiusM {
			continue
		}
		snap = append(snap, Candidate{DriverID: id, Loc: loc, DistanceM: dist, LastLocationUpdate: ts})
	}

	return func(yield func(Candidate) bool) {
		h := make(candidateHeap, len(snap))
		copy(h, snap)
		heap.Init(&h)
		for h.Len() > 0 {
			if !yield(heap.Pop(&h).(Candidate)) {
				return
			}
		}
	}
}

type candidateHeap []Candidate

func (h candidateHeap) Len() int { return len(h) }

func (h candidateHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if a.DistanceM != b.DistanceM {
		return a.DistanceM < b.DistanceM
	}
	if !a.LastLocationUpdate.Equal(b.LastLocationUpdate) {
		return a.LastLocationUpdate.Before(b.LastLocationUpdate)
	}
	return a.DriverID < b.DriverID
}

func (h candidateHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *candidateHeap) Push(x any) { *h = append(*h, x.(Candidate)) }

func (h *candidateHeap) Pop() any {
	old := *h
	n := len(old)
	c := old[n-1]
	*h = old[:n-1]
	return c
}
