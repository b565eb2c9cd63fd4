package selector

import (
	"iter"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/registry"
)

// Source is the read side of the driver registry.
type Source interface {
	QueryEligible(center models.Coord, radiusM float64, required []string) iter.Seq[registry.Candidate]
}

// Selector ranks eligible drivers for a pickup. It keeps no state of its own.
type Selector struct {
	Source        Source
	DefaultRadius float64
}

func New(src Source, defaultRadiusM float64) *Selector {
	return &Selector{Source: src, DefaultRadius: defaultRadiusM}
}

// Select yields eligible drivers nearest first, skipping excluded ones. An
// empty sequence means the pickup is exhausted.
func (s *Selector) Select(pickup models.Coord, c models.Constraints, excluded map[string]struct{}) iter.Seq[registry.Candidate] {
	radius := c.RadiusMeters
	if radius <= 0 {
		radius = s.DefaultRadius
	}
	all := s.Source.QueryEligible(pickup, radius, c.RequiredCapabilities)
	return func(yield func(registry.Candidate) bool) {
		for cand := range all {
			if _, skip := excluded[cand.DriverID]; skip {
				continue
			}
			if !yield(cand) {
				return
			}
		}
	}
}

// Next returns the best candidate, if any.
func (s *Selector) Next(pickup models.Coord, c models.Constraints, excluded map[string]struct{}) (registry.Candidate, bool) {
	for cand := range s.Select(pickup, c, excluded) {
		return cand, true
	}
	return registry.Candidate{}, false
}
