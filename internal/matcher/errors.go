package matcher

import (
	"errors"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/registry"
)

var (
	ErrStaleOffer        = errors.New("stale offer")
	ErrNoDriverAvailable = errors.New("no driver available")
	ErrSessionNotFound   = errors.New("session not found")
	ErrRequestNotPending = errors.New("ride request not pending")
	ErrNotMatched        = errors.New("ride not matched")
	// ErrInconsistentState means a session's view of its reservation
	// disagrees with the registry. The session fails and releases what it holds.
	ErrInconsistentState = errors.New("dispatch state inconsistent")

	ErrDriverUnavailable = registry.ErrDriverUnavailable
	ErrInvalidLocation   = geo.ErrInvalidLocation
)
