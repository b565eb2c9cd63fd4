package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// DriverStatus is the availability of a driver. Busy is reachable only
// through a registry reservation.
type DriverStatus string

const (
	DriverOffline DriverStatus = "offline"
	DriverOnline  DriverStatus = "online"
	DriverBusy    DriverStatus = "busy"
)

func (s DriverStatus) Valid() bool {
	switch s {
	case DriverOffline, DriverOnline, DriverBusy:
		return true
	}
	return false
}

type VerificationStatus string

const (
	VerificationPending     VerificationStatus = "pending"
	VerificationApproved    VerificationStatus = "approved"
	VerificationRejected    VerificationStatus = "rejected"
	VerificationUnderReview VerificationStatus = "under_review"
)

func (v VerificationStatus) Valid() bool {
	switch v {
	case VerificationPending, VerificationApproved, VerificationRejected, VerificationUnderReview:
		return true
	}
	return false
}

type Driver struct {
	ID                 string             `json:"id"`
	Status             DriverStatus       `json:"status"`
	VerificationStatus VerificationStatus `json:"verification_status"`
	IsLocationActive   bool               `json:"is_location_active"`
	Loc                Coord              `json:"loc"`
	LastLocationUpdate time.Time          `json:"last_location_update"`
	Capabilities       []string           `json:"capabilities,omitempty"`
}

// LocationEvent is what the ingestion boundary delivers for a single driver ping.
type LocationEvent struct {
	DriverID  string    `json:"driver_id"`
	Lat       float64   `json:"lat"`
	Lon       float64   `json:"lon"`
	Timestamp time.Time `json:"timestamp"`
}

type RideStatus string

const (
	RidePending   RideStatus = "pending"
	RideOffering  RideStatus = "offering"
	RideMatched   RideStatus = "matched"
	RideExpired   RideStatus = "expired"
	RideCancelled RideStatus = "cancelled"
	RideFailed    RideStatus = "failed"
)

// Terminal reports whether no further matching happens for the ride.
func (s RideStatus) Terminal() bool {
	switch s {
	case RideMatched, RideExpired, RideCancelled, RideFailed:
		return true
	}
	return false
}

type Constraints struct {
	RadiusMeters         float64  `json:"radius_meters,omitempty"`
	RequiredCapabilities []string `json:"required_capabilities,omitempty"`
}

type RideRequest struct {
	ID          string      `json:"id"`
	RiderID     string      `json:"rider_id"`
	Origin      Coord       `json:"origin"`
	Destination Coord       `json:"destination"`
	RequestedAt time.Time   `json:"requested_at"`
	Constraints Constraints `json:"constraints"`
	Status      RideStatus  `json:"status"`
}

type OfferState string

const (
	OfferPending  OfferState = "pending"
	OfferAccepted OfferState = "accepted"
	OfferRejected OfferState = "rejected"
	OfferExpired  OfferState = "expired"

	// OfferDeclined marks a candidate that could not be reserved. No notice
	// was ever sent for it.
	OfferDeclined  OfferState = "declined"
	// OfferWithdrawn marks a pending offer closed by cancellation.
	OfferWithdrawn OfferState = "withdrawn"
)

type MatchOffer struct {
	RideID     string     `json:"ride_id"`
	DriverID   string     `json:"driver_id"`
	State      OfferState `json:"state"`
	OfferedAt  time.Time  `json:"offered_at"`
	ExpiresAt  time.Time  `json:"expires_at"`
	ResolvedAt time.Time  `json:"resolved_at,omitempty"`
	DistanceM  float64    `json:"distance_m"`
	ETA        float64    `json:"eta_seconds"`
}

// OfferNotice is pushed to a driver client when an offer opens.
type OfferNotice struct {
	SessionID string      `json:"session_id"`
	Ride      RideRequest `json:"ride"`
	Offer     MatchOffer  `json:"offer"`
}

// Outcome is the terminal result of a dispatch session, reported to the rider
// and to the ride owner.
type Outcome struct {
	SessionID string     `json:"session_id"`
	RideID    string     `json:"ride_id"`
	RiderID   string     `json:"rider_id"`
	Status    RideStatus `json:"status"`
	DriverID  string     `json:"driver_id,omitempty"`
	Reason    string     `json:"reason,omitempty"`
	At        time.Time  `json:"at"`
}

// Session is a read-only view of a dispatch session.
type Session struct {
	ID           string       `json:"id"`
	Ride         RideRequest  `json:"ride"`
	Attempted    []string     `json:"attempted"`
	CurrentOffer *MatchOffer  `json:"current_offer,omitempty"`
	Offers       []MatchOffer `json:"offers"`
	DriverID     string       `json:"driver_id,omitempty"`
	Reason       string       `json:"reason,omitempty"`
	Completed    bool         `json:"completed,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// Ride is the durable record persisted for audit and recovery.
type Ride struct {
	ID          string
	RiderID     string
	DriverID    string
	Origin      Coord
	Destination Coord
	Status      RideStatus
	Reason      string
	Completed   bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt time.Time
}
