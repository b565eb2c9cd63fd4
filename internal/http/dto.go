package httpapi

import (
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

type coordDTO struct {
	Lat float64 `json:"lat" validate:"min=-90,max=90"`
	Lon float64 `json:"lon" validate:"min=-180,max=180"`
}

func (c coordDTO) coord() models.Coord { return models.Coord{Lat: c.Lat, Lon: c.Lon} }

type locationRequest struct {
	DriverID  string     `json:"driver_id" validate:"required"`
	Lat       float64    `json:"lat" validate:"min=-90,max=90"`
	Lon       float64    `json:"lon" validate:"min=-180,max=180"`
	Timestamp *time.Time `json:"timestamp"`
}

type driverRequest struct {
	ID                 string     `json:"id" validate:"required"`
	Status             string     `json:"status" validate:"omitempty,oneof=offline online"`
	VerificationStatus string     `json:"verification_status" validate:"omitempty,oneof=pending approved rejected under_review"`
	IsLocationActive   bool       `json:"is_location_active"`
	Loc                *coordDTO  `json:"loc"`
	LastLocationUpdate *time.Time `json:"last_location_update"`
	Capabilities       []string   `json:"capabilities" validate:"dive,required"`
}

// toDriver stamps a supplied location with now when the caller gave no
// timestamp.
func (d driverRequest) toDriver(now time.Time) models.Driver {
	out := models.Driver{
		ID:                 d.ID,
		Status:             models.DriverStatus(d.Status),
		VerificationStatus: models.VerificationStatus(d.VerificationStatus),
		IsLocationActive:   d.IsLocationActive,
		Capabilities:       d.Capabilities,
	}
	if d.Loc != nil {
		out.Loc = d.Loc.coord()
		out.LastLocationUpdate = now
		if d.LastLocationUpdate != nil {
			out.LastLocationUpdate = *d.LastLocationUpdate
		}
	}
	return out
}

type statusRequest struct {
	Status string `json:"status" validate:"required,oneof=offline online"`
}

type verificationRequest struct {
	VerificationStatus string `json:"verification_status" validate:"required,oneof=pending approved rejected under_review"`
}

type activeRequest struct {
	Active *bool `json:"active" validate:"required"`
}

type matchRequest struct {
	RideID               string   `json:"ride_id"`
	RiderID              string   `json:"rider_id" validate:"required"`
	Origin               coordDTO `json:"origin"`
	Destination          coordDTO `json:"destination"`
	RadiusMeters         float64  `json:"radius_meters" validate:"gte=0"`
	RequiredCapabilities []string `json:"required_capabilities" validate:"dive,required"`
}

func (m matchRequest) toRideRequest() models.RideRequest {
	return models.RideRequest{
		ID:          m.RideID,
		RiderID:     m.RiderID,
		Origin:      m.Origin.coord(),
		Destination: m.Destination.coord(),
		Constraints: models.Constraints{
			RadiusMeters:         m.RadiusMeters,
			RequiredCapabilities: m.RequiredCapabilities,
		},
	}
}

type respondRequest struct {
	DriverID string `json:"driver_id" validate:"required"`
	Accept   *bool  `json:"accept" validate:"required"`
}
