package models

import (
	"github.com/google/uuid"
)

// Venue is the catalog view needed to validate and price a booking selection
type Venue struct {
	ID              uuid.UUID        `json:"id" db:"id"`
	OwnerID         uuid.UUID        `json:"owner_id" db:"owner_id"`
	Name            string           `json:"name" db:"name"`
	SportsSupported StringArray      `json:"sports_supported" db:"sports_supported"`
	Bookable        bool             `json:"bookable" db:"bookable"` // approval state, opaque to the engine
	Components      []VenueComponent `json:"components" db:"-"`
}

// VenueComponent is one bookable facility unit of a venue (court, pitch, lane)
type VenueComponent struct {
	ID           uuid.UUID   `json:"id" db:"id"`
	VenueID      uuid.UUID   `json:"venue_id" db:"venue_id"`
	Name         string      `json:"name" db:"name"`
	Sports       StringArray `json:"sports" db:"sports"` // empty means all venue sports
	PricePerHour int64       `json:"price_per_hour" db:"price_per_hour"`
}

// SupportsSport reports whether the venue offers sport
func (v *Venue) SupportsSport(sport string) bool {
	return v.SportsSupported.Contains(sport)
}

// Component returns the component with id, if it belongs to the venue
func (v *Venue) Component(id uuid.UUID) (VenueComponent, bool) {
	for _, c := range v.Components {
		if c.ID == id {
			return c, true
		}
	}
	return VenueComponent{}, false
}

// SupportsSport reports whether the component can be booked for sport
func (c VenueComponent) SupportsSport(sport string) bool {
	return len(c.Sports) == 0 || c.Sports.Contains(sport)
}
