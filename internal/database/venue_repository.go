package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/courtline/booking-engine/internal/models"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// VenueRepository reads the venue catalog tables.
// Every call goes to the database; the engine keeps no venue cache.
type VenueRepository struct {
	db *sqlx.DB
}

// NewVenueRepository creates a new VenueRepository
func NewVenueRepository(db *sqlx.DB) *VenueRepository {
	return &VenueRepository{db: db}
}

// GetVenue returns a venue with its bookable components
func (r *VenueRepository) GetVenue(ctx context.Context, id uuid.UUID) (*models.Venue, error) {
	var venue models.Venue
	err := r.db.GetContext(ctx, &venue, `
		SELECT id, owner_id, name, sports_supported, bookable
		FROM venues
		WHERE id = $1
	`, id)
	if err == sql.ErrNoRows {
		return nil, models.ErrVenueNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get venue: %w", err)
	}

	err = r.db.SelectContext(ctx, &venue.Components, `
		SELECT id, venue_id, name, sports, price_per_hour
		FROM venue_components
		WHERE venue_id = $1 AND active = TRUE
		ORDER BY name
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get venue components: %w", err)
	}

	return &venue, nil
}
