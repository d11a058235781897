package models

import "github.com/google/uuid"

// ActorKind distinguishes who initiates a lifecycle operation
type ActorKind string

const (
	ActorUser  ActorKind = "user"
	ActorOwner ActorKind = "venue_owner" // only built after venue ownership was verified
)

// Actor is the verified identity behind a lifecycle call
type Actor struct {
	UserID uuid.UUID
	Kind   ActorKind
}

// UserActor returns a booking-user actor
func UserActor(id uuid.UUID) Actor {
	return Actor{UserID: id, Kind: ActorUser}
}

// OwnerActor returns a venue-owner actor
func OwnerActor(id uuid.UUID) Actor {
	return Actor{UserID: id, Kind: ActorOwner}
}
