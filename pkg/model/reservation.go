package model

import (
	"time"
)

// Status is the derived lifecycle state of a reservation. It is never
// stored; it is computed from the stored flags and the current time so
// the flags cannot drift out of sync with what callers see.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusActive   Status = "active"
	StatusExpired  Status = "expired"
	StatusRejected Status = "rejected"
)

type Reservation struct {
	ID        string    `json:"id,omitempty" bson:"_id,omitempty" validate:"omitempty,mongodb"`
	User      string    `json:"user" bson:"user" validate:"required,min=1,max=64"`
	Start     time.Time `json:"start" bson:"start" validate:"required"`
	End       time.Time `json:"end" bson:"end" validate:"required,gtfield=Start"`
	Active    bool      `json:"active" bson:"active"`
	Approved  bool      `json:"approved" bson:"approved"`
	Rejected  bool      `json:"rejected" bson:"rejected"`
	CreatedAt time.Time `json:"created_at" bson:"created_at" validate:"omitempty"`
}

// DeriveStatus computes the reservation status at the given instant.
//
// Precedence matters: a rejected reservation stays rejected forever, an
// ended window reads as expired even if reconciliation has not cleared
// the active flag yet, and an approved reservation that is waiting for
// the holder ahead of it reads as approved until it is activated.
func DeriveStatus(r *Reservation, now time.Time) Status {
	switch {
	case r.Rejected:
		return StatusRejected
	case !now.Before(r.End):
		return StatusExpired
	case r.Active:
		return StatusActive
	case r.Approved:
		return StatusApproved
	default:
		return StatusPending
	}
}

// ReservationView pairs a reservation with its derived status for
// read-only listings.
type ReservationView struct {
	Reservation
	Status Status `json:"status"`
}

// ReservationRequest is the inbound shape of a custody request. Times
// arrive already parsed to absolute instants; the engine never sees
// free-text time.
type ReservationRequest struct {
	User  string    `json:"user" validate:"required,min=1,max=64"`
	Start time.Time `json:"start" validate:"required"`
	End   time.Time `json:"end" validate:"required"`
}
