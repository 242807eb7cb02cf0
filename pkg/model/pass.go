package model

import "time"

// PassStateID is the fixed document id of the singleton pass record.
const PassStateID = "pass"

// PassState tracks who currently holds the pass. Exactly one instance
// exists; only the transfer engine mutates it.
type PassState struct {
	ID           string    `json:"-" bson:"_id"`
	CurrentOwner string    `json:"current_owner" bson:"current_owner"`
	LastUpdated  time.Time `json:"last_updated" bson:"last_updated"`
}
