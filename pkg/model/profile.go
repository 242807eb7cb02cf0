package model

// UserProfile is free-text metadata attached to a user, typically a
// vehicle description shown alongside ownership. It has no lifecycle
// interaction with reservations.
type UserProfile struct {
	User string `json:"user" bson:"_id" validate:"required,min=1,max=64"`
	Memo string `json:"memo" bson:"memo" validate:"max=500"`
}
