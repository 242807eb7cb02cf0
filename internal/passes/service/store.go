package service

import (
	"context"
	"passkeeper/pkg/model"
	"time"
)

// TxFunc runs a group of store mutations that must commit or fail as a
// unit. Implementations built on MongoDB run it inside a session; the
// in-memory test stores just invoke it.
type TxFunc func(ctx context.Context) error

// ReservationStore is the engine's view of reservation persistence.
type ReservationStore interface {
	Create(ctx context.Context, r *model.Reservation) error
	FindByID(ctx context.Context, id string) (*model.Reservation, error)
	// FindLive returns all non-rejected reservations ordered by start
	// time ascending, then creation order. A single consistent snapshot
	// backs one reconciliation pass.
	FindLive(ctx context.Context) ([]*model.Reservation, error)
	Save(ctx context.Context, r *model.Reservation) error
	DeleteEndedBefore(ctx context.Context, cutoff time.Time) (int64, error)
	InTransaction(ctx context.Context, fn TxFunc) error
}

// PassStore persists the singleton ownership record.
type PassStore interface {
	Load(ctx context.Context) (*model.PassState, error)
	Save(ctx context.Context, state *model.PassState) error
}

// ProfileStore persists free-text user metadata.
type ProfileStore interface {
	Find(ctx context.Context, user string) (*model.UserProfile, error)
	Upsert(ctx context.Context, profile *model.UserProfile) error
}
