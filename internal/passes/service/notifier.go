package service

import (
	"context"
	"time"
)

type EventKind string

const (
	EventReservationRequested EventKind = "reservation_requested"
	EventReservationApproved  EventKind = "reservation_approved"
	EventPassTransferred      EventKind = "pass_transferred"
	EventPassReturned         EventKind = "pass_returned"
	EventPassGiven            EventKind = "pass_given"
)

// Event describes an ownership or reservation change. Events are
// emitted after the state change has committed; delivery failure never
// rolls the change back.
type Event struct {
	Kind          EventKind  `json:"kind"`
	User          string     `json:"user"`
	PreviousOwner string     `json:"previous_owner,omitempty"`
	ReservationID string     `json:"reservation_id,omitempty"`
	TransferMode  string     `json:"transfer_mode,omitempty"`
	Start         *time.Time `json:"start,omitempty"`
	End           *time.Time `json:"end,omitempty"`
	OccurredAt    time.Time  `json:"occurred_at"`
}

type Notifier interface {
	Publish(ctx context.Context, event Event) error
}

// NopNotifier drops every event. Used when no broker is configured and
// in tests that do not care about notifications.
type NopNotifier struct{}

func (NopNotifier) Publish(context.Context, Event) error {
	return nil
}
