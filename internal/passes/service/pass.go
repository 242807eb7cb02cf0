package service

import (
	"context"
	"errors"
	"fmt"
	"sync"

	passerrors "passkeeper/internal/passes/errors"
	"passkeeper/internal/passes/validator"
	"passkeeper/pkg/clock"
	"passkeeper/pkg/config"
	apperrors "passkeeper/pkg/errors"
	"passkeeper/pkg/model"
	"passkeeper/pkg/timeutil"
)

// TransferMode records how an approved reservation will obtain the
// pass.
type TransferMode string

const (
	// TransferImmediate means custody moved during the approval call.
	TransferImmediate TransferMode = "immediate"
	// TransferQueued means a reservation is active now; reconciliation
	// moves custody once it expires.
	TransferQueued TransferMode = "queued"
	// TransferScheduled means the window has not opened yet;
	// reconciliation moves custody once it does.
	TransferScheduled TransferMode = "scheduled"
)

type PassService interface {
	Request(ctx context.Context, req *model.ReservationRequest) (*model.Reservation, error)
	Approve(ctx context.Context, user string) (*model.Reservation, TransferMode, error)
	Give(ctx context.Context, user string) (*model.PassState, error)
	Reconcile(ctx context.Context) error
	PurgeOld(ctx context.Context) (int64, error)
	ListReservations(ctx context.Context) ([]*model.ReservationView, error)
	CurrentOwner(ctx context.Context) (*model.PassState, string, error)
	SaveProfile(ctx context.Context, profile *model.UserProfile) error
}

type passService struct {
	// mu is the single mutual-exclusion domain over pass state and the
	// reservation set. Every mutating entry point holds it for the full
	// state transition; events are published only after it is released.
	mu sync.Mutex

	reservations ReservationStore
	pass         PassStore
	profiles     ProfileStore
	validator    *validator.ReservationValidator
	notifier     Notifier
	clk          clock.Clock
	cfg          *config.Config
}

func NewPassService(
	reservations ReservationStore,
	pass PassStore,
	profiles ProfileStore,
	v *validator.ReservationValidator,
	notifier Notifier,
	clk clock.Clock,
	cfg *config.Config,
) PassService {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &passService{
		reservations: reservations,
		pass:         pass,
		profiles:     profiles,
		validator:    v,
		notifier:     notifier,
		clk:          clk,
		cfg:          cfg,
	}
}

func (s *passService) Request(ctx context.Context, req *model.ReservationRequest) (*model.Reservation, error) {
	if err := s.validator.ValidateRequest(req); err != nil {
		s.cfg.Log.Warn("Reservation request validation failed", "user", req.User, "error", err)
		return nil, apperrors.Validation("Invalid reservation request", map[string]any{"error": err.Error()})
	}
	if !req.Start.Before(req.End) {
		return nil, apperrors.InvalidWindow("Reservation end must be after start")
	}

	reservation, err := s.createRequested(ctx, req)
	if err != nil {
		return nil, err
	}

	s.publish(ctx, Event{
		Kind:          EventReservationRequested,
		User:          reservation.User,
		ReservationID: reservation.ID,
		Start:         &reservation.Start,
		End:           &reservation.End,
		OccurredAt:    s.clk.Now(),
	})

	s.cfg.Log.Info("Reservation created",
		"id", reservation.ID,
		"user", reservation.User,
		"start", reservation.Start,
		"end", reservation.End,
	)
	return reservation, nil
}

func (s *passService) createRequested(ctx context.Context, req *model.ReservationRequest) (*model.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clk.Now()

	existing, err := s.reservations.FindLive(ctx)
	if err != nil {
		return nil, apperrors.Persistence("Failed to load reservations", err)
	}

	if conflicts := FindConflicts(req.Start, req.End, existing, now); len(conflicts) > 0 {
		ids := make([]string, 0, len(conflicts))
		windows := make([]string, 0, len(conflicts))
		for _, c := range conflicts {
			ids = append(ids, c.ID)
			windows = append(windows, fmt.Sprintf("%s - %s",
				timeutil.FormatShort(c.Start, s.cfg.Location),
				timeutil.FormatShort(c.End, s.cfg.Location),
			))
		}
		return nil, apperrors.Conflict("Requested window overlaps existing reservations", map[string]any{
			"reservation_ids": ids,
			"windows":         windows,
		})
	}

	reservation := &model.Reservation{
		User:  req.User,
		Start: req.Start,
		End:   req.End,
	}
	if err := s.reservations.Create(ctx, reservation); err != nil {
		return nil, apperrors.Persistence("Failed to create reservation", err)
	}
	return reservation, nil
}

func (s *passService) Approve(ctx context.Context, user string) (*model.Reservation, TransferMode, error) {
	if user == "" {
		return nil, "", apperrors.InvalidInput("User cannot be empty")
	}

	approved, mode, events, err := s.approveLocked(ctx, user)
	if err != nil {
		return nil, "", err
	}

	for _, ev := range events {
		s.publish(ctx, ev)
	}

	s.cfg.Log.Info("Reservation approved",
		"id", approved.ID,
		"user", approved.User,
		"transfer_mode", string(mode),
	)
	return approved, mode, nil
}

func (s *passService) approveLocked(ctx context.Context, user string) (*model.Reservation, TransferMode, []Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clk.Now()

	existing, err := s.reservations.FindLive(ctx)
	if err != nil {
		return nil, "", nil, apperrors.Persistence("Failed to load reservations", err)
	}

	var target *model.Reservation
	var others []*model.Reservation
	for _, r := range existing {
		if r.User != user || model.DeriveStatus(r, now) != model.StatusPending {
			continue
		}
		if target == nil {
			target = r
			continue
		}
		// FindLive is ordered by start then creation, so the first
		// pending hit is the earliest one.
		others = append(others, r)
	}
	if target == nil {
		return nil, "", nil, apperrors.NoPending(user)
	}

	anyActive := false
	for _, r := range existing {
		if r.Active {
			anyActive = true
			break
		}
	}

	mode := TransferScheduled
	switch {
	case !anyActive && !target.Start.After(now):
		mode = TransferImmediate
	case anyActive:
		mode = TransferQueued
	}

	var state *model.PassState
	err = s.reservations.InTransaction(ctx, func(txCtx context.Context) error {
		target.Approved = true
		if mode == TransferImmediate {
			target.Active = true
		}
		if err := s.reservations.Save(txCtx, target); err != nil {
			return err
		}

		// A user holds one outstanding reservation: approving this one
		// supersedes the rest of their pending requests.
		for _, other := range others {
			other.Rejected = true
			if err := s.reservations.Save(txCtx, other); err != nil {
				return err
			}
		}

		if mode == TransferImmediate {
			loaded, err := s.pass.Load(txCtx)
			if err != nil {
				return err
			}
			state = loaded
			state.CurrentOwner = target.User
			state.LastUpdated = now
			return s.pass.Save(txCtx, state)
		}
		return nil
	})
	if err != nil {
		if apperrors.IsAppError(err) {
			return nil, "", nil, err
		}
		return nil, "", nil, apperrors.Persistence("Failed to approve reservation", err)
	}

	events := []Event{{
		Kind:          EventReservationApproved,
		User:          target.User,
		ReservationID: target.ID,
		TransferMode:  string(mode),
		Start:         &target.Start,
		End:           &target.End,
		OccurredAt:    now,
	}}
	if mode == TransferImmediate {
		events = append(events, Event{
			Kind:          EventPassTransferred,
			User:          target.User,
			ReservationID: target.ID,
			TransferMode:  string(mode),
			OccurredAt:    now,
		})
	}
	return target, mode, events, nil
}

// Give is the administrative override: it moves custody without
// consulting reservations. The caller is trusted.
func (s *passService) Give(ctx context.Context, user string) (*model.PassState, error) {
	if user == "" {
		return nil, apperrors.InvalidInput("User cannot be empty")
	}

	state, previous, err := s.giveLocked(ctx, user)
	if err != nil {
		return nil, err
	}

	s.publish(ctx, Event{
		Kind:          EventPassGiven,
		User:          user,
		PreviousOwner: previous,
		OccurredAt:    state.LastUpdated,
	})

	s.cfg.Log.Info("Pass given", "user", user, "previous_owner", previous)
	return state, nil
}

func (s *passService) giveLocked(ctx context.Context, user string) (*model.PassState, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.pass.Load(ctx)
	if err != nil {
		return nil, "", apperrors.Persistence("Failed to load pass state", err)
	}

	previous := state.CurrentOwner
	state.CurrentOwner = user
	state.LastUpdated = s.clk.Now()
	if err := s.pass.Save(ctx, state); err != nil {
		return nil, "", apperrors.Persistence("Failed to save pass state", err)
	}
	return state, previous, nil
}

// Reconcile is the periodic pass: it clears the active flag on any
// reservation whose window has ended, activates the earliest approved
// reservation whose window has opened, and otherwise returns the pass
// to the default holder. It is idempotent; calling it twice at the same
// instant leaves the state unchanged.
func (s *passService) Reconcile(ctx context.Context) error {
	events, err := s.reconcileLocked(ctx)
	if err != nil {
		return err
	}

	for _, ev := range events {
		s.publish(ctx, ev)
	}
	return nil
}

func (s *passService) reconcileLocked(ctx context.Context) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clk.Now()

	existing, err := s.reservations.FindLive(ctx)
	if err != nil {
		return nil, apperrors.Persistence("Failed to load reservations", err)
	}

	anyActive := false
	for _, r := range existing {
		if r.Active && !now.Before(r.End) {
			r.Active = false
			if err := s.reservations.Save(ctx, r); err != nil {
				return nil, apperrors.Persistence("Failed to expire reservation", err)
			}
			s.cfg.Log.Info("Reservation expired", "id", r.ID, "user", r.User, "end", r.End)
			continue
		}
		if r.Active {
			anyActive = true
		}
	}

	if anyActive {
		return nil, nil
	}

	var events []Event

	// FindLive order (start, then creation) makes the first eligible
	// reservation the winner; simultaneous starts resolve by creation
	// order.
	var next *model.Reservation
	for _, r := range existing {
		if model.DeriveStatus(r, now) != model.StatusApproved {
			continue
		}
		if r.Start.After(now) {
			continue
		}
		next = r
		break
	}

	state, err := s.pass.Load(ctx)
	if err != nil {
		return nil, apperrors.Persistence("Failed to load pass state", err)
	}

	if next != nil {
		next.Active = true
		if err := s.reservations.Save(ctx, next); err != nil {
			return nil, apperrors.Persistence("Failed to activate reservation", err)
		}
		if state.CurrentOwner != next.User {
			previous := state.CurrentOwner
			state.CurrentOwner = next.User
			state.LastUpdated = now
			if err := s.pass.Save(ctx, state); err != nil {
				return nil, apperrors.Persistence("Failed to save pass state", err)
			}
			events = append(events, Event{
				Kind:          EventPassTransferred,
				User:          next.User,
				PreviousOwner: previous,
				ReservationID: next.ID,
				Start:         &next.Start,
				End:           &next.End,
				OccurredAt:    now,
			})
			s.cfg.Log.Info("Pass transferred", "user", next.User, "previous_owner", previous, "reservation_id", next.ID)
		}
		return events, nil
	}

	if state.CurrentOwner != s.cfg.DefaultHolder {
		previous := state.CurrentOwner
		state.CurrentOwner = s.cfg.DefaultHolder
		state.LastUpdated = now
		if err := s.pass.Save(ctx, state); err != nil {
			return nil, apperrors.Persistence("Failed to save pass state", err)
		}
		events = append(events, Event{
			Kind:          EventPassReturned,
			User:          s.cfg.DefaultHolder,
			PreviousOwner: previous,
			OccurredAt:    now,
		})
		s.cfg.Log.Info("Pass returned to default holder", "default_holder", s.cfg.DefaultHolder, "previous_owner", previous)
	}

	return events, nil
}

// PurgeOld deletes reservations that ended before the retention window.
func (s *passService) PurgeOld(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.clk.Now().Add(-s.cfg.RetentionPeriod)
	deleted, err := s.reservations.DeleteEndedBefore(ctx, cutoff)
	if err != nil {
		return 0, apperrors.Persistence("Failed to purge old reservations", err)
	}
	if deleted > 0 {
		s.cfg.Log.Info("Purged old reservations", "deleted", deleted, "cutoff", cutoff)
	}
	return deleted, nil
}

func (s *passService) ListReservations(ctx context.Context) ([]*model.ReservationView, error) {
	existing, err := s.reservations.FindLive(ctx)
	if err != nil {
		return nil, apperrors.Persistence("Failed to load reservations", err)
	}

	now := s.clk.Now()
	views := make([]*model.ReservationView, 0, len(existing))
	for _, r := range existing {
		views = append(views, &model.ReservationView{
			Reservation: *r,
			Status:      model.DeriveStatus(r, now),
		})
	}
	return views, nil
}

func (s *passService) CurrentOwner(ctx context.Context) (*model.PassState, string, error) {
	state, err := s.pass.Load(ctx)
	if err != nil {
		return nil, "", apperrors.Persistence("Failed to load pass state", err)
	}

	memo := ""
	profile, err := s.profiles.Find(ctx, state.CurrentOwner)
	if err != nil && !errors.Is(err, passerrors.ErrProfileNotFound) {
		return nil, "", apperrors.Persistence("Failed to load user profile", err)
	}
	if profile != nil {
		memo = profile.Memo
	}
	return state, memo, nil
}

func (s *passService) SaveProfile(ctx context.Context, profile *model.UserProfile) error {
	if err := s.validator.ValidateProfile(profile); err != nil {
		return apperrors.Validation("Invalid profile", map[string]any{"error": err.Error()})
	}
	if err := s.profiles.Upsert(ctx, profile); err != nil {
		return apperrors.Persistence("Failed to save profile", err)
	}
	s.cfg.Log.Info("Profile saved", "user", profile.User)
	return nil
}

// publish hands an event to the notifier. Notification failures are
// logged and dropped: the state change already committed and is never
// rolled back.
func (s *passService) publish(ctx context.Context, ev Event) {
	if err := s.notifier.Publish(ctx, ev); err != nil {
		s.cfg.Log.Error("Failed to publish event",
			"kind", string(ev.Kind),
			"user", ev.User,
			"error", err,
		)
	}
}
