package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"testing"
	"time"

	"passkeeper/internal/passes/validator"
	"passkeeper/pkg/clock"
	"passkeeper/pkg/config"
	apperrors "passkeeper/pkg/errors"
	"passkeeper/pkg/logger"
	"passkeeper/pkg/model"
)

// --- in-memory stores ---

type memReservationStore struct {
	seq   int
	items map[string]*model.Reservation
	// failNext makes the next mutating call fail, for persistence error
	// paths.
	failNext error
}

func newMemReservationStore() *memReservationStore {
	return &memReservationStore{items: map[string]*model.Reservation{}}
}

func (m *memReservationStore) takeFailure() error {
	err := m.failNext
	m.failNext = nil
	return err
}

func (m *memReservationStore) Create(_ context.Context, r *model.Reservation) error {
	if err := m.takeFailure(); err != nil {
		return err
	}
	m.seq++
	r.ID = fmt.Sprintf("res-%03d", m.seq)
	r.CreatedAt = time.Unix(int64(m.seq), 0)
	cp := *r
	m.items[r.ID] = &cp
	return nil
}

func (m *memReservationStore) FindByID(_ context.Context, id string) (*model.Reservation, error) {
	r, ok := m.items[id]
	if !ok {
		return nil, errors.New("not found")
	}
	cp := *r
	return &cp, nil
}

func (m *memReservationStore) FindLive(_ context.Context) ([]*model.Reservation, error) {
	var out []*model.Reservation
	for _, r := range m.items {
		if r.Rejected {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Start.Equal(out[j].Start) {
			return out[i].Start.Before(out[j].Start)
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *memReservationStore) Save(_ context.Context, r *model.Reservation) error {
	if err := m.takeFailure(); err != nil {
		return err
	}
	if _, ok := m.items[r.ID]; !ok {
		return errors.New("not found")
	}
	cp := *r
	m.items[r.ID] = &cp
	return nil
}

func (m *memReservationStore) DeleteEndedBefore(_ context.Context, cutoff time.Time) (int64, error) {
	var deleted int64
	for id, r := range m.items {
		if r.End.Before(cutoff) {
			delete(m.items, id)
			deleted++
		}
	}
	return deleted, nil
}

func (m *memReservationStore) InTransaction(ctx context.Context, fn TxFunc) error {
	return fn(ctx)
}

type memPassStore struct {
	state model.PassState
}

func (m *memPassStore) Load(context.Context) (*model.PassState, error) {
	cp := m.state
	return &cp, nil
}

func (m *memPassStore) Save(_ context.Context, state *model.PassState) error {
	m.state = *state
	return nil
}

type memProfileStore struct {
	memos map[string]string
}

func (m *memProfileStore) Find(_ context.Context, user string) (*model.UserProfile, error) {
	memo, ok := m.memos[user]
	if !ok {
		return nil, nil
	}
	return &model.UserProfile{User: user, Memo: memo}, nil
}

func (m *memProfileStore) Upsert(_ context.Context, p *model.UserProfile) error {
	if m.memos == nil {
		m.memos = map[string]string{}
	}
	m.memos[p.User] = p.Memo
	return nil
}

type recordingNotifier struct {
	events []Event
}

func (n *recordingNotifier) Publish(_ context.Context, ev Event) error {
	n.events = append(n.events, ev)
	return nil
}

func (n *recordingNotifier) kinds() []EventKind {
	out := make([]EventKind, 0, len(n.events))
	for _, ev := range n.events {
		out = append(out, ev.Kind)
	}
	return out
}

// --- fixture ---

type fixture struct {
	svc      PassService
	store    *memReservationStore
	pass     *memPassStore
	notifier *recordingNotifier
	clk      *clock.Fixed
	now      time.Time
}

const defaultHolder = "landlord"

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := logger.New(logger.Config{Level: "error", Service: "test"})
	cfg := &config.Config{
		Log:             log,
		DefaultHolder:   defaultHolder,
		RetentionPeriod: 7 * 24 * time.Hour,
		Location:        time.UTC,
	}

	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	clk := clock.NewFixed(now)
	store := newMemReservationStore()
	pass := &memPassStore{state: model.PassState{ID: model.PassStateID, CurrentOwner: defaultHolder, LastUpdated: now}}
	notifier := &recordingNotifier{}

	svc := NewPassService(
		store,
		pass,
		&memProfileStore{},
		validator.NewReservationValidator(log),
		notifier,
		clk,
		cfg,
	)
	return &fixture{svc: svc, store: store, pass: pass, notifier: notifier, clk: clk, now: now}
}

func (f *fixture) request(t *testing.T, user string, start, end time.Time) *model.Reservation {
	t.Helper()
	r, err := f.svc.Request(context.Background(), &model.ReservationRequest{User: user, Start: start, End: end})
	if err != nil {
		t.Fatalf("request(%s): %v", user, err)
	}
	return r
}

func (f *fixture) approve(t *testing.T, user string) (*model.Reservation, TransferMode) {
	t.Helper()
	r, mode, err := f.svc.Approve(context.Background(), user)
	if err != nil {
		t.Fatalf("approve(%s): %v", user, err)
	}
	return r, mode
}

func (f *fixture) reconcile(t *testing.T) {
	t.Helper()
	if err := f.svc.Reconcile(context.Background()); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
}

func (f *fixture) activeCount(t *testing.T) int {
	t.Helper()
	live, err := f.store.FindLive(context.Background())
	if err != nil {
		t.Fatalf("FindLive: %v", err)
	}
	n := 0
	for _, r := range live {
		if r.Active {
			n++
		}
	}
	return n
}

// --- request & conflicts ---

func TestRequestRejectsInvalidWindow(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Request(context.Background(), &model.ReservationRequest{
		User:  "alice",
		Start: f.now.Add(2 * time.Hour),
		End:   f.now.Add(time.Hour),
	})
	appErr := apperrors.AsAppError(err)
	if appErr.Code != apperrors.CodeInvalidWindow {
		t.Fatalf("expected %s, got %s", apperrors.CodeInvalidWindow, appErr.Code)
	}

	// equal start and end is also invalid
	_, err = f.svc.Request(context.Background(), &model.ReservationRequest{
		User:  "alice",
		Start: f.now.Add(time.Hour),
		End:   f.now.Add(time.Hour),
	})
	if apperrors.AsAppError(err).Code != apperrors.CodeInvalidWindow {
		t.Fatal("zero-length window should be rejected")
	}
}

func TestRequestConflictWritesNothing(t *testing.T) {
	f := newFixture(t)
	existing := f.request(t, "alice", f.now.Add(time.Hour), f.now.Add(3*time.Hour))

	_, err := f.svc.Request(context.Background(), &model.ReservationRequest{
		User:  "bob",
		Start: f.now.Add(2 * time.Hour),
		End:   f.now.Add(4 * time.Hour),
	})
	appErr := apperrors.AsAppError(err)
	if appErr.Code != apperrors.CodeConflict {
		t.Fatalf("expected conflict, got %s", appErr.Code)
	}
	ids, _ := appErr.Details["reservation_ids"].([]string)
	if len(ids) != 1 || ids[0] != existing.ID {
		t.Errorf("conflict should name the colliding reservation, got %v", appErr.Details)
	}

	live, _ := f.store.FindLive(context.Background())
	if len(live) != 1 {
		t.Errorf("conflicting request must not write a record, have %d", len(live))
	}
}

func TestRequestTouchingBoundariesDoNotConflict(t *testing.T) {
	f := newFixture(t)
	f.request(t, "alice", f.now.Add(time.Hour), f.now.Add(2*time.Hour))
	f.request(t, "bob", f.now.Add(2*time.Hour), f.now.Add(3*time.Hour))

	live, _ := f.store.FindLive(context.Background())
	if len(live) != 2 {
		t.Fatalf("expected both reservations stored, got %d", len(live))
	}
}

func TestPairwiseNonOverlapInvariant(t *testing.T) {
	f := newFixture(t)
	windows := [][2]time.Duration{
		{1 * time.Hour, 2 * time.Hour},
		{90 * time.Minute, 150 * time.Minute}, // overlaps the first
		{2 * time.Hour, 3 * time.Hour},
		{30 * time.Minute, 90 * time.Minute}, // overlaps the first
		{3 * time.Hour, 4 * time.Hour},
	}
	for i, w := range windows {
		_, _ = f.svc.Request(context.Background(), &model.ReservationRequest{
			User:  fmt.Sprintf("user%d", i),
			Start: f.now.Add(w[0]),
			End:   f.now.Add(w[1]),
		})
	}

	live, _ := f.store.FindLive(context.Background())
	now := f.now
	for i := 0; i < len(live); i++ {
		for j := i + 1; j < len(live); j++ {
			a, b := live[i], live[j]
			if model.DeriveStatus(a, now) == model.StatusRejected || model.DeriveStatus(b, now) == model.StatusRejected {
				continue
			}
			if Overlaps(a.Start, a.End, b.Start, b.End) {
				t.Errorf("stored reservations %s and %s overlap", a.ID, b.ID)
			}
		}
	}
}

// --- approval & transfer modes ---

func TestApproveImmediateTransfer(t *testing.T) {
	f := newFixture(t)
	f.request(t, "alice", f.now.Add(-time.Hour), f.now.Add(time.Hour))

	res, mode := f.approve(t, "alice")
	if mode != TransferImmediate {
		t.Fatalf("expected immediate transfer, got %s", mode)
	}
	if !res.Active {
		t.Error("reservation should be active after immediate transfer")
	}
	if f.pass.state.CurrentOwner != "alice" {
		t.Errorf("pass owner = %s, want alice", f.pass.state.CurrentOwner)
	}
}

func TestApproveScheduledTransfer(t *testing.T) {
	f := newFixture(t)
	f.request(t, "bob", f.now.Add(2*time.Hour), f.now.Add(3*time.Hour))

	res, mode := f.approve(t, "bob")
	if mode != TransferScheduled {
		t.Fatalf("expected scheduled transfer, got %s", mode)
	}
	if res.Active {
		t.Error("scheduled reservation must not be active yet")
	}
	if f.pass.state.CurrentOwner != defaultHolder {
		t.Errorf("pass owner should be unchanged, got %s", f.pass.state.CurrentOwner)
	}

	// window opens
	f.clk.Advance(2 * time.Hour)
	f.reconcile(t)
	if f.pass.state.CurrentOwner != "bob" {
		t.Errorf("pass owner = %s, want bob after reconcile", f.pass.state.CurrentOwner)
	}
	stored, _ := f.store.FindByID(context.Background(), res.ID)
	if !stored.Active {
		t.Error("reservation should be active once its window opened")
	}
}

func TestApproveQueuedTransfer(t *testing.T) {
	f := newFixture(t)

	// user C holds the pass for the next hour
	f.request(t, "carol", f.now.Add(-time.Minute), f.now.Add(time.Hour))
	_, mode := f.approve(t, "carol")
	if mode != TransferImmediate {
		t.Fatalf("setup: expected immediate, got %s", mode)
	}

	// user D queues up right behind
	resD := f.request(t, "dave", f.now.Add(time.Hour), f.now.Add(2*time.Hour))
	_, mode = f.approve(t, "dave")
	if mode != TransferQueued {
		t.Fatalf("expected queued transfer, got %s", mode)
	}
	if f.pass.state.CurrentOwner != "carol" {
		t.Error("active holder must not be interrupted by an approval")
	}

	// carol expires and dave activates in the same reconcile pass,
	// with no intermediate fallback to the default holder
	f.clk.Advance(time.Hour)
	f.reconcile(t)
	if f.pass.state.CurrentOwner != "dave" {
		t.Errorf("pass owner = %s, want dave", f.pass.state.CurrentOwner)
	}
	stored, _ := f.store.FindByID(context.Background(), resD.ID)
	if !stored.Active {
		t.Error("dave's reservation should be active")
	}
	for _, ev := range f.notifier.events {
		if ev.Kind == EventPassReturned {
			t.Error("queued handover must not bounce through the default holder")
		}
	}
	if f.activeCount(t) != 1 {
		t.Errorf("exactly one active reservation expected, got %d", f.activeCount(t))
	}
}

func TestApproveClearsOtherPending(t *testing.T) {
	f := newFixture(t)
	p1 := f.request(t, "alice", f.now.Add(1*time.Hour), f.now.Add(2*time.Hour))
	p2 := f.request(t, "alice", f.now.Add(3*time.Hour), f.now.Add(4*time.Hour))
	p3 := f.request(t, "alice", f.now.Add(5*time.Hour), f.now.Add(6*time.Hour))

	approved, _ := f.approve(t, "alice")
	if approved.ID != p1.ID {
		t.Fatalf("approve should pick the earliest-start pending, got %s want %s", approved.ID, p1.ID)
	}

	for _, id := range []string{p2.ID, p3.ID} {
		stored, _ := f.store.FindByID(context.Background(), id)
		if model.DeriveStatus(stored, f.clk.Now()) == model.StatusPending {
			t.Errorf("reservation %s should no longer be pending", id)
		}
		if !stored.Rejected {
			t.Errorf("reservation %s should be rejected", id)
		}
	}
}

func TestApproveNothingPending(t *testing.T) {
	f := newFixture(t)
	_, _, err := f.svc.Approve(context.Background(), "ghost")
	if apperrors.AsAppError(err).Code != apperrors.CodeNoPending {
		t.Fatalf("expected %s, got %v", apperrors.CodeNoPending, err)
	}
}

// --- give ---

func TestGiveIgnoresReservations(t *testing.T) {
	f := newFixture(t)
	res := f.request(t, "carol", f.now.Add(-time.Minute), f.now.Add(time.Hour))
	f.approve(t, "carol")

	state, err := f.svc.Give(context.Background(), "eve")
	if err != nil {
		t.Fatalf("give: %v", err)
	}
	if state.CurrentOwner != "eve" {
		t.Errorf("owner = %s, want eve", state.CurrentOwner)
	}

	// carol's reservation is untouched: owner and active holder now
	// disagree until the next reconciliation pass
	stored, _ := f.store.FindByID(context.Background(), res.ID)
	if !stored.Active {
		t.Error("give must not touch reservation state")
	}
}

// --- reconcile ---

func TestReconcileFallbackToDefaultHolder(t *testing.T) {
	f := newFixture(t)
	f.request(t, "alice", f.now.Add(-time.Hour), f.now.Add(time.Hour))
	f.approve(t, "alice")

	f.clk.Advance(time.Hour) // window ends exactly now
	f.reconcile(t)

	if f.pass.state.CurrentOwner != defaultHolder {
		t.Errorf("owner = %s, want default holder", f.pass.state.CurrentOwner)
	}
	if f.activeCount(t) != 0 {
		t.Error("no reservation should remain active")
	}

	var returned bool
	for _, ev := range f.notifier.events {
		if ev.Kind == EventPassReturned {
			returned = true
		}
	}
	if !returned {
		t.Error("fallback should emit a pass_returned event")
	}
}

func TestReconcileIdempotent(t *testing.T) {
	f := newFixture(t)
	f.request(t, "alice", f.now.Add(-time.Hour), f.now.Add(time.Hour))
	f.approve(t, "alice")
	f.clk.Advance(2 * time.Hour)

	f.reconcile(t)
	stateAfterFirst := f.pass.state
	eventsAfterFirst := len(f.notifier.events)

	f.reconcile(t)
	if f.pass.state != stateAfterFirst {
		t.Errorf("second reconcile changed state: %+v -> %+v", stateAfterFirst, f.pass.state)
	}
	if len(f.notifier.events) != eventsAfterFirst {
		t.Errorf("second reconcile emitted %d extra events", len(f.notifier.events)-eventsAfterFirst)
	}
}

func TestReconcileNeverActivatesTwo(t *testing.T) {
	f := newFixture(t)

	f.request(t, "alice", f.now.Add(-time.Hour), f.now.Add(30*time.Minute))
	f.approve(t, "alice")
	f.request(t, "bob", f.now.Add(30*time.Minute), f.now.Add(2*time.Hour))
	f.approve(t, "bob")

	// both windows are open relative to this instant
	f.clk.Advance(45 * time.Minute)
	f.reconcile(t)

	if f.activeCount(t) != 1 {
		t.Fatalf("expected exactly one active reservation, got %d", f.activeCount(t))
	}
	if f.pass.state.CurrentOwner != "bob" {
		t.Errorf("owner = %s, want bob", f.pass.state.CurrentOwner)
	}
}

func TestReconcileWaitsForApprovedStart(t *testing.T) {
	f := newFixture(t)
	f.request(t, "bob", f.now.Add(2*time.Hour), f.now.Add(3*time.Hour))
	f.approve(t, "bob")

	f.reconcile(t)
	if f.pass.state.CurrentOwner != defaultHolder {
		t.Error("approved reservation must not activate before its start")
	}

	f.clk.Advance(2 * time.Hour)
	f.reconcile(t)
	if f.pass.state.CurrentOwner != "bob" {
		t.Errorf("owner = %s, want bob once the window opened", f.pass.state.CurrentOwner)
	}
}

func TestReconcileSimultaneousStartsResolveByCreationOrder(t *testing.T) {
	f := newFixture(t)

	// Request refuses overlapping windows, so seed the tie directly:
	// two approved reservations with the identical open window.
	start := f.now.Add(-time.Minute)
	end := f.now.Add(time.Hour)
	first := &model.Reservation{User: "early", Start: start, End: end, Approved: true}
	second := &model.Reservation{User: "late", Start: start, End: end, Approved: true}
	_ = f.store.Create(context.Background(), first)
	_ = f.store.Create(context.Background(), second)

	f.reconcile(t)

	if f.pass.state.CurrentOwner != "early" {
		t.Errorf("owner = %s, want the earlier-created reservation's user", f.pass.state.CurrentOwner)
	}
	if f.activeCount(t) != 1 {
		t.Errorf("exactly one active expected, got %d", f.activeCount(t))
	}
}

func TestReconcileSkipsExpiredApproved(t *testing.T) {
	f := newFixture(t)
	f.request(t, "alice", f.now.Add(time.Hour), f.now.Add(2*time.Hour))
	f.approve(t, "alice")

	// the whole window slides past without a tick
	f.clk.Advance(3 * time.Hour)
	f.reconcile(t)

	if f.pass.state.CurrentOwner != defaultHolder {
		t.Errorf("expired approved reservation must not activate, owner = %s", f.pass.state.CurrentOwner)
	}
	if f.activeCount(t) != 0 {
		t.Error("nothing should be active")
	}
}

// --- persistence failures ---

func TestRequestAbortsOnStoreFailure(t *testing.T) {
	f := newFixture(t)
	f.store.failNext = errors.New("disk on fire")

	_, err := f.svc.Request(context.Background(), &model.ReservationRequest{
		User:  "alice",
		Start: f.now.Add(time.Hour),
		End:   f.now.Add(2 * time.Hour),
	})
	if apperrors.AsAppError(err).Code != apperrors.CodePersistence {
		t.Fatalf("expected persistence error, got %v", err)
	}
	live, _ := f.store.FindLive(context.Background())
	if len(live) != 0 {
		t.Error("failed create must leave no record")
	}
}

// --- queries ---

func TestListReservationsOrderedWithStatus(t *testing.T) {
	f := newFixture(t)
	f.request(t, "bob", f.now.Add(3*time.Hour), f.now.Add(4*time.Hour))
	f.request(t, "alice", f.now.Add(1*time.Hour), f.now.Add(2*time.Hour))
	f.approve(t, "alice")

	views, err := f.svc.ListReservations(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(views) != 2 {
		t.Fatalf("expected 2 reservations, got %d", len(views))
	}
	if views[0].User != "alice" || views[1].User != "bob" {
		t.Errorf("expected ascending start order, got %s then %s", views[0].User, views[1].User)
	}
	if views[0].Status != model.StatusApproved {
		t.Errorf("alice's status = %s, want approved", views[0].Status)
	}
	if views[1].Status != model.StatusPending {
		t.Errorf("bob's status = %s, want pending", views[1].Status)
	}
}

func TestCurrentOwnerIncludesMemo(t *testing.T) {
	f := newFixture(t)
	if err := f.svc.SaveProfile(context.Background(), &model.UserProfile{User: defaultHolder, Memo: "blue hatchback"}); err != nil {
		t.Fatalf("save profile: %v", err)
	}

	state, memo, err := f.svc.CurrentOwner(context.Background())
	if err != nil {
		t.Fatalf("current owner: %v", err)
	}
	if state.CurrentOwner != defaultHolder {
		t.Errorf("owner = %s", state.CurrentOwner)
	}
	if memo != "blue hatchback" {
		t.Errorf("memo = %q", memo)
	}
}

// --- retention ---

func TestPurgeOldRemovesOnlyAncientReservations(t *testing.T) {
	f := newFixture(t)
	old := &model.Reservation{User: "alice", Start: f.now.Add(-10 * 24 * time.Hour), End: f.now.Add(-9 * 24 * time.Hour)}
	recent := &model.Reservation{User: "bob", Start: f.now.Add(-2 * time.Hour), End: f.now.Add(-time.Hour)}
	_ = f.store.Create(context.Background(), old)
	_ = f.store.Create(context.Background(), recent)

	deleted, err := f.svc.PurgeOld(context.Background())
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if deleted != 1 {
		t.Errorf("deleted = %d, want 1", deleted)
	}
	if _, err := f.store.FindByID(context.Background(), recent.ID); err != nil {
		t.Error("recent reservation should survive purge")
	}
}

// --- notifications ---

func TestApproveEmitsApprovalEvent(t *testing.T) {
	f := newFixture(t)
	f.request(t, "alice", f.now.Add(-time.Hour), f.now.Add(time.Hour))
	f.notifier.events = nil

	f.approve(t, "alice")

	kinds := f.notifier.kinds()
	if len(kinds) != 2 || kinds[0] != EventReservationApproved || kinds[1] != EventPassTransferred {
		t.Errorf("events = %v, want approval then transfer", kinds)
	}
}

type failingNotifier struct{}

func (failingNotifier) Publish(context.Context, Event) error {
	return errors.New("broker unreachable")
}

func TestNotifierFailureDoesNotRollBack(t *testing.T) {
	log := logger.New(logger.Config{Level: "error", Service: "test"})
	cfg := &config.Config{
		Log:             log,
		DefaultHolder:   defaultHolder,
		RetentionPeriod: 7 * 24 * time.Hour,
		Location:        time.UTC,
	}
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	pass := &memPassStore{state: model.PassState{ID: model.PassStateID, CurrentOwner: defaultHolder}}
	svc := NewPassService(
		newMemReservationStore(),
		pass,
		&memProfileStore{},
		validator.NewReservationValidator(log),
		failingNotifier{},
		clock.NewFixed(now),
		cfg,
	)

	state, err := svc.Give(context.Background(), "eve")
	if err != nil {
		t.Fatalf("give should succeed despite notifier failure: %v", err)
	}
	if state.CurrentOwner != "eve" || pass.state.CurrentOwner != "eve" {
		t.Error("ownership change must stick even when notification fails")
	}
}
