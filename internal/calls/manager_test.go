package calls

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalix/realtime/internal/apperr"
	"github.com/signalix/realtime/internal/model"
	"github.com/signalix/realtime/internal/notify"
	"github.com/signalix/realtime/internal/presence"
	"github.com/signalix/realtime/internal/presence/presencetest"
	"github.com/signalix/realtime/internal/protocol"
	"github.com/signalix/realtime/internal/repo"
)

type fixture struct {
	store    *repo.MemoryStore
	registry *presence.Registry
	active   *MemoryActiveStore
	notifier *notify.Capture
	mgr      *Manager
}

func newFixture(t *testing.T, ringTimeout time.Duration) *fixture {
	return newWrappedFixture(t, ringTimeout, nil, nil)
}

// newWrappedFixture lets a test interpose on the active store and the
// message repo. Nil wrappers leave them unchanged.
func newWrappedFixture(
	t *testing.T,
	ringTimeout time.Duration,
	wrapActive func(ActiveStore) ActiveStore,
	wrapMessages func(repo.MessageRepo) repo.MessageRepo,
) *fixture {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	f := &fixture{
		store:    repo.NewMemoryStore(),
		active:   NewMemoryActiveStore(),
		notifier: &notify.Capture{},
	}
	var active ActiveStore = f.active
	if wrapActive != nil {
		active = wrapActive(active)
	}
	messages := f.store.Messages()
	if wrapMessages != nil {
		messages = wrapMessages(messages)
	}
	f.registry = presence.NewRegistry(log)
	f.mgr = NewManager(log, active, f.store.Users(), messages, f.registry, f.notifier, ringTimeout)
	f.registry.AddObserver(f.mgr)
	t.Cleanup(func() { f.mgr.Close(context.Background()) })
	return f
}

func (f *fixture) user(t *testing.T, name string) (uuid.UUID, *presencetest.Conn) {
	t.Helper()
	id := f.store.AddUser(name)
	c := presencetest.NewConn()
	require.NoError(t, f.registry.Register(context.Background(), id, c))
	return id, c
}

func (f *fixture) call(t *testing.T, caller, callee uuid.UUID) {
	t.Helper()
	require.NoError(t, f.mgr.Request(context.Background(), caller, protocol.CallRequest{
		To:        callee.String(),
		Text:      "ring ring",
		MessageID: "tmp-call",
	}))
}

func pairOf(caller, callee uuid.UUID) protocol.CallPair {
	return protocol.CallPair{From: caller.String(), To: callee.String()}
}

func (f *fixture) status(t *testing.T, caller, callee uuid.UUID) model.MessageStatus {
	t.Helper()
	msgs, err := f.store.Messages().ListBetween(context.Background(), caller, callee, 1, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	return msgs[0].Status
}

func (f *fixture) assertIdle(t *testing.T, users ...uuid.UUID) {
	t.Helper()
	for _, u := range users {
		assert.False(t, f.mgr.InCall(u))
		_, held := f.active.peerOf(u)
		assert.False(t, held)
	}
}

func (s *MemoryActiveStore) peerOf(id uuid.UUID) (uuid.UUID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	peer, ok := s.peers[id]
	return peer, ok
}

// gate blocks the first call that passes through it until open is closed.
type gate struct {
	used    atomic.Bool
	entered chan struct{}
	open    chan struct{}
}

func newGate() *gate {
	return &gate{entered: make(chan struct{}), open: make(chan struct{})}
}

func (g *gate) pass() {
	if g.used.CompareAndSwap(false, true) {
		close(g.entered)
		<-g.open
	}
}

func (g *gate) waitEntered(t *testing.T) {
	t.Helper()
	select {
	case <-g.entered:
	case <-time.After(time.Second):
		t.Fatal("gated call never started")
	}
}

type gatedActiveStore struct {
	ActiveStore
	gate *gate
}

func (s gatedActiveStore) Reserve(ctx context.Context, caller, callee uuid.UUID) (bool, error) {
	s.gate.pass()
	return s.ActiveStore.Reserve(ctx, caller, callee)
}

type gatedMessages struct {
	repo.MessageRepo
	gate *gate
}

func (r gatedMessages) Create(ctx context.Context, msg *model.Message) error {
	r.gate.pass()
	return r.MessageRepo.Create(ctx, msg)
}

// requestAsync runs Request in the background and returns its result channel.
func (f *fixture) requestAsync(caller, callee uuid.UUID) <-chan error {
	done := make(chan error, 1)
	go func() {
		done <- f.mgr.Request(context.Background(), caller, protocol.CallRequest{
			To:        callee.String(),
			Text:      "ring ring",
			MessageID: "tmp-call",
		})
	}()
	return done
}

func wait(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(time.Second):
		t.Fatal("request did not return")
		return nil
	}
}

func TestRequest_RingsCallee(t *testing.T) {
	f := newFixture(t, time.Minute)
	alice, hA := f.user(t, "alice")
	bob, hB := f.user(t, "bob")

	f.call(t, alice, bob)

	st, ok := f.mgr.StateOf(alice, bob)
	require.True(t, ok)
	assert.Equal(t, StateRinging, st)
	assert.True(t, f.mgr.InCall(alice))
	assert.True(t, f.mgr.InCall(bob))

	var sig protocol.CallSignal
	require.True(t, hB.Last(protocol.EventIncomingCall, &sig))
	assert.Equal(t, alice, sig.CallerID)
	assert.Equal(t, bob, sig.CalleeID)
	assert.Equal(t, "ring ring", sig.Text)
	require.NotNil(t, sig.MessageID)

	var sent protocol.MessageSent
	require.True(t, hA.Last(protocol.EventMessageSent, &sent))
	assert.Equal(t, "tmp-call", sent.TempID)
	assert.Equal(t, *sig.MessageID, sent.ID)
	assert.Equal(t, model.MessageTypeVideoCallRequest, sent.Type)
	assert.Equal(t, model.StatusPending, f.status(t, alice, bob))
}

func TestRequest_BusyCallee(t *testing.T) {
	f := newFixture(t, time.Minute)
	alice, _ := f.user(t, "alice")
	bob, hB := f.user(t, "bob")
	carol, hC := f.user(t, "carol")

	f.call(t, bob, carol)
	require.NoError(t, f.mgr.Accept(context.Background(), carol, pairOf(bob, carol)))
	before := append(hB.Names(), hC.Names()...)

	err := f.mgr.Request(context.Background(), alice, protocol.CallRequest{To: bob.String()})
	require.Error(t, err)
	assert.Equal(t, apperr.KindBusy, apperr.KindOf(err))

	st, ok := f.mgr.StateOf(bob, carol)
	require.True(t, ok)
	assert.Equal(t, StateAccepted, st, "existing call unaffected")
	assert.False(t, f.mgr.InCall(alice))
	assert.Equal(t, before, append(hB.Names(), hC.Names()...), "no events for the busy pair")

	peer, ok := f.active.peerOf(bob)
	require.True(t, ok)
	assert.Equal(t, carol, peer)
}

func TestRequest_CallerAlreadyInCall(t *testing.T) {
	f := newFixture(t, time.Minute)
	alice, _ := f.user(t, "alice")
	bob, _ := f.user(t, "bob")
	carol, _ := f.user(t, "carol")

	f.call(t, alice, bob)
	err := f.mgr.Request(context.Background(), alice, protocol.CallRequest{To: carol.String()})
	assert.True(t, apperr.Is(err, apperr.KindBusy))
	assert.False(t, f.mgr.InCall(carol))
}

func TestRequest_Validation(t *testing.T) {
	f := newFixture(t, time.Minute)
	alice, _ := f.user(t, "alice")
	ctx := context.Background()

	err := f.mgr.Request(ctx, alice, protocol.CallRequest{To: "nope"})
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	err = f.mgr.Request(ctx, alice, protocol.CallRequest{To: alice.String()})
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	err = f.mgr.Request(ctx, alice, protocol.CallRequest{To: uuid.NewString()})
	assert.True(t, apperr.Is(err, apperr.KindNotFound))

	f.assertIdle(t, alice)
}

func TestRequest_StorageFailureReleasesPair(t *testing.T) {
	f := newFixture(t, time.Minute)
	alice, _ := f.user(t, "alice")
	bob, hB := f.user(t, "bob")

	f.store.FailNextWrite(errors.New("db down"))
	err := f.mgr.Request(context.Background(), alice, protocol.CallRequest{To: bob.String()})
	assert.True(t, apperr.Is(err, apperr.KindStorage))
	f.assertIdle(t, alice, bob)
	assert.Zero(t, hB.Count(protocol.EventIncomingCall))

	f.call(t, alice, bob)
	assert.True(t, f.mgr.InCall(bob), "pair can ring again")
}

func TestRingTimeout(t *testing.T) {
	f := newFixture(t, 50*time.Millisecond)
	alice, hA := f.user(t, "alice")
	bob, hB := f.user(t, "bob")

	f.call(t, alice, bob)

	require.Eventually(t, func() bool {
		return hB.Count(protocol.EventCallTimeout) == 1 && hA.Count(protocol.EventCallTimeout) == 1
	}, time.Second, 10*time.Millisecond)

	var toCallee, toCaller protocol.CallSignal
	require.True(t, hB.Last(protocol.EventCallTimeout, &toCallee))
	require.True(t, hA.Last(protocol.EventCallTimeout, &toCaller))
	assert.Equal(t, ReasonTimeout, toCallee.Reason)
	assert.Nil(t, toCallee.Notify)
	assert.Equal(t, ReasonTimeout, toCaller.Reason)
	require.NotNil(t, toCaller.Notify)
	assert.False(t, *toCaller.Notify)

	f.assertIdle(t, alice, bob)
	assert.Equal(t, model.StatusMissed, f.status(t, alice, bob))
}

func TestAccept_CancelsRingTimer(t *testing.T) {
	f := newFixture(t, 80*time.Millisecond)
	alice, hA := f.user(t, "alice")
	bob, hB := f.user(t, "bob")

	f.call(t, alice, bob)
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, f.mgr.Accept(context.Background(), bob, pairOf(alice, bob)))

	assert.Equal(t, 1, hA.Count(protocol.EventCallAccepted))
	assert.Equal(t, 1, hB.Count(protocol.EventCallAccepted))
	assert.Never(t, func() bool {
		return hA.Count(protocol.EventCallTimeout)+hB.Count(protocol.EventCallTimeout) > 0
	}, 250*time.Millisecond, 10*time.Millisecond)

	st, ok := f.mgr.StateOf(alice, bob)
	require.True(t, ok)
	assert.Equal(t, StateAccepted, st)
	assert.Equal(t, model.StatusAccepted, f.status(t, alice, bob))

	t.Run("accept twice", func(t *testing.T) {
		err := f.mgr.Accept(context.Background(), bob, pairOf(alice, bob))
		assert.True(t, apperr.Is(err, apperr.KindNotFound))
		assert.ErrorIs(t, err, ErrNoSuchCall)
	})

	t.Run("start then end", func(t *testing.T) {
		require.NoError(t, f.mgr.Start(context.Background(), alice, pairOf(alice, bob)))
		require.NoError(t, f.mgr.Start(context.Background(), bob, pairOf(alice, bob)), "second start is a no-op")
		assert.Equal(t, 1, hB.Count(protocol.EventCallStarted))

		require.NoError(t, f.mgr.End(context.Background(), bob, pairOf(alice, bob)))
		var sig protocol.CallSignal
		require.True(t, hA.Last(protocol.EventCallEnded, &sig))
		assert.Equal(t, ReasonEnded, sig.Reason)
		f.assertIdle(t, alice, bob)
		assert.Equal(t, model.StatusEnded, f.status(t, alice, bob))
	})
}

func TestDeclineAndCancel_StopRingTimer(t *testing.T) {
	t.Run("decline", func(t *testing.T) {
		f := newFixture(t, 60*time.Millisecond)
		alice, hA := f.user(t, "alice")
		bob, hB := f.user(t, "bob")
		f.call(t, alice, bob)

		require.NoError(t, f.mgr.Decline(context.Background(), bob, pairOf(alice, bob)))
		assert.Equal(t, 1, hA.Count(protocol.EventCallDeclined))
		assert.Equal(t, 1, hB.Count(protocol.EventCallDeclined))
		assert.Zero(t, hA.Count(protocol.EventCallEnded), "decline is terminal on its own")
		f.assertIdle(t, alice, bob)
		assert.Equal(t, model.StatusDeclined, f.status(t, alice, bob))

		assert.Never(t, func() bool { return hB.Count(protocol.EventCallTimeout) > 0 },
			200*time.Millisecond, 10*time.Millisecond)
	})

	t.Run("cancel", func(t *testing.T) {
		f := newFixture(t, 60*time.Millisecond)
		alice, hA := f.user(t, "alice")
		bob, hB := f.user(t, "bob")
		f.call(t, alice, bob)

		require.NoError(t, f.mgr.Cancel(context.Background(), alice, pairOf(alice, bob)))
		var toCallee, toCaller protocol.CallSignal
		require.True(t, hB.Last(protocol.EventCallCancelled, &toCallee))
		require.True(t, hA.Last(protocol.EventCallCancelled, &toCaller))
		assert.Nil(t, toCallee.Notify)
		require.NotNil(t, toCaller.Notify)
		assert.False(t, *toCaller.Notify)
		f.assertIdle(t, alice, bob)
		assert.Equal(t, model.StatusCancelled, f.status(t, alice, bob))

		assert.Never(t, func() bool { return hB.Count(protocol.EventCallTimeout) > 0 },
			200*time.Millisecond, 10*time.Millisecond)
	})
}

func TestConcurrentResolveFirstWins(t *testing.T) {
	f := newFixture(t, time.Minute)
	alice, hA := f.user(t, "alice")
	bob, _ := f.user(t, "bob")
	f.call(t, alice, bob)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(2)
	go func() { defer wg.Done(); errs[0] = f.mgr.Cancel(context.Background(), alice, pairOf(alice, bob)) }()
	go func() { defer wg.Done(); errs[1] = f.mgr.Decline(context.Background(), bob, pairOf(alice, bob)) }()
	wg.Wait()

	assert.NoError(t, errs[0])
	assert.NoError(t, errs[1])
	assert.Equal(t, 1, hA.Count(protocol.EventCallCancelled)+hA.Count(protocol.EventCallDeclined))
	f.assertIdle(t, alice, bob)
}

func TestConcurrentRequestsAtMostOneCall(t *testing.T) {
	f := newFixture(t, time.Minute)
	bob, _ := f.user(t, "bob")
	callers := make([]uuid.UUID, 8)
	for i := range callers {
		callers[i], _ = f.user(t, "caller")
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	var ok, busy int
	for _, c := range callers {
		wg.Add(1)
		go func(c uuid.UUID) {
			defer wg.Done()
			err := f.mgr.Request(context.Background(), c, protocol.CallRequest{To: bob.String()})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case apperr.Is(err, apperr.KindBusy):
				busy++
			}
		}(c)
	}
	wg.Wait()

	assert.Equal(t, 1, ok)
	assert.Equal(t, len(callers)-1, busy)
}

func TestDisconnectEndsCall(t *testing.T) {
	f := newFixture(t, time.Minute)
	alice, hA := f.user(t, "alice")
	bob, hB := f.user(t, "bob")
	f.call(t, alice, bob)
	require.NoError(t, f.mgr.Accept(context.Background(), bob, pairOf(alice, bob)))

	assert.True(t, f.registry.Unregister(context.Background(), hA.Handle()))

	var sig protocol.CallSignal
	require.True(t, hB.Last(protocol.EventCallEnded, &sig))
	assert.Equal(t, ReasonDisconnect, sig.Reason)
	f.assertIdle(t, alice, bob)
	assert.NotContains(t, f.registry.HandlesFor(alice), hA.Handle())
}

func TestDisconnectKeepsCallWhileOtherHandleLive(t *testing.T) {
	f := newFixture(t, time.Minute)
	alice, hA := f.user(t, "alice")
	bob, _ := f.user(t, "bob")
	second := presencetest.NewConn()
	require.NoError(t, f.registry.Register(context.Background(), alice, second))
	f.call(t, alice, bob)

	assert.False(t, f.registry.Unregister(context.Background(), hA.Handle()))
	assert.True(t, f.mgr.InCall(alice))
}

func TestRequest_OfflineCalleeIsWoken(t *testing.T) {
	f := newFixture(t, time.Minute)
	alice, _ := f.user(t, "alice")
	bob := f.store.AddUser("bob")

	f.call(t, alice, bob)
	wakes := f.notifier.Requests()
	require.Len(t, wakes, 1)
	assert.Equal(t, bob, wakes[0].UserID)
	assert.Equal(t, notify.ReasonIncomingCall, wakes[0].Reason)
}

func TestRequest_SupersedesPendingRecords(t *testing.T) {
	f := newFixture(t, 30*time.Millisecond)
	alice, hA := f.user(t, "alice")
	bob, _ := f.user(t, "bob")
	ctx := context.Background()

	stale := model.Message{SenderID: alice, RecipientID: bob, Type: model.MessageTypeVideoCallRequest, Status: model.StatusPending}
	require.NoError(t, f.store.Messages().Create(ctx, &stale))

	f.call(t, alice, bob)
	got, err := f.store.Messages().GetByID(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, got.Status)

	require.Eventually(t, func() bool { return hA.Count(protocol.EventCallTimeout) == 1 }, time.Second, 5*time.Millisecond)
}

func TestLeaveChat(t *testing.T) {
	f := newFixture(t, time.Minute)
	alice, hA := f.user(t, "alice")
	bob, hB := f.user(t, "bob")
	f.call(t, alice, bob)

	require.NoError(t, f.mgr.LeaveChat(context.Background(), bob, protocol.LeaveChat{WithUser: alice.String()}))
	f.assertIdle(t, alice, bob)
	assert.Equal(t, 1, hA.Count(protocol.EventSessionReset))
	assert.Equal(t, 1, hB.Count(protocol.EventSessionReset))
	assert.Equal(t, model.StatusCancelled, f.status(t, alice, bob))
}

func TestRequest_ReserveRunsOutsideLock(t *testing.T) {
	g := newGate()
	f := newWrappedFixture(t, time.Minute, func(a ActiveStore) ActiveStore {
		return gatedActiveStore{ActiveStore: a, gate: g}
	}, nil)
	alice, hA := f.user(t, "alice")
	bob, _ := f.user(t, "bob")
	carol, _ := f.user(t, "carol")
	dave, hD := f.user(t, "dave")
	ctx := context.Background()

	done := f.requestAsync(alice, bob)
	g.waitEntered(t)

	unrelated := make(chan error, 1)
	go func() {
		if err := f.mgr.Request(ctx, carol, protocol.CallRequest{To: dave.String()}); err != nil {
			unrelated <- err
			return
		}
		unrelated <- f.mgr.Decline(ctx, dave, pairOf(carol, dave))
	}()
	select {
	case err := <-unrelated:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("unrelated call blocked behind a pending reservation")
	}
	assert.Equal(t, 1, hD.Count(protocol.EventCallDeclined))
	f.assertIdle(t, carol, dave)

	assert.True(t, f.mgr.InCall(alice))
	err := f.mgr.Request(ctx, carol, protocol.CallRequest{To: bob.String()})
	assert.True(t, apperr.Is(err, apperr.KindBusy), "pending pair counts as busy")
	err = f.mgr.Accept(ctx, bob, pairOf(alice, bob))
	assert.ErrorIs(t, err, ErrNoSuchCall, "not answerable before it rings")

	close(g.open)
	require.NoError(t, wait(t, done))
	st, ok := f.mgr.StateOf(alice, bob)
	require.True(t, ok)
	assert.Equal(t, StateRinging, st)
	assert.Equal(t, 1, hA.Count(protocol.EventMessageSent))
}

func TestRequest_DisconnectWhileReserving(t *testing.T) {
	g := newGate()
	f := newWrappedFixture(t, time.Minute, func(a ActiveStore) ActiveStore {
		return gatedActiveStore{ActiveStore: a, gate: g}
	}, nil)
	alice, _ := f.user(t, "alice")
	bob, hB := f.user(t, "bob")

	done := f.requestAsync(alice, bob)
	g.waitEntered(t)
	f.mgr.EndForUser(context.Background(), alice, ReasonDisconnect)
	close(g.open)

	require.NoError(t, wait(t, done))
	f.assertIdle(t, alice, bob)
	assert.Zero(t, hB.Count(protocol.EventIncomingCall))
	assert.Zero(t, hB.Count(protocol.EventCallEnded))
}

func TestRequest_AcceptedWhileRecordWritten(t *testing.T) {
	g := newGate()
	f := newWrappedFixture(t, 50*time.Millisecond, nil, func(r repo.MessageRepo) repo.MessageRepo {
		return gatedMessages{MessageRepo: r, gate: g}
	})
	alice, hA := f.user(t, "alice")
	bob, hB := f.user(t, "bob")

	done := f.requestAsync(alice, bob)
	g.waitEntered(t)
	require.NoError(t, f.mgr.Accept(context.Background(), bob, pairOf(alice, bob)))
	close(g.open)
	require.NoError(t, wait(t, done))

	st, ok := f.mgr.StateOf(alice, bob)
	require.True(t, ok)
	assert.Equal(t, StateAccepted, st)
	assert.Equal(t, model.StatusAccepted, f.status(t, alice, bob))

	var sent protocol.MessageSent
	require.True(t, hA.Last(protocol.EventMessageSent, &sent))
	assert.Equal(t, "tmp-call", sent.TempID)
	assert.Equal(t, model.StatusAccepted, sent.Status)
	assert.Zero(t, hB.Count(protocol.EventIncomingCall))
	assert.Never(t, func() bool {
		return hA.Count(protocol.EventCallTimeout)+hB.Count(protocol.EventCallTimeout) > 0
	}, 200*time.Millisecond, 10*time.Millisecond)
}

func TestRequest_DeclinedWhileRecordWritten(t *testing.T) {
	g := newGate()
	f := newWrappedFixture(t, time.Minute, nil, func(r repo.MessageRepo) repo.MessageRepo {
		return gatedMessages{MessageRepo: r, gate: g}
	})
	alice, hA := f.user(t, "alice")
	bob, _ := f.user(t, "bob")

	done := f.requestAsync(alice, bob)
	g.waitEntered(t)
	require.NoError(t, f.mgr.Decline(context.Background(), bob, pairOf(alice, bob)))
	close(g.open)
	require.NoError(t, wait(t, done))

	f.assertIdle(t, alice, bob)
	assert.Equal(t, model.StatusDeclined, f.status(t, alice, bob))
	assert.Equal(t, 1, hA.Count(protocol.EventCallDeclined))
	assert.Zero(t, hA.Count(protocol.EventMessageSent))
}

func TestFail(t *testing.T) {
	f := newFixture(t, time.Minute)
	alice, hA := f.user(t, "alice")
	bob, hB := f.user(t, "bob")
	f.call(t, alice, bob)
	require.NoError(t, f.mgr.Accept(context.Background(), bob, pairOf(alice, bob)))

	req := protocol.CallPair{From: bob.String(), To: alice.String(), Error: "ice failed"}
	require.NoError(t, f.mgr.Fail(context.Background(), bob, req))

	for _, h := range []*presencetest.Conn{hA, hB} {
		var sig protocol.CallSignal
		require.True(t, h.Last(protocol.EventCallFailed, &sig))
		assert.Equal(t, "ice failed", sig.Error)
		assert.Equal(t, alice, sig.CallerID)
		assert.Equal(t, bob, sig.CalleeID)
	}
	f.assertIdle(t, alice, bob)
	assert.Equal(t, model.StatusFailed, f.status(t, alice, bob))

	require.NoError(t, f.mgr.Fail(context.Background(), bob, req), "failing a finished call is a no-op")
	assert.Equal(t, 1, hA.Count(protocol.EventCallFailed))

	f.call(t, bob, alice)
	assert.True(t, f.mgr.InCall(alice), "pair can ring again")

	t.Run("while ringing", func(t *testing.T) {
		f := newFixture(t, 50*time.Millisecond)
		alice, hA := f.user(t, "alice")
		bob, hB := f.user(t, "bob")
		f.call(t, alice, bob)

		require.NoError(t, f.mgr.Fail(context.Background(), alice, pairOf(alice, bob)))
		assert.Equal(t, 1, hB.Count(protocol.EventCallFailed))
		f.assertIdle(t, alice, bob)
		assert.Never(t, func() bool {
			return hA.Count(protocol.EventCallTimeout)+hB.Count(protocol.EventCallTimeout) > 0
		}, 200*time.Millisecond, 10*time.Millisecond)
		assert.Equal(t, model.StatusFailed, f.status(t, alice, bob))
	})
}

func TestEndWhileRinging(t *testing.T) {
	f := newFixture(t, 50*time.Millisecond)
	alice, hA := f.user(t, "alice")
	bob, hB := f.user(t, "bob")
	f.call(t, alice, bob)

	require.NoError(t, f.mgr.End(context.Background(), alice, pairOf(alice, bob)))

	var sig protocol.CallSignal
	require.True(t, hB.Last(protocol.EventCallEnded, &sig))
	assert.Equal(t, ReasonEnded, sig.Reason)
	assert.Equal(t, 1, hA.Count(protocol.EventCallEnded))
	f.assertIdle(t, alice, bob)
	assert.Equal(t, model.StatusCancelled, f.status(t, alice, bob))

	assert.Never(t, func() bool {
		return hA.Count(protocol.EventCallTimeout)+hB.Count(protocol.EventCallTimeout) > 0
	}, 200*time.Millisecond, 10*time.Millisecond)
	assert.Equal(t, model.StatusCancelled, f.status(t, alice, bob))
}
