package call

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/callhub/internal/proto"
)

type sentEvent struct {
	Event   string
	Payload any
}

type fakeConn struct {
	id string

	mu     sync.Mutex
	events []sentEvent
	closed bool
}

func newFakeConn(id string) *fakeConn { return &fakeConn{id: id} }

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(event string, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("conn %s closed", c.id)
	}
	c.events = append(c.events, sentEvent{Event: event, Payload: payload})
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// of returns the payloads of every event named event, oldest first.
func (c *fakeConn) of(event string) []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []any
	for _, e := range c.events {
		if e.Event == event {
			out = append(out, e.Payload)
		}
	}
	return out
}

func (c *fakeConn) has(event string) bool { return len(c.of(event)) > 0 }

func (c *fakeConn) reset() {
	c.mu.Lock()
	c.events = nil
	c.mu.Unlock()
}

type harness struct {
	t     *testing.T
	m     *Manager
	clock *clock.Mock
	trans chan Transition
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mock := clock.NewMock()
	m := New(Options{InviteTimeout: 30 * time.Second, Clock: mock})

	h := &harness{t: t, m: m, clock: mock, trans: make(chan Transition, 256)}
	m.OnTransition(func(tr Transition) {
		select {
		case h.trans <- tr:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return h
}

// settle waits until every event enqueued so far has been processed.
func (h *harness) settle() {
	h.t.Helper()
	_, err := h.m.Presence(context.Background())
	require.NoError(h.t, err)
}

func (h *harness) register(identity string) *fakeConn {
	h.t.Helper()
	c := newFakeConn("conn-" + identity)
	require.NoError(h.t, h.m.Attach(c))
	require.NoError(h.t, h.m.Register(c, identity))
	h.settle()
	return c
}

func (h *harness) call(c *fakeConn, caller, receiver, kind, token string) {
	h.t.Helper()
	require.NoError(h.t, h.m.Call(c, proto.CallMsg{CallerID: caller, ReceiverID: receiver, Kind: kind, ChannelToken: token}))
	h.settle()
}

func (h *harness) presence() map[string]string {
	h.t.Helper()
	list, err := h.m.Presence(context.Background())
	require.NoError(h.t, err)
	out := make(map[string]string, len(list))
	for _, e := range list {
		out[e.Identity] = e.Status
	}
	return out
}

// oneSided lists identities whose active-call entry is not mirrored by
// their counterpart's. It reads the table on the router goroutine.
func (h *harness) oneSided() []string {
	h.t.Helper()
	out, err := query(context.Background(), h.m, func() []string {
		var bad []string
		for id, ac := range h.m.active {
			if back, ok := h.m.active[ac.Peer]; !ok || back.Peer != id {
				bad = append(bad, id)
			}
		}
		return bad
	})
	require.NoError(h.t, err)
	return out
}

func (h *harness) assertConsistent() {
	h.t.Helper()
	assert.Empty(h.t, h.oneSided(), "one-sided active-call entries")

	s, err := h.m.Snapshot(context.Background())
	require.NoError(h.t, err)

	paired := map[string]bool{}
	for _, ci := range s.Calls {
		assert.False(h.t, paired[ci.A], "%s paired twice", ci.A)
		assert.False(h.t, paired[ci.B], "%s paired twice", ci.B)
		paired[ci.A], paired[ci.B] = true, true
	}
	for _, inv := range s.Invites {
		assert.False(h.t, paired[inv.Caller], "caller %s ringing while paired", inv.Caller)
		assert.False(h.t, paired[inv.Receiver], "receiver %s ringing while paired", inv.Receiver)
	}
}

func TestRoundTrip(t *testing.T) {
	h := newHarness(t)
	u1 := h.register("u1")
	u2 := h.register("u2")

	h.call(u1, "u1", "u2", proto.KindVideo, "tok1")
	require.Len(t, u2.of(proto.EventIncomingCall), 1)
	assert.Equal(t, proto.IncomingCallMsg{CallerID: "u1", Kind: proto.KindVideo, ChannelToken: "tok1"},
		u2.of(proto.EventIncomingCall)[0])

	require.NoError(t, h.m.Accept(u2, proto.AcceptMsg{CallerID: "u1", ChannelToken: "tok1", Kind: proto.KindVideo}))
	h.settle()
	require.Len(t, u1.of(proto.EventAccepted), 1)
	assert.Equal(t, proto.AcceptedMsg{ChannelToken: "tok1", Kind: proto.KindVideo}, u1.of(proto.EventAccepted)[0])
	assert.Equal(t, map[string]string{"u1": proto.StatusBusy, "u2": proto.StatusBusy}, h.presence())
	h.assertConsistent()

	require.NoError(t, h.m.End(u2, proto.EndMsg{SelfID: "u2", OtherID: "u1"}))
	h.settle()
	require.Len(t, u1.of(proto.EventEnded), 1)
	assert.Equal(t, proto.EndedMsg{OtherID: "u2"}, u1.of(proto.EventEnded)[0])
	assert.Equal(t, map[string]string{"u1": proto.StatusOnline, "u2": proto.StatusOnline}, h.presence())

	s, err := h.m.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Empty(t, s.Calls)
	assert.Empty(t, s.Invites)
}

func TestDeclineClearsInvitation(t *testing.T) {
	h := newHarness(t)
	u3 := h.register("u3")
	u4 := h.register("u4")

	h.call(u3, "u3", "u4", proto.KindAudio, "tok2")
	require.NoError(t, h.m.Decline(u4, "u3"))
	h.settle()

	require.Len(t, u3.of(proto.EventDeclined), 1)
	assert.Equal(t, proto.DeclinedMsg{}, u3.of(proto.EventDeclined)[0])
	assert.Equal(t, map[string]string{"u3": proto.StatusOnline, "u4": proto.StatusOnline}, h.presence())

	u4.reset()
	h.call(u3, "u3", "u4", proto.KindAudio, "tok3")
	assert.Len(t, u4.of(proto.EventIncomingCall), 1)
	assert.False(t, u3.has(proto.EventBusy))
}

func TestBusyReceiverLeavesTablesAlone(t *testing.T) {
	h := newHarness(t)
	a := h.register("a")
	b := h.register("b")
	c := h.register("c")

	h.call(a, "a", "b", proto.KindAudio, "t1")
	require.NoError(t, h.m.Accept(b, proto.AcceptMsg{CallerID: "a"}))
	h.settle()

	before, err := h.m.Snapshot(context.Background())
	require.NoError(t, err)

	h.call(c, "c", "a", proto.KindVideo, "t2")
	require.Len(t, c.of(proto.EventBusy), 1)
	assert.False(t, a.has(proto.EventIncomingCall))

	after, err := h.m.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, before.Calls, after.Calls)
	assert.Equal(t, before.Invites, after.Invites)
}

func TestCallerInCallIsBusy(t *testing.T) {
	h := newHarness(t)
	a := h.register("a")
	b := h.register("b")
	c := h.register("c")

	h.call(a, "a", "b", proto.KindAudio, "t1")
	require.NoError(t, h.m.Accept(b, proto.AcceptMsg{CallerID: "a"}))
	h.settle()

	h.call(a, "a", "c", proto.KindAudio, "t2")
	assert.Len(t, a.of(proto.EventBusy), 1)
	assert.False(t, c.has(proto.EventIncomingCall))
}

func TestSecondOutboundInviteRejected(t *testing.T) {
	h := newHarness(t)
	a := h.register("a")
	h.register("b")
	c := h.register("c")

	h.call(a, "a", "b", proto.KindAudio, "t1")
	h.call(a, "a", "c", proto.KindAudio, "t2")

	require.Len(t, a.of(proto.EventBusy), 1)
	assert.Equal(t, proto.BusyMsg{Message: msgRinging}, a.of(proto.EventBusy)[0])
	assert.False(t, c.has(proto.EventIncomingCall))

	s, err := h.m.Snapshot(context.Background())
	require.NoError(t, err)
	require.Len(t, s.Invites, 1)
	assert.Equal(t, "b", s.Invites[0].Receiver)
	assert.Equal(t, "t1", s.Invites[0].Token)
}

func TestFirstInvitationAtReceiverWins(t *testing.T) {
	h := newHarness(t)
	a := h.register("a")
	b := h.register("b")
	c := h.register("c")

	h.call(a, "a", "b", proto.KindAudio, "t1")
	h.call(c, "c", "b", proto.KindAudio, "t2")

	assert.Len(t, b.of(proto.EventIncomingCall), 1)
	assert.Len(t, c.of(proto.EventBusy), 1)
	assert.False(t, a.has(proto.EventBusy))
	h.assertConsistent()
}

func TestNoGlare(t *testing.T) {
	h := newHarness(t)
	a := h.register("a")
	b := h.register("b")

	h.call(a, "a", "b", proto.KindAudio, "t1")
	h.call(b, "b", "a", proto.KindAudio, "t2")

	assert.Len(t, b.of(proto.EventBusy), 1)
	assert.False(t, a.has(proto.EventIncomingCall))
}

func TestUnreachableReceiver(t *testing.T) {
	h := newHarness(t)
	a := h.register("a")

	h.call(a, "a", "ghost", proto.KindAudio, "t1")
	require.Len(t, a.of(proto.EventDeclined), 1)
	assert.Equal(t, proto.DeclinedMsg{Reason: proto.ReasonUnreachable}, a.of(proto.EventDeclined)[0])

	s, err := h.m.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Empty(t, s.Invites)
}

func TestInvitationTimesOut(t *testing.T) {
	h := newHarness(t)
	a := h.register("a")
	b := h.register("b")

	h.call(a, "a", "b", proto.KindAudio, "t1")
	h.clock.Add(29 * time.Second)
	h.settle()
	assert.False(t, a.has(proto.EventDeclined))

	h.clock.Add(2 * time.Second)
	require.Eventually(t, func() bool { return a.has(proto.EventDeclined) }, time.Second, 5*time.Millisecond)
	assert.Equal(t, proto.DeclinedMsg{Reason: proto.ReasonTimeout}, a.of(proto.EventDeclined)[0])
	h.settle()
	require.Len(t, b.of(proto.EventCancelled), 1)
	assert.Equal(t, proto.CancelledMsg{CallerID: "a"}, b.of(proto.EventCancelled)[0])

	// The slot is free again.
	b.reset()
	h.call(a, "a", "b", proto.KindAudio, "t2")
	assert.Len(t, b.of(proto.EventIncomingCall), 1)
}

func TestStaleTimerIgnoredAfterAccept(t *testing.T) {
	h := newHarness(t)
	a := h.register("a")
	b := h.register("b")

	h.call(a, "a", "b", proto.KindAudio, "t1")
	require.NoError(t, h.m.Accept(b, proto.AcceptMsg{CallerID: "a"}))
	h.settle()

	h.clock.Add(time.Minute)
	time.Sleep(20 * time.Millisecond)
	h.settle()
	assert.False(t, a.has(proto.EventDeclined))
	assert.Equal(t, map[string]string{"a": proto.StatusBusy, "b": proto.StatusBusy}, h.presence())
}

func TestSetInviteTimeoutAppliesToNewInvites(t *testing.T) {
	h := newHarness(t)
	a := h.register("a")
	h.register("b")

	h.m.SetInviteTimeout(5 * time.Second)
	h.call(a, "a", "b", proto.KindAudio, "t1")
	h.clock.Add(6 * time.Second)
	require.Eventually(t, func() bool { return a.has(proto.EventDeclined) }, time.Second, 5*time.Millisecond)
}

func TestCancelWithdrawsInvitation(t *testing.T) {
	h := newHarness(t)
	a := h.register("a")
	b := h.register("b")

	h.call(a, "a", "b", proto.KindAudio, "t1")
	require.NoError(t, h.m.Cancel(a))
	h.settle()

	require.Len(t, b.of(proto.EventCancelled), 1)
	s, err := h.m.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Empty(t, s.Invites)

	// A late accept is stale.
	require.NoError(t, h.m.Accept(b, proto.AcceptMsg{CallerID: "a"}))
	h.settle()
	assert.False(t, a.has(proto.EventAccepted))
	assert.Equal(t, map[string]string{"a": proto.StatusOnline, "b": proto.StatusOnline}, h.presence())
}

func TestEndWhileRingingCancels(t *testing.T) {
	h := newHarness(t)
	a := h.register("a")
	b := h.register("b")

	h.call(a, "a", "b", proto.KindAudio, "t1")
	require.NoError(t, h.m.End(a, proto.EndMsg{SelfID: "a", OtherID: "b"}))
	h.settle()

	assert.Len(t, b.of(proto.EventCancelled), 1)
	assert.False(t, b.has(proto.EventEnded))
}

func TestAcceptFromWrongIdentityIgnored(t *testing.T) {
	h := newHarness(t)
	a := h.register("a")
	h.register("b")
	c := h.register("c")

	h.call(a, "a", "b", proto.KindAudio, "t1")
	require.NoError(t, h.m.Accept(c, proto.AcceptMsg{CallerID: "a"}))
	h.settle()

	assert.False(t, a.has(proto.EventAccepted))
	s, err := h.m.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Len(t, s.Invites, 1)
	assert.Empty(t, s.Calls)
}

func TestAcceptPrefersAnswerTokenAndKind(t *testing.T) {
	h := newHarness(t)
	a := h.register("a")
	b := h.register("b")

	h.call(a, "a", "b", proto.KindVideo, "t1")
	require.NoError(t, h.m.Accept(b, proto.AcceptMsg{CallerID: "a", ChannelToken: "t9", Kind: proto.KindAudio}))
	h.settle()
	require.Len(t, a.of(proto.EventAccepted), 1)
	assert.Equal(t, proto.AcceptedMsg{ChannelToken: "t9", Kind: proto.KindAudio}, a.of(proto.EventAccepted)[0])
}

func TestDisconnectWhilePaired(t *testing.T) {
	h := newHarness(t)
	a := h.register("a")
	b := h.register("b")

	h.call(a, "a", "b", proto.KindAudio, "t1")
	require.NoError(t, h.m.Accept(b, proto.AcceptMsg{CallerID: "a"}))
	h.settle()

	require.NoError(t, h.m.Disconnect(a))
	h.settle()

	require.Len(t, b.of(proto.EventEnded), 1)
	assert.Equal(t, proto.EndedMsg{OtherID: "a"}, b.of(proto.EventEnded)[0])
	assert.Equal(t, map[string]string{"b": proto.StatusOnline}, h.presence())

	s, err := h.m.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Empty(t, s.Calls)

	// Cleanup is idempotent.
	require.NoError(t, h.m.Disconnect(a))
	h.settle()
	assert.Len(t, b.of(proto.EventEnded), 1)
}

func TestDisconnectWhileRinging(t *testing.T) {
	h := newHarness(t)
	a := h.register("a")
	b := h.register("b")

	h.call(a, "a", "b", proto.KindAudio, "t1")
	require.NoError(t, h.m.Disconnect(b))
	h.settle()

	require.Len(t, a.of(proto.EventDeclined), 1)
	assert.Equal(t, proto.DeclinedMsg{Reason: proto.ReasonUnreachable}, a.of(proto.EventDeclined)[0])

	h.register("b")
	a.reset()
	h.call(a, "a", "b", proto.KindAudio, "t2")
	assert.False(t, a.has(proto.EventBusy))
}

func TestCallerDisconnectCancelsRinging(t *testing.T) {
	h := newHarness(t)
	a := h.register("a")
	b := h.register("b")

	h.call(a, "a", "b", proto.KindAudio, "t1")
	require.NoError(t, h.m.Disconnect(a))
	h.settle()

	require.Len(t, b.of(proto.EventCancelled), 1)
	s, err := h.m.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Empty(t, s.Invites)
}

func TestAcceptDropsCompetingInvitations(t *testing.T) {
	h := newHarness(t)
	a := h.register("a")
	b := h.register("b")
	c := h.register("c")
	d := h.register("d")

	// c rings d, then a rings b and b accepts. Nothing involving a or b may survive.
	h.call(c, "c", "d", proto.KindAudio, "t0")
	h.call(a, "a", "b", proto.KindAudio, "t1")
	require.NoError(t, h.m.Accept(b, proto.AcceptMsg{CallerID: "a"}))
	h.settle()

	s, err := h.m.Snapshot(context.Background())
	require.NoError(t, err)
	require.Len(t, s.Invites, 1)
	assert.Equal(t, "c", s.Invites[0].Caller)
	assert.False(t, d.has(proto.EventCancelled))
	h.assertConsistent()
}

func TestSupersedingRegistration(t *testing.T) {
	h := newHarness(t)
	old := h.register("a")
	b := h.register("b")

	h.call(old, "a", "b", proto.KindAudio, "t1")
	require.NoError(t, h.m.Accept(b, proto.AcceptMsg{CallerID: "a"}))
	h.settle()

	fresh := newFakeConn("conn-a-2")
	require.NoError(t, h.m.Attach(fresh))
	require.NoError(t, h.m.Register(fresh, "a"))
	h.settle()

	require.Len(t, old.of(proto.EventForceLogout), 1)
	assert.Equal(t, proto.ForceLogoutMsg{Reason: proto.ReasonSuperseded}, old.of(proto.EventForceLogout)[0])
	assert.True(t, old.isClosed())

	// The orphaned connection's disconnect must not tear down the new one.
	require.NoError(t, h.m.Disconnect(old))
	h.settle()
	assert.Equal(t, map[string]string{"a": proto.StatusBusy, "b": proto.StatusBusy}, h.presence())
	assert.False(t, b.has(proto.EventEnded))

	require.NoError(t, h.m.End(fresh, proto.EndMsg{SelfID: "a"}))
	h.settle()
	assert.Len(t, b.of(proto.EventEnded), 1)
}

func TestReregisterUnderNewIdentity(t *testing.T) {
	h := newHarness(t)
	c := h.register("a")
	h.register("b")

	require.NoError(t, h.m.Register(c, "z"))
	h.settle()
	assert.Equal(t, map[string]string{"b": proto.StatusOnline, "z": proto.StatusOnline}, h.presence())
}

func TestUnregisteredConnectionRejected(t *testing.T) {
	h := newHarness(t)
	h.register("b")
	anon := newFakeConn("anon")
	require.NoError(t, h.m.Attach(anon))

	h.call(anon, "x", "b", proto.KindAudio, "t1")
	require.Len(t, anon.of(proto.EventError), 1)
	assert.Equal(t, codeNotRegistered, anon.of(proto.EventError)[0].(proto.ErrorMsg).Code)

	// Presence queries are allowed before registering.
	require.NoError(t, h.m.QueryPresence(anon))
	h.settle()
	require.Len(t, anon.of(proto.EventOnlineUsers), 1)
	assert.Equal(t, []proto.PresenceEntry{{Identity: "b", Status: proto.StatusOnline}}, anon.of(proto.EventOnlineUsers)[0])
}

func TestIdentityMismatch(t *testing.T) {
	h := newHarness(t)
	a := h.register("a")
	b := h.register("b")

	h.call(a, "b", "b", proto.KindAudio, "t1")
	require.Len(t, a.of(proto.EventError), 1)
	assert.Equal(t, codeIdentityMismatch, a.of(proto.EventError)[0].(proto.ErrorMsg).Code)
	assert.False(t, b.has(proto.EventIncomingCall))
}

func TestCallValidation(t *testing.T) {
	cases := map[string]struct {
		req  proto.CallMsg
		code string
	}{
		"self call":   {proto.CallMsg{ReceiverID: "a", Kind: proto.KindAudio, ChannelToken: "t"}, codeSelfCall},
		"bad kind":    {proto.CallMsg{ReceiverID: "b", Kind: "hologram", ChannelToken: "t"}, codeInvalidPayload},
		"no token":    {proto.CallMsg{ReceiverID: "b", Kind: proto.KindAudio}, codeInvalidPayload},
		"no receiver": {proto.CallMsg{Kind: proto.KindAudio, ChannelToken: "t"}, codeInvalidPayload},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t)
			a := h.register("a")
			b := h.register("b")

			require.NoError(t, h.m.Call(a, tc.req))
			h.settle()
			require.Len(t, a.of(proto.EventError), 1)
			assert.Equal(t, tc.code, a.of(proto.EventError)[0].(proto.ErrorMsg).Code)
			assert.False(t, b.has(proto.EventIncomingCall))
		})
	}
}

func TestPresenceBroadcasts(t *testing.T) {
	h := newHarness(t)
	ch, cancel := h.m.Subscribe()
	defer cancel()

	watcher := newFakeConn("watcher")
	require.NoError(t, h.m.Attach(watcher))
	h.register("a")

	select {
	case change := <-ch:
		assert.Equal(t, "a", change.Identity)
		assert.Equal(t, proto.StatusOnline, change.Status)
	case <-time.After(time.Second):
		t.Fatal("no presence change")
	}
	require.Len(t, watcher.of(proto.EventPresenceChanged), 1)
	assert.Equal(t, proto.StatusOnline, watcher.of(proto.EventPresenceChanged)[0].(proto.PresenceChange).Status)
}

func TestForceLogout(t *testing.T) {
	h := newHarness(t)
	a := h.register("a")
	b := h.register("b")

	h.call(a, "a", "b", proto.KindAudio, "t1")
	require.NoError(t, h.m.Accept(b, proto.AcceptMsg{CallerID: "a"}))
	h.settle()

	found, err := h.m.ForceLogout(context.Background(), "a", "")
	require.NoError(t, err)
	assert.True(t, found)
	require.Len(t, a.of(proto.EventForceLogout), 1)
	assert.Equal(t, proto.ForceLogoutMsg{Reason: proto.ReasonAccountDeleted}, a.of(proto.EventForceLogout)[0])
	assert.True(t, a.isClosed())
	assert.Len(t, b.of(proto.EventEnded), 1)
	assert.Equal(t, map[string]string{"b": proto.StatusOnline}, h.presence())

	found, err = h.m.ForceLogout(context.Background(), "nobody", "")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestTransitionsObserved(t *testing.T) {
	h := newHarness(t)
	a := h.register("a")
	b := h.register("b")
	h.call(a, "a", "b", proto.KindAudio, "t1")
	require.NoError(t, h.m.Decline(b, "a"))
	h.settle()

	var kinds []TransitionKind
	for len(h.trans) > 0 {
		kinds = append(kinds, (<-h.trans).Kind)
	}
	assert.Equal(t, []TransitionKind{TransitionRegistered, TransitionRegistered, TransitionRinging, TransitionDeclined}, kinds)
}

func TestClosedManagerRejectsEvents(t *testing.T) {
	m := New(Options{Clock: clock.NewMock()})
	c := newFakeConn("c")
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()
	require.NoError(t, m.Attach(c))
	_, err := m.Presence(context.Background())
	require.NoError(t, err)

	cancel()
	<-done
	assert.True(t, c.isClosed())
	assert.ErrorIs(t, m.Register(c, "a"), ErrClosed)
	_, err = m.Presence(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestManyCallersConsistent(t *testing.T) {
	h := newHarness(t)
	conns := make([]*fakeConn, 8)
	for i := range conns {
		conns[i] = h.register(fmt.Sprintf("p%d", i))
	}

	var wg sync.WaitGroup
	for i, c := range conns {
		wg.Add(1)
		go func(i int, c *fakeConn) {
			defer wg.Done()
			target := fmt.Sprintf("p%d", (i+1)%len(conns))
			_ = h.m.Call(c, proto.CallMsg{ReceiverID: target, Kind: proto.KindAudio, ChannelToken: "t"})
			_ = h.m.Accept(c, proto.AcceptMsg{CallerID: fmt.Sprintf("p%d", (i+len(conns)-1)%len(conns))})
		}(i, c)
	}
	wg.Wait()
	h.settle()
	h.assertConsistent()
}

func TestOneSidedEntryDetected(t *testing.T) {
	h := newHarness(t)
	h.register("a")
	h.register("b")

	require.NoError(t, h.m.enqueue(func() {
		h.m.active["b"] = activeCall{Peer: "a", Kind: proto.KindAudio, Token: "t"}
	}))
	assert.Equal(t, []string{"b"}, h.oneSided())
}

func TestCancelledQueryLeavesResultUnshared(t *testing.T) {
	h := newHarness(t)
	c := h.register("u1")
	h.register("u2")

	for i := 0; i < 50; i++ {
		ctx, cancel := context.WithCancel(context.Background())
		for j := 0; j < 20; j++ {
			require.NoError(t, h.m.QueryPresence(c))
		}
		cancel()
		list, err := h.m.Presence(ctx)
		if err != nil {
			assert.ErrorIs(t, err, context.Canceled)
			assert.Nil(t, list)
		}
		snap, err := h.m.Snapshot(ctx)
		if err != nil {
			assert.Empty(t, snap.Calls)
		}
		found, err := h.m.ForceLogout(ctx, "nobody", "")
		if err != nil {
			assert.False(t, found)
		}
	}
	h.settle()

	list, err := h.m.Presence(context.Background())
	require.NoError(t, err)
	assert.Len(t, list, 2)
}
