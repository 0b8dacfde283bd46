package call

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/petervdpas/callhub/internal/proto"
	"github.com/petervdpas/callhub/internal/util"
)

// Everything in this file runs on the Run goroutine.

const (
	msgReceiverBusy = "User is busy"
	msgCallerBusy   = "You are already in a call"
	msgRinging      = "A call is already ringing"
)

func (m *Manager) onRegister(c Conn, identity string) {
	id, err := util.NormalizeIdentity(identity)
	if err != nil {
		m.reject(c, codeInvalidIdentity, err.Error())
		return
	}

	m.conns[c.ID()] = c

	if prev, ok := m.bound[c.ID()]; ok && prev != id {
		// Same connection, new identity: the old identity goes offline first.
		delete(m.bound, c.ID())
		if m.registry[prev] == c {
			m.dropIdentity(prev)
		}
	}

	if old, ok := m.registry[id]; ok && old.ID() != c.ID() {
		m.send(old, proto.EventForceLogout, proto.ForceLogoutMsg{Reason: proto.ReasonSuperseded})
		delete(m.bound, old.ID())
		delete(m.conns, old.ID())
		_ = old.Close()
		log.Infow("registration superseded", "identity", id, "old_conn", old.ID(), "conn", c.ID())
		m.notify(Transition{Kind: TransitionSuperseded, Caller: id, Detail: old.ID()})
	}

	m.registry[id] = c
	m.bound[c.ID()] = id

	// Active calls are keyed by identity and survive a reconnect.
	m.broadcast(id, m.statusOf(id))
	log.Infow("registered", "identity", id, "conn", c.ID())
	m.notify(Transition{Kind: TransitionRegistered, Caller: id, Detail: c.ID()})
}

func (m *Manager) onCall(c Conn, req proto.CallMsg) {
	caller, ok := m.sender(c, req.CallerID)
	if !ok {
		return
	}
	receiver, err := util.NormalizeIdentity(req.ReceiverID)
	if err != nil {
		m.reject(c, codeInvalidPayload, "receiverId: "+err.Error())
		return
	}
	if !proto.ValidKind(req.Kind) {
		m.reject(c, codeInvalidPayload, "kind must be audio or video")
		return
	}
	if req.ChannelToken == "" {
		m.reject(c, codeInvalidPayload, "channelToken is required")
		return
	}
	if receiver == caller {
		m.reject(c, codeSelfCall, "cannot call yourself")
		return
	}

	busy := func(msg string) {
		m.send(c, proto.EventBusy, proto.BusyMsg{Message: msg})
		log.Debugw("call rejected busy", "caller", caller, "receiver", receiver, "reason", msg)
		m.notify(Transition{Kind: TransitionBusy, Caller: caller, Receiver: receiver, CallKind: req.Kind, Detail: msg})
	}

	if _, inCall := m.active[caller]; inCall {
		busy(msgCallerBusy)
		return
	}
	if _, ringingOut := m.pending[caller]; ringingOut {
		busy(msgRinging)
		return
	}
	if _, inCall := m.active[receiver]; inCall {
		busy(msgReceiverBusy)
		return
	}
	// First invitation at a receiver wins; a receiver dialing out is also taken.
	if _, beingRung := m.ringing[receiver]; beingRung {
		busy(msgReceiverBusy)
		return
	}
	if _, dialing := m.pending[receiver]; dialing {
		busy(msgReceiverBusy)
		return
	}

	rc, ok := m.registry[receiver]
	if !ok {
		m.send(c, proto.EventDeclined, proto.DeclinedMsg{Reason: proto.ReasonUnreachable})
		log.Debugw("call target unreachable", "caller", caller, "receiver", receiver)
		m.notify(Transition{Kind: TransitionUnreachable, Caller: caller, Receiver: receiver, CallKind: req.Kind})
		return
	}

	inv := &invite{
		ID:         uuid.NewString(),
		Caller:     caller,
		CallerName: req.CallerDisplayName,
		Receiver:   receiver,
		Kind:       req.Kind,
		Token:      req.ChannelToken,
		CreatedAt:  m.clock.Now(),
	}
	timeout := m.currentInviteTimeout()
	inv.timer = m.clock.AfterFunc(timeout, func() {
		_ = m.enqueue(func() { m.onExpire(caller, inv.ID) })
	})
	m.pending[caller] = inv
	m.ringing[receiver] = caller

	m.send(rc, proto.EventIncomingCall, proto.IncomingCallMsg{
		CallerID:          caller,
		CallerDisplayName: req.CallerDisplayName,
		Kind:              req.Kind,
		ChannelToken:      req.ChannelToken,
	})
	log.Infow("ringing", "caller", caller, "receiver", receiver, "kind", req.Kind, "invite", inv.ID, "timeout", timeout)
	m.notify(Transition{Kind: TransitionRinging, Caller: caller, Receiver: receiver, CallKind: req.Kind, Token: req.ChannelToken})
}

func (m *Manager) onAccept(c Conn, req proto.AcceptMsg) {
	receiver, ok := m.sender(c, "")
	if !ok {
		return
	}
	inv, ok := m.pending[req.CallerID]
	if !ok || inv.Receiver != receiver {
		log.Debugw("stale accept ignored", "caller", req.CallerID, "receiver", receiver)
		return
	}
	m.removeInvite(inv)

	token := req.ChannelToken
	if token == "" {
		token = inv.Token
	}
	kind := req.Kind
	if !proto.ValidKind(kind) {
		kind = inv.Kind
	}

	// Anything else either party had ringing is over now.
	m.dropInvitesOf(inv.Caller)
	m.dropInvitesOf(receiver)

	now := m.clock.Now()
	m.active[inv.Caller] = activeCall{Peer: receiver, Kind: kind, Token: token, Since: now}
	m.active[receiver] = activeCall{Peer: inv.Caller, Kind: kind, Token: token, Since: now}

	if cc, ok := m.registry[inv.Caller]; ok {
		m.send(cc, proto.EventAccepted, proto.AcceptedMsg{ChannelToken: token, Kind: kind})
	}
	m.broadcast(inv.Caller, proto.StatusBusy)
	m.broadcast(receiver, proto.StatusBusy)

	log.Infow("call accepted", "caller", inv.Caller, "receiver", receiver, "kind", kind)
	m.notify(Transition{Kind: TransitionAccepted, Caller: inv.Caller, Receiver: receiver, CallKind: kind, Token: token})
}

func (m *Manager) onDecline(c Conn, callerID string) {
	receiver, ok := m.sender(c, "")
	if !ok {
		return
	}
	inv, ok := m.pending[callerID]
	if !ok || inv.Receiver != receiver {
		log.Debugw("stale decline ignored", "caller", callerID, "receiver", receiver)
		return
	}
	m.removeInvite(inv)

	if cc, ok := m.registry[inv.Caller]; ok {
		m.send(cc, proto.EventDeclined, proto.DeclinedMsg{})
	}
	log.Infow("call declined", "caller", inv.Caller, "receiver", receiver)
	m.notify(Transition{Kind: TransitionDeclined, Caller: inv.Caller, Receiver: receiver, CallKind: inv.Kind, Token: inv.Token})
}

func (m *Manager) onEnd(c Conn, req proto.EndMsg) {
	self, ok := m.sender(c, req.SelfID)
	if !ok {
		return
	}
	ac, ok := m.active[self]
	if !ok {
		// Hanging up while still ringing withdraws the invitation.
		if _, ringingOut := m.pending[self]; ringingOut {
			m.onCancel(c)
			return
		}
		log.Debugw("end without active call ignored", "self", self, "other", req.OtherID)
		return
	}
	if req.OtherID != "" && req.OtherID != ac.Peer {
		log.Debugw("end names a different counterpart; using recorded one", "self", self, "other", req.OtherID, "peer", ac.Peer)
	}
	m.endCall(self, ac)
}

func (m *Manager) onCancel(c Conn) {
	caller, ok := m.sender(c, "")
	if !ok {
		return
	}
	inv, ok := m.pending[caller]
	if !ok {
		return
	}
	m.removeInvite(inv)
	if rc, ok := m.registry[inv.Receiver]; ok {
		m.send(rc, proto.EventCancelled, proto.CancelledMsg{CallerID: caller})
	}
	log.Infow("call cancelled", "caller", caller, "receiver", inv.Receiver)
	m.notify(Transition{Kind: TransitionCancelled, Caller: caller, Receiver: inv.Receiver, CallKind: inv.Kind, Token: inv.Token})
}

func (m *Manager) onExpire(caller, inviteID string) {
	inv, ok := m.pending[caller]
	if !ok || inv.ID != inviteID {
		return
	}
	m.removeInvite(inv)
	if cc, ok := m.registry[caller]; ok {
		m.send(cc, proto.EventDeclined, proto.DeclinedMsg{Reason: proto.ReasonTimeout})
	}
	if rc, ok := m.registry[inv.Receiver]; ok {
		m.send(rc, proto.EventCancelled, proto.CancelledMsg{CallerID: caller})
	}
	log.Infow("invitation timed out", "caller", caller, "receiver", inv.Receiver, "invite", inviteID)
	m.notify(Transition{Kind: TransitionTimeout, Caller: caller, Receiver: inv.Receiver, CallKind: inv.Kind, Token: inv.Token})
}

func (m *Manager) onQueryPresence(c Conn) {
	m.send(c, proto.EventOnlineUsers, m.presenceList())
}

func (m *Manager) onAnnounce(c Conn, status string) {
	self, ok := m.sender(c, "")
	if !ok {
		return
	}
	if status != proto.StatusOnline {
		return
	}
	if _, inCall := m.active[self]; inCall {
		return
	}
	m.broadcast(self, proto.StatusOnline)
}

func (m *Manager) onDisconnect(c Conn) {
	delete(m.conns, c.ID())
	id, ok := m.bound[c.ID()]
	if !ok {
		return
	}
	delete(m.bound, c.ID())
	if m.registry[id] != c {
		return
	}
	m.dropIdentity(id)
}

func (m *Manager) onForceLogout(identity, reason string) bool {
	c, ok := m.registry[identity]
	if !ok {
		return false
	}
	if reason == "" {
		reason = proto.ReasonAccountDeleted
	}
	m.send(c, proto.EventForceLogout, proto.ForceLogoutMsg{Reason: reason})
	delete(m.conns, c.ID())
	delete(m.bound, c.ID())
	m.dropIdentity(identity)
	_ = c.Close()
	log.Infow("forced logout", "identity", identity, "reason", reason)
	m.notify(Transition{Kind: TransitionForced, Caller: identity, Detail: reason})
	return true
}

// dropIdentity removes a registered identity and reconciles its call state.
func (m *Manager) dropIdentity(id string) {
	delete(m.registry, id)
	m.broadcast(id, proto.StatusOffline)
	log.Infow("offline", "identity", id)
	m.notify(Transition{Kind: TransitionOffline, Caller: id})

	if ac, ok := m.active[id]; ok {
		m.endCall(id, ac)
	}
	m.dropInvitesOf(id)
}

// endCall clears both directions of a pairing and tells the counterpart.
func (m *Manager) endCall(self string, ac activeCall) {
	delete(m.active, self)
	if back, ok := m.active[ac.Peer]; ok && back.Peer == self {
		delete(m.active, ac.Peer)
	}

	if pc, ok := m.registry[ac.Peer]; ok {
		m.send(pc, proto.EventEnded, proto.EndedMsg{OtherID: self})
		m.broadcast(ac.Peer, proto.StatusOnline)
	}
	if _, ok := m.registry[self]; ok {
		m.broadcast(self, proto.StatusOnline)
	}
	log.Infow("call ended", "by", self, "peer", ac.Peer, "duration", m.clock.Since(ac.Since))
	m.notify(Transition{Kind: TransitionEnded, Caller: self, Receiver: ac.Peer, CallKind: ac.Kind, Token: ac.Token})
}

// dropInvitesOf removes every invitation id takes part in, telling the other side.
func (m *Manager) dropInvitesOf(id string) {
	if inv, ok := m.pending[id]; ok {
		m.removeInvite(inv)
		if rc, ok := m.registry[inv.Receiver]; ok {
			m.send(rc, proto.EventCancelled, proto.CancelledMsg{CallerID: id})
		}
		m.notify(Transition{Kind: TransitionCancelled, Caller: id, Receiver: inv.Receiver, CallKind: inv.Kind, Token: inv.Token})
	}
	if caller, ok := m.ringing[id]; ok {
		inv := m.pending[caller]
		m.removeInvite(inv)
		if rc, ok := m.registry[id]; ok {
			m.send(rc, proto.EventCancelled, proto.CancelledMsg{CallerID: caller})
		}
		if cc, ok := m.registry[caller]; ok {
			if _, registered := m.registry[id]; registered {
				m.send(cc, proto.EventBusy, proto.BusyMsg{Message: msgReceiverBusy})
			} else {
				m.send(cc, proto.EventDeclined, proto.DeclinedMsg{Reason: proto.ReasonUnreachable})
			}
		}
		m.notify(Transition{Kind: TransitionCancelled, Caller: caller, Receiver: id, CallKind: inv.Kind, Token: inv.Token})
	}
}

func (m *Manager) removeInvite(inv *invite) {
	if inv == nil {
		return
	}
	inv.timer.Stop()
	if m.pending[inv.Caller] == inv {
		delete(m.pending, inv.Caller)
	}
	if m.ringing[inv.Receiver] == inv.Caller {
		delete(m.ringing, inv.Receiver)
	}
}

// sender resolves the identity registered on c. claimed, when set, must match.
func (m *Manager) sender(c Conn, claimed string) (string, bool) {
	id, ok := m.bound[c.ID()]
	if !ok {
		m.reject(c, codeNotRegistered, "register before signaling")
		return "", false
	}
	if claimed != "" && claimed != id {
		m.reject(c, codeIdentityMismatch, "identity does not match registration")
		return "", false
	}
	return id, true
}

func (m *Manager) statusOf(id string) string {
	if _, ok := m.active[id]; ok {
		return proto.StatusBusy
	}
	if _, ok := m.registry[id]; ok {
		return proto.StatusOnline
	}
	return proto.StatusOffline
}

func (m *Manager) presenceList() []proto.PresenceEntry {
	out := make([]proto.PresenceEntry, 0, len(m.registry))
	for id := range m.registry {
		out = append(out, proto.PresenceEntry{Identity: id, Status: m.statusOf(id)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identity < out[j].Identity })
	return out
}

func (m *Manager) snapshot() Snapshot {
	s := Snapshot{
		Connections: len(m.conns),
		Registered:  len(m.registry),
		Calls:       []CallInfo{},
		Invites:     []InviteInfo{},
	}
	for id, ac := range m.active {
		if id > ac.Peer {
			continue
		}
		s.Calls = append(s.Calls, CallInfo{A: id, B: ac.Peer, Kind: ac.Kind, Token: ac.Token, Since: ac.Since})
	}
	for _, inv := range m.pending {
		s.Invites = append(s.Invites, InviteInfo{
			ID: inv.ID, Caller: inv.Caller, Receiver: inv.Receiver,
			Kind: inv.Kind, Token: inv.Token, CreatedAt: inv.CreatedAt,
		})
	}
	sort.Slice(s.Calls, func(i, j int) bool { return s.Calls[i].A < s.Calls[j].A })
	sort.Slice(s.Invites, func(i, j int) bool { return s.Invites[i].Caller < s.Invites[j].Caller })
	return s
}

func (m *Manager) currentInviteTimeout() time.Duration {
	return time.Duration(m.inviteTimeout.Load())
}

func (m *Manager) send(c Conn, event string, payload any) {
	if err := c.Send(event, payload); err != nil {
		log.Debugw("send failed", "conn", c.ID(), "event", event, "err", err)
	}
}

func (m *Manager) reject(c Conn, code, msg string) {
	m.send(c, proto.EventError, proto.ErrorMsg{Code: code, Message: msg})
}

// broadcast tells every attached connection and every presence subscriber.
func (m *Manager) broadcast(id, status string) {
	change := proto.PresenceChange{Identity: id, Status: status, TS: m.clock.Now().UnixMilli()}
	for _, c := range m.conns {
		m.send(c, proto.EventPresenceChanged, change)
	}

	m.listenerMu.RLock()
	for ch := range m.listeners {
		select {
		case ch <- change:
		default:
		}
	}
	m.listenerMu.RUnlock()
}

func (m *Manager) notify(t Transition) {
	t.At = m.clock.Now()
	m.obsMu.RLock()
	observers := m.observers
	m.obsMu.RUnlock()
	for _, fn := range observers {
		fn(t)
	}
}
