// Package proto holds the signaling wire vocabulary shared by the router,
// the WebSocket transport and the HTTP routes.
package proto

import "encoding/json"

// Inbound events (client → coordinator).
const (
	EventRegister      = "register"
	EventCall          = "call"
	EventAccept        = "accept"
	EventDecline       = "decline"
	EventEnd           = "end"
	EventCancel        = "cancel"
	EventQueryPresence = "query-presence"
	EventStatus        = "status"
)

// Outbound events (coordinator → client).
const (
	EventIncomingCall    = "incoming-call"
	EventAccepted        = "accepted"
	EventDeclined        = "declined"
	EventBusy            = "busy"
	EventEnded           = "ended"
	EventCancelled       = "cancelled"
	EventOnlineUsers     = "online-users"
	EventPresenceChanged = "presence-changed"
	EventForceLogout     = "force-logout"
	EventError           = "error"
)

// Presence statuses.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
	StatusBusy    = "busy"
)

// Call kinds.
const (
	KindAudio = "audio"
	KindVideo = "video"
)

// ValidKind reports whether k names a supported call kind.
func ValidKind(k string) bool {
	return k == KindAudio || k == KindVideo
}

// Decline reasons. An empty reason means the receiver declined.
const (
	ReasonTimeout     = "timeout"
	ReasonUnreachable = "unreachable"
)

// Force-logout reasons.
const (
	ReasonSuperseded     = "superseded"
	ReasonAccountDeleted = "account_deleted"
)

// Envelope is the frame exchanged over a client connection.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type RegisterMsg struct {
	Identity string `json:"identity"`
}

type CallMsg struct {
	CallerID          string `json:"callerId"`
	CallerDisplayName string `json:"callerDisplayName,omitempty"`
	ReceiverID        string `json:"receiverId"`
	Kind              string `json:"kind"`
	ChannelToken      string `json:"channelToken"`
}

type AcceptMsg struct {
	CallerID     string `json:"callerId"`
	ChannelToken string `json:"channelToken,omitempty"`
	Kind         string `json:"kind,omitempty"`
}

type DeclineMsg struct {
	CallerID string `json:"callerId"`
}

type EndMsg struct {
	SelfID  string `json:"selfId"`
	OtherID string `json:"otherId"`
}

type StatusMsg struct {
	Status string `json:"status"`
}

type IncomingCallMsg struct {
	CallerID          string `json:"callerId"`
	CallerDisplayName string `json:"callerDisplayName,omitempty"`
	Kind              string `json:"kind"`
	ChannelToken      string `json:"channelToken"`
}

type AcceptedMsg struct {
	ChannelToken string `json:"channelToken"`
	Kind         string `json:"kind"`
}

type DeclinedMsg struct {
	Reason string `json:"reason,omitempty"`
}

type BusyMsg struct {
	Message string `json:"message"`
}

type EndedMsg struct {
	OtherID string `json:"otherId,omitempty"`
}

type CancelledMsg struct {
	CallerID string `json:"callerId"`
}

type ForceLogoutMsg struct {
	Reason string `json:"reason"`
}

type ErrorMsg struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PresenceEntry is one row of an online-users reply.
type PresenceEntry struct {
	Identity string `json:"identity"`
	Status   string `json:"status"`
}

// PresenceChange is broadcast whenever an identity changes status.
type PresenceChange struct {
	Identity string `json:"identity"`
	Status   string `json:"status"`
	TS       int64  `json:"ts"`
}

// Error codes raised by the transport, ahead of the router.
const (
	CodeInvalidPayload = "invalid_payload"
	CodeRateLimited    = "rate_limited"
)
