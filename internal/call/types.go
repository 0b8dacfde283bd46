package call

import (
	"time"

	"github.com/benbjohnson/clock"
)

// Conn is the only surface the router needs from a client connection.
// Send must not block; delivery is fire-and-forget.
type Conn interface {
	ID() string
	Send(event string, payload any) error
	Close() error
}

// Options configures a Manager. Zero values fall back to defaults.
type Options struct {
	InviteTimeout time.Duration
	QueueSize     int
	Clock         clock.Clock
}

const (
	DefaultInviteTimeout = 45 * time.Second
	defaultQueueSize     = 1024
)

// activeCall is one direction of a pairing; the counterpart holds the mirror entry.
type activeCall struct {
	Peer  string
	Kind  string
	Token string
	Since time.Time
}

// invite is a ringing call, keyed by caller.
type invite struct {
	ID         string
	Caller     string
	CallerName string
	Receiver   string
	Kind       string
	Token      string
	CreatedAt  time.Time
	timer      *clock.Timer
}

// TransitionKind names a lifecycle step reported to observers.
type TransitionKind string

const (
	TransitionRegistered  TransitionKind = "registered"
	TransitionOffline     TransitionKind = "offline"
	TransitionSuperseded  TransitionKind = "superseded"
	TransitionForced      TransitionKind = "forced-logout"
	TransitionRinging     TransitionKind = "ringing"
	TransitionBusy        TransitionKind = "busy"
	TransitionUnreachable TransitionKind = "unreachable"
	TransitionAccepted    TransitionKind = "accepted"
	TransitionDeclined    TransitionKind = "declined"
	TransitionTimeout     TransitionKind = "timeout"
	TransitionCancelled   TransitionKind = "cancelled"
	TransitionEnded       TransitionKind = "ended"
)

// Transition describes one state change. Caller is the identity that owns the
// event (the registering or disconnecting identity for presence kinds).
type Transition struct {
	Kind     TransitionKind `json:"kind"`
	Caller   string         `json:"caller"`
	Receiver string         `json:"receiver,omitempty"`
	CallKind string         `json:"call_kind,omitempty"`
	Token    string         `json:"token,omitempty"`
	Detail   string         `json:"detail,omitempty"`
	At       time.Time      `json:"at"`
}

// CallInfo describes one active pairing, reported once per pair.
type CallInfo struct {
	A     string    `json:"a"`
	B     string    `json:"b"`
	Kind  string    `json:"kind"`
	Token string    `json:"channel_token"`
	Since time.Time `json:"since"`
}

// InviteInfo describes one ringing invitation.
type InviteInfo struct {
	ID        string    `json:"id"`
	Caller    string    `json:"caller"`
	Receiver  string    `json:"receiver"`
	Kind      string    `json:"kind"`
	Token     string    `json:"channel_token"`
	CreatedAt time.Time `json:"created_at"`
}

// Snapshot is a point-in-time copy of the router tables for the admin API.
type Snapshot struct {
	Connections int          `json:"connections"`
	Registered  int          `json:"registered"`
	Calls       []CallInfo   `json:"calls"`
	Invites     []InviteInfo `json:"invites"`
}
