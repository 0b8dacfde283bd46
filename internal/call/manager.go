// Package call is the presence and call router. It tracks which identities
// are online, routes call invitations between a caller and a receiver,
// arbitrates busy and conflicting attempts, and reconciles state when a
// connection drops.
//
// All routing tables are owned by a single goroutine (Run). Public methods
// enqueue an event and return; transitions therefore execute one at a time in
// arrival order and never wait on I/O. Outbound delivery goes through
// Conn.Send, which only enqueues on the connection.
package call

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/callhub/internal/proto"
)

var log = logging.Logger("callhub/call")

// Manager owns the connection registry, the active-call table and the
// pending-invitation table.
type Manager struct {
	clock         clock.Clock
	inviteTimeout atomic.Int64 // nanoseconds, read by the actor when arming timers

	events    chan func()
	done      chan struct{}
	closeOnce sync.Once

	// Owned by the Run goroutine.
	conns    map[string]Conn       // every attached connection, by conn ID
	bound    map[string]string     // conn ID -> registered identity
	registry map[string]Conn       // identity -> connection
	active   map[string]activeCall // identity -> counterpart (symmetric)
	pending  map[string]*invite    // caller -> ringing invitation
	ringing  map[string]string     // receiver -> caller

	obsMu     sync.RWMutex
	observers []func(Transition)

	listenerMu sync.RWMutex
	listeners  map[chan proto.PresenceChange]struct{}
}

// New creates a Manager. Call Run to start processing events.
func New(opt Options) *Manager {
	if opt.InviteTimeout <= 0 {
		opt.InviteTimeout = DefaultInviteTimeout
	}
	if opt.QueueSize <= 0 {
		opt.QueueSize = defaultQueueSize
	}
	if opt.Clock == nil {
		opt.Clock = clock.New()
	}
	m := &Manager{
		clock:     opt.Clock,
		events:    make(chan func(), opt.QueueSize),
		done:      make(chan struct{}),
		conns:     make(map[string]Conn),
		bound:     make(map[string]string),
		registry:  make(map[string]Conn),
		active:    make(map[string]activeCall),
		pending:   make(map[string]*invite),
		ringing:   make(map[string]string),
		listeners: make(map[chan proto.PresenceChange]struct{}),
	}
	m.inviteTimeout.Store(int64(opt.InviteTimeout))
	return m
}

// Run processes events until ctx is done or Close is called. On return every
// attached connection is closed and all invitation timers are stopped.
func (m *Manager) Run(ctx context.Context) {
	defer m.shutdown()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.done:
			return
		case fn := <-m.events:
			fn()
		}
	}
}

// Close stops Run. Safe to call more than once.
func (m *Manager) Close() {
	m.closeOnce.Do(func() { close(m.done) })
}

func (m *Manager) shutdown() {
	m.Close()

	for _, inv := range m.pending {
		inv.timer.Stop()
	}
	for _, c := range m.conns {
		_ = c.Close()
	}
	m.conns = map[string]Conn{}
	m.bound = map[string]string{}
	m.registry = map[string]Conn{}
	m.active = map[string]activeCall{}
	m.pending = map[string]*invite{}
	m.ringing = map[string]string{}

	m.listenerMu.Lock()
	for ch := range m.listeners {
		close(ch)
	}
	m.listeners = map[chan proto.PresenceChange]struct{}{}
	m.listenerMu.Unlock()

	log.Infow("call manager stopped")
}

// SetInviteTimeout changes the ringing timeout for invitations created afterwards.
func (m *Manager) SetInviteTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	m.inviteTimeout.Store(int64(d))
}

// OnTransition registers a callback fired for every lifecycle step. Callbacks
// run on the router goroutine and must not block.
func (m *Manager) OnTransition(fn func(Transition)) {
	m.obsMu.Lock()
	m.observers = append(m.observers, fn)
	m.obsMu.Unlock()
}

// Subscribe returns a channel of presence changes. Slow subscribers miss
// updates rather than stalling the router.
func (m *Manager) Subscribe() (ch chan proto.PresenceChange, cancel func()) {
	ch = make(chan proto.PresenceChange, 64)

	m.listenerMu.Lock()
	m.listeners[ch] = struct{}{}
	m.listenerMu.Unlock()

	cancel = func() {
		m.listenerMu.Lock()
		if _, ok := m.listeners[ch]; ok {
			delete(m.listeners, ch)
			close(ch)
		}
		m.listenerMu.Unlock()
	}
	return ch, cancel
}

func (m *Manager) enqueue(fn func()) error {
	select {
	case <-m.done:
		return ErrClosed
	default:
	}
	select {
	case m.events <- fn:
		return nil
	case <-m.done:
		return ErrClosed
	}
}

// query runs fn on the router goroutine and returns its result. Because
// the queue is FIFO, fn observes every event enqueued before it. The result
// travels over a buffered channel; nothing is shared once ctx is done.
func query[T any](ctx context.Context, m *Manager, fn func() T) (T, error) {
	var zero T
	result := make(chan T, 1)
	if err := m.enqueue(func() { result <- fn() }); err != nil {
		return zero, err
	}
	select {
	case v := <-result:
		return v, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-m.done:
		return zero, ErrClosed
	}
}

// Attach makes c eligible for presence broadcasts before it registers.
func (m *Manager) Attach(c Conn) error {
	return m.enqueue(func() { m.conns[c.ID()] = c })
}

// Register binds identity to c.
func (m *Manager) Register(c Conn, identity string) error {
	return m.enqueue(func() { m.onRegister(c, identity) })
}

// Call places a call from the identity registered on c.
func (m *Manager) Call(c Conn, req proto.CallMsg) error {
	return m.enqueue(func() { m.onCall(c, req) })
}

// Accept answers the invitation placed by req.CallerID.
func (m *Manager) Accept(c Conn, req proto.AcceptMsg) error {
	return m.enqueue(func() { m.onAccept(c, req) })
}

// Decline rejects the invitation placed by callerID.
func (m *Manager) Decline(c Conn, callerID string) error {
	return m.enqueue(func() { m.onDecline(c, callerID) })
}

// End hangs up the active call of the identity registered on c.
func (m *Manager) End(c Conn, req proto.EndMsg) error {
	return m.enqueue(func() { m.onEnd(c, req) })
}

// Cancel withdraws the ringing invitation placed from c.
func (m *Manager) Cancel(c Conn) error {
	return m.enqueue(func() { m.onCancel(c) })
}

// QueryPresence replies to c with the online-users list.
func (m *Manager) QueryPresence(c Conn) error {
	return m.enqueue(func() { m.onQueryPresence(c) })
}

// Announce re-broadcasts the presence of the identity registered on c.
func (m *Manager) Announce(c Conn, status string) error {
	return m.enqueue(func() { m.onAnnounce(c, status) })
}

// Disconnect reconciles state after c has gone away.
func (m *Manager) Disconnect(c Conn) error {
	return m.enqueue(func() { m.onDisconnect(c) })
}

// ForceLogout notifies and drops the connection registered for identity.
// It reports whether such a connection existed.
func (m *Manager) ForceLogout(ctx context.Context, identity, reason string) (bool, error) {
	return query(ctx, m, func() bool { return m.onForceLogout(identity, reason) })
}

// Presence returns the status of every registered identity, sorted by identity.
func (m *Manager) Presence(ctx context.Context) ([]proto.PresenceEntry, error) {
	return query(ctx, m, m.presenceList)
}

// Snapshot copies the router tables.
func (m *Manager) Snapshot(ctx context.Context) (Snapshot, error) {
	return query(ctx, m, m.snapshot)
}
