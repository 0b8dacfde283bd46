// Package realtime is the WebSocket transport for signaling clients.
// Each Conn owns one socket, a bounded outbound queue and a write pump;
// inbound frames are decoded into envelopes and handed to a callback.
package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/callhub/internal/proto"
)

var log = logging.Logger("callhub/realtime")

var (
	ErrClosed    = errors.New("connection closed")
	ErrQueueFull = errors.New("send queue full")
)

const writeWait = 10 * time.Second

type Options struct {
	SendQueue       int
	PingInterval    time.Duration
	PongWait        time.Duration
	MaxMessageBytes int64
}

func (o *Options) withDefaults() {
	if o.SendQueue <= 0 {
		o.SendQueue = 64
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 25 * time.Second
	}
	if o.PongWait <= o.PingInterval {
		o.PongWait = o.PingInterval * 12 / 5
	}
	if o.MaxMessageBytes <= 0 {
		o.MaxMessageBytes = 16 * 1024
	}
}

// Conn is one signaling client. Send and Close are safe for concurrent use.
type Conn struct {
	id     string
	ws     *websocket.Conn
	opt    Options
	remote string

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	pumpDone  chan struct{}
}

// New wraps an upgraded socket. Call Serve to start moving frames.
func New(ws *websocket.Conn, opt Options) *Conn {
	opt.withDefaults()
	return &Conn{
		id:       uuid.NewString(),
		ws:       ws,
		opt:      opt,
		remote:   ws.RemoteAddr().String(),
		send:     make(chan []byte, opt.SendQueue),
		done:     make(chan struct{}),
		pumpDone: make(chan struct{}),
	}
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) RemoteAddr() string { return c.remote }

// Done is closed once Close has been called.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Send queues one event. It never blocks: a client that cannot keep up is
// disconnected and ErrQueueFull is returned.
func (c *Conn) Send(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", event, err)
	}
	frame, err := json.Marshal(proto.Envelope{Event: event, Data: data})
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	select {
	case c.send <- frame:
		return nil
	default:
		log.Warnw("slow consumer dropped", "conn", c.id, "remote", c.remote, "event", event)
		_ = c.Close()
		return ErrQueueFull
	}
}

// Close flushes whatever is already queued, sends a close frame and
// releases the socket. Safe to call more than once.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

// Serve runs the read loop on the calling goroutine and the write pump on a
// second one. handle is called for every decoded envelope, in order. Serve
// returns when the client goes away or Close is called.
func (c *Conn) Serve(handle func(proto.Envelope)) {
	go c.writePump()
	defer func() {
		_ = c.Close()
		<-c.pumpDone
	}()

	c.ws.SetReadLimit(c.opt.MaxMessageBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.opt.PongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.opt.PongWait))
	})

	for {
		typ, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debugw("read failed", "conn", c.id, "err", err)
			}
			return
		}
		if typ != websocket.TextMessage {
			_ = c.Send(proto.EventError, proto.ErrorMsg{Code: proto.CodeInvalidPayload, Message: "text frames only"})
			continue
		}

		var env proto.Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Event == "" {
			_ = c.Send(proto.EventError, proto.ErrorMsg{Code: proto.CodeInvalidPayload, Message: "frame must be {\"event\",\"data\"}"})
			continue
		}
		handle(env)
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(c.opt.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
		close(c.pumpDone)
	}()

	for {
		select {
		case frame := <-c.send:
			if err := c.write(websocket.TextMessage, frame); err != nil {
				_ = c.Close()
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				_ = c.Close()
				return
			}
		case <-c.done:
			c.flush()
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return
		}
	}
}

// flush writes frames queued before Close, so a final force-logout arrives.
func (c *Conn) flush() {
	for {
		select {
		case frame := <-c.send:
			if err := c.write(websocket.TextMessage, frame); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Conn) write(typ int, data []byte) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(typ, data)
}
