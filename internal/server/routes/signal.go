package routes

import (
	"errors"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/petervdpas/callhub/internal/call"
	"github.com/petervdpas/callhub/internal/proto"
	"github.com/petervdpas/callhub/internal/realtime"
)

func registerSignalRoutes(mux *http.ServeMux, d Deps) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(d.AllowedOrigins),
	}

	// GET /ws: one signaling client per socket.
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade has already written the HTTP error.
			log.Debugw("websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
			return
		}

		c := realtime.New(ws, d.Transport)
		if err := d.Calls.Attach(c); err != nil {
			log.Warnw("refusing client", "remote", r.RemoteAddr, "err", err)
			_ = ws.Close()
			return
		}
		log.Infow("client connected", "conn", c.ID(), "remote", c.RemoteAddr())

		defer func() {
			if err := d.Calls.Disconnect(c); err != nil && !errors.Is(err, call.ErrClosed) {
				log.Warnw("disconnect not delivered", "conn", c.ID(), "err", err)
			}
			if d.Limiter != nil {
				d.Limiter.Forget(c.ID())
			}
			log.Infow("client disconnected", "conn", c.ID(), "remote", c.RemoteAddr())
		}()

		c.Serve(func(env proto.Envelope) {
			if d.Limiter != nil && !d.Limiter.Allow(c.ID()) {
				_ = c.Send(proto.EventError, proto.ErrorMsg{Code: proto.CodeRateLimited, Message: "too many events"})
				return
			}
			if err := d.Calls.HandleEnvelope(c, env); err != nil {
				log.Debugw("frame rejected", "conn", c.ID(), "event", env.Event, "err", err)
			}
		})
	})
}

// originChecker allows requests without an Origin header (native clients) and,
// when allowed is non-empty, browser requests whose Origin is listed.
func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}
