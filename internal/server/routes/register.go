// Package routes wires the HTTP and WebSocket endpoints onto a ServeMux.
package routes

import (
	"net/http"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/callhub/internal/call"
	"github.com/petervdpas/callhub/internal/realtime"
	"github.com/petervdpas/callhub/internal/storage"
)

var log = logging.Logger("callhub/server")

type Logs interface {
	ServeLogsJSON(w http.ResponseWriter, r *http.Request)
	ServeLogsSSE(w http.ResponseWriter, r *http.Request)
}

type Deps struct {
	Calls *call.Manager
	Logs  Logs

	// Journal is nil when the journal is disabled.
	Journal *storage.DB

	Admin Admin

	// AllowedOrigins restricts /ws by Origin header. Empty allows any.
	AllowedOrigins []string
	Transport      realtime.Options
	Limiter        *realtime.Limiter
}

func Register(mux *http.ServeMux, d Deps) {
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	})

	registerSignalRoutes(mux, d)
	registerPresenceRoutes(mux, d)
	registerAdminRoutes(mux, d)
	registerAPILogRoutes(mux, d)
}
