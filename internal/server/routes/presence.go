package routes

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

const sseHeartbeat = 25 * time.Second

func registerPresenceRoutes(mux *http.ServeMux, d Deps) {
	// GET /api/presence: same list a client gets from query-presence.
	handleGet(mux, "/api/presence", func(w http.ResponseWriter, r *http.Request) {
		list, err := d.Calls.Presence(r.Context())
		if err != nil {
			http.Error(w, "coordinator unavailable", http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, list)
	})

	// GET /api/presence/events (SSE): a snapshot, then every presence change.
	handleGet(mux, "/api/presence/events", func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming not supported", http.StatusInternalServerError)
			return
		}

		// Subscribe before the snapshot so no change falls in between.
		ch, cancel := d.Calls.Subscribe()
		defer cancel()

		list, err := d.Calls.Presence(r.Context())
		if err != nil {
			http.Error(w, "coordinator unavailable", http.StatusServiceUnavailable)
			return
		}

		sseHeaders(w)
		snap, _ := json.Marshal(list)
		fmt.Fprintf(w, "event: snapshot\ndata: %s\n\n", snap)
		flusher.Flush()

		heartbeat := time.NewTicker(sseHeartbeat)
		defer heartbeat.Stop()

		ctx := r.Context()
		for {
			select {
			case <-ctx.Done():
				return
			case <-heartbeat.C:
				_, _ = w.Write([]byte(": ping\n\n"))
				flusher.Flush()
			case change, ok := <-ch:
				if !ok {
					return
				}
				data, err := json.Marshal(change)
				if err != nil {
					log.Warnw("presence marshal failed", "err", err)
					continue
				}
				fmt.Fprintf(w, "event: presence-changed\ndata: %s\n\n", data)
				flusher.Flush()
			}
		}
	})
}
