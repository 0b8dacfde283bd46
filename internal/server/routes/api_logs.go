package routes

import "net/http"

func registerAPILogRoutes(mux *http.ServeMux, d Deps) {
	if d.Logs == nil {
		return
	}
	mux.HandleFunc("/api/logs", d.Admin.wrap(d.Logs.ServeLogsJSON))
	mux.HandleFunc("/api/logs/stream", d.Admin.wrap(d.Logs.ServeLogsSSE))
}
