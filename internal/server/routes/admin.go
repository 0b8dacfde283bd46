package routes

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// Admin holds the credentials for /api/admin/* and the log endpoints.
// PasswordHash (bcrypt) wins when both are set.
type Admin struct {
	Password     string
	PasswordHash string
}

func (a Admin) Enabled() bool {
	return a.Password != "" || a.PasswordHash != ""
}

func (a Admin) check(user, pass string) bool {
	if user != "admin" {
		return false
	}
	if a.PasswordHash != "" {
		return bcrypt.CompareHashAndPassword([]byte(a.PasswordHash), []byte(pass)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(pass), []byte(a.Password)) == 1
}

// requireAdmin checks HTTP Basic Auth. Returns true if authorized.
func (a Admin) requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	if !a.Enabled() {
		http.Error(w, "admin api disabled", http.StatusForbidden)
		return false
	}
	user, pass, ok := r.BasicAuth()
	if !ok || !a.check(user, pass) {
		w.Header().Set("WWW-Authenticate", `Basic realm="callhub admin"`)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return false
	}
	return true
}

func (a Admin) wrap(fn http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !a.requireAdmin(w, r) {
			return
		}
		fn(w, r)
	}
}

func registerAdminRoutes(mux *http.ServeMux, d Deps) {
	// GET /api/admin/calls: active pairs and ringing invitations.
	handleGet(mux, "/api/admin/calls", d.Admin.wrap(func(w http.ResponseWriter, r *http.Request) {
		snap, err := d.Calls.Snapshot(r.Context())
		if err != nil {
			http.Error(w, "coordinator unavailable", http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, snap)
	}))

	// POST /api/admin/force-logout (e.g. after the account was deleted).
	mux.HandleFunc("/api/admin/force-logout", d.Admin.wrap(postHandler(func(w http.ResponseWriter, r *http.Request, req struct {
		Identity string `json:"identity"`
		Reason   string `json:"reason"`
	}) {
		identity := strings.TrimSpace(req.Identity)
		if identity == "" {
			http.Error(w, "missing identity", http.StatusBadRequest)
			return
		}
		found, err := d.Calls.ForceLogout(r.Context(), identity, req.Reason)
		if err != nil {
			http.Error(w, "coordinator unavailable", http.StatusServiceUnavailable)
			return
		}
		if !found {
			http.Error(w, "identity not connected", http.StatusNotFound)
			return
		}
		log.Infow("admin forced logout", "identity", identity, "remote", r.RemoteAddr)
		writeJSON(w, map[string]string{"status": "logged_out", "identity": identity})
	})))

	// GET /api/admin/journal?limit=N
	handleGet(mux, "/api/admin/journal", d.Admin.wrap(func(w http.ResponseWriter, r *http.Request) {
		if d.Journal == nil {
			http.Error(w, "journal disabled", http.StatusNotFound)
			return
		}
		entries, err := d.Journal.Recent(r.Context(), queryInt(r, "limit", 100, 1000))
		if err != nil {
			log.Warnw("journal read failed", "err", err)
			http.Error(w, "journal read failed", http.StatusInternalServerError)
			return
		}
		writeJSON(w, entries)
	}))

	// GET /api/admin/identities: every identity the journal has seen.
	handleGet(mux, "/api/admin/identities", d.Admin.wrap(func(w http.ResponseWriter, r *http.Request) {
		if d.Journal == nil {
			http.Error(w, "journal disabled", http.StatusNotFound)
			return
		}
		ids, err := d.Journal.ListIdentities(r.Context())
		if err != nil {
			log.Warnw("identity read failed", "err", err)
			http.Error(w, "identity read failed", http.StatusInternalServerError)
			return
		}
		writeJSON(w, ids)
	}))
}
