// Package sdk serves the browser client for the signaling protocol.
// Files are available at /sdk/*.js, minified once at startup.
package sdk

import (
	"embed"
	"io/fs"
	"net/http"
	"path/filepath"
	"strings"

	logging "github.com/ipfs/go-log/v2"
	"github.com/tdewolff/minify/v2"
	"github.com/tdewolff/minify/v2/js"
)

var log = logging.Logger("callhub/sdk")

//go:embed *.js
var rawFS embed.FS

var minified map[string][]byte

func init() {
	m := minify.New()
	m.AddFunc("application/javascript", js.Minify)

	minified = make(map[string][]byte)

	_ = fs.WalkDir(rawFS, ".", func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		if strings.ToLower(filepath.Ext(path)) != ".js" {
			return nil
		}
		raw, err := rawFS.ReadFile(path)
		if err != nil {
			return nil
		}
		out, err := m.Bytes("application/javascript", raw)
		if err != nil {
			log.Warnw("sdk minify failed, serving original", "file", path, "err", err)
			minified[path] = raw
			return nil
		}
		minified[path] = out
		return nil
	})
}

// Raw returns the unminified source of name.
func Raw(name string) ([]byte, bool) {
	b, err := rawFS.ReadFile(name)
	return b, err == nil
}

// Handler returns an http.Handler that serves the SDK JS files.
// Mount it at /sdk/ with a StripPrefix. ?raw=1 serves the unminified file.
func Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := strings.TrimPrefix(r.URL.Path, "/")
		data, ok := minified[path]
		if r.URL.Query().Get("raw") == "1" {
			data, ok = Raw(path)
		}
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/javascript; charset=utf-8")
		w.Header().Set("Cache-Control", "public, max-age=300")
		_, _ = w.Write(data)
	})
}
