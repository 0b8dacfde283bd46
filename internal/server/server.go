// Package server hosts the HTTP surface: the signaling socket, presence and
// admin APIs, the protocol docs and the browser SDK.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/callhub/internal/sdk"
	"github.com/petervdpas/callhub/internal/server/routes"
	"github.com/petervdpas/callhub/internal/util"
)

var log = logging.Logger("callhub/server")

type Options struct {
	Addr              string
	ReadHeaderTimeout time.Duration
	Routes            routes.Deps
}

type Server struct {
	addr string
	mux  *http.ServeMux
	srv  *http.Server
	docs *DocSite
	ln   net.Listener
}

func New(opt Options) *Server {
	if opt.ReadHeaderTimeout <= 0 {
		opt.ReadHeaderTimeout = 5 * time.Second
	}

	s := &Server{
		addr: opt.Addr,
		mux:  http.NewServeMux(),
		docs: newDocSite(),
	}

	routes.Register(s.mux, opt.Routes)
	s.mux.Handle("/sdk/", http.StripPrefix("/sdk/", sdk.Handler()))
	s.mux.HandleFunc("/docs", s.handleDocs)
	s.mux.HandleFunc("/docs/", s.handleDocs)
	s.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		http.Redirect(w, r, "/docs", http.StatusFound)
	})

	s.srv = &http.Server{
		Addr:              opt.Addr,
		Handler:           s.mux,
		ReadHeaderTimeout: opt.ReadHeaderTimeout,
	}
	return s
}

// Handler exposes the routing table, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start listens and serves in the background until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}
	s.ln = ln

	// Stop server when ctx ends
	go func() {
		<-ctx.Done()
		shctx, cancel := context.WithTimeout(context.Background(), util.ShortTimeout)
		defer cancel()
		_ = s.srv.Shutdown(shctx)
	}()

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorw("http server stopped", "err", err)
		}
	}()

	log.Infow("listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound address once Start has succeeded.
func (s *Server) Addr() string {
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.addr
}
