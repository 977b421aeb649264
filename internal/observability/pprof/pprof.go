// Package pprof serves the runtime profiling endpoints on an optional
// debug listener. Intended for localhost; do not expose the address.
package pprof

import (
	"context"
	"errors"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"time"

	"schedbot/pkg/logx"
)

type Config struct {
	// Addr enables the server when non-empty, e.g. "127.0.0.1:6060".
	Addr string
}

type Server struct {
	cfg Config
	log logx.Logger
}

func New(cfg Config, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{cfg: cfg, log: log}
}

func (s *Server) Enabled() bool { return s.cfg.Addr != "" }

// Run serves until ctx is cancelled. A bind failure is returned so the
// caller can decide whether it is fatal.
func (s *Server) Run(ctx context.Context) error {
	if !s.Enabled() {
		return nil
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", hpprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", hpprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", hpprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", hpprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", hpprof.Trace)

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:     mux,
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.log.Info("pprof server listening", logx.String("addr", ln.Addr().String()))

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
