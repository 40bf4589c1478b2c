package adminapi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"studiobot/internal/runtime/supervisor"
	logx "studiobot/pkg/logx"
)

const DefaultAddr = "127.0.0.1:8090"

// Server runs the admin router under its own supervisor.
type Server struct {
	srv *http.Server
	log logx.Logger

	addr string
	sup  *supervisor.Supervisor
}

func NewServer(cfg Config, h http.Handler, log logx.Logger) *Server {
	addr := cfg.Addr
	if addr == "" {
		addr = DefaultAddr
	}
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           h,
			ReadHeaderTimeout: 5 * time.Second,
		},
		log:  log.With(logx.String("comp", "adminapi")),
		addr: addr,
	}
}

// Start binds the listener synchronously so a bad address fails startup.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("admin api listen %s: %w", s.srv.Addr, err)
	}
	s.addr = ln.Addr().String()
	s.sup = supervisor.New(ctx, supervisor.WithLogger(s.log))
	s.sup.Go("adminapi.serve", func(context.Context) error {
		s.log.Info("admin api listening", logx.String("addr", s.addr))
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	return nil
}

// Addr is the bound address, useful when configured with port 0.
func (s *Server) Addr() string { return s.addr }

func (s *Server) Stop(ctx context.Context) error {
	if s.sup == nil {
		return nil
	}
	err := s.srv.Shutdown(ctx)
	if werr := s.sup.Stop(ctx); err == nil {
		err = werr
	}
	return err
}
