package grpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/soheilhy/cmux"
	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"
)

// ServerConfig holds configuration for the gRPC server
type ServerConfig struct {
	Address string
	Port    int
}

// Server serves gRPC and HTTP (pprof, metrics, admin) on one port
type Server struct {
	config   ServerConfig
	server   *grpc.Server
	httpMux  *http.ServeMux
	http     *http.Server
	listener net.Listener
	mux      cmux.CMux
}

// NewServer creates a server. Register services and HTTP handlers before Start.
func NewServer(config ServerConfig) *Server {
	s := &Server{
		config:  config,
		httpMux: http.NewServeMux(),
	}

	s.server = grpc.NewServer(
		grpc.MaxRecvMsgSize(maxMessageSize),
		grpc.MaxSendMsgSize(maxMessageSize),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    60 * time.Second,
			Timeout: 10 * time.Second,
		}),
		grpc.ChainUnaryInterceptor(UnaryServerInterceptor()),
	)

	s.httpMux.HandleFunc("/debug/pprof/", pprof.Index)
	s.httpMux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	s.httpMux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	s.httpMux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	s.httpMux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	return s
}

// RegisterMembership serves probes and gossip
func (s *Server) RegisterMembership(srv MembershipServer) {
	RegisterMembershipServer(s.server, srv)
}

// RegisterTable serves the membership table to remote-backend nodes
func (s *Server) RegisterTable(srv TableServer) {
	RegisterTableServer(s.server, srv)
}

// Handle mounts an HTTP handler next to gRPC
func (s *Server) Handle(pattern string, handler http.Handler) {
	s.httpMux.Handle(pattern, handler)
}

// Start listens and serves in the background
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.config.Address, fmt.Sprint(s.config.Port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.Serve(listener)
	return nil
}

// Serve multiplexes an already bound listener in the background
func (s *Server) Serve(listener net.Listener) {
	s.listener = listener

	s.mux = cmux.New(listener)
	httpListener := s.mux.Match(cmux.HTTP1Fast())
	grpcListener := s.mux.Match(cmux.Any())

	s.http = &http.Server{
		Handler:           s.httpMux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Info().Str("address", listener.Addr().String()).Msg("Starting gRPC and HTTP server")

	go func() {
		if err := s.http.Serve(httpListener); err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, cmux.ErrListenerClosed) {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}()

	go func() {
		if err := s.server.Serve(grpcListener); err != nil && !errors.Is(err, cmux.ErrListenerClosed) {
			log.Error().Err(err).Msg("gRPC server failed")
		}
	}()

	go func() {
		if err := s.mux.Serve(); err != nil && !errors.Is(err, net.ErrClosed) {
			log.Debug().Err(err).Msg("cmux stopped")
		}
	}()
}

// Addr returns the listening address once started
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop drains in-flight RPCs and closes the listener
func (s *Server) Stop() {
	log.Info().Msg("Stopping gRPC server")

	done := make(chan struct{})
	go func() {
		s.server.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		s.server.Stop()
	}

	if s.http != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		s.http.Shutdown(ctx)
		cancel()
	}
	if s.listener != nil {
		s.listener.Close()
	}
}
