// Package api provides the HTTP and gRPC server for riskgate, exposing the
// circuit breaker, exposure and sizing figures, stored walk-forward runs and
// adopted parameters. Breaker transitions are pushed over a websocket and
// mirrored in the gRPC health service.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"riskgate/internal/broker"
	"riskgate/internal/config"
	"riskgate/internal/engine"
	"riskgate/internal/risk"
	"riskgate/internal/store"
	"riskgate/internal/tradeparams"
	"riskgate/internal/util"
)

// Deps are the components the server reports on. Risk and Broker are
// required; the engine and stores are optional and their endpoints answer
// 503 when unset.
type Deps struct {
	Risk     *risk.Context
	Broker   broker.Broker
	Engine   *engine.Engine
	Runs     store.RunStore
	Triggers store.TriggerStore
	Params   *tradeparams.Store
}

// Server is the main API server that hosts HTTP and gRPC endpoints.
type Server struct {
	deps     Deps
	httpAddr string
	grpcAddr string
	log      *slog.Logger

	hub    *Hub
	health *health.Server
	grpc   *grpc.Server
	http   *http.Server
}

// NewServer creates a Server configured from cfg and subscribes it to the
// breaker's state changes.
func NewServer(cfg config.Server, deps Deps, log *slog.Logger) *Server {
	s := &Server{
		deps:     deps,
		httpAddr: cfg.Addr(),
		grpcAddr: cfg.GRPCAddr(),
		log:      util.Component(log, "api"),
		health:   health.NewServer(),
		grpc:     grpc.NewServer(),
	}
	s.hub = NewHub(s.statusMessage, s.log)
	healthpb.RegisterHealthServer(s.grpc, s.health)

	breaker := deps.Risk.Breaker
	s.setServing(breaker.CanTrade())
	breaker.OnStateChange(func(_, _ risk.State, st risk.Status) {
		s.setServing(st.CanTrade)
		if msg, err := encodeStatus(st); err == nil {
			s.hub.Broadcast(msg)
		}
	})

	s.http = &http.Server{
		Addr:              s.httpAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Hub returns the websocket hub.
func (s *Server) Hub() *Hub { return s.hub }

// Handler returns the HTTP routes wrapped in CORS middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return corsMiddleware(mux)
}

// ListenAndServe starts the HTTP and gRPC listeners and the websocket hub
// and blocks until ctx is cancelled or a listener fails.
func (s *Server) ListenAndServe(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.hub.Run(ctx)
		return nil
	})
	g.Go(func() error {
		s.log.Info("http listening", "addr", s.httpAddr)
		if err := s.http.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		s.log.Info("grpc listening", "addr", s.grpcAddr)
		return s.grpc.Serve(lis)
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// Shutdown performs a graceful shutdown of the HTTP and gRPC servers.
func (s *Server) Shutdown(ctx context.Context) error {
	s.health.Shutdown()
	s.grpc.GracefulStop()
	return s.http.Shutdown(ctx)
}
