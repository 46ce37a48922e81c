package simulator

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"

	"github.com/tradesim/tradesim/internal/simrpc"
)

// Registrar manages this process's membership in the distributor's push
// registry.
type Registrar interface {
	Register(ctx context.Context, host string, port int) error
	Unregister(ctx context.Context, host string, port int) error
}

// ServerConfig carries the listener layout for one simulator process.
type ServerConfig struct {
	GRPCPort   int
	IntakePort int
	IntakeHost string // host the distributor pushes bars to
}

// Server assembles the engine, its gRPC surface, and the bar intake into one
// runnable simulator process.
type Server struct {
	cfg       ServerConfig
	engine    *Engine
	intake    *Intake
	grpc      *grpc.Server
	registrar Registrar
	log       zerolog.Logger
}

// NewServer wires the process. The registrar is typically the distributor
// client that also serves as the engine's back-fill source.
func NewServer(engine *Engine, registrar Registrar, cfg ServerConfig, log zerolog.Logger) *Server {
	grpcServer := grpc.NewServer(
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             10 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    2 * time.Minute,
			Timeout: 20 * time.Second,
		}),
	)
	simrpc.Register(grpcServer, NewService(engine, log))

	return &Server{
		cfg:       cfg,
		engine:    engine,
		intake:    NewIntake(engine, cfg.IntakePort, log),
		grpc:      grpcServer,
		registrar: registrar,
		log:       log.With().Str("service", "simulator-server").Logger(),
	}
}

// Run registers with the distributor and serves until ctx is cancelled or
// the engine stops. The engine's exit error passes through so the caller can
// pick the process exit code: TTL expiry must exit non-zero, faults exit
// clean for recreation.
func (s *Server) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.GRPCPort))
	if err != nil {
		return fmt.Errorf("failed to listen on gRPC port %d: %w", s.cfg.GRPCPort, err)
	}

	registerCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	err = s.registrar.Register(registerCtx, s.cfg.IntakeHost, s.cfg.IntakePort)
	cancel()
	if err != nil {
		_ = listener.Close()
		return err
	}

	s.log.Info().
		Int("grpc_port", s.cfg.GRPCPort).
		Int("intake_port", s.cfg.IntakePort).
		Msg("Simulator process up")

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return s.engine.Run(groupCtx)
	})
	group.Go(func() error {
		if err := s.grpc.Serve(listener); err != nil {
			return fmt.Errorf("gRPC serve failed: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		return s.intake.Start()
	})
	group.Go(func() error {
		<-groupCtx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := s.registrar.Unregister(shutdownCtx, s.cfg.IntakeHost, s.cfg.IntakePort); err != nil {
			s.log.Warn().Err(err).Msg("Failed to unregister from distributor")
		}
		s.grpc.GracefulStop()
		if err := s.intake.Shutdown(shutdownCtx); err != nil {
			s.log.Warn().Err(err).Msg("Bar intake shutdown failed")
		}
		return nil
	})

	return group.Wait()
}
