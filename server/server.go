package server

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"connectrpc.com/connect"
	"github.com/tliron/commonlog"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/chazu/upy/compiler"
	"github.com/chazu/upy/vm"
)

// Service names reported by the health server.
const (
	EvalServiceName    = "upy.v1.EvalService"
	SessionServiceName = "upy.v1.SessionService"
)

// UpyServer is the eval server. Connect handlers are served over HTTP;
// gRPC health and reflection are served on a separate listener.
type UpyServer struct {
	cfg      *serverConfig
	sessions *SessionStore
	fallback *Session
	checker  *VMWorker
	mux      *http.ServeMux
	grpc     *grpc.Server
	health   *health.Server
	log      commonlog.Logger

	stopSweeper func()
}

// ServerOption configures an UpyServer.
type ServerOption func(*serverConfig)

type serverConfig struct {
	compile       vm.CompileFunc
	vmOptions     []vm.Option
	sweepInterval time.Duration
	sessionTTL    time.Duration
	shutdown      time.Duration
}

// WithCompiler sets the compiler installed in every session Context. The
// default is compiler.Compile.
func WithCompiler(fn vm.CompileFunc) ServerOption {
	return func(c *serverConfig) { c.compile = fn }
}

// WithVMOptions sets options applied to every session Context.
func WithVMOptions(opts ...vm.Option) ServerOption {
	return func(c *serverConfig) { c.vmOptions = append(c.vmOptions, opts...) }
}

// WithSessionSweep sets how often sessions are swept and how long an idle
// session survives. A zero ttl keeps sessions until destroyed.
func WithSessionSweep(interval, ttl time.Duration) ServerOption {
	return func(c *serverConfig) {
		c.sweepInterval = interval
		c.sessionTTL = ttl
	}
}

// New creates an UpyServer.
func New(opts ...ServerOption) *UpyServer {
	cfg := &serverConfig{
		compile:       compiler.Compile,
		sweepInterval: 5 * time.Minute,
		sessionTTL:    30 * time.Minute,
		shutdown:      5 * time.Second,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	s := &UpyServer{
		cfg:    cfg,
		mux:    http.NewServeMux(),
		grpc:   grpc.NewServer(),
		health: health.NewServer(),
		log:    commonlog.GetLogger("upy.server"),
	}
	s.sessions = NewSessionStore(s.newContext)
	s.fallback = s.sessions.Create("default")
	s.fallback.keep = true
	s.checker = NewVMWorker(s.newContext())

	evalSvc := NewEvalService(s.sessions, s.fallback, s.checker)
	sessionSvc := NewSessionService(s.sessions)

	s.mux.Handle(EvalProcedure, connect.NewUnaryHandler(EvalProcedure, evalSvc.Eval))
	s.mux.Handle(CheckProcedure, connect.NewUnaryHandler(CheckProcedure, evalSvc.Check))
	s.mux.Handle(CreateSessionProcedure, connect.NewUnaryHandler(CreateSessionProcedure, sessionSvc.Create))
	s.mux.Handle(DestroySessionProcedure, connect.NewUnaryHandler(DestroySessionProcedure, sessionSvc.Destroy))

	healthpb.RegisterHealthServer(s.grpc, s.health)
	reflection.Register(s.grpc)
	for _, name := range []string{"", EvalServiceName, SessionServiceName} {
		s.health.SetServingStatus(name, healthpb.HealthCheckResponse_SERVING)
	}

	if cfg.sweepInterval > 0 {
		s.stopSweeper = s.sessions.StartSweeper(cfg.sweepInterval, cfg.sessionTTL)
	}
	return s
}

func (s *UpyServer) newContext() *vm.Context {
	opts := append([]vm.Option{vm.WithStdout(io.Discard)}, s.cfg.vmOptions...)
	c := vm.New(opts...)
	c.UseCompiler(s.cfg.compile)
	return c
}

// Handler returns the HTTP handler serving the Connect procedures.
func (s *UpyServer) Handler() http.Handler { return s.mux }

// GRPC returns the gRPC server carrying health and reflection.
func (s *UpyServer) GRPC() *grpc.Server { return s.grpc }

// Sessions returns the session store.
func (s *UpyServer) Sessions() *SessionStore { return s.sessions }

// ListenAndServe listens on addr for Connect and on healthAddr for gRPC,
// and serves until ctx is cancelled.
func (s *UpyServer) ListenAndServe(ctx context.Context, addr, healthAddr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	healthLis, err := net.Listen("tcp", healthAddr)
	if err != nil {
		lis.Close()
		return err
	}
	return s.Serve(ctx, lis, healthLis)
}

// Serve serves Connect on lis and gRPC on healthLis until ctx is cancelled
// or either listener fails. Both are shut down gracefully.
func (s *UpyServer) Serve(ctx context.Context, lis, healthLis net.Listener) error {
	httpSrv := &http.Server{Handler: s.mux}

	s.log.Noticef("upy eval server listening on %s", lis.Addr())
	s.log.Noticef("  Connect: http://%s%s", lis.Addr(), EvalProcedure)
	s.log.Noticef("  gRPC health: %s", healthLis.Addr())

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := httpSrv.Serve(lis); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return s.grpc.Serve(healthLis)
	})
	g.Go(func() error {
		<-ctx.Done()
		s.health.Shutdown()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.shutdown)
		defer cancel()
		err := httpSrv.Shutdown(shutdownCtx)
		s.grpc.GracefulStop()
		return err
	})
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}

// Stop releases every session and the checker.
func (s *UpyServer) Stop() {
	if s.stopSweeper != nil {
		s.stopSweeper()
	}
	s.sessions.Close()
	s.checker.Stop()
}
