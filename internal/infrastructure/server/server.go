package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	grpclib "google.golang.org/grpc"

	"github.com/GriffinCanCode/AgentOS/channels/internal/abi"
	apihttp "github.com/GriffinCanCode/AgentOS/channels/internal/api/http"
	"github.com/GriffinCanCode/AgentOS/channels/internal/api/middleware"
	"github.com/GriffinCanCode/AgentOS/channels/internal/api/ws"
	"github.com/GriffinCanCode/AgentOS/channels/internal/channel"
	"github.com/GriffinCanCode/AgentOS/channels/internal/grpc"
	"github.com/GriffinCanCode/AgentOS/channels/internal/infrastructure/config"
	"github.com/GriffinCanCode/AgentOS/channels/internal/infrastructure/logging"
	"github.com/GriffinCanCode/AgentOS/channels/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/AgentOS/channels/internal/infrastructure/tracing"
)

// ShutdownTimeout bounds graceful shutdown of the listeners
const ShutdownTimeout = 10 * time.Second

// Server wraps the kernel and the surfaces serving it
type Server struct {
	router  *gin.Engine
	grpc    *grpclib.Server
	kernel  *abi.Kernel
	events  *tracing.Emitter
	tracer  *tracing.Tracer
	logger  *logging.Logger
	config  *config.Config
	metrics *monitoring.Metrics
}

// Options overrides what NewServer builds by default
type Options struct {
	// Logger defaults to one built from cfg.Logging
	Logger *logging.Logger
	// Registry defaults to the global Prometheus registry
	Registry *prometheus.Registry
}

// NewServer creates a new server instance
func NewServer(cfg *config.Config, opts Options) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		var err error
		logger, err = logging.New(logging.Config{
			Level:       cfg.Logging.Level,
			Development: cfg.Logging.Development,
			OutputPaths: []string{"stdout"},
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create logger: %w", err)
		}
	}

	logger.Info("Initializing channel kernel",
		zap.String("port", cfg.Server.Port),
		zap.String("grpc_addr", cfg.GRPC.Address),
		zap.Bool("grpc_enabled", cfg.GRPC.Enabled),
		zap.String("colocation", cfg.Channel.Colocation),
	)

	var (
		metrics  *monitoring.Metrics
		gatherer prometheus.Gatherer
	)
	if opts.Registry != nil {
		metrics = monitoring.NewMetricsWith(opts.Registry)
		gatherer = opts.Registry
	} else {
		metrics = monitoring.NewMetrics()
		gatherer = prometheus.DefaultGatherer
	}

	tracer := tracing.New("channels", logger.Component("trace"))

	var sinks []tracing.Sink
	if cfg.Tracing.Journal != "" {
		journal, err := tracing.OpenJournal(cfg.Tracing.Journal)
		if err != nil {
			tracer.Close()
			return nil, err
		}
		sinks = append(sinks, journal)
		logger.Info("Event journal enabled", zap.String("path", cfg.Tracing.Journal))
	}
	events := tracing.NewEmitter(logger.Component("events"), cfg.Tracing.Buffer, sinks...)

	policy, err := channel.ParseColocation(cfg.Channel.Colocation)
	if err != nil {
		return nil, multierr.Append(err, closeTracing(events, tracer))
	}
	reg, err := channel.NewRegistry(channel.Options{
		BlockSize:   cfg.Channel.BlockSize,
		UpdateSlots: cfg.Channel.UpdateSlots,
		SlabChunk:   cfg.Channel.SlabChunk,
		SlabLimit:   cfg.Channel.SlabLimit,
		Colocation:  policy,
		Logger:      logger.Component("channel"),
		Metrics:     metrics,
		Tracer:      events,
	})
	if err != nil {
		return nil, multierr.Append(fmt.Errorf("failed to create channel registry: %w", err), closeTracing(events, tracer))
	}

	kernel, err := abi.New(abi.Options{
		Registry:     reg,
		HeapCapacity: cfg.Channel.HeapCapacity,
		Logger:       logger.Logger,
		Metrics:      metrics,
	})
	if err != nil {
		return nil, multierr.Append(err, closeTracing(events, tracer))
	}

	s := &Server{
		kernel:  kernel,
		events:  events,
		tracer:  tracer,
		logger:  logger,
		config:  cfg,
		metrics: metrics,
	}
	s.router = s.newRouter(gatherer)

	if cfg.GRPC.Enabled {
		s.grpc = grpc.NewServer(kernel, grpc.ServerOptions{
			Logger:  logger.Logger,
			Metrics: metrics,
			Tracer:  tracer,
			Events:  events,
		}).NewGRPCServer()
	}

	logger.Info("Server initialized successfully")
	return s, nil
}

func (s *Server) newRouter(gatherer prometheus.Gatherer) *gin.Engine {
	if !s.config.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(tracing.HTTPMiddleware(s.tracer))
	router.Use(monitoring.Middleware(s.metrics))
	router.Use(middleware.CORS(middleware.DefaultCORSConfig()))
	if s.config.RateLimit.Enabled {
		s.logger.Info("Rate limiting enabled",
			zap.Int("rps", s.config.RateLimit.RequestsPerSecond),
			zap.Int("burst", s.config.RateLimit.Burst),
		)
		rl := middleware.DefaultRateLimitConfig()
		rl.RequestsPerSecond = s.config.RateLimit.RequestsPerSecond
		rl.Burst = s.config.RateLimit.Burst
		router.Use(middleware.RateLimit(rl))
	}

	handlers := apihttp.NewHandlers(s.kernel, s.events, s.logger.Logger)
	wsHandler := ws.NewHandler(s.events, s.metrics, s.logger.Logger)
	aggregator := apihttp.NewMetricsAggregator(s.metrics, s.kernel, s.events, gatherer)

	router.GET("/", handlers.Root)
	router.GET("/health", handlers.Health)

	v1 := router.Group("/api/v1")
	{
		v1.GET("/stats", handlers.Stats)
		v1.GET("/channels", handlers.Channels)
		v1.GET("/abi", handlers.Operations)

		v1.GET("/processes", handlers.ListProcesses)
		v1.POST("/processes", handlers.CreateProcess)

		v1.GET("/endpoints", handlers.ListEndpoints)
		v1.POST("/endpoints", handlers.AllocateEndpoint)
		v1.POST("/endpoints/connect", handlers.Connect)
		v1.GET("/endpoints/:handle", handlers.GetEndpoint)
		v1.POST("/endpoints/:handle/dispose", handlers.Dispose)
		v1.DELETE("/endpoints/:handle", handlers.Free)
		v1.POST("/endpoints/:handle/notify", handlers.Notify)
		v1.POST("/endpoints/:handle/move", handlers.Move)
		v1.POST("/endpoints/:handle/send", handlers.Send)
		v1.GET("/endpoints/:handle/data", handlers.Read)
		v1.POST("/endpoints/:handle/wait", handlers.Wait)
	}

	router.GET("/events", wsHandler.HandleConnection)

	router.GET("/metrics", aggregator.Prometheus())
	router.GET("/metrics/json", aggregator.GetAggregatedMetrics)

	return router
}

// Router returns the admin HTTP handler
func (s *Server) Router() http.Handler { return s.router }

// Kernel returns the ABI kernel
func (s *Server) Kernel() *abi.Kernel { return s.kernel }

// Run serves HTTP and, when enabled, gRPC until ctx is cancelled or a
// listener fails, then shuts both down gracefully.
func (s *Server) Run(ctx context.Context) error {
	httpAddr := net.JoinHostPort(s.config.Server.Host, s.config.Server.Port)
	httpLis, err := net.Listen("tcp", httpAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", httpAddr, err)
	}
	var grpcLis net.Listener
	if s.grpc != nil {
		grpcLis, err = net.Listen("tcp", s.config.GRPC.Address)
		if err != nil {
			httpLis.Close()
			return fmt.Errorf("failed to listen on %s: %w", s.config.GRPC.Address, err)
		}
	}
	return s.Serve(ctx, httpLis, grpcLis)
}

// Serve runs on listeners the caller opened. grpcLis may be nil.
func (s *Server) Serve(ctx context.Context, httpLis, grpcLis net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.Info("Starting HTTP server", zap.String("addr", httpLis.Addr().String()))
		if err := srv.Serve(httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if s.grpc != nil && grpcLis != nil {
		g.Go(func() error {
			s.logger.Info("Starting gRPC server", zap.String("addr", grpcLis.Addr().String()))
			if err := s.grpc.Serve(grpcLis); err != nil && !errors.Is(err, grpclib.ErrServerStopped) {
				return fmt.Errorf("grpc server: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		s.logger.Info("Stopping listeners")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)

		if s.grpc != nil {
			stopped := make(chan struct{})
			go func() {
				s.grpc.GracefulStop()
				close(stopped)
			}()
			select {
			case <-stopped:
			case <-shutdownCtx.Done():
				s.grpc.Stop()
			}
		}
		return err
	})

	return g.Wait()
}

// Close shuts the kernel down and releases tracing resources. Every step
// runs; their errors are combined.
func (s *Server) Close() error {
	s.logger.Info("Shutting down server...")

	err := s.kernel.Shutdown()
	if err != nil {
		s.logger.Warn("Kernel shutdown reported open channels", zap.Error(err))
	}
	err = multierr.Append(err, closeTracing(s.events, s.tracer))

	_ = s.logger.Sync()
	return err
}

func closeTracing(events *tracing.Emitter, tracer *tracing.Tracer) error {
	err := events.Close()
	tracer.Close()
	return err
}
