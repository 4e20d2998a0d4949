// Package server exposes the memory service over HTTP, WebSocket and a
// gRPC health endpoint.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/becomeliminal/nim-recall/memory"
)

// Service is the memory surface the transports expose.
// *memory.SimpleManager implements it.
type Service interface {
	Embed(ctx context.Context, text string) (*memory.EmbedResponse, error)
	Search(ctx context.Context, req memory.SearchRequest) (*memory.SearchResponse, error)
	Store(ctx context.Context, req memory.StoreRequest) (*memory.StoreResponse, error)
	Delete(ctx context.Context, id string) error
	UpdateFeedback(ctx context.Context, id string, wasHelpful bool) error
	Get(ctx context.Context, id string) (*memory.Record, error)
	List(ctx context.Context, limit int) ([]memory.Listing, error)
	Reset(ctx context.Context) error
	Stats(ctx context.Context) memory.StatsResponse
	Health(ctx context.Context) memory.HealthResponse
}

var _ Service = (*memory.SimpleManager)(nil)

// Config holds server configuration.
type Config struct {
	Addr            string
	GRPCAddr        string // empty disables the gRPC health listener
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	CORSOrigins     []string

	// HealthInterval is how often the gRPC health status is refreshed.
	HealthInterval time.Duration

	Version string
	Logger  *slog.Logger
}

func (c *Config) defaults() {
	if c.Addr == "" {
		c.Addr = ":8000"
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = 15 * time.Second
	}
	if c.Version == "" {
		c.Version = "dev"
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Server serves one Service on the configured listeners.
type Server struct {
	svc     Service
	cfg     Config
	logger  *slog.Logger
	metrics *Metrics
	health  *healthReporter
	handler http.Handler
}

// New builds the server and its routes. Nothing listens until Run.
func New(svc Service, cfg Config) *Server {
	cfg.defaults()
	s := &Server{
		svc:     svc,
		cfg:     cfg,
		logger:  cfg.Logger.With("component", "server"),
		metrics: NewMetrics(),
	}
	s.health = newHealthReporter(svc, s.logger)
	s.handler = otelhttp.NewHandler(s.buildRouter(), "recalld",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
	)
	return s
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Metrics returns the server's metrics.
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// buildRouter constructs the chi mux with all routes wired.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)
	r.Use(s.metrics.middleware)
	r.Use(cors(s.cfg.CORSOrigins))

	r.Get("/", s.handleRoot())
	r.Get("/health", s.handleHealth())
	r.Get("/stats", s.handleStats())
	r.Get("/metrics", s.metrics.Handler().ServeHTTP)
	r.Get("/ws", s.handleWebSocket())

	r.Post("/embed", s.handleEmbed())
	r.Post("/search", s.handleSearch())
	r.Post("/store", s.handleStore())
	r.Delete("/delete/{id}", s.handleDelete())
	r.Put("/update/{id}", s.handleUpdate())

	r.Route("/conversations", func(r chi.Router) {
		r.Get("/", s.handleList())
		r.Get("/{id}", s.handleGet())
	})
	r.Post("/reset", s.handleReset())

	return r
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	httpSrv := &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.handler,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", s.cfg.Addr, err)
	}

	var grpcSrv *grpc.Server
	var grpcLn net.Listener
	if s.cfg.GRPCAddr != "" {
		grpcLn, err = lc.Listen(ctx, "tcp", s.cfg.GRPCAddr)
		if err != nil {
			ln.Close()
			return fmt.Errorf("server: listen %s: %w", s.cfg.GRPCAddr, err)
		}
		grpcSrv = grpc.NewServer()
		s.health.register(grpcSrv)
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.Info("http listening", "addr", ln.Addr().String())
		if err := httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: http: %w", err)
		}
		return nil
	})

	if grpcSrv != nil {
		g.Go(func() error {
			s.logger.Info("grpc health listening", "addr", grpcLn.Addr().String())
			return grpcSrv.Serve(grpcLn)
		})
		g.Go(func() error {
			s.health.watch(ctx, s.cfg.HealthInterval)
			return nil
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		s.logger.Info("server shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if grpcSrv != nil {
			s.health.shutdown()
			grpcSrv.GracefulStop()
		}
		return httpSrv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// cors allows the listed origins, or any origin when none are listed.
func cors(origins []string) func(http.Handler) http.Handler {
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[o] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" && (len(allowed) == 0 || allowed[origin]) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
				w.Header().Add("Vary", "Origin")
			}
			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
