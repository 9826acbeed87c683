// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/mbd888/txfeatures/internal/circuitbreaker"
	"github.com/mbd888/txfeatures/internal/config"
	"github.com/mbd888/txfeatures/internal/engine"
	"github.com/mbd888/txfeatures/internal/features"
	"github.com/mbd888/txfeatures/internal/health"
	"github.com/mbd888/txfeatures/internal/history"
	"github.com/mbd888/txfeatures/internal/logging"
	"github.com/mbd888/txfeatures/internal/metrics"
	"github.com/mbd888/txfeatures/internal/model"
	"github.com/mbd888/txfeatures/internal/ratelimit"
	"github.com/mbd888/txfeatures/internal/retry"
	"github.com/mbd888/txfeatures/internal/security"
	"github.com/mbd888/txfeatures/internal/validation"
)

// Version is reported by /health.
const Version = "0.1.0"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	store        history.Store
	backend      string
	engine       *engine.Engine
	scorer       model.Scorer
	modelLoaded  bool
	health       *health.Registry
	limiter      *ratelimit.Limiter
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	drainDelay   time.Duration
	cancelRunCtx context.CancelFunc // stops background goroutines started in Run

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithStore injects a history store instead of opening the configured backend
func WithStore(store history.Store, backend string) Option {
	return func(s *Server) {
		s.store = store
		s.backend = backend
	}
}

// WithScorer injects a scorer instead of loading MODEL_PATH
func WithScorer(scorer model.Scorer) Option {
	return func(s *Server) {
		s.scorer = scorer
		_, unavailable := scorer.(model.Unavailable)
		s.modelLoaded = !unavailable
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		health:     health.NewRegistry(),
		drainDelay: 5 * time.Second,
	}

	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	// The feature manifest and the model must agree with the active schema.
	if cfg.FeatureManifest != "" {
		if err := features.VerifyManifest(cfg.FeatureManifest); err != nil {
			return nil, err
		}
		s.logger.Info("feature manifest verified", "path", cfg.FeatureManifest)
	}

	if s.scorer == nil {
		if cfg.ModelPath != "" {
			m, err := model.Load(cfg.ModelPath)
			if err != nil {
				return nil, err
			}
			s.scorer = m
			s.modelLoaded = true
			s.logger.Info("model loaded", "path", cfg.ModelPath, "name", m.Name, "threshold", m.Threshold)
		} else {
			s.scorer = model.Unavailable{}
			s.logger.Warn("no MODEL_PATH set, /v1/predict will return 503")
		}
	}
	s.scorer = model.WithThreshold(s.scorer, cfg.FlagThreshold)

	if s.store == nil {
		store, err := history.Open(ctx, history.OpenOptions{
			Backend:     history.Backend(cfg.HistoryBackend),
			DatabaseURL: cfg.DatabaseURL,
			SQLitePath:  cfg.SQLitePath,
			Redis: history.RedisConfig{
				Addr:      cfg.RedisAddr,
				Password:  cfg.RedisPassword,
				DB:        cfg.RedisDB,
				KeyPrefix: cfg.RedisKeyPrefix,
			},
			Connect: retry.Policy{
				Attempts:  cfg.ConnectAttempts,
				BaseDelay: 500 * time.Millisecond,
				MaxDelay:  5 * time.Second,
			},
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open history store: %w", err)
		}
		s.store = store
		s.backend = cfg.HistoryBackend
		s.logStore()

		if cfg.BreakerThreshold > 0 && cfg.HistoryBackend != config.BackendMemory {
			breaker := circuitbreaker.New(s.backend, cfg.BreakerThreshold, cfg.BreakerCooldown,
				circuitbreaker.WithLogger(s.logger))
			s.store = history.NewGuardedStore(s.store, breaker)
		}
	}

	if cfg.RateLimitRPM > 0 {
		s.limiter = ratelimit.New(ratelimit.Config{
			RequestsPerMinute: cfg.RateLimitRPM,
			Burst:             cfg.RateLimitBurst,
		})
	}

	s.engine = engine.New(s.store, engine.WithBackendName(s.backend))
	metrics.SchemaInfo.WithLabelValues(features.Fingerprint()).Set(features.Count)

	if p, ok := s.store.(health.Pinger); ok {
		s.health.Register("history", health.PingChecker("history", p, health.DefaultTimeout))
	} else {
		s.health.Register("history", health.Static("history", true, "in-memory"))
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

func (s *Server) logStore() {
	switch s.cfg.HistoryBackend {
	case config.BackendPostgres:
		s.logger.Info("using PostgreSQL history", "url", maskDSN(s.cfg.DatabaseURL))
	case config.BackendSQLite:
		s.logger.Info("using SQLite history", "path", s.cfg.SQLitePath)
	case config.BackendRedis:
		s.logger.Info("using Redis history", "addr", s.cfg.RedisAddr, "prefix", s.cfg.RedisKeyPrefix)
	default:
		s.logger.Info("using in-memory history (data will not persist)")
	}
}

func unwrapStore(store history.Store) history.Store {
	if g, ok := store.(*history.GuardedStore); ok {
		return g.Unwrap()
	}
	return store
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Keep an upstream id (load balancer, streaming client) when present.
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		c.Header("X-Request-ID", requestID)

		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		logger := logging.L(c.Request.Context())

		switch {
		case status >= 500:
			logger.Error("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
				"client_ip", c.ClientIP(),
			)
		case status >= 400:
			logger.Warn("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		default:
			logger.Debug("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	v1 := s.router.Group("/v1")
	if s.limiter != nil {
		v1.Use(s.limiter.Middleware())
	}
	{
		v1.GET("/feature-names", s.featureNamesHandler)
		v1.POST("/features", s.extractHandler)
		v1.POST("/predict", s.predictHandler)
		v1.POST("/history", s.commitHandler)
	}
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"backend", s.backend,
			"schema", features.Fingerprint(),
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	if sqlStore, ok := unwrapStore(s.store).(*history.SQLStore); ok {
		go metrics.StartDBStatsCollector(runCtx, sqlStore.DB(), 15*time.Second)
	}
	if s.limiter != nil {
		go s.limiter.Run(runCtx)
	}

	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(s.drainDelay)

	if s.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	// In-flight requests are done; history can be closed safely.
	if err := s.store.Close(); err != nil {
		s.logger.Error("history close error", "error", err)
	} else {
		s.logger.Info("history store closed", "backend", s.backend)
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Engine returns the feature engine.
func (s *Server) Engine() *engine.Engine {
	return s.engine
}
