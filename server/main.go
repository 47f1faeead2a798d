package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/san-kum/palm-detector/server/cache"
	"github.com/san-kum/palm-detector/server/config"
	"github.com/san-kum/palm-detector/server/handlers"
	"github.com/san-kum/palm-detector/server/identity"
	"github.com/san-kum/palm-detector/server/metrics"
	"github.com/san-kum/palm-detector/server/middleware"
	"github.com/san-kum/palm-detector/server/ml"
	"github.com/san-kum/palm-detector/server/processor"
	"github.com/san-kum/palm-detector/server/storage"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const memoryCacheSize = 10000

type Server struct {
	router   *gin.Engine
	logger   *zap.Logger
	pipeline *processor.Pipeline
	mlClient *ml.Client
	verifier *identity.GoogleVerifier
	cache    cache.Cache
}

func main() {
	cfg := config.LoadConfig()

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		log.Fatal("Failed to initialize logger:", err)
	}
	defer logger.Sync()

	if err := cfg.ValidateConfig(logger); err != nil {
		logger.Fatal("Configuration validation failed", zap.Error(err))
	}

	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	server, err := NewServer(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to create server", zap.Error(err))
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      server.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("Starting server",
			zap.String("addr", addr),
			zap.String("environment", cfg.Server.Environment))

		var err error
		if cfg.Security.EnableHTTPS {
			err = srv.ListenAndServeTLS(cfg.Security.CertFile, cfg.Security.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}

		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Stop taking requests before the queue goes away under them.
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	server.Close()

	logger.Info("Server exited")
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var zapCfg zap.Config
	if cfg.Format == "json" {
		zapCfg = zap.NewProductionConfig()
	} else {
		zapCfg = zap.NewDevelopmentConfig()
	}

	if cfg.Level != "" {
		level, err := zapcore.ParseLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
		zapCfg.Level = zap.NewAtomicLevelAt(level)
	}

	return zapCfg.Build()
}

func NewServer(cfg *config.Config, logger *zap.Logger) (*Server, error) {
	resolver, err := storage.NewResolver(cfg.Storage.UploadDir, cfg.Storage.ResultDir)
	if err != nil {
		return nil, err
	}

	m := metrics.New("palm_detector")

	var cacheInstance cache.Cache
	if cfg.Redis.Host != "" {
		cacheInstance, err = cache.NewRedisCache(
			cfg.Redis.Host,
			cfg.Redis.Port,
			cfg.Redis.Password,
			cfg.Redis.DB,
			cfg.Redis.PoolSize,
			logger,
		)
		if err != nil {
			logger.Warn("Failed to connect to Redis, using memory cache", zap.Error(err))
			cacheInstance = cache.NewMemoryCache(memoryCacheSize, logger)
		}
	} else {
		cacheInstance = cache.NewMemoryCache(memoryCacheSize, logger)
	}

	mlClient, err := ml.NewClient(cfg.ML.BaseURL, &ml.ClientConfig{
		Timeout:             cfg.ML.Timeout,
		HealthCheckInterval: cfg.ML.HealthCheckInterval,
		ModelPath:           cfg.ML.ModelPath,
	}, logger, m)
	if err != nil {
		return nil, fmt.Errorf("failed to create ML client: %w", err)
	}
	mlClient.Start()

	verifier, err := identity.NewGoogleVerifier(
		cfg.Identity.ClientID,
		cfg.Identity.JWKSURL,
		cfg.Identity.Timeout,
		cfg.Identity.RefreshInterval,
		logger,
		m,
	)
	if err != nil {
		mlClient.Close()
		return nil, fmt.Errorf("failed to create identity verifier: %w", err)
	}

	pipeline := processor.NewPipeline(mlClient, resolver, &processor.PipelineConfig{
		MaxQueueSize:     cfg.ML.QueueSize,
		MaxWorkers:       cfg.ML.Workers,
		InferenceTimeout: cfg.ML.InferenceTimeout,
		MaxImagePixels:   cfg.Security.MaxImagePixels,
	}, logger, m)

	rateLimiter := middleware.NewRateLimiter(
		cacheInstance,
		cfg.Security.RateLimitRPS,
		cfg.Security.RateLimitBurst,
		logger,
	)

	router, err := newRouter(cfg.Security, logger)
	if err != nil {
		pipeline.Shutdown()
		verifier.Close()
		mlClient.Close()
		return nil, err
	}

	routes := &Routes{
		Auth:        middleware.NewAuthMiddleware(verifier, logger),
		RateLimiter: rateLimiter,
		Detect:      handlers.NewDetectHandler(pipeline, mlClient, cacheInstance, rateLimiter, logger),
		Artifacts:   handlers.NewArtifactHandler(resolver, cfg.Security.EnforceNamespaceOwnership, logger, m),
		WebSocket: handlers.NewWebSocketHandler(pipeline, verifier, rateLimiter, cfg.Security.AllowedOrigins,
			cfg.Security.MaxRequestSize, logger),
		Metrics:           m,
		MetricsAllowedIPs: cfg.Security.MetricsAllowedIPs,
		RequestTimeout:    cfg.Security.RequestTimeout,
	}
	routes.Register(router)

	return &Server{
		router:   router,
		logger:   logger,
		pipeline: pipeline,
		mlClient: mlClient,
		verifier: verifier,
		cache:    cacheInstance,
	}, nil
}

// newRouter builds the engine with the middleware every route shares.
// ClientIP only honours forwarding headers from the configured proxies.
func newRouter(sec config.SecurityConfig, logger *zap.Logger) (*gin.Engine, error) {
	router := gin.New()
	if err := router.SetTrustedProxies(sec.TrustedProxies); err != nil {
		return nil, fmt.Errorf("invalid trusted proxies: %w", err)
	}

	router.Use(middleware.RequestID())
	router.Use(middleware.RequestLogger(logger))
	router.Use(gin.Recovery())
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.CORS(sec.AllowedOrigins))
	router.Use(middleware.RequestSizeLimit(sec.MaxRequestSize))

	return router, nil
}

func (s *Server) Close() {
	if err := s.pipeline.Shutdown(); err != nil {
		s.logger.Error("Failed to shutdown detection pipeline", zap.Error(err))
	}

	s.mlClient.Close()
	s.verifier.Close()

	if err := s.cache.Close(); err != nil {
		s.logger.Error("Failed to close cache", zap.Error(err))
	}
}

type Routes struct {
	Auth              *middleware.AuthMiddleware
	RateLimiter       *middleware.RateLimiter
	Detect            *handlers.DetectHandler
	Artifacts         *handlers.ArtifactHandler
	WebSocket         *handlers.WebSocketHandler
	Metrics           *metrics.Metrics
	MetricsAllowedIPs []string
	RequestTimeout    time.Duration
}

func (r *Routes) Register(router *gin.Engine) {
	router.GET("/health", middleware.HealthCheck())
	router.GET("/metrics", middleware.IPWhitelist(r.MetricsAllowedIPs), gin.WrapH(r.Metrics.Handler()))

	// Tokens on /ws travel inside each detect message, and the socket outlives
	// the per-request timeout.
	router.GET("/ws", r.RateLimiter.RateLimit(), r.WebSocket.HandleWebSocket)

	protected := router.Group("/")
	protected.Use(middleware.TimeoutHandler(r.RequestTimeout))
	protected.Use(r.RateLimiter.RateLimit())
	protected.Use(r.Auth.RequireAuth())
	{
		protected.POST("/detect", r.Detect.Detect)
		protected.GET("/results/:user/:filename", r.Artifacts.GetResult)
		protected.GET("/labels/:user/:filename", r.Artifacts.GetLabel)
	}

	api := router.Group("/api/v1")
	{
		api.GET("/health", r.Detect.Health)

		authed := api.Group("/")
		authed.Use(middleware.TimeoutHandler(r.RequestTimeout))
		authed.Use(r.RateLimiter.RateLimit())
		authed.Use(r.Auth.RequireAuth())
		{
			authed.GET("/stats", r.Detect.GetStats)
			authed.GET("/model", r.Detect.GetModelInfo)
		}
	}
}
