package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"sungrow-telemetry/config"
	"sungrow-telemetry/internal/auth"
	"sungrow-telemetry/internal/storage"
	"sungrow-telemetry/internal/telemetry"
)

// Store is the database surface the handlers need.
type Store interface {
	InsertSamples(ctx context.Context, samples []telemetry.Sample) (int64, error)
	LatestSample(ctx context.Context, deviceID string) (*telemetry.Sample, error)
	QuerySeries(ctx context.Context, deviceID, frame string) ([]storage.SeriesPoint, error)
}

// RealtimeCache is the cache surface the handlers need.
type RealtimeCache interface {
	GetRealtime(ctx context.Context, deviceID string) ([]byte, bool)
	SetRealtime(ctx context.Context, deviceID string, payload []byte)
	InvalidateRealtime(ctx context.Context, deviceID string)
}

type Server struct {
	router     *gin.Engine
	store      Store
	cache      RealtimeCache
	log        *zap.Logger
	listenAddr string

	maxSamples      int
	maxRequestBytes int64
}

type ServerConfig struct {
	Config   *config.Server
	Store    Store
	Cache    RealtimeCache
	Verifier *auth.Verifier
	Logger   *zap.Logger
}

func NewServer(cfg ServerConfig) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		cfg.Logger.Error("panic in handler", zap.Any("panic", recovered))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"detail": "Internal server error.",
		})
	}))
	router.Use(requestLogger(cfg.Logger))

	s := &Server{
		router:          router,
		store:           cfg.Store,
		cache:           cfg.Cache,
		log:             cfg.Logger,
		listenAddr:      cfg.Config.ListenAddr,
		maxSamples:      cfg.Config.MaxSamplesPerRequest,
		maxRequestBytes: cfg.Config.MaxRequestBytes,
	}

	router.GET("/health", s.healthHandler)

	v1 := router.Group("/v1", cfg.Verifier.Middleware())
	{
		v1.POST("/ingest", s.sizeGuard(), s.ingestHandler)
		v1.GET("/realtime", s.realtimeHandler)
		v1.GET("/series", s.seriesHandler)
	}

	return s
}

// Run serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.listenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("server listening", zap.String("addr", s.listenAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.log.Info("server shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	return <-errCh
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func requestLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)))
	}
}
