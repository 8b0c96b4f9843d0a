package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/phraiz/phraiz/internal/config"
	historydomain "github.com/phraiz/phraiz/internal/history/domain"
	"github.com/phraiz/phraiz/internal/observability"
	obsmiddleware "github.com/phraiz/phraiz/internal/observability/logger"
	obsmetrics "github.com/phraiz/phraiz/internal/observability/metrics"
	obstracing "github.com/phraiz/phraiz/internal/observability/tracing"
	"github.com/phraiz/phraiz/internal/ratelimit"
	usagedomain "github.com/phraiz/phraiz/internal/usage/domain"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Provide(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(obsmetrics.GinMiddleware(httpMetrics))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	return NewEngine(obsCfg, httpMetrics)
}

func run(lc fx.Lifecycle, s *Server, log *zap.Logger) {
	addr := strings.TrimSpace(s.cfg.HTTPAddr)
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal("http server stopped", zap.Error(err))
				}
			}()
			log.Info("http server listening", zap.String("addr", addr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine     *gin.Engine
	cfg        config.Config
	db         *gorm.DB
	usagesvc   usagedomain.Service
	historySvc historydomain.Service
	limiter    *ratelimit.MemberLimiter
	obsMetrics *obsmetrics.Metrics
}

type ServerParams struct {
	fx.In

	Gin        *gin.Engine
	Cfg        config.Config
	DB         *gorm.DB
	Usagesvc   usagedomain.Service
	HistorySvc historydomain.Service
	Limiter    *ratelimit.MemberLimiter `optional:"true"`
	ObsMetrics *obsmetrics.Metrics      `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:     p.Gin,
		cfg:        p.Cfg,
		db:         p.DB,
		usagesvc:   p.Usagesvc,
		historySvc: p.HistorySvc,
		limiter:    p.Limiter,
		obsMetrics: p.ObsMetrics,
	}

	svc.registerAPIRoutes()
	svc.registerFallback()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/api/v1", MemberRequired())

	// -------- Quota --------
	api.POST("/quota/check", s.MemberRateLimit(), s.CheckQuota)
	api.POST("/usage/commit", s.CommitUsage)
	api.GET("/usage", s.GetUsageSummary)

	// -------- Histories --------
	api.GET("/histories/:kind", s.ListHistories)
	api.POST("/histories/:kind/revisions", s.MemberRateLimit(), s.AppendRevision)
	api.GET("/histories/:kind/:id/revisions/latest", s.GetLatestRevision)
	api.GET("/histories/:kind/:id/revisions/:seq", s.GetRevision)
	api.PATCH("/histories/:kind/:id", s.UpdateHistory)
	api.DELETE("/histories/:kind/:id", s.DeleteHistory)

	if !s.cfg.IsProduction() {
		s.engine.POST("/internal/test/cleanup", s.TestCleanup)
	}
}

func (s *Server) registerFallback() {
	s.engine.NoRoute(func(c *gin.Context) {
		AbortWithError(c, ErrNotFound)
	})
}
