package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"dex-liquidity-bot/internal/strategy"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// StatusSource lists the current status of every strategy instance.
type StatusSource interface {
	Statuses() []strategy.Status
}

type Config struct {
	Address     string
	MetricsPath string
}

// Server exposes health, per-instance status and the Prometheus registry.
type Server struct {
	cfg     Config
	source  StatusSource
	metrics http.Handler
	log     *zap.Logger
	srv     *http.Server
}

func New(cfg Config, source StatusSource, metrics http.Handler, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	return &Server{cfg: cfg, source: source, metrics: metrics, log: log}
}

func (s *Server) Router() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", s.handleHealth)
	r.GET("/strategies", s.handleStrategies)
	r.GET("/strategies/:name", s.handleStrategy)
	if s.metrics != nil {
		r.GET(s.cfg.MetricsPath, gin.WrapH(s.metrics))
	}
	return r
}

// handleHealth reports 503 once every instance has failed.
func (s *Server) handleHealth(c *gin.Context) {
	statuses := s.statuses()
	running := 0
	for _, st := range statuses {
		if st.State != strategy.StateFailed {
			running++
		}
	}
	if len(statuses) > 0 && running == 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "failed", "strategies": len(statuses)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "strategies": len(statuses), "active": running})
}

func (s *Server) handleStrategies(c *gin.Context) {
	c.JSON(http.StatusOK, s.statuses())
}

func (s *Server) handleStrategy(c *gin.Context) {
	name := c.Param("name")
	for _, st := range s.statuses() {
		if st.Name == name {
			c.JSON(http.StatusOK, st)
			return
		}
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "unknown strategy " + name})
}

func (s *Server) statuses() []strategy.Status {
	if s.source == nil {
		return []strategy.Status{}
	}
	out := s.source.Statuses()
	if out == nil {
		return []strategy.Status{}
	}
	return out
}

// Start serves in the background until ctx is done.
func (s *Server) Start(ctx context.Context) {
	if s.cfg.Address == "" {
		return
	}
	s.srv = &http.Server{Addr: s.cfg.Address, Handler: s.Router(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		s.log.Info("status server listening", zap.String("address", s.cfg.Address))
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("status server stopped", zap.Error(err))
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(shutdownCtx)
	}()
}
