package api

import (
	"context"
	"crypto/subtle"
	"io"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	logx "github.com/Todd-j-sutherland/trading-feature-sub006/pkg/logx"
)

// Handler builds the gin engine. Event streams end when ctx does.
func (s *Server) Handler(ctx context.Context) http.Handler {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()
	if cfg.Keepalive <= 0 {
		cfg.Keepalive = 15 * time.Second
	}

	h := &handlers{sched: s.sched, bus: s.bus, extra: s.extra, log: s.log, done: ctx.Done(), keepalive: cfg.Keepalive}

	r := gin.New()
	r.Use(recovery(s.log), accessLog(s.log))

	r.GET("/healthz", h.health)

	authed := r.Group("", bearerAuth(cfg.Token))
	api := authed.Group("/api")
	{
		tasks := api.Group("/tasks")
		{
			tasks.GET("", h.listTasks)
			tasks.POST("", h.createTask)
			tasks.POST("/validate", h.validateTask)
			tasks.GET("/:id", h.getTask)
			tasks.DELETE("/:id", h.deleteTask)
			tasks.POST("/:id/execute", h.executeTask)
			tasks.PUT("/:id/enabled", h.setEnabled)
			tasks.GET("/:id/history", h.taskHistory)
		}

		api.GET("/market", h.getMarket)
		api.PUT("/market", h.putMarket)

		api.POST("/scheduler/pause", h.pause)
		api.POST("/scheduler/resume", h.resume)
		api.GET("/metrics", h.metrics)
		api.POST("/cleanup", h.cleanup)
		api.GET("/events", h.events)
	}

	if cfg.Pprof {
		pp := authed.Group("/debug/pprof")
		pp.GET("/", gin.WrapF(hpprof.Index))
		pp.GET("/cmdline", gin.WrapF(hpprof.Cmdline))
		pp.GET("/profile", gin.WrapF(hpprof.Profile))
		pp.GET("/symbol", gin.WrapF(hpprof.Symbol))
		pp.POST("/symbol", gin.WrapF(hpprof.Symbol))
		pp.GET("/trace", gin.WrapF(hpprof.Trace))
		pp.GET("/:profile", func(c *gin.Context) {
			hpprof.Handler(c.Param("profile")).ServeHTTP(c.Writer, c.Request)
		})
	}
	return r
}

// bearerAuth accepts "Authorization: Bearer <token>" or ?token=. An empty
// token disables the check.
func bearerAuth(token string) gin.HandlerFunc {
	tok := strings.TrimSpace(token)
	return func(c *gin.Context) {
		if tok == "" {
			c.Next()
			return
		}
		got := c.Query("token")
		if got == "" {
			if ah := c.GetHeader("Authorization"); strings.HasPrefix(ah, "Bearer ") {
				got = strings.TrimSpace(strings.TrimPrefix(ah, "Bearer "))
			}
		}
		if subtle.ConstantTimeCompare([]byte(got), []byte(tok)) != 1 {
			c.Header("WWW-Authenticate", "Bearer")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

func recovery(log logx.Logger) gin.HandlerFunc {
	return gin.CustomRecoveryWithWriter(io.Discard, func(c *gin.Context, err any) {
		log.Error("handler panicked", logx.String("path", c.FullPath()), logx.Any("panic", err))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	})
}

func accessLog(log logx.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug("request",
			logx.String("method", c.Request.Method),
			logx.String("path", c.FullPath()),
			logx.Int("status", c.Writer.Status()),
			logx.Duration("took", time.Since(start)),
		)
	}
}
