package httpapi

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

type Server struct {
	Engine   *gin.Engine
	Addr     string
	db       *sql.DB
	jwksJSON []byte
}

// HealthChecker is an interface for components that can report their health status.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// New builds the gin engine with the routes every deployment carries
// regardless of domain: root, health, and the published JWKS document.
// Route groups for instance registration are attached by the caller via
// Engine. Any panic inside a handler is caught by the recovery middleware
// and surfaced as a 500 INTERNAL_ERROR envelope.
func New(addr string, db *sql.DB, mode string, jwksJSON []byte) *Server {
	// Set Gin mode based on configuration
	if mode == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Logger())
	r.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		slog.Error("Handler panicked", "path", c.Request.URL.Path, "panic", recovered)
		c.AbortWithStatusJSON(http.StatusInternalServerError, Fail(ErrInternal, "internal error"))
	}))

	s := &Server{
		Engine:   r,
		Addr:     addr,
		db:       db,
		jwksJSON: jwksJSON,
	}

	r.GET("/", s.rootHandler)
	// Health check endpoint with database connectivity verification
	r.GET("/v1/health", s.healthHandler)
	r.GET("/.well-known/jwks.json", s.jwksHandler)
	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, Fail(ErrNotFound, "no such route"))
	})

	return s
}

func (s *Server) rootHandler(c *gin.Context) {
	c.JSON(http.StatusOK, OK(gin.H{"service": "np-cloud control plane"}))
}

func (s *Server) jwksHandler(c *gin.Context) {
	if len(s.jwksJSON) == 0 {
		c.JSON(http.StatusInternalServerError, Fail(ErrJWKSParseError, "jwks not configured"))
		return
	}
	c.Header("Cache-Control", "public, max-age=300")
	c.Data(http.StatusOK, "application/json", s.jwksJSON)
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	// Check database connectivity
	if s.db != nil {
		if err := s.db.PingContext(ctx); err != nil {
			slog.Error("Health check failed: database unreachable", "error", err)
			c.JSON(http.StatusServiceUnavailable, Fail(ErrInternal, "database unreachable"))
			return
		}
	}

	c.JSON(http.StatusOK, OK(gin.H{
		"status":   "healthy",
		"database": "connected",
	}))
}

func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.Addr,
		Handler: s.Engine,
	}

	slog.Info("Starting HTTP Server...", "address", s.Addr)

	go func() {
		<-ctx.Done()
		slog.Info("Stopping HTTP Server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("HTTP Server forced to shutdown", "error", err)
		}
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
