// Package server exposes the tenant engines over the RESTful FHIR surface.
package server

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/ehr/beacon/internal/platform/auth"
	"github.com/ehr/beacon/internal/platform/fhir"
)

// Server is the HTTP front of the tenant manager.
type Server struct {
	echo    *echo.Echo
	manager *fhir.Manager
	gate    *auth.Gate
	log     zerolog.Logger
}

// New wires routes and middleware. gate may be nil when no tenant is
// SMART-gated.
func New(manager *fhir.Manager, gate *auth.Gate, log zerolog.Logger) *Server {
	s := &Server{
		echo:    echo.New(),
		manager: manager,
		gate:    gate,
		log:     log.With().Str("component", "http").Logger(),
	}
	s.echo.HideBanner = true
	s.echo.HidePort = true

	s.echo.Use(middleware.Recover())
	s.echo.Use(s.requestLogger())

	t := s.echo.Group("/:tenant", s.tenantMiddleware())
	t.GET("/metadata", s.handleCapability)
	t.GET("/.well-known/smart-configuration", s.handleSmartConfiguration)
	t.POST("", s.handleBundle)
	t.POST("/", s.handleBundle)
	t.POST("/$notification", s.handleNotificationIntake)
	t.GET("/$notification", s.handleReceivedNotifications)

	t.GET("/Subscription/$status", s.handleSubscriptionStatuses)
	t.GET("/Subscription/:id/$status", s.handleSubscriptionStatus)
	t.GET("/Subscription/:id/$events", s.handleSubscriptionEvents)

	t.GET("/:type", s.handleSearch)
	t.POST("/:type", s.handleCreate)
	t.POST("/:type/_search", s.handleSearch)
	t.GET("/:type/:id", s.handleRead)
	t.HEAD("/:type/:id", s.handleRead)
	t.PUT("/:type/:id", s.handleUpdate)
	t.DELETE("/:type/:id", s.handleDelete)
	t.GET("/:type/:id/_history", s.handleHistory)
	t.GET("/:type/:id/_history/:vid", s.handleVRead)

	return s
}

// Start begins serving on addr, blocking until shutdown.
func (s *Server) Start(addr string) error {
	s.log.Info().Str("addr", addr).Msg("listening")
	return s.echo.Start(addr)
}

// Shutdown drains the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// Handler exposes the routing tree for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

const engineKey = "server.engine"

// tenantMiddleware resolves the tenant engine and applies the SMART gate for
// tenants that require it.
func (s *Server) tenantMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			engine, ok := s.manager.Tenant(c.Param("tenant"))
			if !ok {
				return s.writeOutcome(c, http.StatusNotFound,
					fhir.StatusOutcome(http.StatusNotFound, "unknown tenant "+c.Param("tenant")))
			}
			c.Set(engineKey, engine)
			if engine.Config().SmartRequired && s.gate != nil &&
				c.Request().URL.Path != smartConfigPath(c.Param("tenant")) {
				return s.gate.Middleware()(next)(c)
			}
			return next(c)
		}
	}
}

func smartConfigPath(tenant string) string {
	return "/" + tenant + "/.well-known/smart-configuration"
}

func (s *Server) engine(c echo.Context) *fhir.TenantEngine {
	return c.Get(engineKey).(*fhir.TenantEngine)
}

// requestLogger emits one structured line per request.
func (s *Server) requestLogger() echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:     true,
		LogStatus:  true,
		LogMethod:  true,
		LogLatency: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			s.log.Info().
				Str("method", v.Method).
				Str("uri", v.URI).
				Str("tenant", c.Param("tenant")).
				Int("status", v.Status).
				Dur("latency", v.Latency).
				Msg("request")
			return nil
		},
	})
}
