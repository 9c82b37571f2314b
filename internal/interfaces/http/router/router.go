// Package router assembles the authority API: middleware chain, versioned
// route group and handlers.
package router

import (
	"fmt"
	"time"

	"github.com/feedesk/backend/internal/infrastructure/logger"
	"github.com/feedesk/backend/internal/interfaces/http/handler"
	"github.com/feedesk/backend/internal/interfaces/http/middleware"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// RouteRegistrar defines the interface for registering routes
type RouteRegistrar interface {
	RegisterRoutes(rg *gin.RouterGroup)
}

// Router manages HTTP route registration
type Router struct {
	engine     *gin.Engine
	apiVersion string
	registrars []RouteRegistrar
	groupUse   []gin.HandlerFunc
}

// RouterOption is a functional option for Router configuration
type RouterOption func(*Router)

// WithAPIVersion sets the API version prefix (e.g., "v1", "v2")
func WithAPIVersion(version string) RouterOption {
	return func(r *Router) {
		r.apiVersion = version
	}
}

// WithGroupMiddleware adds middleware applied to the versioned group only
func WithGroupMiddleware(mw ...gin.HandlerFunc) RouterOption {
	return func(r *Router) {
		r.groupUse = append(r.groupUse, mw...)
	}
}

// NewRouter creates a new Router instance
func NewRouter(engine *gin.Engine, opts ...RouterOption) *Router {
	r := &Router{
		engine:     engine,
		apiVersion: "v1",
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a RouteRegistrar to be registered later
func (r *Router) Register(registrar RouteRegistrar) *Router {
	r.registrars = append(r.registrars, registrar)
	return r
}

// Setup registers all routes with the engine
func (r *Router) Setup() {
	api := r.engine.Group("/api/" + r.apiVersion)
	if len(r.groupUse) > 0 {
		api.Use(r.groupUse...)
	}
	for _, registrar := range r.registrars {
		registrar.RegisterRoutes(api)
	}
}

// Config selects the authority middleware stack
type Config struct {
	ServiceName    string
	Version        string
	MaxBodySize    int64
	RequestTimeout time.Duration
	// RateLimit is requests per device per RateWindow; 0 disables limiting
	RateLimit  int
	RateWindow time.Duration
	Tracing    bool
	// Meter enables HTTP metrics when set
	Meter  metric.Meter
	Logger *zap.Logger
}

// NewAuthorityEngine builds the gin engine serving the authority API over
// store. The returned stop function releases background resources.
func NewAuthorityEngine(store handler.AuthorityStore, cfg Config) (*gin.Engine, func(), error) {
	log := logger.OrNop(cfg.Logger)
	middleware.SetupValidator()

	metrics, err := middleware.HTTPMetrics(middleware.HTTPMetricsConfig{
		Meter:   cfg.Meter,
		Enabled: cfg.Meter != nil,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("http metrics: %w", err)
	}

	engine := gin.New()
	engine.Use(
		logger.Recovery(log),
		logger.GinMiddleware(log),
		middleware.DeviceID(),
		middleware.TracingWithConfig(middleware.TracingConfig{ServiceName: cfg.ServiceName, Enabled: cfg.Tracing}),
		middleware.TracingAttributes(),
		middleware.SpanErrorMarker(),
		metrics,
		middleware.Secure(),
	)

	system := handler.NewSystemHandler(store, cfg.ServiceName, cfg.Version)
	engine.GET("/healthz", system.Healthz)

	groupUse := []gin.HandlerFunc{middleware.Timeout(cfg.RequestTimeout)}
	if cfg.MaxBodySize > 0 {
		groupUse = append(groupUse, middleware.BodyLimit(cfg.MaxBodySize))
	}
	stop := func() {}
	if cfg.RateLimit > 0 {
		limiter := middleware.NewRateLimiter(cfg.RateLimit, cfg.RateWindow)
		groupUse = append(groupUse, middleware.RateLimit(limiter))
		stop = limiter.Stop
	}

	NewRouter(engine, WithGroupMiddleware(groupUse...)).
		Register(handler.NewAuthorityHandler(store)).
		Register(system).
		Setup()

	return engine, stop, nil
}
