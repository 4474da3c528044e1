package server

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sifan077/PowerLink/internal/app/hook"
	"github.com/sifan077/PowerLink/internal/app/repository"
	"github.com/sifan077/PowerLink/internal/app/resource"
	"github.com/sifan077/PowerLink/internal/app/service"
	inthttp "github.com/sifan077/PowerLink/internal/http/handler"
	"github.com/sifan077/PowerLink/internal/http/middleware"
	"go.uber.org/zap"
)

const defaultLinkPath = "/link"

// Dependencies bundles infrastructure dependencies required by the HTTP server.
type Dependencies struct {
	Logger *zap.Logger
	// Postgres backs the readiness probe; nil reports always ready.
	Postgres inthttp.Pinger
	// Redis backs the link rate limiter; nil disables it.
	Redis       *redis.Client
	Library     *resource.Library
	Links       repository.LinkStore
	LinkService service.LinkService
	LinkEvents  repository.LinkEventRepository
	Events      inthttp.EventPublisher
	Hooks       *hook.Coordinator
	WorkerID    string
	LinkPath    string
	StrictOpens bool
	RateLimit   middleware.RateLimitConfig
}

// Server wraps the Fiber application and its dependencies.
type Server struct {
	app  *fiber.App
	deps Dependencies
}

// New creates a new HTTP server instance with default routes.
func New(deps Dependencies) *Server {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.LinkPath == "" {
		deps.LinkPath = defaultLinkPath
	}
	if deps.Library == nil {
		deps.Library = resource.NewLibrary(deps.Logger)
	}

	app := fiber.New(fiber.Config{
		AppName:               "PowerLink",
		DisableStartupMessage: true,
	})

	s := &Server{
		app:  app,
		deps: deps,
	}

	s.registerMiddleware()
	s.registerRoutes()
	return s
}

// App exposes the underlying Fiber application.
func (s *Server) App() *fiber.App {
	return s.app
}

// Listen starts the Fiber server on the given address.
func (s *Server) Listen(addr string) error {
	return s.app.Listen(addr)
}

// Shutdown gracefully stops the Fiber server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

func (s *Server) registerMiddleware() {
	s.app.Use(middleware.Recovery(s.deps.Logger))
	s.app.Use(middleware.RequestID())
	s.app.Use(middleware.Logger(s.deps.Logger))
}

func (s *Server) registerRoutes() {
	inthttp.NewHealthHandler(s.deps.Logger, s.deps.Postgres, s.deps.WorkerID).Register(s.app)

	s.app.Use("/api", middleware.CORS())
	inthttp.NewAPIHandler(inthttp.APIDeps{
		Logger:      s.deps.Logger,
		Links:       s.deps.Links,
		LinkService: s.deps.LinkService,
		Events:      s.deps.LinkEvents,
		Hooks:       s.deps.Hooks,
		LinkPath:    s.deps.LinkPath,
	}).Register(s.app)

	linkx := inthttp.NewLinkxHandler(inthttp.LinkxDeps{
		Logger:      s.deps.Logger,
		Links:       s.deps.Links,
		Service:     s.deps.LinkService,
		Events:      s.deps.Events,
		StrictOpens: s.deps.StrictOpens,
	}, inthttp.WithPageAction())

	if !s.deps.Library.Register(s.deps.LinkPath, linkx) {
		s.deps.Logger.Warn("link path already registered", zap.String("path", s.deps.LinkPath))
	}
	s.app.Use(s.deps.LinkPath, middleware.RateLimit(s.deps.Redis, s.deps.RateLimit, s.deps.Logger))

	// Everything else is looked up in the resource library: the link dispatcher
	// plus whatever hooks this worker currently holds.
	s.app.Use(s.deps.Library.Handler())
}
