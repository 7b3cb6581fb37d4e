package server

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/ticketing/settlement/internal/config"
	"github.com/ticketing/settlement/internal/middleware"
	"github.com/ticketing/settlement/internal/routes"
)

// Server wraps the Fiber application and the domain services behind it.
type Server struct {
	app      *fiber.App
	cfg      config.Config
	services *routes.Services
}

// New builds the domain services and delegates route wiring to routes.Setup.
func New(deps routes.Deps) (*Server, error) {
	services, err := routes.NewServices(deps)
	if err != nil {
		return nil, err
	}

	app := fiber.New(fiber.Config{
		AppName:      deps.Cfg.AppName,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		ErrorHandler: middleware.ErrorHandler(deps.Logger),
	})
	if err := routes.Setup(app, deps, services); err != nil {
		return nil, err
	}

	return &Server{app: app, cfg: deps.Cfg, services: services}, nil
}

// Services exposes the domain services to the queue consumer and jobs.
func (s *Server) Services() *routes.Services {
	return s.services
}

// Listen starts the HTTP server.
func (s *Server) Listen() error {
	return s.app.Listen(s.cfg.Address())
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}
