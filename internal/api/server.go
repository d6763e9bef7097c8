package api

import (
	"context"
	"fmt"
	"time"

	"github.com/gofiber/contrib/otelfiber"
	"github.com/gofiber/fiber/v2"

	"github.com/acme/predictive-dialer/internal/api/handlers"
	"github.com/acme/predictive-dialer/internal/app"
)

// Server is the dialer control plane. It only steers campaigns; the dialing
// itself runs in the engine process.
type Server struct {
	app  *fiber.App
	deps *app.Container
}

// NewServer constructs the HTTP server with routes registered.
func NewServer(deps *app.Container, handlerSet *handlers.HandlerSet) *Server {
	fiberApp := fiber.New(fiber.Config{
		AppName:               deps.Config.App.Name,
		DisableStartupMessage: true,
		ReadTimeout:           deps.Config.HTTP.ReadTimeout,
		WriteTimeout:          deps.Config.HTTP.WriteTimeout,
		IdleTimeout:           deps.Config.HTTP.IdleTimeout,
		ErrorHandler:          handlerSet.ErrorHandler,
	})

	fiberApp.Use(otelfiber.Middleware())
	handlerSet.Register(fiberApp)

	return &Server{app: fiberApp, deps: deps}
}

// Start serves HTTP traffic until the context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = s.Shutdown()
	}()
	return s.app.Listen(fmt.Sprintf(":%d", s.deps.Config.HTTP.Port))
}

// Shutdown stops the server, giving in-flight requests time to finish.
func (s *Server) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.app.ShutdownWithContext(ctx)
}
