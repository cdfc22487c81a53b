package httpserver

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/crestline-ai/usage-console/internal/config"
	adminroutes "github.com/crestline-ai/usage-console/internal/httpserver/admin"
	"github.com/crestline-ai/usage-console/internal/observability"
	"github.com/crestline-ai/usage-console/internal/services/quota"
	"github.com/crestline-ai/usage-console/internal/services/usage"
)

// Deps carries the wired collaborators the HTTP surface serves.
type Deps struct {
	Config        *config.Config
	Usage         *usage.Engine
	Quota         *quota.Service
	Observability *observability.Provider
	Pool          *pgxpool.Pool
	Redis         *redis.Client
	Logger        *slog.Logger
}

// Server wraps the Fiber app and configuration.
type Server struct {
	app  *fiber.App
	cfg  *config.Config
	deps Deps
}

// New constructs a server with baseline middleware ready.
func New(deps Deps) (*Server, error) {
	cfg := deps.Config
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if deps.Usage == nil {
		return nil, fmt.Errorf("usage engine is required")
	}

	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ServerHeader:          "usage-console",
		ReadTimeout:           cfg.Server.ReadTimeout,
	})

	app.Use(requestid.New())
	app.Use(logger.New())
	app.Use(recover.New())

	if deps.Observability != nil {
		app.Use(func(c *fiber.Ctx) error {
			start := time.Now()
			err := c.Next()
			route := ""
			if r := c.Route(); r != nil {
				route = r.Path
			}
			if route == "" {
				route = c.Path()
			}
			deps.Observability.RecordHTTPRequest(c.UserContext(), c.Method(), route, c.Response().StatusCode(), time.Since(start))
			return err
		})
	}

	if deps.Observability != nil && deps.Observability.TracerProvider() != nil {
		tracer := otel.Tracer("usage-console/http")
		app.Use(func(c *fiber.Ctx) error {
			spanCtx, span := tracer.Start(c.UserContext(), c.Method()+" "+c.Path())
			c.SetUserContext(spanCtx)
			err := c.Next()
			route := ""
			if r := c.Route(); r != nil {
				route = r.Path
			}
			span.SetAttributes(
				attribute.String("http.method", c.Method()),
				attribute.String("http.route", route),
				attribute.Int("http.status_code", c.Response().StatusCode()),
			)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			} else if status := c.Response().StatusCode(); status >= 500 {
				span.SetStatus(codes.Error, fmt.Sprintf("status %d", status))
			} else {
				span.SetStatus(codes.Ok, "OK")
			}
			span.End()
			return err
		})
	}

	if deps.Observability != nil {
		if handler := deps.Observability.PrometheusHandler(); handler != nil {
			app.Get("/metrics", adaptor.HTTPHandler(handler))
		}
	}

	registerHealthRoutes(app, deps)
	adminroutes.Register(app, adminroutes.Deps{
		AdminToken: cfg.Admin.Token,
		Usage:      deps.Usage,
		Quota:      deps.Quota,
	})

	return &Server{app: app, cfg: cfg, deps: deps}, nil
}

// Listen blocks until context cancellation or a fatal listen error occurs.
func (s *Server) Listen(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.app.Listen(s.cfg.Server.ListenAddr)
	}()

	select {
	case <-ctx.Done():
		timeout := s.cfg.Server.GracefulShutdownDelay
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		err := s.app.ShutdownWithContext(shutdownCtx)
		if err == nil {
			err = <-errCh
		}
		return err
	case err := <-errCh:
		return err
	}
}

// App exposes the underlying Fiber app for tests.
func (s *Server) App() *fiber.App {
	return s.app
}

func registerHealthRoutes(app *fiber.App, deps Deps) {
	app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	app.Get("/readyz", func(c *fiber.Ctx) error {
		ctx, cancel := context.WithTimeout(c.UserContext(), 3*time.Second)
		defer cancel()

		checks := fiber.Map{}
		healthy := true
		if deps.Pool != nil {
			if err := deps.Pool.Ping(ctx); err != nil {
				checks["database"] = err.Error()
				healthy = false
			} else {
				checks["database"] = "ok"
			}
		}
		if deps.Redis != nil {
			if err := deps.Redis.Ping(ctx).Err(); err != nil {
				checks["redis"] = err.Error()
				healthy = false
			} else {
				checks["redis"] = "ok"
			}
		}
		status := fiber.StatusOK
		if !healthy {
			status = fiber.StatusServiceUnavailable
		}
		return c.Status(status).JSON(fiber.Map{"checks": checks})
	})
}
