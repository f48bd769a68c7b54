package server

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/media-hub/internal/logging"
	"github.com/any-hub/media-hub/internal/resolve"
)

// Resolver describes the resolution coordinator used by the HTTP handlers.
// It allows injecting fakes during tests.
type Resolver interface {
	Resolve(ctx context.Context, req resolve.Request) (*resolve.Reference, error)
	Published() *resolve.Published
}

// Prefetcher accepts viewer position updates without blocking.
type Prefetcher interface {
	Schedule(items []string, index int) int
}

// AppOptions controls how the Fiber application should behave.
type AppOptions struct {
	Logger     *logrus.Logger
	Resolver   Resolver
	Prefetcher Prefetcher
}

const contextKeyRequestID = "_mediahub_request_id"

// NewApp builds a Fiber application with request ID middleware, structured
// access logs and the viewer-facing routes.
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Resolver == nil {
		return nil, errors.New("resolver is required")
	}
	if opts.Prefetcher == nil {
		return nil, errors.New("prefetcher is required")
	}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
		UnescapePath:  true,
	})

	app.Use(recover.New())
	app.Use(requestContextMiddleware(opts.Logger))

	h := &handlers{logger: opts.Logger, resolver: opts.Resolver, prefetcher: opts.Prefetcher}
	app.Get("/-/refs", h.listRefs)
	app.Get("/-/refs/*", h.getRef)
	app.Post("/-/open", h.open)
	app.Post("/-/position", h.position)
	app.Get("/media/*", h.media)

	return app, nil
}

// requestContextMiddleware 负责生成请求 ID，并在请求结束后输出访问日志。
func requestContextMiddleware(logger *logrus.Logger) fiber.Handler {
	return func(c fiber.Ctx) error {
		started := time.Now()
		reqID := uuid.NewString()
		c.Locals(contextKeyRequestID, reqID)
		c.Set("X-Request-ID", reqID)

		err := c.Next()

		status := c.Response().StatusCode()
		var fiberErr *fiber.Error
		if errors.As(err, &fiberErr) {
			status = fiberErr.Code
		}
		fields := logging.RequestFields(reqID, c.Method(), c.Path(), status)
		fields["elapsed_ms"] = time.Since(started).Milliseconds()
		if isDiagnosticsPath(c.Path()) {
			logger.WithFields(fields).Debug("request_complete")
		} else {
			logger.WithFields(fields).Info("request_complete")
		}
		return err
	}
}

// RequestID returns the request identifier stored by the router middleware.
func RequestID(c fiber.Ctx) string {
	if value := c.Locals(contextKeyRequestID); value != nil {
		if reqID, ok := value.(string); ok {
			return reqID
		}
	}
	return ""
}

func isDiagnosticsPath(path string) bool {
	return strings.HasPrefix(path, "/-/")
}

func requestContext(c fiber.Ctx) context.Context {
	ctx := c.UserContext()
	if ctx == nil {
		ctx = context.Background()
	}
	return ctx
}
