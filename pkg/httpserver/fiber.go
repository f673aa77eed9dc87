package httpserver

import (
	"strconv"
	"strings"
	"time"

	"eventcore/pkg/config"
	"eventcore/pkg/metrics"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
)

func NewFiber(conf config.Config, m *metrics.Metrics) *fiber.App {
	fc := fiber.Config{
		ReadBufferSize:        1024 * 100,
		DisableStartupMessage: true,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			if fe, ok := err.(*fiber.Error); ok {
				code = fe.Code
			}
			return c.Status(code).JSON(fiber.Map{
				"status":  false,
				"message": err.Error(),
			})
		},
	}
	if conf.Server.BodyLimit > 0 {
		fc.BodyLimit = conf.Server.BodyLimit
	}
	app := fiber.New(fc)

	app.Use(
		cors.New(cors.Config{
			AllowOrigins:  "*",
			ExposeHeaders: "Authorization",
		}),
		recover.New(),
		logger.New(),
	)

	if m != nil {
		app.Use(metricsMiddleware(m))
	}

	return app
}

// metricsMiddleware считает запросы по шаблону роута, а не по фактическому пути
func metricsMiddleware(m *metrics.Metrics) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		path := c.Path()
		method := c.Method()
		if r := c.Route(); r != nil {
			if r.Path != "" {
				path = r.Path
			}
			if r.Method != "" {
				method = r.Method
			}
		}
		method = normalizeHTTPMethod(method)

		statusStr := strconv.Itoa(c.Response().StatusCode())
		m.API.HTTPRequestsTotal.WithLabelValues(method, path, statusStr).Inc()
		m.API.HTTPRequestDuration.WithLabelValues(method, path, statusStr).Observe(time.Since(start).Seconds())
		return err
	}
}

// normalizeHTTPMethod приводит метод к стандартному виду, чтобы не плодить метки
func normalizeHTTPMethod(method string) string {
	method = strings.ToUpper(strings.TrimSpace(method))

	switch method {
	case fiber.MethodGet, fiber.MethodPost, fiber.MethodPut, fiber.MethodDelete,
		fiber.MethodPatch, fiber.MethodHead, fiber.MethodOptions, fiber.MethodTrace, fiber.MethodConnect:
		return method
	default:
		return "OTHER"
	}
}
