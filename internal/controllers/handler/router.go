package handler

import (
	"eventcore/pkg/config"
	"eventcore/resources"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/swagger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type Router struct {
	handler  Handler
	app      *fiber.App
	conf     *config.Config
	gatherer prometheus.Gatherer
	logger   *zap.SugaredLogger
}

func NewRouter(handler Handler, app *fiber.App, conf *config.Config, gatherer prometheus.Gatherer, logger *zap.SugaredLogger) *Router {
	return &Router{
		logger:   logger,
		app:      app,
		conf:     conf,
		gatherer: gatherer,
		handler:  handler,
	}
}

func (r *Router) RegisterRouter() {
	r.app.Get("/health", r.handler.HealthCheck)
	r.app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{})))

	r.app.Route("/eventcore", func(router fiber.Router) {

		// описание лежит в resources/openapi.json, регистрируется раньше swagger UI
		router.Get("/swagger/doc.json", func(c *fiber.Ctx) error {
			c.Type("json")
			return c.Send(resources.OpenAPI)
		})
		router.Use("/swagger/*", swagger.New(swagger.Config{
			DeepLinking: false,
			URL:         "/eventcore/swagger/doc.json",
		}))

		v1 := router.Group("/api").Group("/v1")

		outbox := v1.Group("/outbox")
		outbox.Get("/failed", r.handler.FailedEntries)
		outbox.Post("/unlock", r.handler.UnlockStaleEntries)
		outbox.Post("/purge", r.handler.PurgeAcknowledged)

		v1.Get("/aggregates/:type/:id/events", r.handler.AggregateEvents)
	})
}
