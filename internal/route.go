package internal

import (
	"github.com/gofiber/adaptor/v2"
	"github.com/gofiber/fiber/v2"
	swagger "github.com/gofiber/swagger"

	"github.com/zapmesh/wagateway/pkg/auth"
	"github.com/zapmesh/wagateway/pkg/metrics"
	"github.com/zapmesh/wagateway/pkg/router"

	ctlBroadcast "github.com/zapmesh/wagateway/internal/broadcast"
	ctlGroups "github.com/zapmesh/wagateway/internal/groups"
	ctlIndex "github.com/zapmesh/wagateway/internal/index"
	ctlInstance "github.com/zapmesh/wagateway/internal/instance"
	ctlMessage "github.com/zapmesh/wagateway/internal/message"
	ctlStatus "github.com/zapmesh/wagateway/internal/status"
)

func Routes(app *fiber.App, deps Deps) {
	// Configure OpenAPI / Swagger
	specURL := router.BaseURL + "/docs/swagger.json"
	swaggerHandler := swagger.New(swagger.Config{
		URL: specURL,
	})

	statusCtl := ctlStatus.NewController(deps.Registry)
	instanceCtl := ctlInstance.NewController(deps.Registry, deps.Store)
	messageCtl := ctlMessage.NewController(deps.Dispatcher)
	broadcastCtl := ctlBroadcast.NewController(deps.Queue, deps.Registry)
	groupsCtl := ctlGroups.NewController(deps.Registry)

	// Route for Index
	// ---------------------------------------------
	if router.BaseURL == "" {
		app.Get("/", ctlIndex.Index)
	} else {
		app.Get(router.BaseURL, ctlIndex.Index)
		app.Get(router.BaseURL+"/", ctlIndex.Index)
	}

	// Route for OpenAPI / Swagger
	// ---------------------------------------------
	app.Get(router.BaseURL+"/docs/swagger.json", func(c *fiber.Ctx) error {
		return c.SendFile("docs/swagger.json")
	})
	app.Get(router.BaseURL+"/docs/*", swaggerHandler)

	// Unauthenticated liveness probe and prometheus scrape target
	app.Get(router.BaseURL+"/health", ctlStatus.Health)
	app.Get(router.BaseURL+"/metrics", adaptor.HTTPHandler(metrics.Handler()))

	// Everything below requires the service bearer token (pass-through
	// when GATEWAY_JWT_SECRET is unset).
	bearer := auth.BearerAuth()

	app.Get(router.BaseURL+"/status", bearer, statusCtl.List)
	app.Get(router.BaseURL+"/status/:id", bearer, statusCtl.Get)

	app.Post(router.BaseURL+"/instances", bearer, instanceCtl.Create)
	app.Delete(router.BaseURL+"/instances/:id", bearer, instanceCtl.Delete)
	app.Post(router.BaseURL+"/restart/:id", bearer, instanceCtl.Restart)

	app.Post(router.BaseURL+"/send", bearer, messageCtl.Send)
	app.Post(router.BaseURL+"/broadcast", bearer, broadcastCtl.Enqueue)
	app.Get(router.BaseURL+"/broadcast/:job_id", bearer, broadcastCtl.Status)

	app.Get(router.BaseURL+"/groups/:id", bearer, groupsCtl.List)
}
