package status

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/zapmesh/wagateway/pkg/router"
	"github.com/zapmesh/wagateway/pkg/session"
)

type Controller struct {
	Registry  *session.Registry
	StartedAt time.Time
}

func NewController(registry *session.Registry) *Controller {
	return &Controller{Registry: registry, StartedAt: time.Now()}
}

// List reports every managed session, QR challenge included for sessions
// still waiting on a scan.
func (ctl *Controller) List(c *fiber.Ctx) error {
	statuses := ctl.Registry.Snapshot()

	instances := make(map[string]session.Status, len(statuses))
	for _, st := range statuses {
		instances[st.ID] = st
	}

	return router.ResponseSuccessWithData(c, "Gateway status", fiber.Map{
		"uptime":    time.Since(ctl.StartedAt).Round(time.Second).String(),
		"online":    len(ctl.Registry.ListOnline()),
		"total":     len(statuses),
		"instances": instances,
	})
}

func (ctl *Controller) Get(c *fiber.Ctx) error {
	instanceID := c.Params("id")

	s, ok := ctl.Registry.Get(instanceID)
	if !ok {
		return router.ResponseNotFound(c, "Instance not found: "+instanceID)
	}

	return router.ResponseSuccessWithData(c, "Instance status", s.Snapshot())
}

func Health(c *fiber.Ctx) error {
	return router.ResponseSuccess(c, "OK")
}
