package groups

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/zapmesh/wagateway/pkg/log"
	"github.com/zapmesh/wagateway/pkg/router"
	"github.com/zapmesh/wagateway/pkg/session"
	"github.com/zapmesh/wagateway/pkg/whatsapp"
)

type Controller struct {
	Registry *session.Registry
}

func NewController(registry *session.Registry) *Controller {
	return &Controller{Registry: registry}
}

// List returns the groups the instance's account has joined.
func (ctl *Controller) List(c *fiber.Ctx) error {
	instanceID := c.Params("id")

	s, ok := ctl.Registry.Get(instanceID)
	if !ok {
		return router.ResponseNotFound(c, "Instance not found: "+instanceID)
	}

	groups, err := s.ListGroups(c.UserContext())
	if err != nil {
		if errors.Is(err, whatsapp.ErrNotConnected) || errors.Is(err, whatsapp.ErrNotLoggedIn) {
			return router.ResponseServiceUnavailable(c, "Instance is not online: "+instanceID)
		}
		log.Instance(instanceID).WithError(err).Error("Failed to list groups")
		return router.ResponseInternalError(c, err.Error())
	}

	return router.ResponseSuccessWithData(c, "Joined groups", fiber.Map{
		"instance_id": instanceID,
		"groups":      groups,
		"total":       len(groups),
	})
}
