package instance

import (
	"context"
	"errors"
	"regexp"

	"github.com/gofiber/fiber/v2"

	typGateway "github.com/zapmesh/wagateway/internal/types"
	"github.com/zapmesh/wagateway/pkg/log"
	"github.com/zapmesh/wagateway/pkg/router"
	"github.com/zapmesh/wagateway/pkg/session"
	"github.com/zapmesh/wagateway/pkg/store"
)

var instanceIDPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)

type Controller struct {
	Registry *session.Registry
	// Nil when the gateway runs without a database.
	Store *store.Store
}

func NewController(registry *session.Registry, st *store.Store) *Controller {
	return &Controller{Registry: registry, Store: st}
}

// Create provisions a session for a new instance and starts pairing.
func (ctl *Controller) Create(c *fiber.Ctx) error {
	var req typGateway.RequestCreateInstance
	if err := c.BodyParser(&req); err != nil {
		log.Print(c).Warn("Failed to parse body request")
		return router.ResponseBadRequest(c, "Failed to parse body request")
	}

	if !instanceIDPattern.MatchString(req.ID) {
		return router.ResponseBadRequest(c, "Instance id must be lowercase alphanumeric with - or _")
	}

	s, err := ctl.Registry.Create(c.UserContext(), req.ID)
	if err != nil {
		if errors.Is(err, session.ErrAlreadyExists) {
			return router.ResponseConflict(c, "Instance already exists: "+req.ID)
		}
		log.Instance(req.ID).WithError(err).Error("Failed to create instance")
		return router.ResponseInternalError(c, err.Error())
	}

	ctl.persist(c.UserContext(), req.ID)

	return router.ResponseCreatedWithData(c, "Instance created", s.Snapshot())
}

// Delete logs the instance out, destroys its auth storage, and drops it
// from the roster.
func (ctl *Controller) Delete(c *fiber.Ctx) error {
	instanceID := c.Params("id")

	if err := ctl.Registry.Remove(c.UserContext(), instanceID); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return router.ResponseNotFound(c, "Instance not found: "+instanceID)
		}
		log.Instance(instanceID).WithError(err).Error("Failed to remove instance")
		return router.ResponseInternalError(c, err.Error())
	}

	if ctl.Store != nil {
		if err := ctl.Store.DeleteInstance(c.UserContext(), instanceID); err != nil {
			log.Instance(instanceID).WithError(err).Warn("Failed to drop instance from roster")
		}
	}

	return router.ResponseSuccess(c, "Instance removed")
}

// Restart wipes the instance's auth storage and pairs from scratch with a
// fresh retry budget.
func (ctl *Controller) Restart(c *fiber.Ctx) error {
	instanceID := c.Params("id")

	s, err := ctl.Registry.Restart(c.UserContext(), instanceID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return router.ResponseNotFound(c, "Instance not found: "+instanceID)
		}
		log.Instance(instanceID).WithError(err).Error("Failed to restart instance")
		return router.ResponseInternalError(c, err.Error())
	}

	return router.ResponseSuccessWithData(c, "Instance restarting", s.Snapshot())
}

func (ctl *Controller) persist(ctx context.Context, instanceID string) {
	if ctl.Store == nil {
		return
	}
	if err := ctl.Store.SaveInstance(ctx, instanceID); err != nil {
		log.Instance(instanceID).WithError(err).Warn("Failed to persist instance to roster")
	}
}
