package broadcast

import (
	"github.com/gofiber/fiber/v2"

	"github.com/zapmesh/wagateway/internal/message"
	typGateway "github.com/zapmesh/wagateway/internal/types"
	"github.com/zapmesh/wagateway/pkg/log"
	"github.com/zapmesh/wagateway/pkg/queue"
	"github.com/zapmesh/wagateway/pkg/router"
)

const maxDestinations = 5000

// Pool answers which instances can carry a broadcast right now.
type Pool interface {
	ListOnline() []string
}

type Controller struct {
	Runner *queue.Runner
	Pool   Pool
}

func NewController(r *queue.Runner, pool Pool) *Controller {
	return &Controller{Runner: r, Pool: pool}
}

// Enqueue accepts a broadcast and answers immediately with the job ID;
// delivery happens at the queue's pace.
func (ctl *Controller) Enqueue(c *fiber.Ctx) error {
	var req typGateway.RequestBroadcast
	if err := c.BodyParser(&req); err != nil {
		log.Print(c).Warn("Failed to parse body request")
		return router.ResponseBadRequest(c, "Failed to parse body request")
	}

	if len(req.Destinations) == 0 {
		return router.ResponseBadRequest(c, "destinations is required")
	}
	if len(req.Destinations) > maxDestinations {
		return router.ResponseBadRequest(c, "too many destinations in one job")
	}
	if req.Body == "" && req.ImageBase64 == "" {
		return router.ResponseBadRequest(c, "body or image_base64 is required")
	}

	online := ctl.Pool.ListOnline()
	if len(online) == 0 {
		return router.ResponseServiceUnavailable(c, "No session online")
	}
	if req.InstanceID != "" && !contains(online, req.InstanceID) {
		return router.ResponseServiceUnavailable(c, "Instance is not online: "+req.InstanceID)
	}

	queueReq := queue.Request{
		Destinations: req.Destinations,
		Body:         req.Body,
		InstanceHint: req.InstanceID,
	}

	if req.ImageBase64 != "" {
		media, err := message.DecodeImage(req.ImageBase64, req.ImageMime, req.Body)
		if err != nil {
			return router.ResponseBadRequest(c, err.Error())
		}
		queueReq.Media = media
	}

	jobID := ctl.Runner.Enqueue(queueReq)

	return router.ResponseSuccessWithData(c, "Broadcast queued", fiber.Map{
		"job_id": jobID,
		"total":  len(req.Destinations),
	})
}

func contains(ids []string, id string) bool {
	for _, candidate := range ids {
		if candidate == id {
			return true
		}
	}
	return false
}

func (ctl *Controller) Status(c *fiber.Ctx) error {
	jobID := c.Params("job_id")

	summary, ok := ctl.Runner.Status(jobID)
	if !ok {
		return router.ResponseNotFound(c, "Job not found: "+jobID)
	}

	return router.ResponseSuccessWithData(c, "Job status", summary)
}
