package message

import (
	"encoding/base64"
	"errors"

	"github.com/gofiber/fiber/v2"

	typGateway "github.com/zapmesh/wagateway/internal/types"
	"github.com/zapmesh/wagateway/pkg/dispatch"
	"github.com/zapmesh/wagateway/pkg/log"
	"github.com/zapmesh/wagateway/pkg/router"
	"github.com/zapmesh/wagateway/pkg/whatsapp"
)

type Controller struct {
	Dispatcher *dispatch.Dispatcher
}

func NewController(d *dispatch.Dispatcher) *Controller {
	return &Controller{Dispatcher: d}
}

// Send dispatches one message. The response distinguishes a delivered
// send from a duplicate suppressed inside the dedup window.
func (ctl *Controller) Send(c *fiber.Ctx) error {
	var req typGateway.RequestSend
	if err := c.BodyParser(&req); err != nil {
		log.Print(c).Warn("Failed to parse body request")
		return router.ResponseBadRequest(c, "Failed to parse body request")
	}

	if req.Destination == "" {
		return router.ResponseBadRequest(c, "destination is required")
	}
	if req.Body == "" && req.ImageBase64 == "" {
		return router.ResponseBadRequest(c, "body or image_base64 is required")
	}

	dispatchReq := dispatch.Request{
		Destination:  req.Destination,
		Body:         req.Body,
		InstanceHint: req.InstanceID,
	}

	if req.ImageBase64 != "" {
		media, err := DecodeImage(req.ImageBase64, req.ImageMime, req.Body)
		if err != nil {
			return router.ResponseBadRequest(c, err.Error())
		}
		dispatchReq.Media = media
	}

	res, err := ctl.Dispatcher.Send(c.UserContext(), dispatchReq)
	if err != nil {
		switch {
		case errors.Is(err, dispatch.ErrInvalidDestination):
			return router.ResponseBadRequest(c, err.Error())
		case errors.Is(err, dispatch.ErrNoSessionAvailable):
			return router.ResponseServiceUnavailable(c, err.Error())
		default:
			log.Dispatch(req.InstanceID, req.Destination).WithError(err).Error("Send failed")
			return router.ResponseInternalError(c, err.Error())
		}
	}

	if res.Outcome == dispatch.OutcomeDuplicate {
		return router.ResponseSuccessWithData(c, "Duplicate suppressed", fiber.Map{
			"outcome":     res.Outcome,
			"destination": res.Destination,
		})
	}

	return router.ResponseSuccessWithData(c, "Message sent", fiber.Map{
		"outcome":     res.Outcome,
		"instance_id": res.InstanceID,
		"message_id":  res.MessageID,
		"destination": res.Destination,
	})
}

// DecodeImage turns the base64 request field into transport media. Shared
// with the broadcast controller.
func DecodeImage(imageBase64 string, mime string, caption string) (*whatsapp.Media, error) {
	data, err := base64.StdEncoding.DecodeString(imageBase64)
	if err != nil {
		return nil, errors.New("image_base64 is not valid base64")
	}
	if len(data) == 0 {
		return nil, errors.New("image_base64 is empty")
	}
	if mime == "" {
		mime = "image/jpeg"
	}
	return &whatsapp.Media{Data: data, Mime: mime, Caption: caption}, nil
}
