package controller

import (
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"mailcadence/engine"
	"mailcadence/store"
)

type EventController struct {
	Store     store.Store
	Logger    *logrus.Logger
	AutoPause *engine.AutoPause
}

func NewEventController(st store.Store, logger *logrus.Logger, autopause *engine.AutoPause) *EventController {
	return &EventController{
		Store:     st,
		Logger:    logger,
		AutoPause: autopause,
	}
}

type emailEventInput struct {
	EventType  string `json:"event_type"` // open, click, reply, bounce
	TrackingID string `json:"tracking_id"`
	BounceCode string `json:"bounce_code"`
	Timestamp  int64  `json:"timestamp"`
}

// HandleEmailEvent ingests provider webhook events. Unknown tracking ids are
// acknowledged without effect so providers do not retry forever.
func (ec *EventController) HandleEmailEvent(c *fiber.Ctx) error {
	var input emailEventInput
	if err := c.BodyParser(&input); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if input.TrackingID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "tracking_id is required",
		})
	}

	at := time.Now()
	if input.Timestamp > 0 {
		at = time.Unix(input.Timestamp, 0)
	}

	switch input.EventType {
	case "open", "click":
		if err := ec.Store.RecordEngagement(c.Context(), input.TrackingID, input.EventType, at); err != nil {
			ec.Logger.WithError(err).Warn("failed to record engagement")
		}

	case "reply":
		sent, err := ec.Store.GetSentEmailByTrackingID(c.Context(), input.TrackingID)
		if errors.Is(err, store.ErrNotFound) {
			break
		}
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "Failed to resolve tracking id",
			})
		}
		if err := ec.Store.RecordEngagement(c.Context(), input.TrackingID, "reply", at); err != nil {
			ec.Logger.WithError(err).Warn("failed to record reply engagement")
		}
		if err := ec.AutoPause.HandleProspectReply(c.Context(), sent.EnrollmentID); err != nil {
			ec.Logger.WithError(err).WithField("enrollment_id", sent.EnrollmentID).
				Error("failed to pause enrollment on reply")
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "Failed to process reply",
			})
		}

	case "bounce":
		sent, err := ec.Store.GetSentEmailByTrackingID(c.Context(), input.TrackingID)
		if errors.Is(err, store.ErrNotFound) {
			break
		}
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "Failed to resolve tracking id",
			})
		}
		if err := ec.AutoPause.HandleBounce(c.Context(), sent.ID, input.BounceCode); err != nil {
			ec.Logger.WithError(err).WithField("sent_email_id", sent.ID).
				Error("failed to process bounce")
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "Failed to process bounce",
			})
		}

	default:
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Unknown event type",
		})
	}

	return c.JSON(fiber.Map{
		"message": "Event processed successfully",
	})
}

// HandleOpenTracking serves the open-tracking pixel.
func (ec *EventController) HandleOpenTracking(c *fiber.Ctx) error {
	trackingID := c.Params("trackingID")

	if err := ec.Store.RecordEngagement(c.Context(), trackingID, "open", time.Now()); err != nil {
		ec.Logger.WithError(err).Warn("failed to record open")
	}

	// Return transparent pixel
	return c.Type("gif").Send(transparentPixel())
}

// HandleClickTracking records the click and forwards to the original URL.
func (ec *EventController) HandleClickTracking(c *fiber.Ctx) error {
	trackingID := c.Params("trackingID")
	originalURL := c.Query("url")

	if !strings.HasPrefix(originalURL, "http://") && !strings.HasPrefix(originalURL, "https://") {
		return c.Status(fiber.StatusBadRequest).SendString("Invalid redirect URL")
	}

	if err := ec.Store.RecordEngagement(c.Context(), trackingID, "click", time.Now()); err != nil {
		ec.Logger.WithError(err).Warn("failed to record click")
	}

	return c.Redirect(originalURL, fiber.StatusFound)
}

func transparentPixel() []byte {
	// 1x1 transparent GIF
	return []byte{
		0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00,
		0x80, 0x00, 0x00, 0xff, 0xff, 0xff, 0x00, 0x00, 0x00, 0x21,
		0xf9, 0x04, 0x01, 0x00, 0x00, 0x00, 0x00, 0x2c, 0x00, 0x00,
		0x00, 0x00, 0x01, 0x00, 0x01, 0x00, 0x00, 0x02, 0x02, 0x44,
		0x01, 0x00, 0x3b,
	}
}
