package controller

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"mailcadence/engine"
	"mailcadence/models"
	"mailcadence/utils"
)

type CampaignController struct {
	DB        *gorm.DB
	Logger    *logrus.Logger
	Scheduler *engine.Scheduler
	AutoPause *engine.AutoPause
}

func NewCampaignController(db *gorm.DB, logger *logrus.Logger,
	scheduler *engine.Scheduler, autopause *engine.AutoPause) *CampaignController {
	return &CampaignController{
		DB:        db,
		Logger:    logger,
		Scheduler: scheduler,
		AutoPause: autopause,
	}
}

type createCampaignInput struct {
	Name        string               `json:"name" validate:"required,min=1,max=200"`
	Description string               `json:"description" validate:"max=2000"`
	SenderID    uint                 `json:"sender_id" validate:"required"`
	Window      models.SendingWindow `json:"window" validate:"required"`
}

// CreateCampaign creates a draft campaign bound to one sending account.
func (cc *CampaignController) CreateCampaign(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	var input createCampaignInput
	if err := c.BodyParser(&input); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if err := utils.ValidateStruct(input); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}
	if _, err := engine.CalculateNextSendTime(time.Now(), input.Window); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid sending window: " + err.Error(),
		})
	}

	var sender models.Sender
	if err := cc.DB.Where("id = ? AND user_id = ?", input.SenderID, user.ID).First(&sender).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Sender not found",
		})
	}

	campaign := models.Campaign{
		UserID:      user.ID,
		SenderID:    input.SenderID,
		Name:        input.Name,
		Description: input.Description,
		Status:      models.CampaignStatusDraft,
		Window:      input.Window,
	}
	if err := cc.DB.Create(&campaign).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to create campaign",
		})
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"message":  "Campaign created successfully",
		"campaign": campaign,
	})
}

// GetCampaigns returns all campaigns for the user
func (cc *CampaignController) GetCampaigns(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	var campaigns []models.Campaign
	if err := cc.DB.Where("user_id = ?", user.ID).Find(&campaigns).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to fetch campaigns",
		})
	}
	return c.JSON(campaigns)
}

// GetCampaign returns a single campaign with its sequence steps
func (cc *CampaignController) GetCampaign(c *fiber.Ctx) error {
	campaign, err := cc.ownedCampaign(c)
	if err != nil {
		return err
	}
	if err := cc.DB.
		Where("campaign_id = ?", campaign.ID).
		Order("step_index").
		Find(&campaign.Steps).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to fetch campaign steps",
		})
	}
	return c.JSON(campaign)
}

type addStepInput struct {
	TemplateID uint `json:"template_id" validate:"required"`
	DelayDays  int  `json:"delay_days" validate:"min=0,max=365"`
}

// AddStep appends a sequence step. Steps are append-only once the campaign is
// active, so the step index of any in-flight enrollment stays valid.
func (cc *CampaignController) AddStep(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)
	campaign, err := cc.ownedCampaign(c)
	if err != nil {
		return err
	}
	if campaign.Status == models.CampaignStatusCompleted || campaign.Status == models.CampaignStatusArchived {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error": "Campaign is " + campaign.Status + " and cannot be modified",
		})
	}

	var input addStepInput
	if err := c.BodyParser(&input); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if err := utils.ValidateStruct(input); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	var template models.Template
	if err := cc.DB.Where("id = ? AND user_id = ?", input.TemplateID, user.ID).First(&template).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Template not found",
		})
	}

	var count int64
	if err := cc.DB.Model(&models.SequenceStep{}).
		Where("campaign_id = ?", campaign.ID).
		Count(&count).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to count steps",
		})
	}

	step := models.SequenceStep{
		CampaignID: campaign.ID,
		TemplateID: input.TemplateID,
		StepIndex:  int(count),
		DelayDays:  input.DelayDays,
	}
	if err := cc.DB.Create(&step).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to create step",
		})
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"message": "Step added successfully",
		"step":    step,
	})
}

// ActivateCampaign transitions draft to active. Requires at least one step.
func (cc *CampaignController) ActivateCampaign(c *fiber.Ctx) error {
	campaign, err := cc.ownedCampaign(c)
	if err != nil {
		return err
	}

	var count int64
	if err := cc.DB.Model(&models.SequenceStep{}).
		Where("campaign_id = ?", campaign.ID).
		Count(&count).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to count steps",
		})
	}
	if count == 0 {
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{
			"error": "Campaign has no sequence steps",
		})
	}

	res := cc.DB.Model(&models.Campaign{}).
		Where("id = ? AND status = ?", campaign.ID, models.CampaignStatusDraft).
		Updates(map[string]interface{}{
			"status":       models.CampaignStatusActive,
			"activated_at": time.Now(),
		})
	if res.Error != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to activate campaign",
		})
	}
	if res.RowsAffected == 0 {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error": "Campaign is not in draft status",
		})
	}

	return c.JSON(fiber.Map{
		"message": "Campaign activated successfully",
	})
}

type enrollInput struct {
	ProspectIDs []uint `json:"prospect_ids" validate:"required,min=1,max=10000"`
}

// EnrollProspects enrolls the given prospects into the campaign sequence.
// Prospects already enrolled are silently skipped.
func (cc *CampaignController) EnrollProspects(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)
	campaign, err := cc.ownedCampaign(c)
	if err != nil {
		return err
	}

	var input enrollInput
	if err := c.BodyParser(&input); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if err := utils.ValidateStruct(input); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	// Reject prospect ids belonging to another tenant.
	var owned int64
	if err := cc.DB.Model(&models.Prospect{}).
		Where("id IN ? AND user_id = ?", input.ProspectIDs, user.ID).
		Count(&owned).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to verify prospects",
		})
	}
	if owned != int64(len(input.ProspectIDs)) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "One or more prospects not found",
		})
	}

	enrolled, err := cc.Scheduler.EnrollProspectsInCampaign(c.Context(), campaign.ID, input.ProspectIDs)
	if err != nil {
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	return c.JSON(fiber.Map{
		"message":  "Prospects enrolled successfully",
		"enrolled": enrolled,
		"skipped":  len(input.ProspectIDs) - enrolled,
	})
}

// PauseCampaign suspends the campaign and all of its live enrollments.
func (cc *CampaignController) PauseCampaign(c *fiber.Ctx) error {
	campaign, err := cc.ownedCampaign(c)
	if err != nil {
		return err
	}

	paused, err := cc.AutoPause.PauseCampaign(c.Context(), campaign.ID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to pause campaign",
		})
	}

	return c.JSON(fiber.Map{
		"message": "Campaign paused successfully",
		"paused":  paused,
	})
}

// ResumeCampaign reactivates a paused campaign and its campaign-paused
// enrollments with freshly computed send times.
func (cc *CampaignController) ResumeCampaign(c *fiber.Ctx) error {
	campaign, err := cc.ownedCampaign(c)
	if err != nil {
		return err
	}
	if campaign.Status != models.CampaignStatusPaused {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error": "Campaign is not paused",
		})
	}

	resumed, err := cc.AutoPause.ResumeCampaign(c.Context(), campaign.ID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to resume campaign",
		})
	}

	return c.JSON(fiber.Map{
		"message": "Campaign resumed successfully",
		"resumed": resumed,
	})
}

// ownedCampaign loads the campaign in the id param, enforcing tenant
// ownership.
func (cc *CampaignController) ownedCampaign(c *fiber.Ctx) (*models.Campaign, error) {
	user := c.Locals("user").(*models.User)
	campaignID := c.Params("id")

	var campaign models.Campaign
	err := cc.DB.Where("id = ? AND user_id = ?", campaignID, user.ID).First(&campaign).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fiber.NewError(fiber.StatusNotFound, "Campaign not found")
	}
	if err != nil {
		return nil, fiber.NewError(fiber.StatusInternalServerError, "Failed to fetch campaign")
	}
	return &campaign, nil
}
