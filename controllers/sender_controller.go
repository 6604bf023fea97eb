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

type SenderController struct {
	DB       *gorm.DB
	Logger   *logrus.Logger
	Guard    *engine.QuotaGuard
	Registry engine.AdapterRegistry
}

func NewSenderController(db *gorm.DB, logger *logrus.Logger,
	guard *engine.QuotaGuard, registry engine.AdapterRegistry) *SenderController {
	return &SenderController{
		DB:       db,
		Logger:   logger,
		Guard:    guard,
		Registry: registry,
	}
}

type createSenderInput struct {
	Name         string `json:"name" validate:"required,min=1,max=200"`
	FromEmail    string `json:"from_email" validate:"required,email"`
	FromName     string `json:"from_name" validate:"required,min=1,max=200"`
	ProviderType string `json:"provider_type" validate:"required,oneof=smtp gmail outlook"`

	SMTPHost     string `json:"smtp_host" validate:"required"`
	SMTPPort     int    `json:"smtp_port" validate:"required,min=1,max=65535"`
	SMTPUsername string `json:"smtp_username" validate:"required"`
	SMTPPassword string `json:"smtp_password" validate:"required_if=ProviderType smtp"`

	// OAuth tokens come from the provider consent flow handled upstream.
	OAuthAccessToken  string    `json:"oauth_access_token" validate:"required_unless=ProviderType smtp"`
	OAuthRefreshToken string    `json:"oauth_refresh_token"`
	OAuthExpiry       time.Time `json:"oauth_expiry"`

	IMAPHost     string `json:"imap_host"`
	IMAPPort     int    `json:"imap_port"`
	IMAPUsername string `json:"imap_username"`
	IMAPPassword string `json:"imap_password"`
	IMAPMailbox  string `json:"imap_mailbox"`

	DailyLimit int `json:"daily_limit" validate:"min=0,max=10000"`
}

// CreateSender registers a sending account. Credentials are encrypted before
// they touch the database, and the account gets its daily quota row up front.
func (sc *SenderController) CreateSender(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	var input createSenderInput
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

	smtpPassword, err := utils.Encrypt(input.SMTPPassword)
	if err != nil {
		sc.Logger.WithError(err).Error("failed to encrypt SMTP password")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to secure credentials",
		})
	}
	oauthToken, err := utils.Encrypt(input.OAuthAccessToken)
	if err != nil {
		sc.Logger.WithError(err).Error("failed to encrypt OAuth access token")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to secure credentials",
		})
	}
	oauthRefresh, err := utils.Encrypt(input.OAuthRefreshToken)
	if err != nil {
		sc.Logger.WithError(err).Error("failed to encrypt OAuth refresh token")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to secure credentials",
		})
	}
	var imapPassword string
	if input.IMAPPassword != "" {
		imapPassword, err = utils.Encrypt(input.IMAPPassword)
		if err != nil {
			sc.Logger.WithError(err).Error("failed to encrypt IMAP password")
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "Failed to secure credentials",
			})
		}
	}

	dailyLimit := input.DailyLimit
	if dailyLimit == 0 {
		dailyLimit = 500
	}

	sender := models.Sender{
		UserID:       user.ID,
		Name:         input.Name,
		FromEmail:    input.FromEmail,
		FromName:     input.FromName,
		ProviderType: input.ProviderType,
		SMTPHost:     input.SMTPHost,
		SMTPPort:     input.SMTPPort,
		SMTPUsername: input.SMTPUsername,
		SMTPPassword: smtpPassword,
		IMAPHost:     input.IMAPHost,
		IMAPPort:     input.IMAPPort,
		IMAPUsername: input.IMAPUsername,
		IMAPPassword: imapPassword,
		IMAPMailbox:  input.IMAPMailbox,
		IsActive:     true,
	}
	switch input.ProviderType {
	case "gmail":
		sender.OAuthProvider = "google"
	case "outlook":
		sender.OAuthProvider = "microsoft"
	}
	if sender.OAuthProvider != "" {
		sender.OAuthToken = oauthToken
		sender.OAuthRefreshToken = oauthRefresh
		sender.OAuthExpiry = input.OAuthExpiry
	}

	err = sc.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&sender).Error; err != nil {
			return err
		}
		quota := models.SenderQuota{
			SenderID:   sender.ID,
			DailyLimit: dailyLimit,
			ResetAt:    time.Now().UTC().Truncate(24 * time.Hour).Add(24 * time.Hour),
		}
		return tx.Create(&quota).Error
	})
	if err != nil {
		sc.Logger.WithError(err).Error("failed to create sender")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to create sender",
		})
	}

	sender.Sanitize()
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"message": "Sender created successfully",
		"sender":  sender,
	})
}

// GetSenders returns the user's sending accounts with secrets stripped.
func (sc *SenderController) GetSenders(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	var senders []models.Sender
	if err := sc.DB.Preload("Quota").Where("user_id = ?", user.ID).Find(&senders).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to fetch senders",
		})
	}
	for i := range senders {
		senders[i].Sanitize()
	}
	return c.JSON(senders)
}

// GetQuota reports the account's remaining daily budget. With ?reconcile=true
// the local counter is first checked against the provider's own number, which
// is authoritative.
func (sc *SenderController) GetQuota(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)
	senderID := c.Params("id")

	var sender models.Sender
	err := sc.DB.Where("id = ? AND user_id = ?", senderID, user.ID).First(&sender).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Sender not found",
		})
	}
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to fetch sender",
		})
	}

	if c.Query("reconcile") == "true" && sender.IsActive {
		adapter, err := sc.Registry.ForSender(c.Context(), &sender)
		if err != nil {
			sc.Logger.WithError(err).WithField("sender_id", sender.ID).
				Warn("quota reconcile skipped, adapter unavailable")
		} else if err := sc.Guard.Reconcile(c.Context(), sender.ID, adapter); err != nil {
			sc.Logger.WithError(err).WithField("sender_id", sender.ID).
				Warn("quota reconcile failed")
		}
	}

	quota, err := sc.Guard.Status(c.Context(), sender.ID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to fetch quota",
		})
	}

	return c.JSON(fiber.Map{
		"sender_id":   quota.SenderID,
		"daily_limit": quota.DailyLimit,
		"used_today":  quota.UsedToday,
		"remaining":   quota.Remaining(),
		"reset_at":    quota.ResetAt,
	})
}
