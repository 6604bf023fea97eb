package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"mailcadence/models"
)

// GormStore implements Store on top of GORM/Postgres.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// ClaimDueEnrollments claims due rows with a single conditional update.
// SKIP LOCKED keeps overlapping scheduler invocations from blocking on or
// double-claiming the same rows.
func (s *GormStore) ClaimDueEnrollments(ctx context.Context, now time.Time, limit int) ([]models.Enrollment, error) {
	var claimed []models.Enrollment
	err := s.db.WithContext(ctx).Raw(`
        UPDATE enrollments SET status = ?, updated_at = ?
        WHERE id IN (
            SELECT id FROM enrollments
            WHERE status = ? AND next_send_at <= ? AND deleted_at IS NULL
            ORDER BY next_send_at
            LIMIT ?
            FOR UPDATE SKIP LOCKED
        )
        RETURNING *
    `, models.EnrollmentStatusDispatching, now, models.EnrollmentStatusActive, now, limit).
		Scan(&claimed).Error
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (s *GormStore) GetEnrollment(ctx context.Context, id uint) (*models.Enrollment, error) {
	var e models.Enrollment
	if err := s.db.WithContext(ctx).First(&e, id).Error; err != nil {
		return nil, translate(err)
	}
	return &e, nil
}

func (s *GormStore) ReleaseEnrollment(ctx context.Context, id uint, nextSendAt time.Time) error {
	return s.db.WithContext(ctx).Model(&models.Enrollment{}).
		Where("id = ? AND status = ?", id, models.EnrollmentStatusDispatching).
		Updates(map[string]interface{}{
			"status":       models.EnrollmentStatusActive,
			"next_send_at": nextSendAt,
		}).Error
}

func (s *GormStore) AdvanceEnrollment(ctx context.Context, id uint, stepIndex int, nextSendAt time.Time) error {
	return s.db.WithContext(ctx).Model(&models.Enrollment{}).
		Where("id = ? AND status = ?", id, models.EnrollmentStatusDispatching).
		Updates(map[string]interface{}{
			"status":       models.EnrollmentStatusActive,
			"step_index":   stepIndex,
			"next_send_at": nextSendAt,
			"retry_count":  0,
		}).Error
}

func (s *GormStore) CompleteEnrollment(ctx context.Context, id uint) error {
	return s.db.WithContext(ctx).Model(&models.Enrollment{}).
		Where("id = ? AND status = ?", id, models.EnrollmentStatusDispatching).
		Updates(map[string]interface{}{
			"status":       models.EnrollmentStatusCompleted,
			"next_send_at": nil,
		}).Error
}

func (s *GormStore) PauseEnrollment(ctx context.Context, id uint, fromStatus, reason string) (bool, error) {
	res := s.db.WithContext(ctx).Model(&models.Enrollment{}).
		Where("id = ? AND status = ?", id, fromStatus).
		Updates(map[string]interface{}{
			"status":       models.EnrollmentStatusPaused,
			"pause_reason": reason,
			"next_send_at": nil,
		})
	return res.RowsAffected > 0, res.Error
}

func (s *GormStore) ResumeEnrollment(ctx context.Context, id uint, nextSendAt time.Time) (bool, error) {
	res := s.db.WithContext(ctx).Model(&models.Enrollment{}).
		Where("id = ? AND status = ?", id, models.EnrollmentStatusPaused).
		Updates(map[string]interface{}{
			"status":       models.EnrollmentStatusActive,
			"pause_reason": nil,
			"next_send_at": nextSendAt,
			"retry_count":  0,
		})
	return res.RowsAffected > 0, res.Error
}

func (s *GormStore) BounceEnrollment(ctx context.Context, id uint) (bool, error) {
	res := s.db.WithContext(ctx).Model(&models.Enrollment{}).
		Where("id = ? AND status NOT IN ?", id,
			[]string{models.EnrollmentStatusBounced, models.EnrollmentStatusCompleted}).
		Updates(map[string]interface{}{
			"status":       models.EnrollmentStatusBounced,
			"next_send_at": nil,
		})
	return res.RowsAffected > 0, res.Error
}

func (s *GormStore) RetryEnrollmentStep(ctx context.Context, id uint, stepIndex int, nextSendAt time.Time) (bool, error) {
	res := s.db.WithContext(ctx).Model(&models.Enrollment{}).
		Where("id = ? AND status = ?", id, models.EnrollmentStatusActive).
		Updates(map[string]interface{}{
			"step_index":   stepIndex,
			"next_send_at": nextSendAt,
		})
	return res.RowsAffected > 0, res.Error
}

func (s *GormStore) IncrementEnrollmentRetry(ctx context.Context, id uint) (int, error) {
	var retries int
	err := s.db.WithContext(ctx).Raw(`
        UPDATE enrollments SET retry_count = retry_count + 1 WHERE id = ?
        RETURNING retry_count
    `, id).Scan(&retries).Error
	return retries, err
}

func (s *GormStore) CreateEnrollments(ctx context.Context, enrollments []models.Enrollment) (int, error) {
	if len(enrollments) == 0 {
		return 0, nil
	}
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&enrollments)
	return int(res.RowsAffected), res.Error
}

func (s *GormStore) ListCampaignEnrollments(ctx context.Context, campaignID uint, statuses ...string) ([]models.Enrollment, error) {
	var out []models.Enrollment
	q := s.db.WithContext(ctx).Where("campaign_id = ?", campaignID)
	if len(statuses) > 0 {
		q = q.Where("status IN ?", statuses)
	}
	return out, q.Find(&out).Error
}

func (s *GormStore) GetCampaign(ctx context.Context, id uint) (*models.Campaign, error) {
	var c models.Campaign
	if err := s.db.WithContext(ctx).First(&c, id).Error; err != nil {
		return nil, translate(err)
	}
	return &c, nil
}

func (s *GormStore) GetCampaignSteps(ctx context.Context, campaignID uint) ([]models.SequenceStep, error) {
	var steps []models.SequenceStep
	err := s.db.WithContext(ctx).
		Where("campaign_id = ?", campaignID).
		Order("step_index").
		Find(&steps).Error
	return steps, err
}

func (s *GormStore) UpdateCampaignStatus(ctx context.Context, id uint, from, to string) (bool, error) {
	res := s.db.WithContext(ctx).Model(&models.Campaign{}).
		Where("id = ? AND status = ?", id, from).
		Update("status", to)
	return res.RowsAffected > 0, res.Error
}

func (s *GormStore) IncrementCampaignCounter(ctx context.Context, id uint, column string, delta int) error {
	return s.db.WithContext(ctx).Model(&models.Campaign{}).
		Where("id = ?", id).
		Update(column, gorm.Expr(column+" + ?", delta)).Error
}

func (s *GormStore) GetTemplate(ctx context.Context, id uint) (*models.Template, error) {
	var t models.Template
	if err := s.db.WithContext(ctx).First(&t, id).Error; err != nil {
		return nil, translate(err)
	}
	return &t, nil
}

func (s *GormStore) GetProspects(ctx context.Context, ids []uint) ([]models.Prospect, error) {
	var out []models.Prospect
	return out, s.db.WithContext(ctx).Where("id IN ?", ids).Find(&out).Error
}

func (s *GormStore) GetSender(ctx context.Context, id uint) (*models.Sender, error) {
	var sender models.Sender
	if err := s.db.WithContext(ctx).Preload("Quota").First(&sender, id).Error; err != nil {
		return nil, translate(err)
	}
	return &sender, nil
}

func (s *GormStore) ListIMAPSenders(ctx context.Context) ([]models.Sender, error) {
	var senders []models.Sender
	err := s.db.WithContext(ctx).
		Where("is_active = ? AND imap_host IS NOT NULL AND imap_host != ''", true).
		Find(&senders).Error
	return senders, err
}

func (s *GormStore) SaveSenderTokens(ctx context.Context, senderID uint, accessToken, refreshToken string, expiry time.Time) error {
	updates := map[string]interface{}{
		"oauth_token":  accessToken,
		"oauth_expiry": expiry,
	}
	// Providers rotate refresh tokens only sometimes; keep the old one otherwise.
	if refreshToken != "" {
		updates["oauth_refresh_token"] = refreshToken
	}
	return s.db.WithContext(ctx).Model(&models.Sender{}).
		Where("id = ?", senderID).
		Updates(updates).Error
}

func (s *GormStore) DisableSender(ctx context.Context, senderID uint, reason string) error {
	return s.db.WithContext(ctx).Model(&models.Sender{}).
		Where("id = ?", senderID).
		Updates(map[string]interface{}{
			"is_active":  false,
			"last_error": reason,
		}).Error
}

func (s *GormStore) GetQuota(ctx context.Context, senderID uint) (*models.SenderQuota, error) {
	var q models.SenderQuota
	if err := s.db.WithContext(ctx).Where("sender_id = ?", senderID).First(&q).Error; err != nil {
		return nil, translate(err)
	}
	return &q, nil
}

func (s *GormStore) ReserveQuota(ctx context.Context, senderID uint) error {
	res := s.db.WithContext(ctx).Model(&models.SenderQuota{}).
		Where("sender_id = ? AND used_today < daily_limit", senderID).
		Update("used_today", gorm.Expr("used_today + ?", 1))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrQuotaExhausted
	}
	return nil
}

func (s *GormStore) ReleaseQuota(ctx context.Context, senderID uint) error {
	return s.db.WithContext(ctx).Model(&models.SenderQuota{}).
		Where("sender_id = ? AND used_today > 0", senderID).
		Update("used_today", gorm.Expr("used_today - ?", 1)).Error
}

func (s *GormStore) ResetQuotaIfDue(ctx context.Context, senderID uint, now time.Time) error {
	return s.db.WithContext(ctx).Model(&models.SenderQuota{}).
		Where("sender_id = ? AND reset_at <= ?", senderID, now).
		Updates(map[string]interface{}{
			"used_today": 0,
			"reset_at":   now.Truncate(24 * time.Hour).Add(24 * time.Hour),
		}).Error
}

func (s *GormStore) SetQuotaUsed(ctx context.Context, senderID uint, used int) error {
	return s.db.WithContext(ctx).Model(&models.SenderQuota{}).
		Where("sender_id = ?", senderID).
		Update("used_today", used).Error
}

// CreateSentEmail appends an attempt outcome. The duplicate check is a
// backstop: the scheduler's claim CAS already guarantees a single dispatcher
// per enrollment.
func (s *GormStore) CreateSentEmail(ctx context.Context, email *models.SentEmail) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if email.Status == models.SentEmailStatusSent {
			var count int64
			if err := tx.Model(&models.SentEmail{}).
				Where("enrollment_id = ? AND step_index = ? AND status = ?",
					email.EnrollmentID, email.StepIndex, models.SentEmailStatusSent).
				Count(&count).Error; err != nil {
				return err
			}
			if count > 0 {
				return ErrDuplicateSend
			}
		}
		return tx.Create(email).Error
	})
}

func (s *GormStore) HasSentEmail(ctx context.Context, enrollmentID uint, stepIndex int) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&models.SentEmail{}).
		Where("enrollment_id = ? AND step_index = ? AND status = ?",
			enrollmentID, stepIndex, models.SentEmailStatusSent).
		Count(&count).Error
	return count > 0, err
}

func (s *GormStore) GetSentEmail(ctx context.Context, id uint) (*models.SentEmail, error) {
	var e models.SentEmail
	if err := s.db.WithContext(ctx).First(&e, id).Error; err != nil {
		return nil, translate(err)
	}
	return &e, nil
}

func (s *GormStore) GetSentEmailByTrackingID(ctx context.Context, trackingID string) (*models.SentEmail, error) {
	var e models.SentEmail
	if err := s.db.WithContext(ctx).Where("tracking_id = ?", trackingID).First(&e).Error; err != nil {
		return nil, translate(err)
	}
	return &e, nil
}

func (s *GormStore) GetSentEmailByMessageID(ctx context.Context, messageID string) (*models.SentEmail, error) {
	var e models.SentEmail
	if err := s.db.WithContext(ctx).Where("message_id = ?", messageID).First(&e).Error; err != nil {
		return nil, translate(err)
	}
	return &e, nil
}

func (s *GormStore) MarkSentEmailBounced(ctx context.Context, id uint, code string, at time.Time) error {
	return s.db.WithContext(ctx).Model(&models.SentEmail{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":      models.SentEmailStatusBounced,
			"bounced_at":  at,
			"bounce_code": code,
		}).Error
}

func (s *GormStore) RecordEngagement(ctx context.Context, trackingID, event string, at time.Time) error {
	var column string
	switch event {
	case "open":
		column = "opened_at"
	case "click":
		column = "clicked_at"
	case "reply":
		column = "replied_at"
	default:
		return nil
	}
	// First event wins; later duplicates keep the original timestamp.
	return s.db.WithContext(ctx).Model(&models.SentEmail{}).
		Where("tracking_id = ? AND "+column+" IS NULL", trackingID).
		Update(column, at).Error
}

func (s *GormStore) GetBounceRules(ctx context.Context, userID uint) ([]models.BounceRule, error) {
	var rules []models.BounceRule
	err := s.db.WithContext(ctx).
		Where("user_id = ? OR user_id = 0", userID).
		Order("length(code_prefix) DESC").
		Find(&rules).Error
	return rules, err
}

func translate(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}
