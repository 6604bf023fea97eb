package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/badoux/checkmail"
	"github.com/sirupsen/logrus"

	"mailcadence/mailer"
	"mailcadence/models"
	"mailcadence/store"
	"mailcadence/utils"
)

// AdapterRegistry resolves the provider adapter for a sending account.
type AdapterRegistry interface {
	ForSender(ctx context.Context, sender *models.Sender) (mailer.Adapter, error)
	Evict(senderID uint)
}

// SendParams describes one send: the claimed enrollment, its account, and
// the fully rendered message for the current step.
type SendParams struct {
	Enrollment *models.Enrollment
	Sender     *models.Sender
	StepIndex  int
	To         string
	Subject    string
	HTMLBody   string
	TextBody   string
}

// BatchItemError pairs a failed batch item with its error.
type BatchItemError struct {
	Params SendParams
	Err    error
}

// BatchResult summarizes a SendBatch pass.
type BatchResult struct {
	Sent    []*models.SentEmail
	Failed  []BatchItemError
	Skipped int
}

// EmailSender orchestrates one send: adapter resolution, quota reservation,
// tracking id, provider call, outcome classification, persistence.
type EmailSender struct {
	store    store.Store
	adapters AdapterRegistry
	guard    *QuotaGuard
	log      *logrus.Logger

	sendDelay time.Duration // inter-send pacing inside a batch
	timeout   time.Duration // per provider call
	trackURL  string
	now       func() time.Time
}

func NewEmailSender(st store.Store, adapters AdapterRegistry, guard *QuotaGuard,
	log *logrus.Logger, sendDelay, timeout time.Duration, trackURL string) *EmailSender {
	return &EmailSender{
		store:     st,
		adapters:  adapters,
		guard:     guard,
		log:       log,
		sendDelay: sendDelay,
		timeout:   timeout,
		trackURL:  trackURL,
		now:       time.Now,
	}
}

// SendEmail performs one attempt. Quota exhaustion returns ErrQuotaExceeded
// before the provider is contacted. Failures come back as *SendFailure; a
// SentEmail row is persisted only for the terminal outcomes (sent, failed),
// so a transient error leaves no row and the next pass retries cleanly.
func (es *EmailSender) SendEmail(ctx context.Context, p SendParams) (*models.SentEmail, error) {
	trackingID := utils.NewTrackingID(p.Enrollment.ID, p.StepIndex)

	if err := checkmail.ValidateFormat(p.To); err != nil {
		failure := &SendFailure{Kind: FailureBadRecipient, Err: fmt.Errorf("recipient %q: %w", p.To, err)}
		es.persistOutcome(ctx, p, trackingID, "", models.SentEmailStatusFailed, failure.Error())
		return nil, failure
	}

	adapter, err := es.adapters.ForSender(ctx, p.Sender)
	if err != nil {
		return nil, es.handleAccountError(ctx, p.Sender, err)
	}

	if err := es.guard.Reserve(ctx, p.Sender.ID); err != nil {
		return nil, err
	}

	html := utils.InjectTracking(p.HTMLBody, es.trackURL, trackingID)

	callCtx, cancel := context.WithTimeout(ctx, es.timeout)
	defer cancel()

	messageID, err := adapter.SendEmail(callCtx, mailer.OutgoingEmail{
		To:         p.To,
		Subject:    p.Subject,
		HTMLBody:   html,
		TextBody:   p.TextBody,
		TrackingID: trackingID,
	})
	if err != nil {
		// The reservation is returned on every failure path; the attempt did
		// not consume a delivered send.
		if relErr := es.guard.Release(ctx, p.Sender.ID); relErr != nil {
			es.log.WithError(relErr).WithField("sender_id", p.Sender.ID).
				Error("failed to release quota reservation")
		}

		failure := ClassifySendError(err)
		switch failure.Kind {
		case FailureAuth:
			return nil, es.handleAccountError(ctx, p.Sender, err)
		case FailurePermanent, FailureBadRecipient:
			es.persistOutcome(ctx, p, trackingID, "", models.SentEmailStatusFailed, failure.Error())
		}
		return nil, failure
	}

	sent := es.persistOutcome(ctx, p, trackingID, messageID, models.SentEmailStatusSent, "")
	if sent == nil {
		return nil, fmt.Errorf("send succeeded but outcome row was not persisted")
	}

	if err := es.store.IncrementCampaignCounter(ctx, p.Enrollment.CampaignID, "sent_count", 1); err != nil {
		es.log.WithError(err).WithField("campaign_id", p.Enrollment.CampaignID).
			Warn("failed to bump campaign sent counter")
	}
	return sent, nil
}

// SendBatch iterates with inter-send pacing, isolating per-item failures.
// Once quota runs out mid-batch, the remaining items are skipped, not failed.
func (es *EmailSender) SendBatch(ctx context.Context, items []SendParams) *BatchResult {
	result := &BatchResult{}

	for i, item := range items {
		if i > 0 {
			select {
			case <-time.After(es.sendDelay):
			case <-ctx.Done():
				result.Skipped = len(items) - i
				return result
			}
		}

		sent, err := es.SendEmail(ctx, item)
		if err != nil {
			if IsQuotaExceeded(err) {
				result.Skipped = len(items) - i
				return result
			}
			result.Failed = append(result.Failed, BatchItemError{Params: item, Err: err})
			continue
		}
		result.Sent = append(result.Sent, sent)
	}
	return result
}

// handleAccountError disables the account on auth failure so every one of
// its enrollments is skipped until reauthentication.
func (es *EmailSender) handleAccountError(ctx context.Context, sender *models.Sender, err error) error {
	failure := ClassifySendError(err)
	if failure.Kind == FailureAuth {
		es.log.WithError(err).WithField("sender_id", sender.ID).
			Error("provider authentication failed, disabling account")
		if dbErr := es.store.DisableSender(ctx, sender.ID, failure.Error()); dbErr != nil {
			es.log.WithError(dbErr).WithField("sender_id", sender.ID).
				Error("failed to disable sender")
		}
		es.adapters.Evict(sender.ID)
	}
	return failure
}

func (es *EmailSender) persistOutcome(ctx context.Context, p SendParams,
	trackingID, messageID, status, failReason string) *models.SentEmail {
	row := &models.SentEmail{
		EnrollmentID: p.Enrollment.ID,
		CampaignID:   p.Enrollment.CampaignID,
		SenderID:     p.Sender.ID,
		StepIndex:    p.StepIndex,
		TrackingID:   trackingID,
		MessageID:    messageID,
		Recipient:    p.To,
		Subject:      p.Subject,
		Status:       status,
		FailReason:   failReason,
	}
	if status == models.SentEmailStatusSent {
		row.SentAt = utils.Pointer(es.now())
	}

	if err := es.store.CreateSentEmail(ctx, row); err != nil {
		if errors.Is(err, store.ErrDuplicateSend) {
			es.log.WithFields(logrus.Fields{
				"enrollment_id": p.Enrollment.ID,
				"step_index":    p.StepIndex,
			}).Error("duplicate sent row blocked")
		} else {
			es.log.WithError(err).Error("failed to persist send outcome")
		}
		return nil
	}
	return row
}
