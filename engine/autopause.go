package engine

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"mailcadence/models"
	"mailcadence/store"
)

// AutoPause consumes asynchronous reply/bounce signals and mutates
// enrollment state ahead of the scheduler. Every transition is a
// compare-and-swap, so a signal landing while a send is in flight takes
// effect before the *next* scheduling decision: the in-flight send completes,
// but the scheduler's advance then loses the swap and the pause stands.
type AutoPause struct {
	store store.Store
	log   *logrus.Logger

	maxBounceRetries int
	now              func() time.Time
}

func NewAutoPause(st store.Store, log *logrus.Logger, maxBounceRetries int) *AutoPause {
	return &AutoPause{
		store:            st,
		log:              log,
		maxBounceRetries: maxBounceRetries,
		now:              time.Now,
	}
}

// HandleProspectReply pauses an active enrollment because the prospect wrote
// back. Idempotent: a paused or terminal enrollment is left untouched.
func (a *AutoPause) HandleProspectReply(ctx context.Context, enrollmentID uint) error {
	e, err := a.store.GetEnrollment(ctx, enrollmentID)
	if err != nil {
		return err
	}
	if e.IsTerminal() || e.Status == models.EnrollmentStatusPaused {
		return nil
	}

	paused, err := a.store.PauseEnrollment(ctx, enrollmentID,
		models.EnrollmentStatusActive, models.PauseReasonReplied)
	if err != nil {
		return err
	}
	if !paused {
		// A scheduler pass holds the claim; pausing from dispatching still
		// pre-empts the next dispatch, the in-flight send just completes.
		paused, err = a.store.PauseEnrollment(ctx, enrollmentID,
			models.EnrollmentStatusDispatching, models.PauseReasonReplied)
		if err != nil {
			return err
		}
	}

	if paused {
		a.log.WithField("enrollment_id", enrollmentID).Info("enrollment paused on reply")
		if err := a.store.IncrementCampaignCounter(ctx, e.CampaignID, "reply_count", 1); err != nil {
			a.log.WithError(err).Warn("failed to bump reply counter")
		}
	}
	return nil
}

// HandleBounce records a bounce against its sent email and applies the
// operator-configured hard/soft classification to the enrollment. Hard
// bounces are terminal; soft bounces re-queue the bounced step up to a bound.
func (a *AutoPause) HandleBounce(ctx context.Context, sentEmailID uint, bounceCode string) error {
	sent, err := a.store.GetSentEmail(ctx, sentEmailID)
	if err != nil {
		return err
	}

	now := a.now()
	if err := a.store.MarkSentEmailBounced(ctx, sentEmailID, bounceCode, now); err != nil {
		return err
	}

	e, err := a.store.GetEnrollment(ctx, sent.EnrollmentID)
	if err != nil {
		return err
	}
	if e.IsTerminal() {
		return nil
	}

	campaign, err := a.store.GetCampaign(ctx, e.CampaignID)
	if err != nil {
		return err
	}
	rules, err := a.store.GetBounceRules(ctx, campaign.UserID)
	if err != nil {
		return err
	}

	log := a.log.WithFields(logrus.Fields{
		"enrollment_id": e.ID,
		"sent_email_id": sentEmailID,
		"bounce_code":   bounceCode,
	})

	if ClassifyBounce(rules, bounceCode) == models.BounceClassHard {
		bounced, err := a.store.BounceEnrollment(ctx, e.ID)
		if err != nil {
			return err
		}
		if bounced {
			log.Warn("hard bounce, enrollment terminated")
			if err := a.store.IncrementCampaignCounter(ctx, e.CampaignID, "bounce_count", 1); err != nil {
				a.log.WithError(err).Warn("failed to bump bounce counter")
			}
		}
		return nil
	}

	// Soft bounce: retry the bounced step on the next pass, bounded.
	retries, err := a.store.IncrementEnrollmentRetry(ctx, e.ID)
	if err != nil {
		return err
	}
	if retries > a.maxBounceRetries {
		log.WithField("retries", retries).Warn("soft bounce retries exhausted, pausing enrollment")
		paused, err := a.store.PauseEnrollment(ctx, e.ID,
			models.EnrollmentStatusActive, models.PauseReasonBounceRetryExceeded)
		if err != nil {
			return err
		}
		if !paused {
			// The scheduler may hold the claim; pause from dispatching too.
			if _, err := a.store.PauseEnrollment(ctx, e.ID,
				models.EnrollmentStatusDispatching, models.PauseReasonBounceRetryExceeded); err != nil {
				return err
			}
		}
		return nil
	}

	next, err := CalculateNextSendTime(now, campaign.Window)
	if err != nil {
		return err
	}
	if _, err := a.store.RetryEnrollmentStep(ctx, e.ID, sent.StepIndex, next); err != nil {
		return err
	}
	log.WithField("retries", retries).Info("soft bounce, step re-queued")
	return nil
}

// PauseCampaign suspends the campaign and every live enrollment in it.
// In-flight sends complete; it is the next scheduling decision that is
// cancelled. Returns the number of enrollments paused.
func (a *AutoPause) PauseCampaign(ctx context.Context, campaignID uint) (int, error) {
	if _, err := a.store.UpdateCampaignStatus(ctx, campaignID,
		models.CampaignStatusActive, models.CampaignStatusPaused); err != nil {
		return 0, err
	}

	enrollments, err := a.store.ListCampaignEnrollments(ctx, campaignID,
		models.EnrollmentStatusActive, models.EnrollmentStatusDispatching)
	if err != nil {
		return 0, err
	}

	paused := 0
	for _, e := range enrollments {
		ok, err := a.store.PauseEnrollment(ctx, e.ID, e.Status, models.PauseReasonCampaignPaused)
		if err != nil {
			a.log.WithError(err).WithField("enrollment_id", e.ID).Error("failed to pause enrollment")
			continue
		}
		if ok {
			paused++
		}
	}
	a.log.WithFields(logrus.Fields{"campaign_id": campaignID, "paused": paused}).
		Info("campaign paused")
	return paused, nil
}

// ResumeCampaign reactivates a paused campaign. next_send_at is recomputed
// from now for every resumed enrollment, never the stale pre-pause value,
// which would burst overdue sends at resume time. Enrollments paused by a
// reply or bounce signal keep their pause; terminal enrollments stay
// terminal. Returns the number of enrollments resumed.
func (a *AutoPause) ResumeCampaign(ctx context.Context, campaignID uint) (int, error) {
	campaign, err := a.store.GetCampaign(ctx, campaignID)
	if err != nil {
		return 0, err
	}

	if _, err := a.store.UpdateCampaignStatus(ctx, campaignID,
		models.CampaignStatusPaused, models.CampaignStatusActive); err != nil {
		return 0, err
	}

	next, err := CalculateNextSendTime(a.now(), campaign.Window)
	if err != nil {
		return 0, err
	}

	enrollments, err := a.store.ListCampaignEnrollments(ctx, campaignID, models.EnrollmentStatusPaused)
	if err != nil {
		return 0, err
	}

	resumed := 0
	for _, e := range enrollments {
		if e.PauseReason == nil || *e.PauseReason != models.PauseReasonCampaignPaused {
			continue
		}
		ok, err := a.store.ResumeEnrollment(ctx, e.ID, next)
		if err != nil {
			a.log.WithError(err).WithField("enrollment_id", e.ID).Error("failed to resume enrollment")
			continue
		}
		if ok {
			resumed++
		}
	}
	a.log.WithFields(logrus.Fields{"campaign_id": campaignID, "resumed": resumed}).
		Info("campaign resumed")
	return resumed, nil
}
