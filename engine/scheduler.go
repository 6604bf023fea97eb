package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"mailcadence/models"
	"mailcadence/store"
	"mailcadence/utils"
)

// RunSummary aggregates one scheduler pass.
type RunSummary struct {
	Processed int `json:"processed"`
	Sent      int `json:"sent"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

type outcome int

const (
	outcomeSent outcome = iota
	outcomeFailed
	outcomeSkipped
)

// Scheduler is the control loop. It owns no timer: an external trigger
// (orchestrator or clock service) invokes ProcessScheduledSends on its own
// interval, and overlapping invocations are safe because the claim step is
// the sole mutual-exclusion mechanism, at enrollment granularity.
type Scheduler struct {
	store  store.Store
	sender *EmailSender
	log    *logrus.Logger

	batchSize      int
	maxStepRetries int
	retryBackoff   time.Duration
	now            func() time.Time
}

func NewScheduler(st store.Store, sender *EmailSender, log *logrus.Logger,
	batchSize, maxStepRetries int, retryBackoff time.Duration) *Scheduler {
	return &Scheduler{
		store:          st,
		sender:         sender,
		log:            log,
		batchSize:      batchSize,
		maxStepRetries: maxStepRetries,
		retryBackoff:   retryBackoff,
		now:            time.Now,
	}
}

type campaignState struct {
	campaign *models.Campaign
	steps    []models.SequenceStep
}

// ProcessScheduledSends claims due enrollments and dispatches them. One
// enrollment's error never aborts the pass over the rest; only storage
// unavailability at claim time is fatal.
func (s *Scheduler) ProcessScheduledSends(ctx context.Context) (*RunSummary, error) {
	now := s.now()

	claimed, err := s.store.ClaimDueEnrollments(ctx, now, s.batchSize)
	if err != nil {
		return nil, fmt.Errorf("claim due enrollments: %w", err)
	}

	summary := &RunSummary{Processed: len(claimed)}
	cache := make(map[uint]*campaignState)

	for i := range claimed {
		switch s.processEnrollment(ctx, &claimed[i], cache, now) {
		case outcomeSent:
			summary.Sent++
		case outcomeFailed:
			summary.Failed++
		case outcomeSkipped:
			summary.Skipped++
		}
	}

	s.log.WithFields(logrus.Fields{
		"processed": summary.Processed,
		"sent":      summary.Sent,
		"failed":    summary.Failed,
		"skipped":   summary.Skipped,
	}).Info("scheduler pass finished")
	return summary, nil
}

func (s *Scheduler) processEnrollment(ctx context.Context, claimed *models.Enrollment,
	cache map[uint]*campaignState, now time.Time) outcome {
	log := s.log.WithField("enrollment_id", claimed.ID)

	// Re-read after claiming: a concurrent auto-pause that won the race has
	// already moved the row out of dispatching, and its verdict stands.
	e, err := s.store.GetEnrollment(ctx, claimed.ID)
	if err != nil {
		log.WithError(err).Error("failed to re-read claimed enrollment")
		return outcomeFailed
	}
	if e.Status != models.EnrollmentStatusDispatching {
		log.WithField("status", e.Status).Info("enrollment pre-empted after claim, skipping")
		return outcomeSkipped
	}

	state, err := s.campaignState(ctx, e.CampaignID, cache)
	if err != nil {
		log.WithError(err).Error("failed to load campaign")
		s.release(ctx, e, claimed.NextSendAt, now)
		return outcomeFailed
	}
	if state.campaign.Status != models.CampaignStatusActive {
		if _, err := s.store.PauseEnrollment(ctx, e.ID, models.EnrollmentStatusDispatching,
			models.PauseReasonCampaignPaused); err != nil {
			log.WithError(err).Error("failed to pause enrollment of inactive campaign")
		}
		return outcomeSkipped
	}

	ok, next, err := IsWithinSendingWindow(now, state.campaign.Window)
	if err != nil {
		log.WithError(err).Error("sending window misconfigured")
		s.pause(ctx, e, models.PauseReasonBadWindow)
		return outcomeFailed
	}
	if !ok {
		s.release(ctx, e, &next, now)
		return outcomeSkipped
	}

	if e.StepIndex >= len(state.steps) {
		// Sequence already exhausted; close out without sending.
		if err := s.store.CompleteEnrollment(ctx, e.ID); err != nil {
			log.WithError(err).Error("failed to complete exhausted enrollment")
		}
		return outcomeSkipped
	}
	step := state.steps[e.StepIndex]

	// No-duplicate-send guard for a pass that advanced the send but crashed
	// before advancing the enrollment.
	if sent, err := s.store.HasSentEmail(ctx, e.ID, e.StepIndex); err == nil && sent {
		log.WithField("step_index", e.StepIndex).Warn("step already sent, advancing without send")
		s.advanceOrComplete(ctx, e, state, now)
		return outcomeSkipped
	}

	sender, err := s.store.GetSender(ctx, state.campaign.SenderID)
	if err != nil {
		log.WithError(err).Error("failed to load sender account")
		s.release(ctx, e, claimed.NextSendAt, now)
		return outcomeFailed
	}
	if !sender.IsActive {
		// Account unusable until reauthenticated; leave the enrollment as it was.
		s.release(ctx, e, claimed.NextSendAt, now)
		return outcomeSkipped
	}

	params, err := s.buildSendParams(ctx, e, sender, step)
	if err != nil {
		log.WithError(err).Error("failed to assemble message")
		s.release(ctx, e, claimed.NextSendAt, now)
		return outcomeFailed
	}

	if _, err := s.sender.SendEmail(ctx, *params); err != nil {
		return s.handleSendError(ctx, e, state, sender.ID, err, now)
	}

	s.advanceOrComplete(ctx, e, state, now)
	return outcomeSent
}

func (s *Scheduler) handleSendError(ctx context.Context, e *models.Enrollment,
	state *campaignState, senderID uint, err error, now time.Time) outcome {
	log := s.log.WithError(err).WithField("enrollment_id", e.ID)

	if IsQuotaExceeded(err) {
		// Reschedule for the next quota reset, window-adjusted.
		base := now.Add(time.Hour)
		if quota, qerr := s.store.GetQuota(ctx, senderID); qerr == nil && quota.ResetAt.After(now) {
			base = quota.ResetAt
		}
		next := base
		if adjusted, werr := CalculateNextSendTime(base, state.campaign.Window); werr == nil {
			next = adjusted
		}
		log.Info("quota exhausted, rescheduling")
		s.release(ctx, e, &next, now)
		return outcomeSkipped
	}

	var failure *SendFailure
	if !errors.As(err, &failure) {
		s.release(ctx, e, e.NextSendAt, now)
		return outcomeFailed
	}

	switch failure.Kind {
	case FailureAuth:
		// Account-level problem: skip without mutating enrollment state.
		s.release(ctx, e, e.NextSendAt, now)
		return outcomeSkipped
	case FailureBadRecipient:
		s.pause(ctx, e, models.PauseReasonBadRecipient)
		return outcomeFailed
	case FailurePermanent:
		s.pause(ctx, e, models.PauseReasonSendRejected)
		return outcomeFailed
	default: // transient: bounded retries, step not advanced
		retries, rerr := s.store.IncrementEnrollmentRetry(ctx, e.ID)
		if rerr != nil {
			log.WithError(rerr).Error("failed to bump retry counter")
		}
		if retries >= s.maxStepRetries {
			log.WithField("retries", retries).Warn("step retries exhausted, pausing enrollment")
			s.pause(ctx, e, models.PauseReasonSendRetryExceeded)
			return outcomeFailed
		}
		next := now.Add(s.retryBackoff)
		if adjusted, werr := CalculateNextSendTime(next, state.campaign.Window); werr == nil {
			next = adjusted
		}
		s.release(ctx, e, &next, now)
		return outcomeFailed
	}
}

// advanceOrComplete moves a claimed enrollment past its just-sent step.
func (s *Scheduler) advanceOrComplete(ctx context.Context, e *models.Enrollment,
	state *campaignState, now time.Time) {
	last := e.StepIndex >= len(state.steps)-1
	if last {
		if err := s.store.CompleteEnrollment(ctx, e.ID); err != nil {
			s.log.WithError(err).WithField("enrollment_id", e.ID).
				Error("failed to complete enrollment")
		}
		return
	}

	nextStep := state.steps[e.StepIndex+1]
	base := now.Add(time.Duration(nextStep.DelayDays) * 24 * time.Hour)
	next, err := CalculateNextSendTime(base, state.campaign.Window)
	if err != nil {
		s.log.WithError(err).WithField("enrollment_id", e.ID).
			Error("window rejected advance time, pausing enrollment")
		s.pause(ctx, e, models.PauseReasonBadWindow)
		return
	}

	if err := s.store.AdvanceEnrollment(ctx, e.ID, e.StepIndex+1, next); err != nil {
		s.log.WithError(err).WithField("enrollment_id", e.ID).
			Error("failed to advance enrollment")
	}
}

// EnrollProspectsInCampaign enrolls the given prospects, skipping any
// already enrolled. The initial next_send_at is the first admissible window
// instant at or after now. Returns the number newly enrolled.
func (s *Scheduler) EnrollProspectsInCampaign(ctx context.Context, campaignID uint, prospectIDs []uint) (int, error) {
	campaign, err := s.store.GetCampaign(ctx, campaignID)
	if err != nil {
		return 0, err
	}
	if campaign.Status == models.CampaignStatusCompleted || campaign.Status == models.CampaignStatusArchived {
		return 0, fmt.Errorf("campaign %d is %s and not accepting enrollments", campaignID, campaign.Status)
	}

	steps, err := s.store.GetCampaignSteps(ctx, campaignID)
	if err != nil {
		return 0, err
	}
	if len(steps) == 0 {
		return 0, fmt.Errorf("campaign %d has no sequence steps", campaignID)
	}

	prospects, err := s.store.GetProspects(ctx, prospectIDs)
	if err != nil {
		return 0, err
	}

	initial, err := CalculateNextSendTime(s.now(), campaign.Window)
	if err != nil {
		return 0, err
	}

	enrollments := make([]models.Enrollment, 0, len(prospects))
	for _, prospect := range prospects {
		enrollments = append(enrollments, models.Enrollment{
			CampaignID: campaignID,
			ProspectID: prospect.ID,
			Status:     models.EnrollmentStatusActive,
			StepIndex:  0,
			NextSendAt: utils.Pointer(initial),
		})
	}

	created, err := s.store.CreateEnrollments(ctx, enrollments)
	if err != nil {
		return 0, err
	}
	if created > 0 {
		if err := s.store.IncrementCampaignCounter(ctx, campaignID, "enrolled_count", created); err != nil {
			s.log.WithError(err).WithField("campaign_id", campaignID).
				Warn("failed to bump enrolled counter")
		}
	}
	return created, nil
}

func (s *Scheduler) campaignState(ctx context.Context, campaignID uint,
	cache map[uint]*campaignState) (*campaignState, error) {
	if state, ok := cache[campaignID]; ok {
		return state, nil
	}
	campaign, err := s.store.GetCampaign(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	steps, err := s.store.GetCampaignSteps(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	state := &campaignState{campaign: campaign, steps: steps}
	cache[campaignID] = state
	return state, nil
}

func (s *Scheduler) buildSendParams(ctx context.Context, e *models.Enrollment,
	sender *models.Sender, step models.SequenceStep) (*SendParams, error) {
	template, err := s.store.GetTemplate(ctx, step.TemplateID)
	if err != nil {
		return nil, fmt.Errorf("template %d: %w", step.TemplateID, err)
	}
	prospects, err := s.store.GetProspects(ctx, []uint{e.ProspectID})
	if err != nil {
		return nil, err
	}
	if len(prospects) == 0 {
		return nil, fmt.Errorf("prospect %d not found", e.ProspectID)
	}

	return &SendParams{
		Enrollment: e,
		Sender:     sender,
		StepIndex:  e.StepIndex,
		To:         prospects[0].Email,
		Subject:    template.Subject,
		HTMLBody:   template.HTMLContent,
		TextBody:   template.TextContent,
	}, nil
}

// release returns a claimed enrollment to active. A nil next keeps the
// enrollment due immediately on the following pass.
func (s *Scheduler) release(ctx context.Context, e *models.Enrollment, next *time.Time, now time.Time) {
	at := now
	if next != nil {
		at = *next
	}
	if err := s.store.ReleaseEnrollment(ctx, e.ID, at); err != nil {
		s.log.WithError(err).WithField("enrollment_id", e.ID).
			Error("failed to release enrollment claim")
	}
}

func (s *Scheduler) pause(ctx context.Context, e *models.Enrollment, reason string) {
	if _, err := s.store.PauseEnrollment(ctx, e.ID, models.EnrollmentStatusDispatching, reason); err != nil {
		s.log.WithError(err).WithField("enrollment_id", e.ID).
			Error("failed to pause enrollment")
	}
}
