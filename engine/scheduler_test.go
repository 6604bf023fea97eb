package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailcadence/models"
)

func TestProcessScheduledSendsHappyPath(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	now := time.Date(2026, 1, 7, 15, 0, 0, 0, time.UTC)

	f := newFixture(allWeek(), 2, now)
	adapter := &fakeAdapter{}
	scheduler, _, _, _ := newTestEngine(f, adapter, now)

	summary, err := scheduler.ProcessScheduledSends(ctx)
	require.NoError(t, err)
	assert.Equal(t, &RunSummary{Processed: 1, Sent: 1}, summary)

	e := f.store.enrollments[f.enrollment.ID]
	assert.Equal(t, models.EnrollmentStatusActive, e.Status)
	assert.Equal(t, 1, e.StepIndex)
	require.NotNil(t, e.NextSendAt)
	// Next step has a two day delay and the window is always open.
	assert.True(t, e.NextSendAt.Equal(now.Add(48*time.Hour)))

	assert.Equal(t, 1, adapter.calls())
	assert.Len(t, f.store.sentEmails, 1)
}

func TestProcessScheduledSendsCompletesLastStep(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	now := time.Date(2026, 1, 7, 15, 0, 0, 0, time.UTC)

	f := newFixture(allWeek(), 1, now)
	adapter := &fakeAdapter{}
	scheduler, _, _, _ := newTestEngine(f, adapter, now)

	summary, err := scheduler.ProcessScheduledSends(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Sent)

	e := f.store.enrollments[f.enrollment.ID]
	assert.Equal(t, models.EnrollmentStatusCompleted, e.Status)
	assert.Nil(t, e.NextSendAt)
}

func TestProcessScheduledSendsSkipsPausedEnrollment(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	now := time.Date(2026, 1, 7, 15, 0, 0, 0, time.UTC)

	f := newFixture(allWeek(), 2, now)
	adapter := &fakeAdapter{}
	scheduler, _, autopause, _ := newTestEngine(f, adapter, now)

	require.NoError(t, autopause.HandleProspectReply(ctx, f.enrollment.ID))

	summary, err := scheduler.ProcessScheduledSends(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Processed)
	assert.Equal(t, 0, adapter.calls())
	assert.Empty(t, f.store.sentEmails)

	e := f.store.enrollments[f.enrollment.ID]
	assert.Equal(t, models.EnrollmentStatusPaused, e.Status)
	assert.Nil(t, e.NextSendAt)
}

func TestProcessScheduledSendsPausesForInactiveCampaign(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	now := time.Date(2026, 1, 7, 15, 0, 0, 0, time.UTC)

	f := newFixture(allWeek(), 2, now)
	f.store.campaigns[f.campaign.ID].Status = models.CampaignStatusPaused
	adapter := &fakeAdapter{}
	scheduler, _, _, _ := newTestEngine(f, adapter, now)

	summary, err := scheduler.ProcessScheduledSends(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Skipped)
	assert.Equal(t, 0, adapter.calls())

	e := f.store.enrollments[f.enrollment.ID]
	assert.Equal(t, models.EnrollmentStatusPaused, e.Status)
	require.NotNil(t, e.PauseReason)
	assert.Equal(t, models.PauseReasonCampaignPaused, *e.PauseReason)
}

func TestProcessScheduledSendsDefersOutsideWindow(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	ny := nyLocation(t)
	now := time.Date(2026, 1, 10, 12, 0, 0, 0, ny) // Saturday

	f := newFixture(businessWeek(), 2, now)
	adapter := &fakeAdapter{}
	scheduler, _, _, _ := newTestEngine(f, adapter, now)

	summary, err := scheduler.ProcessScheduledSends(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Skipped)
	assert.Equal(t, 0, adapter.calls())

	e := f.store.enrollments[f.enrollment.ID]
	assert.Equal(t, models.EnrollmentStatusActive, e.Status)
	require.NotNil(t, e.NextSendAt)
	assert.True(t, e.NextSendAt.Equal(time.Date(2026, 1, 12, 9, 0, 0, 0, ny)))
}

func TestProcessScheduledSendsDuplicateStepGuard(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	now := time.Date(2026, 1, 7, 15, 0, 0, 0, time.UTC)

	f := newFixture(allWeek(), 2, now)
	adapter := &fakeAdapter{}
	scheduler, _, _, _ := newTestEngine(f, adapter, now)

	// A previous pass sent step 0 but crashed before advancing.
	require.NoError(t, f.store.CreateSentEmail(ctx, &models.SentEmail{
		EnrollmentID: f.enrollment.ID,
		CampaignID:   f.campaign.ID,
		SenderID:     f.sender.ID,
		StepIndex:    0,
		TrackingID:   "orphan",
		Recipient:    "prospect@example.com",
		Status:       models.SentEmailStatusSent,
	}))

	summary, err := scheduler.ProcessScheduledSends(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Skipped)
	assert.Equal(t, 0, adapter.calls())

	e := f.store.enrollments[f.enrollment.ID]
	assert.Equal(t, 1, e.StepIndex)
	assert.Equal(t, models.EnrollmentStatusActive, e.Status)
}

func TestProcessScheduledSendsTransientRetryExhaustion(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	now := time.Date(2026, 1, 7, 15, 0, 0, 0, time.UTC)

	f := newFixture(allWeek(), 2, now)
	f.store.enrollments[f.enrollment.ID].RetryCount = 2
	adapter := &fakeAdapter{sendErr: context.DeadlineExceeded}
	scheduler, _, _, _ := newTestEngine(f, adapter, now)

	summary, err := scheduler.ProcessScheduledSends(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Failed)

	e := f.store.enrollments[f.enrollment.ID]
	assert.Equal(t, models.EnrollmentStatusPaused, e.Status)
	require.NotNil(t, e.PauseReason)
	assert.Equal(t, models.PauseReasonSendRetryExceeded, *e.PauseReason)
	assert.Equal(t, 0, e.StepIndex) // never advanced
}

func TestProcessScheduledSendsTransientRetryBackoff(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	now := time.Date(2026, 1, 7, 15, 0, 0, 0, time.UTC)

	f := newFixture(allWeek(), 2, now)
	adapter := &fakeAdapter{sendErr: context.DeadlineExceeded}
	scheduler, _, _, _ := newTestEngine(f, adapter, now)

	summary, err := scheduler.ProcessScheduledSends(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Failed)

	e := f.store.enrollments[f.enrollment.ID]
	assert.Equal(t, models.EnrollmentStatusActive, e.Status)
	assert.Equal(t, 1, e.RetryCount)
	require.NotNil(t, e.NextSendAt)
	assert.True(t, e.NextSendAt.Equal(now.Add(30*time.Minute)))
}

func TestProcessScheduledSendsQuotaExhaustedReschedules(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	now := time.Date(2026, 1, 7, 15, 0, 0, 0, time.UTC)

	f := newFixture(allWeek(), 2, now)
	quota := f.store.quotas[f.sender.ID]
	quota.UsedToday = quota.DailyLimit
	adapter := &fakeAdapter{}
	scheduler, _, _, _ := newTestEngine(f, adapter, now)

	summary, err := scheduler.ProcessScheduledSends(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Skipped)
	assert.Equal(t, 0, adapter.calls())

	e := f.store.enrollments[f.enrollment.ID]
	assert.Equal(t, models.EnrollmentStatusActive, e.Status)
	require.NotNil(t, e.NextSendAt)
	assert.True(t, e.NextSendAt.Equal(quota.ResetAt))
}

func TestProcessScheduledSendsSkipsDisabledSender(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	now := time.Date(2026, 1, 7, 15, 0, 0, 0, time.UTC)

	f := newFixture(allWeek(), 2, now)
	f.store.senders[f.sender.ID].IsActive = false
	adapter := &fakeAdapter{}
	scheduler, _, _, _ := newTestEngine(f, adapter, now)

	summary, err := scheduler.ProcessScheduledSends(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Skipped)
	assert.Equal(t, 0, adapter.calls())

	e := f.store.enrollments[f.enrollment.ID]
	assert.Equal(t, models.EnrollmentStatusActive, e.Status)
}

func TestProcessScheduledSendsPausesBadRecipient(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	now := time.Date(2026, 1, 7, 15, 0, 0, 0, time.UTC)

	f := newFixture(allWeek(), 2, now)
	f.store.prospects[f.enrollment.ProspectID].Email = "not-an-address"
	adapter := &fakeAdapter{}
	scheduler, _, _, _ := newTestEngine(f, adapter, now)

	summary, err := scheduler.ProcessScheduledSends(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 0, adapter.calls())

	e := f.store.enrollments[f.enrollment.ID]
	assert.Equal(t, models.EnrollmentStatusPaused, e.Status)
	require.NotNil(t, e.PauseReason)
	assert.Equal(t, models.PauseReasonBadRecipient, *e.PauseReason)
}

func TestEnrollProspectsInCampaign(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	ny := nyLocation(t)
	now := time.Date(2026, 1, 10, 12, 0, 0, 0, ny) // Saturday

	t.Run("initial send time respects the window", func(t *testing.T) {
		t.Parallel()
		f := newFixture(businessWeek(), 2, now)
		scheduler, _, _, _ := newTestEngine(f, &fakeAdapter{}, now)

		p := &models.Prospect{UserID: 1, Email: "second@example.com"}
		p.ID = f.store.id()
		f.store.prospects[p.ID] = p

		created, err := scheduler.EnrollProspectsInCampaign(ctx, f.campaign.ID, []uint{p.ID})
		require.NoError(t, err)
		assert.Equal(t, 1, created)

		monday := time.Date(2026, 1, 12, 9, 0, 0, 0, ny)
		found := false
		for _, e := range f.store.enrollments {
			if e.ProspectID == p.ID {
				found = true
				assert.Equal(t, models.EnrollmentStatusActive, e.Status)
				assert.Equal(t, 0, e.StepIndex)
				require.NotNil(t, e.NextSendAt)
				assert.True(t, e.NextSendAt.Equal(monday))
			}
		}
		assert.True(t, found)
		assert.Equal(t, 1, f.store.campaigns[f.campaign.ID].EnrolledCount)
	})

	t.Run("already enrolled prospects are skipped", func(t *testing.T) {
		t.Parallel()
		f := newFixture(businessWeek(), 2, now)
		scheduler, _, _, _ := newTestEngine(f, &fakeAdapter{}, now)

		created, err := scheduler.EnrollProspectsInCampaign(ctx, f.campaign.ID,
			[]uint{f.enrollment.ProspectID})
		require.NoError(t, err)
		assert.Equal(t, 0, created)
		assert.Equal(t, 0, f.store.campaigns[f.campaign.ID].EnrolledCount)
	})

	t.Run("campaign without steps is rejected", func(t *testing.T) {
		t.Parallel()
		f := newFixture(businessWeek(), 0, now)
		scheduler, _, _, _ := newTestEngine(f, &fakeAdapter{}, now)

		_, err := scheduler.EnrollProspectsInCampaign(ctx, f.campaign.ID,
			[]uint{f.enrollment.ProspectID})
		assert.Error(t, err)
	})

	t.Run("archived campaign is rejected", func(t *testing.T) {
		t.Parallel()
		f := newFixture(businessWeek(), 2, now)
		f.store.campaigns[f.campaign.ID].Status = models.CampaignStatusArchived
		scheduler, _, _, _ := newTestEngine(f, &fakeAdapter{}, now)

		_, err := scheduler.EnrollProspectsInCampaign(ctx, f.campaign.ID,
			[]uint{f.enrollment.ProspectID})
		assert.Error(t, err)
	})
}
