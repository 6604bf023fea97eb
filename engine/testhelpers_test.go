package engine

import (
	"context"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"mailcadence/mailer"
	"mailcadence/models"
	"mailcadence/store"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

// memStore is an in-memory store.Store with the same compare-and-swap
// semantics as the SQL implementation.
type memStore struct {
	mu sync.Mutex

	enrollments map[uint]*models.Enrollment
	campaigns   map[uint]*models.Campaign
	steps       map[uint][]models.SequenceStep
	templates   map[uint]*models.Template
	prospects   map[uint]*models.Prospect
	senders     map[uint]*models.Sender
	quotas      map[uint]*models.SenderQuota
	sentEmails  map[uint]*models.SentEmail
	bounceRules []models.BounceRule

	nextID uint
}

func newMemStore() *memStore {
	return &memStore{
		enrollments: make(map[uint]*models.Enrollment),
		campaigns:   make(map[uint]*models.Campaign),
		steps:       make(map[uint][]models.SequenceStep),
		templates:   make(map[uint]*models.Template),
		prospects:   make(map[uint]*models.Prospect),
		senders:     make(map[uint]*models.Sender),
		quotas:      make(map[uint]*models.SenderQuota),
		sentEmails:  make(map[uint]*models.SentEmail),
	}
}

func (m *memStore) id() uint {
	m.nextID++
	return m.nextID
}

func (m *memStore) ClaimDueEnrollments(ctx context.Context, now time.Time, limit int) ([]models.Enrollment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var due []*models.Enrollment
	for _, e := range m.enrollments {
		if e.Status == models.EnrollmentStatusActive && e.NextSendAt != nil && !e.NextSendAt.After(now) {
			due = append(due, e)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextSendAt.Before(*due[j].NextSendAt) })
	if len(due) > limit {
		due = due[:limit]
	}

	claimed := make([]models.Enrollment, 0, len(due))
	for _, e := range due {
		e.Status = models.EnrollmentStatusDispatching
		claimed = append(claimed, *e)
	}
	return claimed, nil
}

func (m *memStore) GetEnrollment(ctx context.Context, id uint) (*models.Enrollment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.enrollments[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (m *memStore) ReleaseEnrollment(ctx context.Context, id uint, nextSendAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.enrollments[id]
	if !ok || e.Status != models.EnrollmentStatusDispatching {
		return nil
	}
	e.Status = models.EnrollmentStatusActive
	at := nextSendAt
	e.NextSendAt = &at
	return nil
}

func (m *memStore) AdvanceEnrollment(ctx context.Context, id uint, stepIndex int, nextSendAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.enrollments[id]
	if !ok || e.Status != models.EnrollmentStatusDispatching {
		return nil
	}
	e.Status = models.EnrollmentStatusActive
	e.StepIndex = stepIndex
	at := nextSendAt
	e.NextSendAt = &at
	e.RetryCount = 0
	return nil
}

func (m *memStore) CompleteEnrollment(ctx context.Context, id uint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.enrollments[id]
	if !ok || e.Status != models.EnrollmentStatusDispatching {
		return nil
	}
	e.Status = models.EnrollmentStatusCompleted
	e.NextSendAt = nil
	return nil
}

func (m *memStore) PauseEnrollment(ctx context.Context, id uint, fromStatus, reason string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.enrollments[id]
	if !ok || e.Status != fromStatus {
		return false, nil
	}
	e.Status = models.EnrollmentStatusPaused
	r := reason
	e.PauseReason = &r
	e.NextSendAt = nil
	return true, nil
}

func (m *memStore) ResumeEnrollment(ctx context.Context, id uint, nextSendAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.enrollments[id]
	if !ok || e.Status != models.EnrollmentStatusPaused {
		return false, nil
	}
	e.Status = models.EnrollmentStatusActive
	e.PauseReason = nil
	at := nextSendAt
	e.NextSendAt = &at
	e.RetryCount = 0
	return true, nil
}

func (m *memStore) BounceEnrollment(ctx context.Context, id uint) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.enrollments[id]
	if !ok || e.IsTerminal() {
		return false, nil
	}
	e.Status = models.EnrollmentStatusBounced
	e.NextSendAt = nil
	return true, nil
}

func (m *memStore) RetryEnrollmentStep(ctx context.Context, id uint, stepIndex int, nextSendAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.enrollments[id]
	if !ok || e.Status != models.EnrollmentStatusActive {
		return false, nil
	}
	e.StepIndex = stepIndex
	at := nextSendAt
	e.NextSendAt = &at
	return true, nil
}

func (m *memStore) IncrementEnrollmentRetry(ctx context.Context, id uint) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.enrollments[id]
	if !ok {
		return 0, store.ErrNotFound
	}
	e.RetryCount++
	return e.RetryCount, nil
}

func (m *memStore) CreateEnrollments(ctx context.Context, enrollments []models.Enrollment) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	created := 0
	for _, e := range enrollments {
		dup := false
		for _, existing := range m.enrollments {
			if existing.CampaignID == e.CampaignID && existing.ProspectID == e.ProspectID {
				dup = true
				break
			}
		}
		if dup {
			continue
		}
		cp := e
		cp.ID = m.id()
		m.enrollments[cp.ID] = &cp
		created++
	}
	return created, nil
}

func (m *memStore) ListCampaignEnrollments(ctx context.Context, campaignID uint, statuses ...string) ([]models.Enrollment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Enrollment
	for _, e := range m.enrollments {
		if e.CampaignID != campaignID {
			continue
		}
		if len(statuses) > 0 {
			match := false
			for _, s := range statuses {
				if e.Status == s {
					match = true
					break
				}
			}
			if !match {
				continue
			}
		}
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) GetCampaign(ctx context.Context, id uint) (*models.Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *memStore) GetCampaignSteps(ctx context.Context, campaignID uint) ([]models.SequenceStep, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.SequenceStep(nil), m.steps[campaignID]...), nil
}

func (m *memStore) UpdateCampaignStatus(ctx context.Context, id uint, from, to string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok || c.Status != from {
		return false, nil
	}
	c.Status = to
	return true, nil
}

func (m *memStore) IncrementCampaignCounter(ctx context.Context, id uint, column string, delta int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok {
		return store.ErrNotFound
	}
	switch column {
	case "enrolled_count":
		c.EnrolledCount += delta
	case "sent_count":
		c.SentCount += delta
	case "reply_count":
		c.ReplyCount += delta
	case "bounce_count":
		c.BounceCount += delta
	}
	return nil
}

func (m *memStore) GetTemplate(ctx context.Context, id uint) (*models.Template, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.templates[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *memStore) GetProspects(ctx context.Context, ids []uint) ([]models.Prospect, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Prospect
	for _, id := range ids {
		if p, ok := m.prospects[id]; ok {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (m *memStore) GetSender(ctx context.Context, id uint) (*models.Sender, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.senders[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *memStore) ListIMAPSenders(ctx context.Context) ([]models.Sender, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Sender
	for _, s := range m.senders {
		if s.IsActive && s.IMAPHost != "" {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (m *memStore) SaveSenderTokens(ctx context.Context, senderID uint, accessToken, refreshToken string, expiry time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.senders[senderID]
	if !ok {
		return store.ErrNotFound
	}
	s.OAuthToken = accessToken
	if refreshToken != "" {
		s.OAuthRefreshToken = refreshToken
	}
	s.OAuthExpiry = expiry
	return nil
}

func (m *memStore) DisableSender(ctx context.Context, senderID uint, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.senders[senderID]
	if !ok {
		return store.ErrNotFound
	}
	s.IsActive = false
	s.LastError = &reason
	return nil
}

func (m *memStore) GetQuota(ctx context.Context, senderID uint) (*models.SenderQuota, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.quotas[senderID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *q
	return &cp, nil
}

func (m *memStore) ReserveQuota(ctx context.Context, senderID uint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.quotas[senderID]
	if !ok {
		return store.ErrNotFound
	}
	if q.UsedToday >= q.DailyLimit {
		return store.ErrQuotaExhausted
	}
	q.UsedToday++
	return nil
}

func (m *memStore) ReleaseQuota(ctx context.Context, senderID uint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.quotas[senderID]
	if ok && q.UsedToday > 0 {
		q.UsedToday--
	}
	return nil
}

func (m *memStore) ResetQuotaIfDue(ctx context.Context, senderID uint, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.quotas[senderID]
	if !ok {
		return store.ErrNotFound
	}
	if !q.ResetAt.After(now) {
		q.UsedToday = 0
		q.ResetAt = now.Truncate(24 * time.Hour).Add(24 * time.Hour)
	}
	return nil
}

func (m *memStore) SetQuotaUsed(ctx context.Context, senderID uint, used int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.quotas[senderID]
	if !ok {
		return store.ErrNotFound
	}
	q.UsedToday = used
	return nil
}

func (m *memStore) CreateSentEmail(ctx context.Context, email *models.SentEmail) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if email.Status == models.SentEmailStatusSent {
		for _, existing := range m.sentEmails {
			if existing.EnrollmentID == email.EnrollmentID &&
				existing.StepIndex == email.StepIndex &&
				existing.Status == models.SentEmailStatusSent {
				return store.ErrDuplicateSend
			}
		}
	}
	email.ID = m.id()
	cp := *email
	m.sentEmails[email.ID] = &cp
	return nil
}

func (m *memStore) HasSentEmail(ctx context.Context, enrollmentID uint, stepIndex int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.sentEmails {
		if e.EnrollmentID == enrollmentID && e.StepIndex == stepIndex && e.Status == models.SentEmailStatusSent {
			return true, nil
		}
	}
	return false, nil
}

func (m *memStore) GetSentEmail(ctx context.Context, id uint) (*models.SentEmail, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sentEmails[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (m *memStore) GetSentEmailByTrackingID(ctx context.Context, trackingID string) (*models.SentEmail, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.sentEmails {
		if e.TrackingID == trackingID {
			cp := *e
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *memStore) GetSentEmailByMessageID(ctx context.Context, messageID string) (*models.SentEmail, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.sentEmails {
		if e.MessageID == messageID {
			cp := *e
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *memStore) MarkSentEmailBounced(ctx context.Context, id uint, code string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sentEmails[id]
	if !ok {
		return store.ErrNotFound
	}
	e.Status = models.SentEmailStatusBounced
	t := at
	e.BouncedAt = &t
	e.BounceCode = code
	return nil
}

func (m *memStore) RecordEngagement(ctx context.Context, trackingID, event string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.sentEmails {
		if e.TrackingID != trackingID {
			continue
		}
		t := at
		switch event {
		case "open":
			if e.OpenedAt == nil {
				e.OpenedAt = &t
			}
		case "click":
			if e.ClickedAt == nil {
				e.ClickedAt = &t
			}
		case "reply":
			if e.RepliedAt == nil {
				e.RepliedAt = &t
			}
		}
	}
	return nil
}

func (m *memStore) GetBounceRules(ctx context.Context, userID uint) ([]models.BounceRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.BounceRule
	for _, r := range m.bounceRules {
		if r.UserID == 0 || r.UserID == userID {
			out = append(out, r)
		}
	}
	return out, nil
}

var _ store.Store = (*memStore)(nil)

// fakeAdapter counts provider calls and returns scripted results.
type fakeAdapter struct {
	mu        sync.Mutex
	sendCalls int
	initErr   error
	sendErr   error
	messageID string
	quota     *mailer.QuotaSnapshot
	quotaErr  error
}

func (f *fakeAdapter) Initialize(ctx context.Context) error { return f.initErr }

func (f *fakeAdapter) SendEmail(ctx context.Context, email mailer.OutgoingEmail) (string, error) {
	f.mu.Lock()
	f.sendCalls++
	f.mu.Unlock()
	if f.sendErr != nil {
		return "", f.sendErr
	}
	if f.messageID != "" {
		return f.messageID, nil
	}
	return "<msg@test>", nil
}

func (f *fakeAdapter) GetQuotaStatus(ctx context.Context) (*mailer.QuotaSnapshot, error) {
	if f.quotaErr != nil {
		return nil, f.quotaErr
	}
	return f.quota, nil
}

func (f *fakeAdapter) Close() error { return nil }

func (f *fakeAdapter) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sendCalls
}

// fakeRegistry hands every account the same scripted adapter.
type fakeRegistry struct {
	adapter *fakeAdapter
	forErr  error
	evicted []uint
}

func (r *fakeRegistry) ForSender(ctx context.Context, sender *models.Sender) (mailer.Adapter, error) {
	if r.forErr != nil {
		return nil, r.forErr
	}
	return r.adapter, nil
}

func (r *fakeRegistry) Evict(senderID uint) {
	r.evicted = append(r.evicted, senderID)
}

// businessWeek is a Mon-Fri 09:00-17:00 New York window.
func businessWeek() models.SendingWindow {
	return models.SendingWindow{
		Timezone: "America/New_York",
		Weekdays: []time.Weekday{
			time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday,
		},
		StartHour: 9,
		EndHour:   17,
	}
}

// allWeek admits sends at any time.
func allWeek() models.SendingWindow {
	return models.SendingWindow{
		Timezone: "UTC",
		Weekdays: []time.Weekday{
			time.Sunday, time.Monday, time.Tuesday, time.Wednesday,
			time.Thursday, time.Friday, time.Saturday,
		},
		StartHour: 0,
		EndHour:   24,
	}
}

// fixture seeds a campaign with sender, quota, steps and one enrolled
// prospect, returning the ids needed by scheduler tests.
type fixture struct {
	store      *memStore
	campaign   *models.Campaign
	sender     *models.Sender
	enrollment *models.Enrollment
}

func newFixture(window models.SendingWindow, stepCount int, due time.Time) *fixture {
	ms := newMemStore()

	sender := &models.Sender{
		UserID:       1,
		Name:         "Primary",
		FromEmail:    "outreach@example.com",
		FromName:     "Outreach",
		ProviderType: "smtp",
		IsActive:     true,
	}
	sender.ID = ms.id()
	ms.senders[sender.ID] = sender

	ms.quotas[sender.ID] = &models.SenderQuota{
		SenderID:   sender.ID,
		DailyLimit: 100,
		ResetAt:    due.Add(24 * time.Hour),
	}

	campaign := &models.Campaign{
		UserID:   1,
		SenderID: sender.ID,
		Name:     "Launch",
		Status:   models.CampaignStatusActive,
		Window:   window,
	}
	campaign.ID = ms.id()
	ms.campaigns[campaign.ID] = campaign

	for i := 0; i < stepCount; i++ {
		tmpl := &models.Template{
			UserID:      1,
			Name:        "Step template",
			Subject:     "Hello",
			HTMLContent: "<p>Hi there</p>",
			TextContent: "Hi there",
		}
		tmpl.ID = ms.id()
		ms.templates[tmpl.ID] = tmpl

		step := models.SequenceStep{
			CampaignID: campaign.ID,
			TemplateID: tmpl.ID,
			StepIndex:  i,
			DelayDays:  2,
		}
		step.ID = ms.id()
		ms.steps[campaign.ID] = append(ms.steps[campaign.ID], step)
	}

	prospect := &models.Prospect{
		UserID: 1,
		Email:  "prospect@example.com",
	}
	prospect.ID = ms.id()
	ms.prospects[prospect.ID] = prospect

	at := due
	enrollment := &models.Enrollment{
		CampaignID: campaign.ID,
		ProspectID: prospect.ID,
		Status:     models.EnrollmentStatusActive,
		NextSendAt: &at,
	}
	enrollment.ID = ms.id()
	ms.enrollments[enrollment.ID] = enrollment

	return &fixture{
		store:      ms,
		campaign:   campaign,
		sender:     sender,
		enrollment: enrollment,
	}
}

// newTestEngine wires a scheduler, sender and auto-pause over the fixture
// with a pinned clock and no inter-send delay.
func newTestEngine(f *fixture, adapter *fakeAdapter, now time.Time) (*Scheduler, *EmailSender, *AutoPause, *fakeRegistry) {
	log := testLogger()
	registry := &fakeRegistry{adapter: adapter}
	guard := NewQuotaGuard(f.store, log)
	guard.now = func() time.Time { return now }

	sender := NewEmailSender(f.store, registry, guard, log, 0, time.Second, "https://track.example.com")
	sender.now = func() time.Time { return now }

	scheduler := NewScheduler(f.store, sender, log, 50, 3, 30*time.Minute)
	scheduler.now = func() time.Time { return now }

	autopause := NewAutoPause(f.store, log, 2)
	autopause.now = func() time.Time { return now }

	return scheduler, sender, autopause, registry
}
