package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"mailcadence/mailer"
	"mailcadence/models"
	"mailcadence/store"
)

// QuotaGuard is the authoritative check-and-decrement in front of every
// provider call. The counter lives in the store and is only ever moved with
// conditional updates, so concurrent senders across processes cannot
// over-reserve.
type QuotaGuard struct {
	store store.QuotaStore
	log   *logrus.Logger
	now   func() time.Time
}

func NewQuotaGuard(st store.QuotaStore, log *logrus.Logger) *QuotaGuard {
	return &QuotaGuard{store: st, log: log, now: time.Now}
}

// Reserve takes one send from the account's daily budget, rolling the budget
// day first if the reset timestamp has passed. Returns ErrQuotaExceeded when
// the budget is spent.
func (g *QuotaGuard) Reserve(ctx context.Context, senderID uint) error {
	if err := g.store.ResetQuotaIfDue(ctx, senderID, g.now()); err != nil {
		return fmt.Errorf("reset quota: %w", err)
	}
	if err := g.store.ReserveQuota(ctx, senderID); err != nil {
		if errors.Is(err, store.ErrQuotaExhausted) {
			return ErrQuotaExceeded
		}
		return err
	}
	return nil
}

// Release returns a reservation whose send never reached the provider.
func (g *QuotaGuard) Release(ctx context.Context, senderID uint) error {
	return g.store.ReleaseQuota(ctx, senderID)
}

// Status returns the account's current budget, rolling the day first when due.
func (g *QuotaGuard) Status(ctx context.Context, senderID uint) (*models.SenderQuota, error) {
	if err := g.store.ResetQuotaIfDue(ctx, senderID, g.now()); err != nil {
		return nil, err
	}
	return g.store.GetQuota(ctx, senderID)
}

// Reconcile compares the local counter against the provider-reported
// snapshot and adopts the provider's view on mismatch; the provider is
// authoritative.
func (g *QuotaGuard) Reconcile(ctx context.Context, senderID uint, adapter mailer.Adapter) error {
	snapshot, err := adapter.GetQuotaStatus(ctx)
	if err != nil {
		if errors.Is(err, mailer.ErrQuotaUnsupported) {
			return nil
		}
		return err
	}

	local, err := g.store.GetQuota(ctx, senderID)
	if err != nil {
		return err
	}

	providerUsed := snapshot.DailyLimit - snapshot.Remaining
	if providerUsed < 0 {
		providerUsed = 0
	}
	if providerUsed > local.DailyLimit {
		providerUsed = local.DailyLimit
	}

	if providerUsed != local.UsedToday {
		g.log.WithFields(logrus.Fields{
			"sender_id":     senderID,
			"local_used":    local.UsedToday,
			"provider_used": providerUsed,
		}).Warn("quota counter drifted from provider, adopting provider value")
		return g.store.SetQuotaUsed(ctx, senderID, providerUsed)
	}
	return nil
}
