package engine

import (
	"context"
	"errors"
	"net"
	"net/textproto"
	"strings"

	"mailcadence/mailer"
	"mailcadence/models"
	"mailcadence/store"
)

// ErrQuotaExceeded is returned by SendEmail when the account's daily budget
// is spent. The provider is never contacted in that case; schedulers treat it
// as a skip, not a send failure.
var ErrQuotaExceeded = errors.New("send quota exceeded")

// ErrWindowMisconfigured is returned when no admissible send time exists
// within the look-ahead bound (e.g. an empty weekday set).
var ErrWindowMisconfigured = errors.New("sending window admits no send time")

// FailureKind classifies a send failure for the scheduler's advance/retry
// decision.
type FailureKind int

const (
	// FailureTransient: timeout, connection trouble, 4xx SMTP, rate limit.
	// The step stays put and is retried up to a bound.
	FailureTransient FailureKind = iota
	// FailureAuth: the account itself is unusable until reauthenticated.
	FailureAuth
	// FailureBadRecipient: malformed address, fatal for this step.
	FailureBadRecipient
	// FailurePermanent: the provider rejected this message for good.
	FailurePermanent
)

// SendFailure wraps a provider error with its classification.
type SendFailure struct {
	Kind FailureKind
	Err  error
}

func (f *SendFailure) Error() string { return f.Err.Error() }
func (f *SendFailure) Unwrap() error { return f.Err }

// ClassifySendError maps a raw provider/transport error onto a FailureKind.
// Timeouts and 4xx SMTP codes are transient; 535/530 are auth; remaining 5xx
// codes are permanent rejections.
func ClassifySendError(err error) *SendFailure {
	var failure *SendFailure
	if errors.As(err, &failure) {
		return failure
	}

	kind := FailureTransient

	switch {
	case errors.Is(err, mailer.ErrAuthFailed):
		kind = FailureAuth
	case errors.Is(err, mailer.ErrSendTimeout),
		errors.Is(err, context.DeadlineExceeded):
		kind = FailureTransient
	default:
		var proto *textproto.Error
		var netErr net.Error
		switch {
		case errors.As(err, &proto):
			switch {
			case proto.Code == 530 || proto.Code == 535:
				kind = FailureAuth
			case proto.Code >= 500:
				kind = FailurePermanent
			default:
				kind = FailureTransient
			}
		case errors.As(err, &netErr):
			kind = FailureTransient
		}
	}

	return &SendFailure{Kind: kind, Err: err}
}

// ClassifyBounce resolves a provider bounce status code against the
// operator-supplied rules. Longest matching code prefix wins; a code no rule
// covers counts as soft, so an unknown taxonomy never terminates an
// enrollment by accident.
func ClassifyBounce(rules []models.BounceRule, code string) string {
	best := ""
	class := models.BounceClassSoft
	for _, rule := range rules {
		if strings.HasPrefix(code, rule.CodePrefix) && len(rule.CodePrefix) > len(best) {
			best = rule.CodePrefix
			class = rule.Classification
		}
	}
	return class
}

// IsQuotaExceeded reports whether err is the quota skip condition, from
// either the guard or the store.
func IsQuotaExceeded(err error) bool {
	return errors.Is(err, ErrQuotaExceeded) || errors.Is(err, store.ErrQuotaExhausted)
}
