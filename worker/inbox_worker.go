package worker

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-message/mail"
	"github.com/sirupsen/logrus"

	"mailcadence/engine"
	"mailcadence/models"
	"mailcadence/store"
	"mailcadence/utils"
)

var (
	// RFC 3464 delivery status notification fields.
	dsnStatusRe     = regexp.MustCompile(`(?mi)^Status:\s*([0-9]\.[0-9]{1,3}\.[0-9]{1,3})`)
	bodyMessageIDRe = regexp.MustCompile(`(?mi)^Message-ID:\s*(<[^>]+>)`)
)

// InboxWorker polls every configured IMAP inbox for replies and bounce
// notifications and feeds them to the auto-pause controller. It is the
// asynchronous counterpart of the webhook endpoint for providers that only
// speak IMAP.
type InboxWorker struct {
	store     store.Store
	autopause *engine.AutoPause
	log       *logrus.Logger
	interval  time.Duration
}

func NewInboxWorker(st store.Store, ap *engine.AutoPause, log *logrus.Logger, interval time.Duration) *InboxWorker {
	return &InboxWorker{
		store:     st,
		autopause: ap,
		log:       log,
		interval:  interval,
	}
}

func (iw *InboxWorker) Start(ctx context.Context) {
	iw.log.Info("Starting inbox worker...")
	ticker := time.NewTicker(iw.interval)

	for {
		select {
		case <-ticker.C:
			iw.pollAll(ctx)
		case <-ctx.Done():
			iw.log.Info("Stopping inbox worker...")
			ticker.Stop()
			return
		}
	}
}

func (iw *InboxWorker) pollAll(ctx context.Context) {
	senders, err := iw.store.ListIMAPSenders(ctx)
	if err != nil {
		iw.log.WithError(err).Error("failed to list IMAP accounts")
		return
	}

	for i := range senders {
		if ctx.Err() != nil {
			return
		}
		sender := &senders[i]
		if err := iw.pollSender(ctx, sender); err != nil {
			iw.log.WithError(err).WithField("sender_id", sender.ID).
				Error("inbox poll failed")
		}
	}
}

func (iw *InboxWorker) pollSender(ctx context.Context, sender *models.Sender) error {
	password, err := utils.Decrypt(sender.IMAPPassword)
	if err != nil {
		return fmt.Errorf("failed to decrypt IMAP password: %w", err)
	}

	imapAddr := fmt.Sprintf("%s:%d", sender.IMAPHost, sender.IMAPPort)
	imapClient, err := client.DialTLS(imapAddr, &tls.Config{ServerName: sender.IMAPHost})
	if err != nil {
		return fmt.Errorf("failed to connect to IMAP server: %w", err)
	}
	defer imapClient.Logout()

	if err := imapClient.Login(sender.IMAPUsername, password); err != nil {
		return fmt.Errorf("failed to login to IMAP server: %w", err)
	}

	mailbox := sender.IMAPMailbox
	if mailbox == "" {
		mailbox = "INBOX"
	}
	if _, err := imapClient.Select(mailbox, false); err != nil {
		return fmt.Errorf("failed to select mailbox: %w", err)
	}

	criteria := imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{imap.SeenFlag}
	ids, err := imapClient.Search(criteria)
	if err != nil {
		return fmt.Errorf("failed to search messages: %w", err)
	}
	if len(ids) == 0 {
		return nil
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(ids...)

	messages := make(chan *imap.Message, 10)
	done := make(chan error, 1)
	go func() {
		done <- imapClient.Fetch(seqset,
			[]imap.FetchItem{imap.FetchEnvelope, imap.FetchItem("BODY.PEEK[]")}, messages)
	}()

	for msg := range messages {
		if err := iw.processMessage(ctx, msg); err != nil {
			iw.log.WithError(err).WithField("seq_num", msg.SeqNum).
				Warn("failed to process inbound message")
		}
	}
	if err := <-done; err != nil {
		return fmt.Errorf("error during fetch: %w", err)
	}

	// Mark processed messages seen so the next poll starts after them.
	flags := []interface{}{imap.SeenFlag}
	if err := imapClient.Store(seqset, markSeenItem(), flags, nil); err != nil {
		return fmt.Errorf("failed to flag messages seen: %w", err)
	}
	return nil
}

func markSeenItem() imap.StoreItem {
	return imap.FormatFlagsOp(imap.AddFlags, true)
}

func (iw *InboxWorker) processMessage(ctx context.Context, msg *imap.Message) error {
	literal := bodyLiteral(msg)
	if literal == nil {
		return errors.New("message body not found")
	}

	mr, err := mail.CreateReader(literal)
	if err != nil {
		return fmt.Errorf("failed to create message reader: %w", err)
	}

	var bodyText strings.Builder
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		} else if err != nil {
			return fmt.Errorf("failed to read next part: %w", err)
		}
		if _, ok := p.Header.(*mail.InlineHeader); ok {
			b, err := io.ReadAll(p.Body)
			if err != nil {
				return fmt.Errorf("failed to read body: %w", err)
			}
			bodyText.Write(b)
			bodyText.WriteByte('\n')
		}
	}

	sent, err := iw.matchSentEmail(ctx, mr.Header.Get("In-Reply-To"),
		mr.Header.Get("References"), bodyText.String())
	if err != nil {
		return err
	}
	if sent == nil {
		return nil // unrelated mail, not ours
	}

	now := time.Now()
	if code, isBounce := detectBounce(mr.Header.Get("From"), bodyText.String()); isBounce {
		iw.log.WithFields(logrus.Fields{
			"sent_email_id": sent.ID,
			"bounce_code":   code,
		}).Info("bounce notification received")
		return iw.autopause.HandleBounce(ctx, sent.ID, code)
	}

	if err := iw.store.RecordEngagement(ctx, sent.TrackingID, "reply", now); err != nil {
		iw.log.WithError(err).Warn("failed to record reply engagement")
	}
	iw.log.WithField("enrollment_id", sent.EnrollmentID).Info("prospect reply received")
	return iw.autopause.HandleProspectReply(ctx, sent.EnrollmentID)
}

// bodyLiteral looks the full body up by section value, not by map key
// identity. The fetch response keys the body map with its own parser-allocated
// section pointer, so indexing msg.Body with a local key never matches.
func bodyLiteral(msg *imap.Message) imap.Literal {
	section := imap.BodySectionName{}
	return msg.GetBody(&section)
}

// matchSentEmail resolves the inbound message back to one of our outbound
// sends. Replies carry the original Message-ID in In-Reply-To/References;
// bounce reports embed the returned message's headers in the body.
func (iw *InboxWorker) matchSentEmail(ctx context.Context, inReplyTo, references, body string) (*models.SentEmail, error) {
	candidates := strings.Fields(inReplyTo)
	candidates = append(candidates, strings.Fields(references)...)
	for _, m := range bodyMessageIDRe.FindAllStringSubmatch(body, -1) {
		candidates = append(candidates, m[1])
	}

	for _, id := range candidates {
		sent, err := iw.store.GetSentEmailByMessageID(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return sent, nil
	}
	return nil, nil
}

// detectBounce reports whether the message is a delivery status notification
// and extracts its RFC 3464 status code.
func detectBounce(from, body string) (string, bool) {
	m := dsnStatusRe.FindStringSubmatch(body)
	if m == nil {
		return "", false
	}
	lower := strings.ToLower(from)
	if !strings.Contains(lower, "mailer-daemon") && !strings.Contains(lower, "postmaster") {
		return "", false
	}
	return m[1], true
}
