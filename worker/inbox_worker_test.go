package worker

import (
	"bytes"
	"io"
	"testing"

	"github.com/emersion/go-imap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const dsnBody = `This is the mail system at host mx.example.com.

Final-Recipient: rfc822; prospect@example.com
Action: failed
Status: 5.1.1
Diagnostic-Code: smtp; 550 5.1.1 user unknown

Reporting-MTA: dns; mx.example.com

Message-ID: <original-123@sender.example.com>
Subject: Hello
`

func TestDetectBounce(t *testing.T) {
	t.Parallel()

	t.Run("delivery status notification", func(t *testing.T) {
		t.Parallel()
		code, ok := detectBounce("MAILER-DAEMON@mx.example.com (Mail Delivery System)", dsnBody)
		assert.True(t, ok)
		assert.Equal(t, "5.1.1", code)
	})

	t.Run("status line from an ordinary sender is not a bounce", func(t *testing.T) {
		t.Parallel()
		_, ok := detectBounce("prospect@example.com", dsnBody)
		assert.False(t, ok)
	})

	t.Run("plain reply is not a bounce", func(t *testing.T) {
		t.Parallel()
		_, ok := detectBounce("prospect@example.com", "Thanks, sounds interesting!")
		assert.False(t, ok)
	})
}

func TestBodyLiteral(t *testing.T) {
	t.Parallel()

	t.Run("finds the body under a foreign section key", func(t *testing.T) {
		t.Parallel()
		// The fetch response allocates its own section key; lookup must
		// match by value, never by pointer.
		key := &imap.BodySectionName{}
		msg := &imap.Message{
			Body: map[*imap.BodySectionName]imap.Literal{
				key: bytes.NewBufferString(dsnBody),
			},
		}

		literal := bodyLiteral(msg)
		require.NotNil(t, literal)
		raw, err := io.ReadAll(literal)
		require.NoError(t, err)
		assert.Equal(t, dsnBody, string(raw))
	})

	t.Run("nil for a message without a body", func(t *testing.T) {
		t.Parallel()
		assert.Nil(t, bodyLiteral(&imap.Message{}))
	})
}

func TestMarkSeenItem(t *testing.T) {
	t.Parallel()
	assert.Equal(t, imap.StoreItem("+FLAGS.SILENT"), markSeenItem())
}

func TestBodyMessageIDExtraction(t *testing.T) {
	t.Parallel()
	matches := bodyMessageIDRe.FindAllStringSubmatch(dsnBody, -1)
	assert.Len(t, matches, 1)
	assert.Equal(t, "<original-123@sender.example.com>", matches[0][1])
}
