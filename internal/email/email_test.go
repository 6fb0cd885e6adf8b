package email

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturedMessage struct {
	to, subject, body string
}

type recordingSender struct {
	messages []capturedMessage
	err      error
}

func (r *recordingSender) Send(ctx context.Context, to, subject, body string) error {
	r.messages = append(r.messages, capturedMessage{to, subject, body})
	return r.err
}

func TestNewSMTPSender(t *testing.T) {
	full := SMTPConfig{Host: "smtp.example.com", Port: "587", Username: "user@example.com", Password: "password"}

	tests := []struct {
		name   string
		mutate func(c *SMTPConfig)
	}{
		{"missing host", func(c *SMTPConfig) { c.Host = "" }},
		{"missing port", func(c *SMTPConfig) { c.Port = "" }},
		{"missing username", func(c *SMTPConfig) { c.Username = "" }},
		{"missing password", func(c *SMTPConfig) { c.Password = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := full
			tt.mutate(&cfg)

			_, err := NewSMTPSender(cfg)
			assert.ErrorIs(t, err, ErrSMTPConfigMissing)
		})
	}

	sender, err := NewSMTPSender(full)
	require.NoError(t, err)
	assert.Equal(t, "user@example.com", sender.config.From, "From defaults to the SMTP username")
}

func TestSMTPSender_CanceledContext(t *testing.T) {
	sender, err := NewSMTPSender(SMTPConfig{Host: "smtp.example.com", Port: "587", Username: "u", Password: "p"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, sender.Send(ctx, "to@example.com", "subject", "body"), context.Canceled)
}

func TestBuildMessage(t *testing.T) {
	msg := string(buildMessage("from@example.com", "to@example.com", "Hello", "Body"))

	assert.Contains(t, msg, "From: from@example.com\r\n")
	assert.Contains(t, msg, "To: to@example.com\r\n")
	assert.Contains(t, msg, "Subject: Hello\r\n")
	assert.Contains(t, msg, "\r\n\r\nBody\r\n")
}

func TestBuildMessage_FoldsLineBreaksInHeaders(t *testing.T) {
	msg := string(buildMessage("from@example.com", "to@example.com\nCc: other@example.com",
		"Your Widget\r\nBcc: attacker@evil.test license key", "Body"))

	headers, body, found := strings.Cut(msg, "\r\n\r\n")
	require.True(t, found)
	assert.Equal(t, "Body\r\n", body)

	lines := strings.Split(headers, "\r\n")
	assert.Equal(t, []string{
		"From: from@example.com",
		"To: to@example.com Cc: other@example.com",
		"Subject: Your Widget Bcc: attacker@evil.test license key",
		"Content-Type: text/plain; charset=UTF-8",
	}, lines)
}

func TestMailer_SubjectIsSingleLine(t *testing.T) {
	sender := &recordingSender{}
	mailer, err := NewMailer(sender, "The Licensing Team")
	require.NoError(t, err)

	err = mailer.SendLicenseKey(context.Background(), "jane@example.com", LicenseIssued{
		CustomerName:  "Jane",
		LicenseNumber: "LIC00001",
		LicenseKey:    "ABCD-EFGH-IJKL-MNOP",
		ProductName:   "Widget\r\n\r\nInjected body",
	})
	require.NoError(t, err)

	require.Len(t, sender.messages, 1)
	assert.Equal(t, "Your Widget  Injected body license key", sender.messages[0].subject)
}

func TestMailer_SendExpirationReminder(t *testing.T) {
	sender := &recordingSender{}
	mailer, err := NewMailer(sender, "The Licensing Team")
	require.NoError(t, err)

	err = mailer.SendExpirationReminder(context.Background(), "jane@acme.test", ExpirationReminder{
		CustomerName:   "Jane",
		LicenseNumber:  "LIC00007",
		LicenseKey:     "ABCD-EFGH-IJKL-MNOP",
		ProductName:    "Widget Pro",
		ExpirationDate: "2024-06-20",
		DaysLeft:       5,
	})
	require.NoError(t, err)

	require.Len(t, sender.messages, 1)
	msg := sender.messages[0]
	assert.Equal(t, "jane@acme.test", msg.to)
	assert.Equal(t, "License LIC00007 expires on 2024-06-20", msg.subject)
	assert.Contains(t, msg.body, "Hello Jane,")
	assert.Contains(t, msg.body, "(in 5 days)")
	assert.Contains(t, msg.body, "License Key: ABCD-EFGH-IJKL-MNOP")
	assert.Contains(t, msg.body, "The Licensing Team")
}

func TestMailer_ReminderWording(t *testing.T) {
	tests := []struct {
		days int
		want string
	}{
		{0, "(today)"},
		{1, "(tomorrow)"},
		{7, "(in 7 days)"},
	}

	for _, tt := range tests {
		sender := &recordingSender{}
		mailer, err := NewMailer(sender, "Team")
		require.NoError(t, err)

		require.NoError(t, mailer.SendExpirationReminder(context.Background(), "a@b.test", ExpirationReminder{DaysLeft: tt.days}))
		assert.Contains(t, sender.messages[0].body, tt.want)
	}
}

func TestMailer_SendLicenseKey(t *testing.T) {
	sender := &recordingSender{}
	mailer, err := NewMailer(sender, "Team")
	require.NoError(t, err)

	err = mailer.SendLicenseKey(context.Background(), "jane@acme.test", LicenseIssued{
		CustomerName:  "Jane",
		LicenseNumber: "LIC00001",
		LicenseKey:    "ABCD-EFGH-IJKL-MNOP",
		ProductName:   "Widget Pro",
		StartDate:     "2024-01-01",
	})
	require.NoError(t, err)

	msg := sender.messages[0]
	assert.Equal(t, "Your Widget Pro license key", msg.subject)
	assert.Contains(t, msg.body, "License Key: ABCD-EFGH-IJKL-MNOP")
	assert.NotContains(t, msg.body, "Valid Until")
}

func TestMailer_PropagatesSenderError(t *testing.T) {
	sender := &recordingSender{err: errors.New("relay refused")}
	mailer, err := NewMailer(sender, "Team")
	require.NoError(t, err)

	err = mailer.SendLicenseKey(context.Background(), "jane@acme.test", LicenseIssued{})
	assert.EqualError(t, err, "relay refused")
}
