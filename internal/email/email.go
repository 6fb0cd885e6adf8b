package email

import (
	"bytes"
	"context"
	"embed"
	"errors"
	"fmt"
	"net/smtp"
	"strings"
	"text/template"

	"licensedesk.app/server/internal/logger"
)

//go:embed templates/*.txt
var templateFS embed.FS

var ErrSMTPConfigMissing = errors.New("SMTP configuration missing")

// Sender delivers a single plain-text message.
type Sender interface {
	Send(ctx context.Context, to, subject, body string) error
}

type SMTPConfig struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
}

type SMTPSender struct {
	config SMTPConfig
}

func NewSMTPSender(config SMTPConfig) (*SMTPSender, error) {
	if config.Host == "" || config.Port == "" || config.Username == "" || config.Password == "" {
		logger.Error("SMTP configuration missing")
		return nil, ErrSMTPConfigMissing
	}
	if config.From == "" {
		config.From = config.Username
	}
	return &SMTPSender{config: config}, nil
}

func (s *SMTPSender) Send(ctx context.Context, to, subject, body string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	auth := smtp.PlainAuth("", s.config.Username, s.config.Password, s.config.Host)
	msg := buildMessage(s.config.From, to, subject, body)

	addr := fmt.Sprintf("%s:%s", s.config.Host, s.config.Port)
	return smtp.SendMail(addr, auth, s.config.From, []string{to}, msg)
}

func buildMessage(from, to, subject, body string) []byte {
	return []byte(fmt.Sprintf("From: %s\r\n"+
		"To: %s\r\n"+
		"Subject: %s\r\n"+
		"Content-Type: text/plain; charset=UTF-8\r\n"+
		"\r\n"+
		"%s\r\n", headerValue(from), headerValue(to), headerValue(subject), body))
}

var lineBreaks = strings.NewReplacer("\r\n", " ", "\r", " ", "\n", " ")

// headerValue folds a header value onto a single line so user-supplied text
// cannot start new headers or the body.
func headerValue(s string) string {
	return lineBreaks.Replace(s)
}

// LogSender writes messages to the log instead of delivering them. It backs
// EMAIL_SERVICE=log for local development.
type LogSender struct{}

func (LogSender) Send(ctx context.Context, to, subject, body string) error {
	logger.Info("Email not sent (log delivery)", map[string]interface{}{
		"to":      to,
		"subject": subject,
		"bytes":   len(body),
	})
	return nil
}

type ExpirationReminder struct {
	CustomerName   string
	LicenseNumber  string
	LicenseKey     string
	ProductName    string
	ExpirationDate string
	DaysLeft       int
	SenderName     string
}

type LicenseIssued struct {
	CustomerName   string
	LicenseNumber  string
	LicenseKey     string
	ProductName    string
	StartDate      string
	ExpirationDate string
	SenderName     string
}

// Mailer renders the license email templates and hands them to a Sender.
type Mailer struct {
	sender     Sender
	templates  *template.Template
	senderName string
}

func NewMailer(sender Sender, senderName string) (*Mailer, error) {
	tmpl, err := template.ParseFS(templateFS, "templates/*.txt")
	if err != nil {
		return nil, fmt.Errorf("parse email templates: %w", err)
	}
	return &Mailer{sender: sender, templates: tmpl, senderName: senderName}, nil
}

func (m *Mailer) SendExpirationReminder(ctx context.Context, to string, data ExpirationReminder) error {
	data.SenderName = m.senderName
	subject := fmt.Sprintf("License %s expires on %s", data.LicenseNumber, data.ExpirationDate)
	return m.sendTemplate(ctx, to, subject, "expiration_reminder.txt", data)
}

func (m *Mailer) SendLicenseKey(ctx context.Context, to string, data LicenseIssued) error {
	data.SenderName = m.senderName
	subject := fmt.Sprintf("Your %s license key", data.ProductName)
	return m.sendTemplate(ctx, to, subject, "license_key.txt", data)
}

func (m *Mailer) sendTemplate(ctx context.Context, to, subject, name string, data interface{}) error {
	var body bytes.Buffer
	if err := m.templates.ExecuteTemplate(&body, name, data); err != nil {
		return fmt.Errorf("execute template %s: %w", name, err)
	}
	return m.sender.Send(ctx, to, headerValue(subject), body.String())
}
