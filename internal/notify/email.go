// Package notify implements the mobile-enrollment verification-code
// delivery channel — an external collaborator per spec.md §4.7.4 ("sends a
// verification code out-of-band (to email)") — in the same
// enabled-if-configured shape as pkg/opsnotify's Slack notifier.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"net/smtp"
	"strings"
)

// EmailSender delivers mobile-enrollment verification codes over SMTP. No
// pack example sends email, and SMTP delivery here is a thin protocol
// client with no domain logic of its own, so this uses net/smtp directly
// rather than a third-party mailer (see DESIGN.md).
type EmailSender struct {
	addr string
	auth smtp.Auth
	from string
	log  *slog.Logger
}

// NewEmailSender builds an EmailSender targeting smtpAddr ("host:port").
// If smtpAddr is empty, SendVerificationCode only logs the code instead of
// delivering it, so local/dev runs work without a mail relay configured.
func NewEmailSender(smtpAddr, username, password, from string, log *slog.Logger) *EmailSender {
	var auth smtp.Auth
	if username != "" {
		host := smtpAddr
		if i := strings.IndexByte(smtpAddr, ':'); i >= 0 {
			host = smtpAddr[:i]
		}
		auth = smtp.PlainAuth("", username, password, host)
	}
	return &EmailSender{addr: smtpAddr, auth: auth, from: from, log: log}
}

// SendVerificationCode implements pkg/auth.VerificationSender.
func (e *EmailSender) SendVerificationCode(ctx context.Context, email, code string) error {
	if e.addr == "" {
		e.log.Info("notify: dev mode, verification code not delivered by email", "email", email, "code", code)
		return nil
	}

	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: Your verification code\r\n\r\nYour verification code is: %s\r\n",
		e.from, email, code)
	if err := smtp.SendMail(e.addr, e.auth, e.from, []string{email}, []byte(msg)); err != nil {
		return fmt.Errorf("notify: sending verification email: %w", err)
	}
	return nil
}
