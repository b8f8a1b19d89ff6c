// Package alert delivers routed notifications by email. Delivery is
// best effort: the sink never blocks routing and a failed send only
// logs.
package alert

import (
	"fmt"
	"log"
	"net/smtp"
	"strings"

	"relay/sync/internal/notify"
)

// Config holds SMTP configuration. Email alerts are disabled when the
// config is incomplete.
type Config struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
	FromName string
}

// Mailer sends plain-text alert emails over SMTP.
type Mailer struct {
	config Config
	server string
	auth   smtp.Auth
}

func NewMailer(config Config) *Mailer {
	auth := smtp.PlainAuth("", config.Username, config.Password, config.Host)

	return &Mailer{
		config: config,
		server: config.Host + ":" + config.Port,
		auth:   auth,
	}
}

// IsConfigured returns true if email alerting is configured.
func (m *Mailer) IsConfigured() bool {
	return m.config.Host != "" && m.config.Port != "" && m.config.From != ""
}

// NotificationSink adapts the mailer into a notify.AlertSink for one
// recipient address. Sends run in the background so routing is never
// held up by SMTP.
func (m *Mailer) NotificationSink(to string) notify.AlertSink {
	return func(rec notify.Record) {
		if !m.IsConfigured() || to == "" {
			return
		}
		subject, body := Render(rec)
		go func() {
			if err := m.send([]string{to}, subject, body); err != nil {
				log.Printf("alert email to %s failed: %v", to, err)
			}
		}()
	}
}

// Render builds the subject and plain-text body for one record.
func Render(rec notify.Record) (subject, body string) {
	switch rec.Kind {
	case notify.KindInvite:
		server := rec.Preview
		if server == "" {
			server = "a server"
		}
		subject = fmt.Sprintf("%s invited you to %s", rec.DisplayName, server)
		body = fmt.Sprintf("%s invited you to join %s on Relay.\r\n", rec.DisplayName, server)
	default:
		subject = fmt.Sprintf("New message from %s", rec.DisplayName)
		body = fmt.Sprintf("%s sent you a direct message:\r\n\r\n%s\r\n", rec.DisplayName, rec.Preview)
	}
	return subject, body
}

func (m *Mailer) send(to []string, subject, body string) error {
	if !m.IsConfigured() {
		return fmt.Errorf("email not configured")
	}

	from := m.config.From
	if m.config.FromName != "" {
		from = fmt.Sprintf("%s <%s>", m.config.FromName, m.config.From)
	}

	msg := []byte(fmt.Sprintf(
		"To: %s\r\n"+
			"From: %s\r\n"+
			"Subject: %s\r\n"+
			"Content-Type: text/plain; charset=UTF-8\r\n"+
			"\r\n"+
			"%s",
		strings.Join(to, ", "),
		from,
		subject,
		body,
	))

	return smtp.SendMail(m.server, m.auth, m.config.From, to, msg)
}
