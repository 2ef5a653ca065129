package mail

import (
	"bytes"
	"fmt"
	"log"
	"net/smtp"
	"text/template"

	"github.com/google/uuid"

	"github.com/revopsio/recoup/internal/pkg/env"
)

// Mailer sends templated notifications. Sends are fire-and-observe: failures
// are logged by callers, never retried.
type Mailer interface {
	SendTemplatedEmail(to, templateID string, data map[string]interface{}) (string, error)
}

// Built-in dunning notification templates keyed by template id. Subject and
// body are small text/template documents over the caller-provided data map.
var templates = map[string]struct {
	Subject string
	Body    string
}{
	"dunning_initial": {
		Subject: "Payment failed for invoice {{.invoice_id}}",
		Body:    "<p>We could not collect {{.amount}} {{.currency}} for invoice {{.invoice_id}}. We will retry automatically on {{.next_retry}}.</p>",
	},
	"dunning_reminder": {
		Subject: "Reminder: invoice {{.invoice_id}} is still unpaid",
		Body:    "<p>Our retry for invoice {{.invoice_id}} ({{.amount}} {{.currency}}) did not go through. Next attempt: {{.next_retry}}.</p>",
	},
	"dunning_final_notice": {
		Subject: "Final notice for invoice {{.invoice_id}}",
		Body:    "<p>We were unable to collect payment for invoice {{.invoice_id}} after repeated attempts. Your subscription has been cancelled.</p>",
	},
	"dunning_success": {
		Subject: "Payment recovered for invoice {{.invoice_id}}",
		Body:    "<p>Your payment of {{.amount}} {{.currency}} for invoice {{.invoice_id}} went through. Thanks!</p>",
	},
}

// SMTPMailer sends templated emails via SMTP.
type SMTPMailer struct{}

// NewSMTPMailer returns a mailer configured from the environment at send time.
func NewSMTPMailer() *SMTPMailer {
	return &SMTPMailer{}
}

// SendTemplatedEmail renders the named template and sends it. It returns a
// generated message id on success.
func (m *SMTPMailer) SendTemplatedEmail(to, templateID string, data map[string]interface{}) (string, error) {
	subject, body, err := RenderTemplate(templateID, data)
	if err != nil {
		return "", err
	}

	messageID := uuid.New().String()
	if err := sendMail(to, subject, body, messageID); err != nil {
		return "", err
	}
	return messageID, nil
}

// RenderTemplate renders the subject and body of a known template id.
func RenderTemplate(templateID string, data map[string]interface{}) (string, string, error) {
	tpl, ok := templates[templateID]
	if !ok {
		return "", "", fmt.Errorf("unknown email template: %s", templateID)
	}

	subject, err := renderText(tpl.Subject, data)
	if err != nil {
		return "", "", err
	}
	body, err := renderText(tpl.Body, data)
	if err != nil {
		return "", "", err
	}
	return subject, body, nil
}

func renderText(text string, data map[string]interface{}) (string, error) {
	t, err := template.New("mail").Parse(text)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func sendMail(to, subject, body, messageID string) error {
	host := env.GetEnv("SMTP_HOST", "")
	port := env.GetEnv("SMTP_PORT", "")
	username := env.GetEnv("SMTP_USERNAME", "")
	password := env.GetEnv("SMTP_PASSWORD", "")
	sender := env.GetEnv("SMTP_SENDER", "")

	if sender == "" {
		sender = fmt.Sprintf("no-reply@%s", "localhost")
		log.Printf("SMTP_SENDER not set, using default sender: %s", sender)
	}

	var auth smtp.Auth
	if username != "" && password != "" {
		auth = smtp.PlainAuth("", username, password, host)
	}

	addr := fmt.Sprintf("%s:%s", host, port)

	msg := []byte(
		fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\nMessage-ID: <%s>\r\n", sender, to, subject, messageID) +
			"MIME-Version: 1.0\r\n" +
			"Content-Type: text/html; charset=UTF-8\r\n\r\n" +
			body,
	)

	err := smtp.SendMail(addr, auth, sender, []string{to}, msg)
	if err != nil {
		log.Printf("SMTP send error: %v", err)
	} else {
		log.Printf("Email sent to %s via %s", to, addr)
	}
	return err
}
