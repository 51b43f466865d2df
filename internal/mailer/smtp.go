package mailer

import (
	"context"
	"strings"

	"gopkg.in/gomail.v2"
)

// SMTPTransport delivers messages through an SMTP relay. SMTP returns no
// provider message id, so receipts carry Accepted without an id.
type SMTPTransport struct {
	dialer *gomail.Dialer
}

// NewSMTP builds a transport for the given relay.
func NewSMTP(host string, port int, user, password string) *SMTPTransport {
	return &SMTPTransport{
		dialer: gomail.NewDialer(host, port, user, password),
	}
}

// Send dials the relay and submits the message. gomail does not take a
// context; cancellation is observed between attempts by the retry engine.
func (t *SMTPTransport) Send(_ context.Context, msg Message) (Receipt, error) {
	m := gomail.NewMessage()
	m.SetHeader("From", msg.From)
	m.SetHeader("To", msg.To)
	m.SetHeader("Subject", msg.Subject)
	m.SetBody("text/html", msg.HTML)

	if err := t.dialer.DialAndSend(m); err != nil {
		return Receipt{}, wrapSMTPError(err)
	}
	return Receipt{Accepted: true}, nil
}

// wrapSMTPError maps well-known SMTP reply codes onto status errors so the
// classifier does not depend on free-text matching for them.
func wrapSMTPError(err error) error {
	text := strings.ToLower(err.Error())
	switch {
	case strings.Contains(text, "421") || strings.Contains(text, "too many"):
		return &StatusError{Code: 429, Message: err.Error()}
	case strings.Contains(text, "530") || strings.Contains(text, "535") ||
		strings.Contains(text, "authentication"):
		return &StatusError{Code: 401, Message: err.Error()}
	}
	return err
}
