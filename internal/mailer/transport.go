package mailer

import "context"

// Message is one outbound email.
type Message struct {
	From    string
	To      string
	Subject string
	HTML    string
}

// Receipt is the typed result of a transport call. Accepted is explicit so an
// ambiguous provider response can never silently pass for a delivery; a
// receipt with Accepted set but no MessageID is a success the caller may want
// to log.
type Receipt struct {
	MessageID string
	Accepted  bool
}

// Transport delivers a single message to the provider. Implementations return
// classifiable errors (see Classify) on failure.
type Transport interface {
	Send(ctx context.Context, msg Message) (Receipt, error)
}
