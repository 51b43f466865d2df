package mailer

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

// StatusError carries a provider status code alongside the message, so
// classification does not have to rely on text matching alone.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("provider returned status %d", e.Code)
	}
	return fmt.Sprintf("provider returned status %d: %s", e.Code, e.Message)
}

// Classify decides whether a send error is worth retrying and whether it was
// a rate limit (which earns a longer backoff floor). Unknown errors default
// to retryable: transient provider hiccups are far more common than novel
// permanent failures, and the attempt ceiling bounds the cost of guessing
// wrong.
func Classify(err error) (retryable, rateLimited bool) {
	if err == nil {
		return false, false
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		switch {
		case statusErr.Code == 429:
			return true, true
		case statusErr.Code == 401 || statusErr.Code == 403:
			return false, false
		case statusErr.Code >= 500:
			return true, false
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true, false
	}

	text := strings.ToLower(err.Error())

	if strings.Contains(text, "429") || strings.Contains(text, "rate limit") || strings.Contains(text, "too many requests") {
		return true, true
	}
	if strings.Contains(text, "401") || strings.Contains(text, "403") ||
		strings.Contains(text, "unauthorized") || strings.Contains(text, "forbidden") {
		return false, false
	}
	if strings.Contains(text, "400") && strings.Contains(text, "invalid") {
		return false, false
	}

	return true, false
}
