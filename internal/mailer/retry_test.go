package mailer

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
)

type scriptedTransport struct {
	calls    int
	receipts []Receipt
	errs     []error
}

func (s *scriptedTransport) Send(_ context.Context, _ Message) (Receipt, error) {
	i := s.calls
	s.calls++
	if i >= len(s.errs) {
		i = len(s.errs) - 1
	}
	return s.receipts[i], s.errs[i]
}

func newTestEngine(transport Transport) *Engine {
	e := NewEngine(transport, EngineConfig{
		MaxRetries:    3,
		BaseDelay:     time.Second,
		MaxDelay:      4 * time.Second,
		RateLimitBase: 2 * time.Second,
		RateLimitMax:  8 * time.Second,
	}, zap.NewNop())
	e.sleep = func(context.Context, time.Duration) error { return nil }
	return e
}

func TestSendSucceedsAfterRateLimit(t *testing.T) {
	transport := &scriptedTransport{
		receipts: []Receipt{{}, {MessageID: "msg-1", Accepted: true}},
		errs:     []error{&StatusError{Code: 429}, nil},
	}
	e := newTestEngine(transport)

	res := e.Send(context.Background(), Message{To: "a@example.com"})
	if !res.Success {
		t.Fatalf("expected success, got err=%v", res.Err)
	}
	if res.Attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", res.Attempts)
	}
	if res.MessageID != "msg-1" {
		t.Fatalf("expected message id msg-1, got %q", res.MessageID)
	}
}

func TestSendStopsOnPermanentError(t *testing.T) {
	transport := &scriptedTransport{
		receipts: []Receipt{{}},
		errs:     []error{&StatusError{Code: 401, Message: "bad api key"}},
	}
	e := newTestEngine(transport)

	res := e.Send(context.Background(), Message{To: "a@example.com"})
	if res.Success {
		t.Fatal("expected failure")
	}
	if res.Attempts != 1 {
		t.Fatalf("permanent error should stop after 1 attempt, got %d", res.Attempts)
	}
	if res.Retryable {
		t.Fatal("401 must not be retryable")
	}
	if transport.calls != 1 {
		t.Fatalf("transport called %d times, want 1", transport.calls)
	}
}

func TestSendExhaustsRetries(t *testing.T) {
	transport := &scriptedTransport{
		receipts: []Receipt{{}},
		errs:     []error{&StatusError{Code: 503}},
	}
	e := newTestEngine(transport)

	res := e.Send(context.Background(), Message{To: "a@example.com"})
	if res.Success {
		t.Fatal("expected failure")
	}
	if res.Attempts != 4 {
		t.Fatalf("expected maxRetries+1 = 4 attempts, got %d", res.Attempts)
	}
	if !res.Retryable {
		t.Fatal("exhausted transient failure should remain marked retryable")
	}
}

func TestSendAcceptedWithoutIDIsSuccess(t *testing.T) {
	transport := &scriptedTransport{
		receipts: []Receipt{{Accepted: true}},
		errs:     []error{nil},
	}
	e := newTestEngine(transport)

	res := e.Send(context.Background(), Message{To: "a@example.com"})
	if !res.Success {
		t.Fatalf("accepted receipt without id must count as success, got err=%v", res.Err)
	}
	if res.MessageID != "" {
		t.Fatalf("unexpected message id %q", res.MessageID)
	}
}

func TestSendNotAcceptedNoErrorIsRetried(t *testing.T) {
	transport := &scriptedTransport{
		receipts: []Receipt{{}, {MessageID: "msg-2", Accepted: true}},
		errs:     []error{nil, nil},
	}
	e := newTestEngine(transport)

	res := e.Send(context.Background(), Message{To: "a@example.com"})
	if !res.Success || res.Attempts != 2 {
		t.Fatalf("expected retry then success, got success=%v attempts=%d", res.Success, res.Attempts)
	}
}

func TestSendHonorsCancelledBackoff(t *testing.T) {
	transport := &scriptedTransport{
		receipts: []Receipt{{}},
		errs:     []error{&StatusError{Code: 503}},
	}
	e := newTestEngine(transport)
	e.sleep = func(ctx context.Context, _ time.Duration) error { return context.Canceled }

	res := e.Send(context.Background(), Message{To: "a@example.com"})
	if res.Success {
		t.Fatal("expected failure")
	}
	if !errors.Is(res.Err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", res.Err)
	}
	if res.Attempts != 1 {
		t.Fatalf("expected 1 attempt before cancelled backoff, got %d", res.Attempts)
	}
}

func TestBackoffFormula(t *testing.T) {
	base := 60 * time.Second
	max := 300 * time.Second

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 60 * time.Second},
		{1, 120 * time.Second},
		{2, 240 * time.Second},
		{3, 300 * time.Second}, // capped
		{10, 300 * time.Second},
	}
	for _, tc := range cases {
		if got := Backoff(tc.attempt, base, max); got != tc.want {
			t.Fatalf("Backoff(%d) = %s, want %s", tc.attempt, got, tc.want)
		}
	}
}
