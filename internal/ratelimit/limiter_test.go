package ratelimit

import (
	"context"
	"testing"
	"time"
)

// fixedClock lets tests move bucket time without sleeping.
type fixedClock struct {
	t time.Time
}

func (c *fixedClock) now() time.Time          { return c.t }
func (c *fixedClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLimiter(perMinute, perHour int) (*Limiter, *fixedClock) {
	clock := &fixedClock{t: time.Now()}
	l := New(perMinute, perHour)
	l.now = clock.now
	return l, clock
}

func TestConsumeDrainsCapacity(t *testing.T) {
	// 6/minute refills at 0.1 tokens/sec.
	l, clock := newTestLimiter(6, 1000)

	for i := 0; i < 6; i++ {
		if !l.Consume(1) {
			t.Fatalf("consume %d should succeed within capacity", i+1)
		}
	}
	if l.Consume(1) {
		t.Fatal("consume beyond capacity should fail")
	}

	// One refill interval later a single token is back.
	clock.advance(10 * time.Second)
	if !l.Consume(1) {
		t.Fatal("consume should succeed after one refill interval")
	}
	if l.Consume(1) {
		t.Fatal("only one token should have refilled")
	}
}

func TestConsumeLeavesStateOnFailure(t *testing.T) {
	// Minute bucket is generous, hour bucket has capacity 2: the hour bucket
	// denies the third send, and the denial must not burn minute tokens.
	l, _ := newTestLimiter(60, 2)

	if !l.Consume(1) || !l.Consume(1) {
		t.Fatal("first two consumes should succeed")
	}
	for i := 0; i < 10; i++ {
		if l.Consume(1) {
			t.Fatal("hour bucket is empty, consume should fail")
		}
	}

	// If failed consumes leaked minute tokens, this would now be denied by
	// the minute bucket rather than the hour bucket alone. Refill the hour
	// bucket by one token and the send must go through.
	l2, clock := newTestLimiter(60, 3600) // hour refills at 1 token/sec
	for i := 0; i < 60; i++ {
		if !l2.Consume(1) {
			t.Fatalf("consume %d should succeed", i)
		}
	}
	if l2.Consume(1) {
		t.Fatal("minute bucket exhausted")
	}
	clock.advance(time.Second)
	if !l2.Consume(1) {
		t.Fatal("one minute-bucket token should be back after 1s")
	}
}

func TestWaitReturnsOnCancel(t *testing.T) {
	l, _ := newTestLimiter(1, 1000)
	if !l.Consume(1) {
		t.Fatal("first consume should succeed")
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- l.Wait(ctx)
	}()

	cancel()
	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected context error from cancelled wait")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("wait did not observe cancellation")
	}
}

func TestWaitProceedsWhenTokenAvailable(t *testing.T) {
	l, _ := newTestLimiter(10, 1000)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := l.Wait(ctx); err != nil {
		t.Fatalf("wait with available token should return immediately: %v", err)
	}
}
