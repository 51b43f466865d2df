// Package ratelimit throttles outbound sends under both a per-minute and a
// per-hour provider ceiling. The limiter is purely in-process: one instance
// gates every send issued through it, and cross-process throughput is bounded
// by how many jobs run concurrently under the lock manager.
package ratelimit

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// maxSleep caps each blocking interval so a waiter stays responsive to
// cancellation and externally-changed state.
const maxSleep = 60 * time.Second

// Limiter is a dual-window token bucket: the minute bucket holds the
// per-minute limit refilled at limit/60 tokens per second, the hour bucket
// holds the per-hour limit refilled at limit/3600 tokens per second. A send
// must obtain a token from both.
type Limiter struct {
	minute *rate.Limiter
	hour   *rate.Limiter
	now    func() time.Time
}

// New builds a limiter for the given provider ceilings.
func New(perMinute, perHour int) *Limiter {
	return &Limiter{
		minute: rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), perMinute),
		hour:   rate.NewLimiter(rate.Limit(float64(perHour)/3600.0), perHour),
		now:    time.Now,
	}
}

// Consume atomically takes n tokens from both buckets. If either bucket
// cannot supply them right now, both are left unchanged and false is returned.
func (l *Limiter) Consume(n int) bool {
	now := l.now()

	resMinute := l.minute.ReserveN(now, n)
	if !resMinute.OK() || resMinute.DelayFrom(now) > 0 {
		resMinute.CancelAt(now)
		return false
	}

	resHour := l.hour.ReserveN(now, n)
	if !resHour.OK() || resHour.DelayFrom(now) > 0 {
		resHour.CancelAt(now)
		resMinute.CancelAt(now)
		return false
	}

	return true
}

// Wait blocks until one token is available from both buckets or the context
// is cancelled. Each sleep is the larger of the two buckets' time-until-next-
// token, capped at maxSleep.
func (l *Limiter) Wait(ctx context.Context) error {
	for {
		if l.Consume(1) {
			return nil
		}

		d := l.nextTokenDelay()
		if d > maxSleep {
			d = maxSleep
		}
		if d <= 0 {
			d = 10 * time.Millisecond
		}

		timer := time.NewTimer(d)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// nextTokenDelay peeks at how long until each bucket yields a token, without
// consuming anything, and returns the larger of the two.
func (l *Limiter) nextTokenDelay() time.Duration {
	now := l.now()
	dm := peekDelay(l.minute, now)
	dh := peekDelay(l.hour, now)
	if dm > dh {
		return dm
	}
	return dh
}

func peekDelay(lim *rate.Limiter, now time.Time) time.Duration {
	res := lim.ReserveN(now, 1)
	if !res.OK() {
		return maxSleep
	}
	d := res.DelayFrom(now)
	res.CancelAt(now)
	return d
}
