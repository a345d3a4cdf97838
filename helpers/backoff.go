package helpers

import (
	"time"
)

// Limited exponential backoff for retry delays.
// K<=1 gives fixed Min delay between attempts, the device default: never give up, never slow down.
// K>1 multiplies delay after each failure up to Max.
// Backoff does not read the clock, callers schedule next attempt as now+Delay().
//
// Use scenario:
// if now.Before(next) { return }
// err := op()
// b.Update(err==nil)
// next = now.Add(b.Delay())
type Backoff struct {
	next     time.Duration
	attempts int

	Min time.Duration
	Max time.Duration
	K   float32
	Res time.Duration // delay resolution for nice logs, default=1ms
}

// Delay before next attempt, rounded up to Res and never below Min.
func (b *Backoff) Delay() time.Duration {
	d := b.next
	if d == 0 {
		d = b.limit(b.Min)
	}
	d = b.round(d)
	if b.Max > 0 && d > b.Max {
		d = b.Max
	}
	return d
}

// Attempts counts failures since last Reset.
func (b *Backoff) Attempts() int { return b.attempts }

// Increase next Delay()
func (b *Backoff) Failure() {
	b.attempts++
	if b.attempts == 1 || b.K <= 1 {
		b.next = b.limit(b.Min)
		return
	}
	// unrounded base, resolution error must not compound
	b.next = b.limit(time.Duration(float32(b.next) * b.K))
}

func (b *Backoff) Reset() {
	b.attempts = 0
	b.next = 0
}

func (b *Backoff) Update(success bool) {
	if success {
		b.Reset()
	} else {
		b.Failure()
	}
}

func (b *Backoff) limit(d time.Duration) time.Duration {
	if d < b.Min {
		d = b.Min
	}
	if b.Max > 0 && d > b.Max {
		d = b.Max
	}
	return d
}

func (b *Backoff) round(d time.Duration) time.Duration {
	res := b.Res
	if res == 0 {
		res = 1 * time.Millisecond
	}
	return (d + res - 1) / res * res
}
