package retry

import (
	"fmt"
	"math"
	"time"

	"github.com/lightningnetwork/lnd/clock"
)

const (
	// DefaultBackoffDelta is the delay after the first failed attempt.
	DefaultBackoffDelta = 200 * time.Millisecond

	// DefaultBackoffBase is the growth factor applied per failed
	// attempt.
	DefaultBackoffBase = 1.5

	// DefaultMaxTimeout caps the delay between two attempts.
	DefaultMaxTimeout = time.Hour
)

// Info is the retry state of one unit of work.
type Info struct {
	// Counter is the number of failed attempts since the last success or
	// reset.
	Counter uint32

	// FirstTry is when the current series of attempts started.
	FirstTry time.Time

	// NextRetry is the earliest time the work should be attempted again.
	NextRetry time.Time

	// Active is false once the work is done and no retry is pending.
	Active bool
}

// Policy computes backoff delays.
type Policy struct {
	// BackoffDelta is the delay after the first failed attempt.
	BackoffDelta time.Duration `long:"backoffdelta" description:"Delay after the first failed attempt of a task"`

	// BackoffBase is the growth factor per failed attempt.
	BackoffBase float64 `long:"backoffbase" description:"Exponential growth factor of the retry delay"`

	// MaxTimeout caps the delay between two attempts.
	MaxTimeout time.Duration `long:"maxtimeout" description:"Upper bound on the delay between two attempts of a task"`

	// Clock is the time source.
	Clock clock.Clock `no-flag:"true"`
}

// DefaultPolicy returns the policy with the default parameters.
func DefaultPolicy() Policy {
	return Policy{
		BackoffDelta: DefaultBackoffDelta,
		BackoffBase:  DefaultBackoffBase,
		MaxTimeout:   DefaultMaxTimeout,
		Clock:        clock.NewDefaultClock(),
	}
}

// Validate checks that delays grow and are bounded.
func (p Policy) Validate() error {
	switch {
	case p.BackoffDelta <= 0:
		return fmt.Errorf("backoff delta must be positive")

	case p.BackoffBase < 1:
		return fmt.Errorf("backoff base must be at least 1")

	case p.MaxTimeout < p.BackoffDelta:
		return fmt.Errorf("max timeout must not be below the " +
			"backoff delta")
	}

	return nil
}

func (p Policy) now() time.Time {
	if p.Clock == nil {
		return time.Now()
	}

	return p.Clock.Now()
}

// Delay returns the backoff delay for the given number of failed attempts.
func (p Policy) Delay(counter uint32) time.Duration {
	delta := p.BackoffDelta
	if delta <= 0 {
		delta = DefaultBackoffDelta
	}
	base := p.BackoffBase
	if base < 1 {
		base = DefaultBackoffBase
	}

	d := float64(delta) * math.Pow(base, float64(counter))
	if p.MaxTimeout > 0 && d > float64(p.MaxTimeout) {
		return p.MaxTimeout
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}

	return time.Duration(d)
}

// NewInfo returns a fresh retry state that is due at now.
func NewInfo(now time.Time) *Info {
	return &Info{
		FirstTry:  now,
		NextRetry: now,
		Active:    true,
	}
}

// Increment records a failed attempt and schedules the next one.
func (p Policy) Increment(info *Info) {
	if !info.Active {
		return
	}

	now := p.now()
	if info.FirstTry.IsZero() {
		info.FirstTry = now
	}
	info.Counter++
	info.NextRetry = now.Add(p.Delay(info.Counter))
}

// Duration returns how long the current series of attempts has been running.
// A nil or inactive state has a zero duration.
func Duration(info *Info, now time.Time) time.Duration {
	if info == nil || !info.Active || info.FirstTry.IsZero() {
		return 0
	}

	return now.Sub(info.FirstTry)
}

// Clamp bounds d to the interval [lo, hi].
func Clamp(d, lo, hi time.Duration) time.Duration {
	if d < lo {
		return lo
	}
	if d > hi {
		return hi
	}

	return d
}
