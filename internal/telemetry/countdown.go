package telemetry

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/meridian-sat/obc/internal/clock"
)

// Countdown is the armed shutdown timer. At most one countdown runs at a
// time; a second arm request is refused rather than restarting the clock.
type Countdown struct {
	clk      clock.Clock
	onExpire func()

	mu       sync.Mutex
	cancel   chan struct{}
	deadline time.Time
}

// NewCountdown builds a disarmed countdown. onExpire runs exactly once per
// armed countdown, on the countdown's own goroutine, unless Abort wins the
// race first.
func NewCountdown(clk clock.Clock, onExpire func()) *Countdown {
	return &Countdown{clk: clk, onExpire: onExpire}
}

// Start arms the countdown for the given number of seconds. It reports
// false if a countdown is already armed.
func (c *Countdown) Start(seconds uint32) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return false
	}
	d := time.Duration(seconds) * time.Second
	cancel := make(chan struct{})
	c.cancel = cancel
	c.deadline = c.clk.Now().Add(d)
	log.Warn().Uint32("seconds", seconds).Time("deadline", c.deadline).Msg("shutdown countdown started")

	// The timer is registered before the goroutine starts so the countdown
	// is armed the instant Start returns.
	timer := c.clk.After(d)
	go func() {
		select {
		case <-timer:
		case <-cancel:
			return
		}
		c.mu.Lock()
		// Abort may have slipped in between the timer firing and here.
		if c.cancel != cancel {
			c.mu.Unlock()
			return
		}
		c.cancel = nil
		c.mu.Unlock()
		log.Warn().Msg("shutdown countdown expired")
		if c.onExpire != nil {
			c.onExpire()
		}
	}()
	return true
}

// Abort disarms the countdown, reporting whether one was armed.
func (c *Countdown) Abort() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel == nil {
		return false
	}
	close(c.cancel)
	c.cancel = nil
	log.Warn().Msg("shutdown countdown canceled")
	return true
}

// Armed reports whether a countdown is currently running.
func (c *Countdown) Armed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancel != nil
}

// Deadline returns the expiry instant of the armed countdown.
func (c *Countdown) Deadline() (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deadline, c.cancel != nil
}
