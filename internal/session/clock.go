// ABOUTME: Session clock wrapping an injectable quartz clock
// ABOUTME: Holds the single expiry policy shared by sessions, binding windows and leases

package session

import (
	"time"

	"github.com/coder/quartz"
)

// Clock is the time source for session decisions. Production code uses the
// real clock; tests inject quartz.NewMock.
type Clock struct {
	clk quartz.Clock
}

// NewClock wraps clk. A nil clk selects the real wall clock.
func NewClock(clk quartz.Clock) *Clock {
	if clk == nil {
		clk = quartz.NewReal()
	}
	return &Clock{clk: clk}
}

// Now returns the current time.
func (c *Clock) Now() time.Time {
	return c.clk.Now("session", "now")
}

// Source exposes the underlying quartz clock for timers and tickers.
func (c *Clock) Source() quartz.Clock {
	return c.clk
}

// IsExpired reports whether a state verified at verifiedAt has outlived ttl
// at now. Reaching ttl exactly counts as expired.
func IsExpired(verifiedAt, now time.Time, ttl time.Duration) bool {
	return now.Sub(verifiedAt) >= ttl
}
