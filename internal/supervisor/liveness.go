package supervisor

import (
	"sync"
	"time"
)

// Timings are the liveness intervals of a local session.
type Timings struct {
	// Interval is how often the page sends a heartbeat.
	Interval time.Duration
	// Timeout stops the service when no heartbeat arrived for this long
	// after the first one.
	Timeout time.Duration
	// Connect stops the service when no page connected within this long of
	// launch.
	Connect time.Duration
	// CloseGrace stops the service this long after a close beacon unless a
	// heartbeat arrives first.
	CloseGrace time.Duration
}

// liveness tracks page heartbeats for one session.
type liveness struct {
	t   Timings
	now func() time.Time

	mu       sync.Mutex
	started  time.Time
	last     time.Time
	closedAt time.Time
	beats    int
}

func newLiveness(t Timings, now func() time.Time) *liveness {
	if now == nil {
		now = time.Now
	}
	return &liveness{t: t, now: now, started: now()}
}

func (l *liveness) heartbeat() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.last = l.now()
	l.closedAt = time.Time{}
	l.beats++
}

func (l *liveness) closeBeacon() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closedAt = l.now()
}

// expired returns a reason once the session should end.
func (l *liveness) expired() (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	switch {
	case !l.closedAt.IsZero() && now.Sub(l.closedAt) >= l.t.CloseGrace:
		return "page closed", true
	case l.last.IsZero() && now.Sub(l.started) >= l.t.Connect:
		return "no page connected", true
	case !l.last.IsZero() && now.Sub(l.last) >= l.t.Timeout:
		return "heartbeat timeout", true
	}
	return "", false
}

func (l *liveness) snapshot() (last time.Time, beats int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.last, l.beats
}

// pollInterval picks a check period well under the shortest deadline.
func (t Timings) pollInterval() time.Duration {
	shortest := t.Timeout
	for _, d := range []time.Duration{t.Connect, t.CloseGrace} {
		if d < shortest {
			shortest = d
		}
	}
	p := shortest / 4
	switch {
	case p < 5*time.Millisecond:
		return 5 * time.Millisecond
	case p > time.Second:
		return time.Second
	}
	return p
}
