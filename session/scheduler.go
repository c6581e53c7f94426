package session

import (
	"sync"
	"time"

	"github.com/Autopilot7/Startup-visualization-sub000/credential"
)

// DefaultRefreshLead is how long before expiry a refreshable credential is renewed.
const DefaultRefreshLead = 30 * time.Second

// Scheduler keeps at most one pending expiry task for the current credential.
type Scheduler struct {
	lead      time.Duration
	now       func() time.Time
	onDue     func()
	onExpired func()

	mu    sync.Mutex
	timer *time.Timer
	gen   uint64
}

// NewScheduler returns a scheduler that calls onDue when an armed credential
// comes due and onExpired when Arm is handed one that has already expired.
func NewScheduler(lead time.Duration, now func() time.Time, onDue, onExpired func()) *Scheduler {
	if lead < 0 {
		lead = 0
	}
	if now == nil {
		now = time.Now
	}
	return &Scheduler{
		lead:      lead,
		now:       now,
		onDue:     onDue,
		onExpired: onExpired,
	}
}

// Arm replaces any pending task with one for c. A credential that is already
// expired is handed to onExpired before Arm returns, and Arm reports false.
// The lead only applies when c can be refreshed.
func (s *Scheduler) Arm(c credential.Credential) bool {
	delay := c.ExpiresAt.Sub(s.now())
	if delay <= 0 {
		s.Disarm()
		s.onExpired()
		return false
	}

	wait := delay
	if c.CanRefresh() {
		wait = max(delay-s.lead, 0)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
	}
	s.gen++
	gen := s.gen
	s.timer = time.AfterFunc(wait, func() { s.fire(gen) })
	return true
}

// Disarm cancels the pending task, if any.
func (s *Scheduler) Disarm() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.gen++
}

// Armed reports whether a task is pending.
func (s *Scheduler) Armed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timer != nil
}

func (s *Scheduler) fire(gen uint64) {
	s.mu.Lock()
	if gen != s.gen {
		// superseded by a re-arm or disarm after the timer had already fired
		s.mu.Unlock()
		return
	}
	s.timer = nil
	s.mu.Unlock()

	s.onDue()
}
