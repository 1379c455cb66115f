package adapter

import (
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
)

// Reconnector runs a reconnect attempt after a fixed delay. At most one timer
// exists at a time and attempts never overlap. After an attempt the retry
// predicate decides whether another attempt is due.
type Reconnector struct {
	interval time.Duration
	attempt  func()
	retry    func() bool
	logger   hclog.Logger

	mu        sync.Mutex
	timer     *time.Timer
	inFlight  bool
	gen       uint64
	scheduled int
}

func NewReconnector(interval time.Duration, attempt func(), retry func() bool, logger hclog.Logger) *Reconnector {
	if interval <= 0 {
		interval = DefaultReconnectInterval
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Reconnector{
		interval: interval,
		attempt:  attempt,
		retry:    retry,
		logger:   logger,
	}
}

// Schedule arms the timer. It reports false when a timer is already pending
// or an attempt is running.
func (r *Reconnector) Schedule() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.timer != nil || r.inFlight {
		return false
	}
	r.scheduled++
	gen := r.gen
	r.timer = time.AfterFunc(r.interval, func() { r.fire(gen) })
	return true
}

func (r *Reconnector) fire(gen uint64) {
	r.mu.Lock()
	if gen != r.gen || r.timer == nil {
		r.mu.Unlock()
		return
	}
	r.timer = nil
	r.inFlight = true
	r.mu.Unlock()

	r.logger.Debug("reconnect attempt")
	r.attempt()

	r.mu.Lock()
	r.inFlight = false
	stale := gen != r.gen
	r.mu.Unlock()

	if !stale && r.retry != nil && r.retry() {
		r.Schedule()
	}
}

// Cancel stops a pending timer. A running attempt completes but will not
// reschedule.
func (r *Reconnector) Cancel() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gen++
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

func (r *Reconnector) Pending() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.timer != nil || r.inFlight
}

// Scheduled counts the timers armed since construction.
func (r *Reconnector) Scheduled() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.scheduled
}
