package adapter

import (
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
)

const heartbeatSeqWrap = 1_000_000

// Heartbeat sends a numbered ping every interval and expects the matching
// pong within the timeout. One interval timer and one pong timer at most.
type Heartbeat struct {
	interval  time.Duration
	timeout   time.Duration
	send      func(seq int) error
	onTimeout func()
	logger    hclog.Logger

	mu      sync.Mutex
	running bool
	gen     uint64
	seq     int
	tick    *time.Timer
	pong    *time.Timer
}

func NewHeartbeat(interval, timeout time.Duration, send func(seq int) error, onTimeout func(), logger hclog.Logger) *Heartbeat {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	if timeout <= 0 {
		timeout = DefaultPongTimeout
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Heartbeat{
		interval:  interval,
		timeout:   timeout,
		send:      send,
		onTimeout: onTimeout,
		logger:    logger,
	}
}

func (h *Heartbeat) Start() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return ErrHeartbeatActive
	}
	h.running = true
	h.gen++
	gen := h.gen
	h.tick = time.AfterFunc(h.interval, func() { h.beat(gen) })
	return nil
}

func (h *Heartbeat) beat(gen uint64) {
	h.mu.Lock()
	if !h.running || gen != h.gen {
		h.mu.Unlock()
		return
	}
	h.seq = (h.seq + 1) % heartbeatSeqWrap
	seq := h.seq
	if h.pong != nil {
		h.pong.Stop()
	}
	h.pong = time.AfterFunc(h.timeout, func() { h.expire(gen, seq) })
	h.tick = time.AfterFunc(h.interval, func() { h.beat(gen) })
	h.mu.Unlock()

	if err := h.send(seq); err != nil {
		h.logger.Warn("failed to send ping", "seq", seq, "error", err)
	}
}

func (h *Heartbeat) expire(gen uint64, seq int) {
	h.mu.Lock()
	if !h.running || gen != h.gen || h.pong == nil || seq != h.seq {
		h.mu.Unlock()
		return
	}
	h.stopLocked()
	h.mu.Unlock()

	h.logger.Warn("pong timeout", "seq", seq)
	if h.onTimeout != nil {
		h.onTimeout()
	}
}

// Pong records the echoed sequence. A mismatch is logged only.
func (h *Heartbeat) Pong(seq int) {
	h.mu.Lock()
	if h.pong != nil {
		h.pong.Stop()
		h.pong = nil
	}
	want := h.seq
	h.mu.Unlock()

	if seq != want {
		h.logger.Warn("pong sequence mismatch", "want", want, "got", seq)
	}
}

// Stop is idempotent.
func (h *Heartbeat) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopLocked()
}

func (h *Heartbeat) stopLocked() {
	h.running = false
	h.gen++
	if h.tick != nil {
		h.tick.Stop()
		h.tick = nil
	}
	if h.pong != nil {
		h.pong.Stop()
		h.pong = nil
	}
}

func (h *Heartbeat) Running() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.running
}

func (h *Heartbeat) Seq() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.seq
}
