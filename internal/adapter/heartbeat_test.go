package adapter

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestHeartbeatRejectsSecondStart(t *testing.T) {
	hb := NewHeartbeat(time.Hour, time.Hour, func(int) error { return nil }, nil, nil)
	if err := hb.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer hb.Stop()
	if err := hb.Start(); !errors.Is(err, ErrHeartbeatActive) {
		t.Fatalf("expected ErrHeartbeatActive, got %v", err)
	}
}

func TestHeartbeatPongKeepsSessionAlive(t *testing.T) {
	var timeouts atomic.Int32
	var hb *Heartbeat
	hb = NewHeartbeat(10*time.Millisecond, 30*time.Millisecond, func(seq int) error {
		go hb.Pong(seq)
		return nil
	}, func() { timeouts.Add(1) }, nil)

	if err := hb.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, "several pings", func() bool { return hb.Seq() >= 5 })
	hb.Stop()
	hb.Stop()

	if n := timeouts.Load(); n != 0 {
		t.Fatalf("expected no timeouts, got %d", n)
	}
	if hb.Running() {
		t.Fatalf("heartbeat still running after stop")
	}
}

func TestHeartbeatTimeoutFiresOnce(t *testing.T) {
	var timeouts atomic.Int32
	hb := NewHeartbeat(10*time.Millisecond, 20*time.Millisecond, func(int) error { return nil },
		func() { timeouts.Add(1) }, nil)

	if err := hb.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, "pong timeout", func() bool { return timeouts.Load() == 1 })
	time.Sleep(60 * time.Millisecond)

	if n := timeouts.Load(); n != 1 {
		t.Fatalf("expected exactly one timeout, got %d", n)
	}
	if hb.Running() {
		t.Fatalf("heartbeat should stop after timeout")
	}
	if err := hb.Start(); err != nil {
		t.Fatalf("restart after timeout: %v", err)
	}
	hb.Stop()
}

func TestHeartbeatMismatchedPongIsNotFatal(t *testing.T) {
	var timeouts atomic.Int32
	var hb *Heartbeat
	hb = NewHeartbeat(10*time.Millisecond, 40*time.Millisecond, func(seq int) error {
		go hb.Pong(seq + 7)
		return nil
	}, func() { timeouts.Add(1) }, nil)

	if err := hb.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, "pings", func() bool { return hb.Seq() >= 3 })
	hb.Stop()
	if n := timeouts.Load(); n != 0 {
		t.Fatalf("mismatched pong should not time out, got %d timeouts", n)
	}
}

func TestHeartbeatSequenceWraps(t *testing.T) {
	var mu sync.Mutex
	var seen []int
	hb := NewHeartbeat(5*time.Millisecond, time.Hour, func(seq int) error {
		mu.Lock()
		seen = append(seen, seq)
		mu.Unlock()
		return nil
	}, nil, nil)
	hb.seq = heartbeatSeqWrap - 2

	if err := hb.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, "wrap", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) >= 3
	})
	hb.Stop()

	mu.Lock()
	defer mu.Unlock()
	if seen[0] != heartbeatSeqWrap-1 || seen[1] != 0 || seen[2] != 1 {
		t.Fatalf("unexpected sequence %v", seen[:3])
	}
}
