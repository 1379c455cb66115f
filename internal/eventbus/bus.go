package eventbus

import (
	"context"
	"errors"
	"sync"

	"github.com/hashicorp/go-hclog"
)

var (
	ErrBusClosed          = errors.New("event bus closed")
	ErrSubscriptionClosed = errors.New("subscription closed")
)

const DefaultBufferSize = 256

// Bus fans events out to subscriptions. Each subscription owns a bounded
// channel; a slow subscriber applies backpressure to publishers instead of
// losing events.
type Bus struct {
	logger     hclog.Logger
	bufferSize int

	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	closed bool
	done   chan struct{}
}

type Subscription struct {
	name  string
	kinds map[Kind]struct{}
	ch    chan Event
	bus   *Bus

	once sync.Once
	done chan struct{}
}

func New(bufferSize int, logger hclog.Logger) *Bus {
	if bufferSize < 1 {
		bufferSize = DefaultBufferSize
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Bus{
		logger:     logger.Named("bus"),
		bufferSize: bufferSize,
		subs:       make(map[*Subscription]struct{}),
		done:       make(chan struct{}),
	}
}

// Subscribe registers a subscription for the given kinds. No kinds means
// every event.
func (b *Bus) Subscribe(name string, kinds ...Kind) *Subscription {
	s := &Subscription{
		name: name,
		ch:   make(chan Event, b.bufferSize),
		bus:  b,
		done: make(chan struct{}),
	}
	if len(kinds) > 0 {
		s.kinds = make(map[Kind]struct{}, len(kinds))
		for _, k := range kinds {
			s.kinds[k] = struct{}{}
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		s.once.Do(func() { close(s.done) })
		return s
	}
	b.subs[s] = struct{}{}
	b.logger.Debug("subscribed", "subscriber", name, "kinds", len(kinds))
	return s
}

// Publish delivers evt to every matching subscription in turn. It blocks on a
// full buffer until there is room, ctx is done, or the bus closes.
func (b *Bus) Publish(ctx context.Context, evt Event) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrBusClosed
	}
	targets := make([]*Subscription, 0, len(b.subs))
	for s := range b.subs {
		if s.matches(evt.Kind()) {
			targets = append(targets, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range targets {
		select {
		case s.ch <- evt:
		case <-s.done:
		case <-b.done:
			return ErrBusClosed
		case <-ctx.Done():
			b.logger.Warn("publish abandoned", "subscriber", s.name, "kind", string(evt.Kind()), "error", ctx.Err())
			return ctx.Err()
		}
	}
	return nil
}

func (b *Bus) unsubscribe(s *Subscription) {
	b.mu.Lock()
	delete(b.subs, s)
	b.mu.Unlock()
}

// Close stops delivery and closes every subscription channel. Safe to call
// more than once.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	close(b.done)
	subs := b.subs
	b.subs = make(map[*Subscription]struct{})
	b.mu.Unlock()

	for s := range subs {
		s.once.Do(func() { close(s.done) })
	}
}

func (s *Subscription) matches(k Kind) bool {
	if s.kinds == nil {
		return true
	}
	_, ok := s.kinds[k]
	return ok
}

// C returns the delivery channel. It is never closed by the bus; watch Done
// to learn that no more events will arrive.
func (s *Subscription) C() <-chan Event { return s.ch }

func (s *Subscription) Done() <-chan struct{} { return s.done }

func (s *Subscription) Name() string { return s.name }

func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.unsubscribe(s)
		close(s.done)
	})
}

// Dispatch runs fn for each delivered event until ctx is done or the
// subscription closes. Calls never overlap.
func Dispatch(ctx context.Context, sub *Subscription, fn func(context.Context, Event)) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.done:
			// drain what was already buffered
			for {
				select {
				case evt := <-sub.ch:
					fn(ctx, evt)
				default:
					return
				}
			}
		case evt := <-sub.ch:
			fn(ctx, evt)
		}
	}
}
