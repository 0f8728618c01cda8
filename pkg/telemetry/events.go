package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/piwi3910/cascade/pkg/engine"
)

// Publisher is the in-process implementation of engine.EventPublisher. It
// fans engine events out to subscriber channels and never blocks the
// publishing side: a subscriber whose channel is full misses the event
// rather than stalling the run.
type Publisher struct {
	config EventsConfig

	mu          sync.RWMutex
	subscribers map[string]*subscription
	closed      bool

	buffer chan engine.Event
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

type subscription struct {
	id     string
	filter engine.EventFilter
	ch     chan engine.Event
}

var _ engine.EventPublisher = (*Publisher)(nil)

// NewPublisher creates a new event publisher with the given configuration.
func NewPublisher(cfg EventsConfig) (*Publisher, error) {
	p := &Publisher{
		config:      cfg,
		subscribers: make(map[string]*subscription),
	}
	if !cfg.Enabled {
		return p, nil
	}

	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.buffer = make(chan engine.Event, cfg.BufferSize)

	// Decouple publishers from delivery when async is enabled
	if cfg.EnableAsync {
		p.wg.Add(1)
		go p.dispatch()
	}

	return p, nil
}

// Publish delivers an event to all matching subscribers. When the central
// buffer is full the event is dropped and an error returned; callers treat
// delivery as best-effort.
func (p *Publisher) Publish(ctx context.Context, event *engine.Event) error {
	if !p.config.Enabled || event == nil {
		return nil
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if p.config.EnableAsync {
		select {
		case p.buffer <- *event:
			return nil
		case <-p.ctx.Done():
			return fmt.Errorf("event publisher stopped")
		case <-ctx.Done():
			return ctx.Err()
		default:
			return fmt.Errorf("event buffer full, event dropped")
		}
	}

	// Synchronous publishing on the caller's goroutine
	p.deliver(*event)
	return nil
}

// Subscribe registers a subscriber for events matching the filter and
// returns the subscription ID alongside the delivery channel.
func (p *Publisher) Subscribe(ctx context.Context, filter engine.EventFilter) (string, <-chan engine.Event, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return "", nil, fmt.Errorf("event publisher is closed")
	}

	size := p.config.SubscriberBuffer
	if size <= 0 {
		size = 1
	}

	sub := &subscription{
		id:     uuid.New().String(),
		filter: filter,
		ch:     make(chan engine.Event, size),
	}
	p.subscribers[sub.id] = sub

	return sub.id, sub.ch, nil
}

// Unsubscribe removes a subscription and closes its channel.
func (p *Publisher) Unsubscribe(ctx context.Context, subscriptionID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	sub, ok := p.subscribers[subscriptionID]
	if !ok {
		return fmt.Errorf("unknown subscription: %s", subscriptionID)
	}
	delete(p.subscribers, subscriptionID)
	close(sub.ch)

	return nil
}

// Close shuts the publisher down and closes all subscriber channels.
func (p *Publisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	// Stop the dispatch goroutine before closing channels it sends on
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()
	for id, sub := range p.subscribers {
		delete(p.subscribers, id)
		close(sub.ch)
	}

	return nil
}

// dispatch drains the central buffer and fans events out to subscribers.
func (p *Publisher) dispatch() {
	defer p.wg.Done()

	for {
		select {
		case event := <-p.buffer:
			p.deliver(event)
		case <-p.ctx.Done():
			return
		}
	}
}

// deliver fans a single event out to every matching subscriber. Sends are
// non-blocking; a full subscriber channel drops the event for that
// subscriber only.
func (p *Publisher) deliver(event engine.Event) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return
	}

	for _, sub := range p.subscribers {
		if !sub.filter.Matches(&event) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			// Subscriber is behind; skip it
		}
	}
}
