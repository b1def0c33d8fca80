// Package publisher emits audit events to a store, synchronously by default
// or through a buffered background worker.
package publisher

import (
	"context"
	"log/slog"
	"sync"
	"time"

	audit "gatekeeper/pkg/platform/audit"
)

// Publisher fills in event defaults and hands events to the store. In async
// mode a full buffer drops the event rather than blocking the request path.
type Publisher struct {
	store  audit.Store
	logger *slog.Logger

	inbox chan audit.Event
	done  chan struct{}
	wg    sync.WaitGroup
}

// Option configures the Publisher.
type Option func(*Publisher)

// WithAsyncBuffer switches emission to a background worker with the given
// buffer size.
func WithAsyncBuffer(size int) Option {
	return func(p *Publisher) { p.inbox = make(chan audit.Event, size) }
}

// WithLogger attaches a logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Publisher) { p.logger = logger }
}

// NewPublisher builds a publisher over the given store.
func NewPublisher(store audit.Store, opts ...Option) *Publisher {
	p := &Publisher{
		store:  store,
		logger: slog.Default(),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.inbox != nil {
		p.wg.Add(1)
		go p.drain()
	}
	return p
}

// Emit records one event. Zero timestamps and categories are filled in from
// the clock and the action's category map.
func (p *Publisher) Emit(ctx context.Context, event audit.Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.Category == "" {
		event.Category = event.Action.Category()
	}

	if p.inbox == nil {
		return p.store.Append(ctx, event)
	}

	select {
	case p.inbox <- event:
	default:
		p.logger.Warn("audit buffer full, event dropped", "action", event.Action)
	}
	return nil
}

func (p *Publisher) drain() {
	defer p.wg.Done()
	// Background persistence must not be tied to any request context.
	ctx := context.Background()
	for {
		select {
		case event := <-p.inbox:
			p.append(ctx, event)
		case <-p.done:
			for {
				select {
				case event := <-p.inbox:
					p.append(ctx, event)
				default:
					return
				}
			}
		}
	}
}

func (p *Publisher) append(ctx context.Context, event audit.Event) {
	if err := p.store.Append(ctx, event); err != nil {
		p.logger.Error("audit append failed", "error", err, "action", event.Action)
	}
}

// Close flushes buffered events and stops the worker.
func (p *Publisher) Close() {
	if p.inbox == nil {
		return
	}
	close(p.done)
	p.wg.Wait()
}
