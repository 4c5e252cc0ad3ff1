package events

import (
	"context"
	"errors"
	"sync"

	"churchops.org/internal/ai"
)

// Hub fans usage events out to live subscribers such as SSE clients.
type Hub struct {
	mu   sync.RWMutex
	subs map[int]chan ai.UsageEvent
	next int
}

var _ ai.UsagePublisher = (*Hub)(nil)

func NewHub() *Hub {
	return &Hub{subs: make(map[int]chan ai.UsageEvent)}
}

// Subscribe returns a channel of events that is closed when ctx ends.
func (h *Hub) Subscribe(ctx context.Context) <-chan ai.UsageEvent {
	ch := make(chan ai.UsageEvent, 16)

	h.mu.Lock()
	id := h.next
	h.next++
	h.subs[id] = ch
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.mu.Lock()
		delete(h.subs, id)
		close(ch)
		h.mu.Unlock()
	}()
	return ch
}

// PublishUsage never blocks; slow subscribers miss events.
func (h *Hub) PublishUsage(_ context.Context, ev ai.UsageEvent) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
	return nil
}

func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Fanout publishes to every sink and joins their errors.
type Fanout []ai.UsagePublisher

func (f Fanout) PublishUsage(ctx context.Context, ev ai.UsageEvent) error {
	var errs []error
	for _, p := range f {
		if p == nil {
			continue
		}
		if err := p.PublishUsage(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
