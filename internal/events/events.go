// Package events provides in-process publish/subscribe for dispatch
// lifecycle events. Publishing is non-blocking; slow subscribers drop
// events rather than stall the coordinator.
package events

import (
	"sync"
	"time"
)

// Type identifies an event kind.
type Type string

const (
	EventItemStarted   Type = "item_started"
	EventItemCompleted Type = "item_completed"
	EventItemFailed    Type = "item_failed"
	EventReconciled    Type = "reconciled"
	EventDispatchDone  Type = "dispatch_done"
)

// Event is one dispatch or reconciliation lifecycle notification.
type Event struct {
	Type      Type           `json:"type"`
	Plan      string         `json:"plan,omitempty"`
	Item      string         `json:"item,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// Publisher is the event publishing interface.
type Publisher interface {
	Publish(event Event)
	Subscribe() <-chan Event
	Unsubscribe(ch <-chan Event)
	Close()
}

// MemoryPublisher is an in-memory Publisher.
type MemoryPublisher struct {
	subscribers []chan Event
	bufferSize  int
	closed      bool
	mu          sync.RWMutex
}

// NewMemoryPublisher creates an in-memory publisher.
func NewMemoryPublisher() *MemoryPublisher {
	return &MemoryPublisher{bufferSize: 100}
}

// Publish sends an event to all subscribers, skipping full buffers.
func (p *MemoryPublisher) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return
	}
	for _, ch := range p.subscribers {
		select {
		case ch <- event:
		default:
		}
	}
}

// Subscribe returns a channel receiving all future events.
func (p *MemoryPublisher) Subscribe() <-chan Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch := make(chan Event, p.bufferSize)
	p.subscribers = append(p.subscribers, ch)
	return ch
}

// Unsubscribe removes and closes a subscription channel.
func (p *MemoryPublisher) Unsubscribe(ch <-chan Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, sub := range p.subscribers {
		if sub == ch {
			close(sub)
			p.subscribers = append(p.subscribers[:i], p.subscribers[i+1:]...)
			return
		}
	}
}

// Close shuts down the publisher and all subscriptions.
func (p *MemoryPublisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	for _, ch := range p.subscribers {
		close(ch)
	}
	p.subscribers = nil
}

// NopPublisher discards all events.
type NopPublisher struct{}

func (NopPublisher) Publish(Event)            {}
func (NopPublisher) Subscribe() <-chan Event  { return nil }
func (NopPublisher) Unsubscribe(<-chan Event) {}
func (NopPublisher) Close()                   {}
