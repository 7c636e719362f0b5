// Package telemetry provides named event logging for the commerce SDK.
// Events capture entitlement transitions, bridge activity, and purchase
// outcomes. A bounded ring buffer keeps recent events in memory; an Emitter
// additionally forwards each event to the remote ingestion endpoint on a
// background goroutine, where failure is logged and never fatal.
package telemetry

import (
	"context"
	"sync"
	"time"

	"github.com/nutritrack/commercekit/pkg/logger"
)

// EventType names a telemetry event.
type EventType string

const (
	// Entitlement events
	EventSubscriptionRenewed  EventType = "subscription_renewed"
	EventSubscriptionRestored EventType = "subscription_restored"
	EventSubscriptionChecked  EventType = "subscription_checked"

	// Purchase events
	EventPurchaseCompleted EventType = "purchase_completed"
	EventPurchaseFailed    EventType = "purchase_failed"

	// Bridge events
	EventNavigationFailed EventType = "bridge_navigation_failed"
	EventDeliveryFailed   EventType = "bridge_delivery_failed"

	// Install events
	EventInstall EventType = "install"
)

// Event is a single telemetry record.
type Event struct {
	Name        EventType         `json:"name"`
	UID         string            `json:"uid"`
	SessionID   string            `json:"sessionId"`
	InstallTime time.Time         `json:"installTime"`
	Info        map[string]string `json:"info,omitempty"`
	Timestamp   time.Time         `json:"timestamp"`
}

// Logger records telemetry events.
type Logger interface {
	Log(Event)
}

// NopLogger discards all events.
type NopLogger struct{}

func (NopLogger) Log(Event) {}

// =============================================================================
// Ring buffer
// =============================================================================

// RingBuffer keeps the most recent events in a bounded in-memory buffer.
type RingBuffer struct {
	mu     sync.Mutex
	events []Event
	next   int
	filled bool
}

// NewRingBuffer creates a buffer holding up to size events.
func NewRingBuffer(size int) *RingBuffer {
	if size <= 0 {
		size = 256
	}
	return &RingBuffer{events: make([]Event, size)}
}

// Log records the event, evicting the oldest when full.
func (r *RingBuffer) Log(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events[r.next] = e
	r.next++
	if r.next == len(r.events) {
		r.next = 0
		r.filled = true
	}
}

// Recent returns buffered events, oldest first.
func (r *RingBuffer) Recent() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.filled {
		return append([]Event(nil), r.events[:r.next]...)
	}
	out := make([]Event, 0, len(r.events))
	out = append(out, r.events[r.next:]...)
	out = append(out, r.events[:r.next]...)
	return out
}

// =============================================================================
// Remote emission
// =============================================================================

// Sender forwards a telemetry event to the remote ingestion endpoint.
// Implemented by the remote entitlement client.
type Sender interface {
	TrackEvent(ctx context.Context, e Event) error
}

// Emitter decorates a Logger by forwarding every event to a Sender in the
// background. Delivery is best-effort: send failures are logged, never
// surfaced to the code that raised the event.
type Emitter struct {
	next   Logger
	sender Sender
	log    *logger.Logger

	mu     sync.Mutex
	wg     sync.WaitGroup
	closed bool
}

// NewEmitter creates an emitter forwarding to sender and delegating to next.
func NewEmitter(next Logger, sender Sender, log *logger.Logger) *Emitter {
	if next == nil {
		next = NopLogger{}
	}
	if log == nil {
		log = logger.NewDefault("telemetry")
	}
	return &Emitter{next: next, sender: sender, log: log}
}

// Log records the event locally and forwards it in the background.
func (e *Emitter) Log(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	e.next.Log(ev)

	if e.sender == nil {
		return
	}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.wg.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := e.sender.TrackEvent(ctx, ev); err != nil {
			e.log.WithError(err).WithField("event", ev.Name).Warn("telemetry delivery failed")
		}
	}()
}

// Close waits for in-flight deliveries and stops accepting new ones.
func (e *Emitter) Close() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.wg.Wait()
}
