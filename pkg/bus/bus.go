// Package bus decouples worker processes from the coordinator via bounded
// per-recipient mailboxes and a deduplicated wakeup-notification channel.
// This is a liveness channel, not a durable log: both the mailboxes and the
// wakeup history are small fixed-capacity rings.
package bus

import (
	"fmt"
	"sync"
	"time"

	"warden/pkg/logx"
	"warden/pkg/metrics"
	"warden/pkg/proto"
)

const (
	// DefaultMailboxCap bounds each recipient's mailbox.
	DefaultMailboxCap = 200
	// DefaultHistoryCap bounds the global wakeup history.
	DefaultHistoryCap = 100
)

// Listener receives wakeup events. Invocation is best-effort: panics are
// captured and logged, never propagated, and there is no delivery
// guarantee beyond at-most-once per emitted event.
type Listener func(*proto.WakeupEvent)

// Config sets the bus capacities. Zero values use the defaults.
type Config struct {
	MailboxCap int
	HistoryCap int
}

// WakeupPayload is the input to Wakeup.
type WakeupPayload struct {
	WorkerID string
	JobID    string
	Reason   proto.WakeupReason
	Summary  string
}

// ListOptions filters List results.
type ListOptions struct {
	Limit int       // max messages returned; 0 means no limit
	After time.Time // only messages created strictly after this instant
}

// Bus is the in-memory message broker between workers and the coordinator.
type Bus struct {
	mu         sync.Mutex
	mailboxes  map[string][]*proto.BusMessage
	history    []*proto.WakeupEvent
	listeners  map[int]Listener
	nextLisID  int
	mailboxCap int
	historyCap int
	logger     *logx.Logger
	metrics    *metrics.Recorder
}

// New creates a bus with the given capacities. The metrics recorder may be
// nil.
func New(cfg Config, rec *metrics.Recorder) *Bus {
	if cfg.MailboxCap <= 0 {
		cfg.MailboxCap = DefaultMailboxCap
	}
	if cfg.HistoryCap <= 0 {
		cfg.HistoryCap = DefaultHistoryCap
	}
	return &Bus{
		mailboxes:  make(map[string][]*proto.BusMessage),
		listeners:  make(map[int]Listener),
		mailboxCap: cfg.MailboxCap,
		historyCap: cfg.HistoryCap,
		logger:     logx.NewLogger("bus"),
		metrics:    rec,
	}
}

// Send appends a message to the recipient's mailbox, dropping the oldest
// entries once the mailbox is at capacity.
func (b *Bus) Send(msg *proto.BusMessage) error {
	if err := msg.Validate(); err != nil {
		return fmt.Errorf("invalid bus message: %w", err)
	}

	b.mu.Lock()
	box := append(b.mailboxes[msg.To], msg)
	evicted := 0
	if len(box) > b.mailboxCap {
		evicted = len(box) - b.mailboxCap
		box = append([]*proto.BusMessage(nil), box[evicted:]...)
	}
	b.mailboxes[msg.To] = box
	depth := len(box)
	b.mu.Unlock()

	if evicted > 0 {
		b.logger.Debug("Mailbox %s full, dropped %d oldest message(s)", msg.To, evicted)
	}
	b.metrics.ObserveMailbox(msg.To, depth, evicted)
	return nil
}

// List returns up to opts.Limit most-recent messages for a recipient newer
// than opts.After, in arrival order.
func (b *Bus) List(to string, opts ListOptions) []*proto.BusMessage {
	b.mu.Lock()
	defer b.mu.Unlock()

	box := b.mailboxes[to]
	filtered := make([]*proto.BusMessage, 0, len(box))
	for _, msg := range box {
		if !opts.After.IsZero() && !msg.CreatedAt.After(opts.After) {
			continue
		}
		filtered = append(filtered, msg)
	}
	if opts.Limit > 0 && len(filtered) > opts.Limit {
		filtered = filtered[len(filtered)-opts.Limit:]
	}
	return filtered
}

// Clear evicts messages for a recipient. A nil upTo clears everything;
// otherwise only messages created at or before upTo are removed. Returns
// the number of messages removed.
func (b *Bus) Clear(to string, upTo *time.Time) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	box := b.mailboxes[to]
	if upTo == nil {
		delete(b.mailboxes, to)
		return len(box)
	}

	kept := make([]*proto.BusMessage, 0, len(box))
	for _, msg := range box {
		if msg.CreatedAt.After(*upTo) {
			kept = append(kept, msg)
		}
	}
	removed := len(box) - len(kept)
	if len(kept) == 0 {
		delete(b.mailboxes, to)
	} else {
		b.mailboxes[to] = kept
	}
	return removed
}

// Wakeup records a wakeup event and synchronously fans it out to all
// registered listeners.
//
// Terminal reasons (result_ready, error) are deduplicated: if the retained
// history already holds an event with the same job id and reason, that
// existing event is returned unchanged and listeners are not re-notified.
// Non-terminal reasons always create and broadcast a new event.
func (b *Bus) Wakeup(payload WakeupPayload) *proto.WakeupEvent {
	b.mu.Lock()

	if payload.Reason.IsTerminal() && payload.JobID != "" {
		for i := len(b.history) - 1; i >= 0; i-- {
			existing := b.history[i]
			if existing.JobID == payload.JobID && existing.Reason == payload.Reason {
				b.mu.Unlock()
				b.logger.Debug("Deduplicated %s wakeup for job %s (event %s)", payload.Reason, payload.JobID, existing.ID)
				b.metrics.ObserveWakeup(string(payload.Reason), true)
				return existing
			}
		}
	}

	event := proto.NewWakeupEvent(payload.WorkerID, payload.Reason)
	event.JobID = payload.JobID
	event.Summary = payload.Summary

	b.history = append(b.history, event)
	if len(b.history) > b.historyCap {
		b.history = append([]*proto.WakeupEvent(nil), b.history[len(b.history)-b.historyCap:]...)
	}

	listeners := make([]Listener, 0, len(b.listeners))
	for _, l := range b.listeners {
		listeners = append(listeners, l)
	}
	b.mu.Unlock()

	b.metrics.ObserveWakeup(string(payload.Reason), false)
	for _, l := range listeners {
		b.notify(l, event)
	}
	return event
}

// notify invokes one listener, isolating panics so one bad listener cannot
// break delivery to the others or crash the emitting call.
func (b *Bus) notify(l Listener, event *proto.WakeupEvent) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Warn("Wakeup listener panicked for event %s: %v", event.ID, r)
		}
	}()
	l(event)
}

// OnWakeup registers a listener and returns its unsubscribe function.
func (b *Bus) OnWakeup(l Listener) func() {
	b.mu.Lock()
	id := b.nextLisID
	b.nextLisID++
	b.listeners[id] = l
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.listeners, id)
		b.mu.Unlock()
	}
}

// HasWakeup reports whether the retained history contains an event for the
// given job and reason newer than after. Used by callers polling for a
// specific outcome without consuming it.
func (b *Bus) HasWakeup(jobID string, reason proto.WakeupReason, after time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i := len(b.history) - 1; i >= 0; i-- {
		event := b.history[i]
		if event.JobID != jobID || event.Reason != reason {
			continue
		}
		if after.IsZero() || event.Timestamp.After(after) {
			return true
		}
	}
	return false
}

// History returns a copy of the retained wakeup history in emission order.
func (b *Bus) History() []*proto.WakeupEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*proto.WakeupEvent(nil), b.history...)
}

// Stats reports mailbox and history occupancy for diagnostics.
func (b *Bus) Stats() map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()

	boxes := make(map[string]int, len(b.mailboxes))
	for to, box := range b.mailboxes {
		boxes[to] = len(box)
	}
	return map[string]any{
		"mailboxes":        boxes,
		"mailbox_capacity": b.mailboxCap,
		"history_length":   len(b.history),
		"history_capacity": b.historyCap,
		"listeners":        len(b.listeners),
	}
}
