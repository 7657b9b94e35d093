// Package proto defines the message and event types exchanged between
// workers and the coordinator, plus the validated request shapes accepted
// at the bridge boundary.
package proto

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// BusMessage is one mailbox entry. Immutable once created.
type BusMessage struct {
	ID        string    `json:"id"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Topic     string    `json:"topic,omitempty"`
	JobID     string    `json:"job_id,omitempty"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// NewBusMessage creates a message with a fresh id and UTC timestamp.
func NewBusMessage(from, to, text string) *BusMessage {
	return &BusMessage{
		ID:        uuid.NewString(),
		From:      from,
		To:        to,
		Text:      text,
		CreatedAt: time.Now().UTC(),
	}
}

func (m *BusMessage) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("message id is required")
	}
	if m.From == "" {
		return fmt.Errorf("message from is required")
	}
	if m.To == "" {
		return fmt.Errorf("message to is required")
	}
	if m.CreatedAt.IsZero() {
		return fmt.Errorf("message timestamp is required")
	}
	return nil
}

func (m *BusMessage) ToJSON() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal bus message: %w", err)
	}
	return data, nil
}

// WakeupReason classifies why the coordinator should look at a worker.
type WakeupReason string

const (
	WakeupNeedsAttention WakeupReason = "needs_attention"
	WakeupResultReady    WakeupReason = "result_ready"
	WakeupProgress       WakeupReason = "progress"
	WakeupError          WakeupReason = "error"
)

// IsTerminal reports whether repeated wakeups for the same job should
// collapse to a single event. Workers may report completion more than once
// (retry-safe callers); progress streams must never be collapsed.
func (r WakeupReason) IsTerminal() bool {
	return r == WakeupResultReady || r == WakeupError
}

// ValidateWakeupReason validates a reason string.
func ValidateWakeupReason(reason string) (WakeupReason, bool) {
	switch WakeupReason(reason) {
	case WakeupNeedsAttention, WakeupResultReady, WakeupProgress, WakeupError:
		return WakeupReason(reason), true
	default:
		return "", false
	}
}

// WakeupEvent signals the coordinator to inspect a worker or job.
type WakeupEvent struct {
	ID        string       `json:"id"`
	WorkerID  string       `json:"worker_id"`
	JobID     string       `json:"job_id,omitempty"`
	Reason    WakeupReason `json:"reason"`
	Summary   string       `json:"summary,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}

// NewWakeupEvent creates an event with a fresh id and UTC timestamp.
func NewWakeupEvent(workerID string, reason WakeupReason) *WakeupEvent {
	return &WakeupEvent{
		ID:        uuid.NewString(),
		WorkerID:  workerID,
		Reason:    reason,
		Timestamp: time.Now().UTC(),
	}
}
