package proto

import (
	"encoding/json"
	"testing"
)

func TestNewBusMessage(t *testing.T) {
	msg := NewBusMessage("worker-1", "orchestrator", "hello")

	if msg.ID == "" {
		t.Error("message should get an id")
	}
	if msg.CreatedAt.IsZero() {
		t.Error("message should get a timestamp")
	}
	if err := msg.Validate(); err != nil {
		t.Errorf("fresh message should validate: %v", err)
	}
}

func TestBusMessageValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*BusMessage)
		wantErr bool
	}{
		{"valid", func(*BusMessage) {}, false},
		{"missing from", func(m *BusMessage) { m.From = "" }, true},
		{"missing to", func(m *BusMessage) { m.To = "" }, true},
		{"missing id", func(m *BusMessage) { m.ID = "" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := NewBusMessage("a", "b", "text")
			tt.mutate(msg)
			err := msg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestWakeupReasonTerminal(t *testing.T) {
	if !WakeupResultReady.IsTerminal() {
		t.Error("result_ready should be terminal")
	}
	if !WakeupError.IsTerminal() {
		t.Error("error should be terminal")
	}
	if WakeupProgress.IsTerminal() {
		t.Error("progress must never be terminal")
	}
	if WakeupNeedsAttention.IsTerminal() {
		t.Error("needs_attention should not be terminal")
	}
}

func TestValidateWakeupReason(t *testing.T) {
	if _, ok := ValidateWakeupReason("result_ready"); !ok {
		t.Error("result_ready should be a valid reason")
	}
	if _, ok := ValidateWakeupReason("bogus"); ok {
		t.Error("bogus should not be a valid reason")
	}
}

func TestRequestValidation(t *testing.T) {
	msgReq := MessageRequest{From: "w", To: "orchestrator", Text: "hi"}
	if err := msgReq.Validate(); err != nil {
		t.Errorf("valid message request rejected: %v", err)
	}
	msgReq.Text = ""
	if err := msgReq.Validate(); err == nil {
		t.Error("empty text should be rejected")
	}

	repReq := ReportRequest{WorkerID: "w", JobID: "j", Final: true, Report: "done"}
	if err := repReq.Validate(); err != nil {
		t.Errorf("valid report request rejected: %v", err)
	}
	repReq.JobID = ""
	if err := repReq.Validate(); err == nil {
		t.Error("missing jobId should be rejected")
	}

	chunkReq := StreamChunkRequest{WorkerID: "w", Chunk: "partial"}
	if err := chunkReq.Validate(); err != nil {
		t.Errorf("valid chunk request rejected: %v", err)
	}
	chunkReq.Chunk = ""
	if err := chunkReq.Validate(); err == nil {
		t.Error("empty non-final chunk should be rejected")
	}
	chunkReq.Final = true
	if err := chunkReq.Validate(); err != nil {
		t.Errorf("empty final chunk should be allowed: %v", err)
	}
}

func TestBusMessageJSONRoundTrip(t *testing.T) {
	msg := NewBusMessage("worker-1", "orchestrator", "hello")
	msg.Topic = "status"
	msg.JobID = "job-9"

	data, err := msg.ToJSON()
	if err != nil {
		t.Fatalf("ToJSON failed: %v", err)
	}

	var decoded BusMessage
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if decoded.ID != msg.ID || decoded.Topic != "status" || decoded.JobID != "job-9" {
		t.Errorf("round trip mismatch: %+v", decoded)
	}
}
