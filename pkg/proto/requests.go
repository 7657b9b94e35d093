package proto

import "fmt"

// The bridge accepts one strict request shape per endpoint. Bodies are
// decoded into these types and validated before anything touches the bus,
// so arbitrary JSON never flows past the boundary.

// MessageRequest is the body of POST /v1/message.
type MessageRequest struct {
	From  string `json:"from"`
	To    string `json:"to"`
	Topic string `json:"topic,omitempty"`
	JobID string `json:"jobId,omitempty"`
	Text  string `json:"text"`
}

func (r *MessageRequest) Validate() error {
	if r.From == "" {
		return fmt.Errorf("from is required")
	}
	if r.To == "" {
		return fmt.Errorf("to is required")
	}
	if r.Text == "" {
		return fmt.Errorf("text is required")
	}
	return nil
}

// ReportRequest is the body of POST /v1/report.
type ReportRequest struct {
	WorkerID string `json:"workerId"`
	JobID    string `json:"jobId"`
	Final    bool   `json:"final"`
	Report   string `json:"report"`
}

func (r *ReportRequest) Validate() error {
	if r.WorkerID == "" {
		return fmt.Errorf("workerId is required")
	}
	if r.JobID == "" {
		return fmt.Errorf("jobId is required")
	}
	if r.Report == "" {
		return fmt.Errorf("report is required")
	}
	return nil
}

// StreamChunkRequest is the body of POST /v1/stream/chunk.
type StreamChunkRequest struct {
	WorkerID string `json:"workerId"`
	JobID    string `json:"jobId,omitempty"`
	Chunk    string `json:"chunk"`
	Final    bool   `json:"final,omitempty"`
}

func (r *StreamChunkRequest) Validate() error {
	if r.WorkerID == "" {
		return fmt.Errorf("workerId is required")
	}
	if r.Chunk == "" && !r.Final {
		return fmt.Errorf("chunk is required")
	}
	return nil
}
