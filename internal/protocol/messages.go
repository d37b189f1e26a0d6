package protocol

import "time"

// JobEvent is broadcast on the bus when a transcription job reaches a terminal state.
type JobEvent struct {
	JobID        string    `json:"job_id"`
	Status       string    `json:"status"`
	ErrorKind    string    `json:"error_kind,omitempty"`
	Error        string    `json:"error,omitempty"`
	Shape        string    `json:"shape,omitempty"`
	Segments     int       `json:"segments,omitempty"`
	TextLength   int       `json:"text_length,omitempty"`
	UploadBytes  int64     `json:"upload_bytes"`
	EngineMillis int64     `json:"engine_ms"`
	Timestamp    time.Time `json:"timestamp"`
}

const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

const (
	SubjectJobCompleted = "scribe.job.completed"
	SubjectJobFailed    = "scribe.job.failed"
)
