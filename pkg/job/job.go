package job

import "time"

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further transition may leave s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Reportable reports whether s may be sent by a worker through the status callback.
func (s Status) Reportable() bool {
	switch s {
	case StatusProcessing, StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}

type Job struct {
	ID           string
	SessionID    string
	Status       Status
	InputPath    string
	OriginalName string
	OutputPath   string
	Error        string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// DownloadAvailable reports whether the artifact may be fetched.
func (j Job) DownloadAvailable() bool {
	return j.Status == StatusCompleted && j.OutputPath != ""
}

// Message is the queue payload carried from the API to a worker.
type Message struct {
	JobID     string `json:"jobId"`
	InputPath string `json:"inputPath"`
	Attempt   int    `json:"attempt,omitempty"`
}
