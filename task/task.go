package task

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidState is returned when a batch operation is not allowed in the current batch status.
	ErrInvalidState = errors.New("operation not allowed in current batch state")
	// ErrTaskNotFound is returned for URLs or IDs the scheduler does not track.
	ErrTaskNotFound = errors.New("task not found")
	// ErrTaskRunning is returned when an in-flight task would have to be mutated.
	ErrTaskRunning = errors.New("task is in flight")
	// ErrCancelled is observed at a checkpoint once the stop signal is set.
	ErrCancelled = errors.New("task cancelled")
)

// Status is the lifecycle state of one task.
type Status string

const (
	StatusPending      Status = "pending"
	StatusRunning      Status = "running"
	StatusValidating   Status = "validating"
	StatusDownloading  Status = "downloading"
	StatusConverting   Status = "converting"
	StatusTranscribing Status = "transcribing"
	StatusTranslating  Status = "translating"
	StatusExporting    Status = "exporting"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusCancelled    Status = "cancelled"
	StatusPaused       Status = "paused"
	StatusRetrying     Status = "retrying"
	StatusSkipped      Status = "skipped"
)

// IsTerminal reports whether a task in this state will not run again without a retry.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusSkipped:
		return true
	}
	return false
}

// BatchStatus is the lifecycle state of the batch as a whole.
type BatchStatus string

const (
	BatchIdle      BatchStatus = "idle"
	BatchRunning   BatchStatus = "running"
	BatchPaused    BatchStatus = "paused"
	BatchResuming  BatchStatus = "resuming"
	BatchStopping  BatchStatus = "stopping"
	BatchCompleted BatchStatus = "completed"
	BatchCancelled BatchStatus = "cancelled"
	BatchFailed    BatchStatus = "failed"
)

// acceptsNewBatch reports whether StartBatch begins a fresh run from this state.
func (s BatchStatus) acceptsNewBatch() bool {
	switch s {
	case BatchIdle, BatchCompleted, BatchCancelled, BatchFailed:
		return true
	}
	return false
}

// Record is the tracked state of one media URL. The URL is its identity;
// ID is a short handle for API callers.
type Record struct {
	ID          string    `json:"id"`
	URL         string    `json:"url"`
	Model       string    `json:"model"`
	TargetLang  string    `json:"target_lang,omitempty"`
	OutputDir   string    `json:"output_dir"`
	Formats     []string  `json:"formats"`
	Status      Status    `json:"status"`
	Progress    float64   `json:"progress"`
	AddedTime   time.Time `json:"added_time"`
	StartTime   time.Time `json:"start_time,omitempty"`
	EndTime     time.Time `json:"end_time,omitempty"`
	Title       string    `json:"title,omitempty"`
	Error       string    `json:"error,omitempty"`
	Warning     string    `json:"warning,omitempty"`
	OutputFiles []string  `json:"output_files,omitempty"`
	Duration    float64   `json:"duration,omitempty"`

	cancel context.CancelFunc
}

// clone returns a copy safe to hand to callers and subscribers.
func (r *Record) clone() *Record {
	c := *r
	c.Formats = append([]string(nil), r.Formats...)
	c.OutputFiles = append([]string(nil), r.OutputFiles...)
	c.cancel = nil
	return &c
}

// Spec is an explicit task submission. Empty fields fall back to the scheduler defaults.
type Spec struct {
	URL        string   `json:"url"`
	Model      string   `json:"model,omitempty"`
	TargetLang string   `json:"target_lang,omitempty"`
	OutputDir  string   `json:"output_dir,omitempty"`
	Formats    []string `json:"formats,omitempty"`
}

// Stats aggregates the counters of the current batch.
type Stats struct {
	Total         int       `json:"total"`
	Completed     int       `json:"completed"`
	Failed        int       `json:"failed"`
	Cancelled     int       `json:"cancelled"`
	TotalDuration float64   `json:"total_duration"`
	StartTime     time.Time `json:"start_time,omitempty"`
	EndTime       time.Time `json:"end_time,omitempty"`
}

func (s Stats) finished() int {
	return s.Completed + s.Failed + s.Cancelled
}

// ValidationError reports input rejected before a task starts its work.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}
