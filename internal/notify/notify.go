// Package notify implements the topic-per-job notification channel that
// broadcasts job and provider lifecycle events to subscribers.
package notify

import (
	"fmt"

	"github.com/meridianhealth/provider-validation/internal/model"
)

// EventType enumerates the notification message kinds.
type EventType string

const (
	EventJobCreated         EventType = "JOB_CREATED"
	EventStatusChanged      EventType = "STATUS_CHANGED"
	EventProgress           EventType = "PROGRESS_UPDATE"
	EventJobCompleted       EventType = "JOB_COMPLETED"
	EventValidationProgress EventType = "VALIDATION_PROGRESS"
	EventJobStale           EventType = "JOB_STALE"
)

// Event is a single notification message delivered to subscribers.
type Event struct {
	Type       EventType      `json:"type"`
	JobID      string         `json:"job_id,omitempty"`
	ProviderID string         `json:"provider_id,omitempty"`
	Status     string         `json:"status,omitempty"`
	Stage      string         `json:"stage,omitempty"`
	Completed  int            `json:"completed,omitempty"`
	Total      int            `json:"total,omitempty"`
	Percentage int            `json:"percentage,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
}

// BroadcastTopic receives non-job-scoped announcements.
const BroadcastTopic = "broadcast"

// JobTopic returns the topic name for a job's event stream.
func JobTopic(jobID string) string {
	return fmt.Sprintf("job/%s", jobID)
}

// Percentage computes floor(completed*100/total), guarding total == 0.
func Percentage(completed, total int) int {
	if total == 0 {
		return 0
	}
	return completed * 100 / total
}

// JobCreated builds the event published when a job is triggered.
func JobCreated(jobID string) Event {
	return Event{Type: EventJobCreated, JobID: jobID, Status: string(model.JobStatusQueued)}
}

// JobStatusChanged builds the event published on a job status transition.
func JobStatusChanged(jobID string, status model.JobStatus) Event {
	return Event{Type: EventStatusChanged, JobID: jobID, Status: string(status)}
}

// JobProgress builds the per-provider progress event.
func JobProgress(jobID string, completed, total int) Event {
	return Event{
		Type:       EventProgress,
		JobID:      jobID,
		Completed:  completed,
		Total:      total,
		Percentage: Percentage(completed, total),
	}
}

// JobCompleted builds the terminal job event.
func JobCompleted(jobID string, status model.JobStatus) Event {
	return Event{Type: EventJobCompleted, JobID: jobID, Status: string(status)}
}

// JobStale builds the broadcast event for a RUNNING job that has stopped
// making progress.
func JobStale(jobID string, completed, total int) Event {
	return Event{
		Type:      EventJobStale,
		JobID:     jobID,
		Status:    string(model.JobStatusRunning),
		Completed: completed,
		Total:     total,
	}
}

// ValidationProgress wraps a raw per-stage update relayed from the agent.
func ValidationProgress(ev model.StageEvent) Event {
	return Event{
		Type:       EventValidationProgress,
		JobID:      ev.JobID,
		ProviderID: ev.ProviderID,
		Stage:      ev.Stage,
		Status:     ev.Status,
		Data:       ev.Data,
	}
}
