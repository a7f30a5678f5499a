// Package model defines the core entities of the provider validation engine.
package model

import "time"

// JobStatus represents the current state of a validation job.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "QUEUED"
	JobStatusRunning   JobStatus = "RUNNING"
	JobStatusCompleted JobStatus = "COMPLETED"
	JobStatusFailed    JobStatus = "FAILED"
	JobStatusCancelled JobStatus = "CANCELLED"
)

// Terminal reports whether the status admits no further transitions.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// ValidationStatus represents one provider's progress within a job.
type ValidationStatus string

const (
	ValidationStatusPending   ValidationStatus = "PENDING"
	ValidationStatusLoading   ValidationStatus = "LOADING"
	ValidationStatusRunning   ValidationStatus = "RUNNING"
	ValidationStatusCompleted ValidationStatus = "COMPLETED"
	ValidationStatusFailed    ValidationStatus = "FAILED"
)

// Terminal reports whether the status is a per-provider end state.
func (s ValidationStatus) Terminal() bool {
	return s == ValidationStatusCompleted || s == ValidationStatusFailed
}

// Job is one triggered batch validation run over a set of providers.
type Job struct {
	ID                 string     `json:"job_id"`
	Status             JobStatus  `json:"status"`
	TotalProviders     int        `json:"total_providers"`
	CompletedProviders int        `json:"completed_providers"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
	CompletedAt        *time.Time `json:"completed_at,omitempty"`
}

// Validation is one provider's progress record within one job. Each stage
// transition is a new row; history for a (job, provider) pair is replayed
// by creation time.
type Validation struct {
	ID         string           `json:"id"`
	JobID      string           `json:"job_id"`
	ProviderID string           `json:"provider_id"`
	Stage      string           `json:"stage"`
	Status     ValidationStatus `json:"status"`
	Result     map[string]any   `json:"result,omitempty"`
	Confidence *float64         `json:"confidence,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
}

// TrustScore is a running reliability estimate for a (source, field) pair.
// An empty FieldName means the estimate covers the whole source.
type TrustScore struct {
	ID        string    `json:"id"`
	Source    string    `json:"source"`
	FieldName string    `json:"field_name,omitempty"`
	Score     float64   `json:"score"`
	Total     int       `json:"total_validations"`
	Correct   int       `json:"correct_validations"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Feedback is a human correctness signal tied to one validation outcome.
// Immutable once created; drives exactly one trust score update.
type Feedback struct {
	ID             string    `json:"id"`
	ValidationID   string    `json:"validation_id"`
	IsCorrect      bool      `json:"is_correct"`
	CorrectedValue string    `json:"corrected_value,omitempty"`
	SubmittedBy    string    `json:"submitted_by,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Provider holds the identifying attributes sent to the agent gateway.
type Provider struct {
	ID        string    `json:"id"`
	NPI       string    `json:"npi"`
	FirstName string    `json:"first_name"`
	LastName  string    `json:"last_name"`
	Specialty string    `json:"specialty"`
	State     string    `json:"state"`
	Address   string    `json:"address,omitempty"`
	Phone     string    `json:"phone,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// FullName returns the provider's display name as sent to the agent.
func (p Provider) FullName() string {
	if p.FirstName == "" {
		return p.LastName
	}
	return p.FirstName + " " + p.LastName
}

// StageEvent is a raw per-stage progress update relayed from the agent
// service, forwarded verbatim to job subscribers.
type StageEvent struct {
	JobID      string         `json:"job_id"`
	ProviderID string         `json:"provider_id"`
	Stage      string         `json:"stage"`
	Status     string         `json:"status"`
	Data       map[string]any `json:"data,omitempty"`
}
