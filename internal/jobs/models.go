package jobs

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status represents the lifecycle of a render job.
type Status string

const (
	StatusCreated   Status = "created"
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

var allStatuses = []Status{
	StatusCreated,
	StatusQueued,
	StatusRunning,
	StatusCompleted,
	StatusFailed,
	StatusCancelled,
}

var statusSet = func() map[Status]struct{} {
	set := make(map[Status]struct{}, len(allStatuses))
	for _, status := range allStatuses {
		set[status] = struct{}{}
	}
	return set
}()

// transitions lists the legal forward moves. Same-status updates are always
// allowed (field mutations while running). Cancelled is reachable from any
// non-terminal state. The failed -> queued edge is the explicit
// caller-initiated retry; nothing re-enqueues failed jobs automatically.
var transitions = map[Status][]Status{
	StatusCreated: {StatusQueued, StatusCancelled},
	StatusQueued:  {StatusRunning, StatusCancelled},
	StatusRunning: {StatusCompleted, StatusFailed, StatusCancelled},
	StatusFailed:  {StatusQueued},
}

// AllStatuses returns the ordered list of known statuses.
func AllStatuses() []Status {
	cp := make([]Status, len(allStatuses))
	copy(cp, allStatuses)
	return cp
}

// ParseStatus converts a string into a known Status.
func ParseStatus(value string) (Status, bool) {
	normalized := Status(strings.ToLower(strings.TrimSpace(value)))
	if normalized == "" {
		return "", false
	}
	_, ok := statusSet[normalized]
	return normalized, ok
}

// IsTerminal reports whether a status admits no further transitions.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// CanTransition reports whether moving from one status to another is legal.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Failure captures structured information about a failed job. It is the only
// failure surface exposed outside the orchestrator.
type Failure struct {
	Stage    string `json:"stage"`
	Message  string `json:"message"`
	Attempts int    `json:"attempts"`
}

// Job is the central entity: one end-to-end render request tracked through
// the pipeline. The record store, not the queue, is the source of truth for
// everything here.
type Job struct {
	ID       string          `json:"id"`
	Status   Status          `json:"status"`
	Stage    string          `json:"stage,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Progress int             `json:"progress"`
	// Attempts counts retries per stage.
	Attempts map[string]int `json:"attempts,omitempty"`
	// Outputs maps finished stages to their artifact references so a
	// re-enqueued job resumes without redoing completed work.
	Outputs map[string]string `json:"outputs,omitempty"`
	Result  string            `json:"result,omitempty"`
	Error   *Failure          `json:"error,omitempty"`
	Meta    map[string]string `json:"meta,omitempty"`
	// CancelRequested is observed by the executor at stage boundaries only.
	CancelRequested bool       `json:"cancel_requested,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

// MetaWebhookURL is the meta key holding the caller-supplied webhook endpoint.
const MetaWebhookURL = "webhook_url"

// MetaManualStart is the meta key marking jobs enqueued by an explicit start call.
const MetaManualStart = "manual_start"

// New builds a job in the created state with a fresh identifier.
func New(payload json.RawMessage, meta map[string]string) *Job {
	now := time.Now().UTC()
	job := &Job{
		ID:        uuid.NewString(),
		Status:    StatusCreated,
		Payload:   payload,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if len(meta) > 0 {
		job.Meta = make(map[string]string, len(meta))
		for k, v := range meta {
			job.Meta[k] = v
		}
	}
	return job
}

// SetRunning moves the job into the running state for the given stage.
func (j *Job) SetRunning(stage string, progress int) {
	j.Status = StatusRunning
	j.Stage = stage
	if progress > j.Progress {
		j.Progress = progress
	}
}

// SetCompleted records the final artifact locator and closes the job.
func (j *Job) SetCompleted(result string) {
	now := time.Now().UTC()
	j.Status = StatusCompleted
	j.Stage = ""
	j.Result = result
	j.Error = nil
	j.Progress = 100
	j.CompletedAt = &now
}

// SetFailed closes the job with a structured failure.
func (j *Job) SetFailed(stage, message string, attempts int) {
	now := time.Now().UTC()
	j.Status = StatusFailed
	j.Stage = ""
	j.Result = ""
	j.Error = &Failure{Stage: stage, Message: message, Attempts: attempts}
	j.CompletedAt = &now
}

// SetCancelled closes the job without result or error.
func (j *Job) SetCancelled() {
	now := time.Now().UTC()
	j.Status = StatusCancelled
	j.Stage = ""
	j.CompletedAt = &now
}

// RecordOutput stores a finished stage's artifact reference.
func (j *Job) RecordOutput(stage, ref string) {
	if j.Outputs == nil {
		j.Outputs = make(map[string]string, 4)
	}
	j.Outputs[stage] = ref
}

// RecordAttempt bumps and returns the retry counter for a stage.
func (j *Job) RecordAttempt(stage string) int {
	if j.Attempts == nil {
		j.Attempts = make(map[string]int, 4)
	}
	j.Attempts[stage]++
	return j.Attempts[stage]
}

// WebhookURL returns the caller-supplied webhook endpoint, if any.
func (j *Job) WebhookURL() string {
	if j.Meta == nil {
		return ""
	}
	return strings.TrimSpace(j.Meta[MetaWebhookURL])
}

// SetMeta assigns a meta key, allocating the map on first use.
func (j *Job) SetMeta(key, value string) {
	if j.Meta == nil {
		j.Meta = make(map[string]string, 4)
	}
	j.Meta[key] = value
}

// Clone returns a deep copy so store callers can never mutate shared state.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	cp := *j
	if j.Payload != nil {
		cp.Payload = append(json.RawMessage(nil), j.Payload...)
	}
	if j.Attempts != nil {
		cp.Attempts = make(map[string]int, len(j.Attempts))
		for k, v := range j.Attempts {
			cp.Attempts[k] = v
		}
	}
	if j.Outputs != nil {
		cp.Outputs = make(map[string]string, len(j.Outputs))
		for k, v := range j.Outputs {
			cp.Outputs[k] = v
		}
	}
	if j.Meta != nil {
		cp.Meta = make(map[string]string, len(j.Meta))
		for k, v := range j.Meta {
			cp.Meta[k] = v
		}
	}
	if j.Error != nil {
		errCopy := *j.Error
		cp.Error = &errCopy
	}
	if j.CompletedAt != nil {
		ts := *j.CompletedAt
		cp.CompletedAt = &ts
	}
	return &cp
}

// Summary is the external status-query shape.
type Summary struct {
	ID        string   `json:"id"`
	Status    Status   `json:"status"`
	Stage     string   `json:"stage,omitempty"`
	Progress  int      `json:"progress"`
	ResultURL string   `json:"result_url,omitempty"`
	Error     *Failure `json:"error,omitempty"`
}

// Summarize reduces a job to the fields exposed to status queries.
func (j *Job) Summarize() Summary {
	summary := Summary{
		ID:       j.ID,
		Status:   j.Status,
		Stage:    j.Stage,
		Progress: j.Progress,
	}
	if j.Status == StatusCompleted {
		summary.ResultURL = j.Result
	}
	if j.Status == StatusFailed && j.Error != nil {
		errCopy := *j.Error
		summary.Error = &errCopy
	}
	return summary
}
