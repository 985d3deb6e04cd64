package domain

import (
	"errors"
	"fmt"
	"time"
)

var ErrInvalidJob = errors.New("invalid job")

type JobStatus string

const (
	JobQueued     JobStatus = "QUEUED"
	JobInProgress JobStatus = "IN_PROGRESS"
	JobRetry      JobStatus = "RETRY"
	JobFailed     JobStatus = "FAILED"
	// JobCompleted is reserved for a worker-side completion acknowledgement.
	JobCompleted JobStatus = "COMPLETED"
)

// Pending reports whether the scheduler should still try to dispatch a job in this status.
func (s JobStatus) Pending() bool {
	return s == JobQueued || s == JobRetry
}

func (s JobStatus) Valid() bool {
	switch s {
	case JobQueued, JobInProgress, JobRetry, JobFailed, JobCompleted:
		return true
	}
	return false
}

type Job struct {
	ID                   string         `json:"jobId"`
	Name                 string         `json:"name"`
	Type                 string         `json:"type"`
	Payload              map[string]any `json:"payload"`
	Status               JobStatus      `json:"status"`
	RetryCount           int            `json:"retryCount"`
	RequiredCapabilities []string       `json:"requiredCapabilities"`
	CreatedAt            time.Time      `json:"createdAt"`
	UpdatedAt            time.Time      `json:"updatedAt"`
}

// Equal compares job identity only.
func (j Job) Equal(other Job) bool { return j.ID == other.ID }

// Clone returns a copy that shares no maps or slices with j.
func (j Job) Clone() Job {
	j.Payload = copyPayload(j.Payload)
	j.RequiredCapabilities = copyStrings(j.RequiredCapabilities)
	return j
}

type JobOption func(*Job)

func WithPayload(p map[string]any) JobOption {
	return func(j *Job) { j.Payload = copyPayload(p) }
}

func WithRequiredCapabilities(caps ...string) JobOption {
	return func(j *Job) { j.RequiredCapabilities = copyStrings(caps) }
}

func WithStatus(s JobStatus) JobOption {
	return func(j *Job) { j.Status = s }
}

func WithRetryCount(n int) JobOption {
	return func(j *Job) { j.RetryCount = n }
}

func WithCreatedAt(t time.Time) JobOption {
	return func(j *Job) { j.CreatedAt = t }
}

// NewJob builds a job in QUEUED state. id, name and typ are required; creation time defaults
// to now and the update time starts equal to it.
func NewJob(id, name, typ string, opts ...JobOption) (Job, error) {
	if id == "" || name == "" || typ == "" {
		return Job{}, fmt.Errorf("%w: id, name and type are required", ErrInvalidJob)
	}
	j := Job{
		ID:                   id,
		Name:                 name,
		Type:                 typ,
		Payload:              map[string]any{},
		Status:               JobQueued,
		RequiredCapabilities: []string{},
	}
	for _, opt := range opts {
		opt(&j)
	}
	if j.Payload == nil {
		j.Payload = map[string]any{}
	}
	if j.RequiredCapabilities == nil {
		j.RequiredCapabilities = []string{}
	}
	if !j.Status.Valid() {
		return Job{}, fmt.Errorf("%w: unknown status %q", ErrInvalidJob, j.Status)
	}
	if j.RetryCount < 0 {
		return Job{}, fmt.Errorf("%w: retry count must not be negative", ErrInvalidJob)
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now()
	}
	if j.UpdatedAt.IsZero() {
		j.UpdatedAt = j.CreatedAt
	}
	return j, nil
}

type WorkerStatus string

const (
	WorkerActive WorkerStatus = "ACTIVE"
	WorkerStale  WorkerStatus = "STALE"
)

type Worker struct {
	ID            string       `json:"workerId"`
	Host          string       `json:"host"`
	Capabilities  []string     `json:"capabilities"`
	LastHeartbeat time.Time    `json:"lastHeartbeat"`
	Status        WorkerStatus `json:"status"`
}

func (w Worker) Clone() Worker {
	w.Capabilities = copyStrings(w.Capabilities)
	return w
}

// Can reports whether the worker declared capability (exact match).
func (w Worker) Can(capability string) bool {
	for _, c := range w.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

// Accepts reports whether the worker can run job: it must declare the job type and every
// additionally required capability.
func (w Worker) Accepts(job Job) bool {
	if !w.Can(job.Type) {
		return false
	}
	for _, c := range job.RequiredCapabilities {
		if !w.Can(c) {
			return false
		}
	}
	return true
}

func copyPayload(p map[string]any) map[string]any {
	if p == nil {
		return nil
	}
	out := make(map[string]any, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

func copyStrings(s []string) []string {
	if s == nil {
		return nil
	}
	out := make([]string, len(s))
	copy(out, s)
	return out
}
