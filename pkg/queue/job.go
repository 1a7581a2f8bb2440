package queue

import (
	"encoding/json"
	"fmt"
	"time"
)

// JobStatus is the lifecycle state of a job
type JobStatus string

const (
	JobWaiting   JobStatus = "waiting"
	JobDelayed   JobStatus = "delayed"
	JobActive    JobStatus = "active"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// Job is the queue's unit of work
type Job struct {
	ID           string          `json:"id"`
	Queue        Name            `json:"queue"`
	Data         json.RawMessage `json:"data"`
	AttemptsMade int             `json:"attemptsMade"`
	MaxAttempts  int             `json:"maxAttempts"`
	Status       JobStatus       `json:"status"`
	LastError    string          `json:"lastError,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
	ScheduledFor time.Time       `json:"scheduledFor"`
	ProcessedAt  *time.Time      `json:"processedAt,omitempty"`
	FinishedAt   *time.Time      `json:"finishedAt,omitempty"`
}

// Payload decodes the job data into the payload type of its queue
func (j *Job) Payload() (Payload, error) {
	var p Payload
	var err error
	switch j.Queue {
	case QueueCreate:
		p, err = decode[CreatePayload](j.Data)
	case QueueDestroy:
		p, err = decode[DestroyPayload](j.Data)
	case QueueBackup:
		p, err = decode[BackupPayload](j.Data)
	case QueueHealth:
		p, err = decode[HealthPayload](j.Data)
	case QueueScale:
		p, err = decode[ScalePayload](j.Data)
	default:
		return nil, fmt.Errorf("job %s: unknown queue %q", j.ID, j.Queue)
	}
	if err != nil {
		return nil, fmt.Errorf("job %s: failed to decode %s payload: %w", j.ID, j.Queue, err)
	}
	return p, nil
}

func decode[T Payload](data []byte) (T, error) {
	var p T
	err := json.Unmarshal(data, &p)
	return p, err
}

func (j *Job) clone() *Job {
	c := *j
	c.Data = append(json.RawMessage(nil), j.Data...)
	if j.ProcessedAt != nil {
		t := *j.ProcessedAt
		c.ProcessedAt = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		c.FinishedAt = &t
	}
	return &c
}

// Counts is the number of jobs per state in one queue
type Counts struct {
	Waiting   int64 `json:"waiting"`
	Delayed   int64 `json:"delayed"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// Repeatable is a job template materialised every Interval
type Repeatable struct {
	Key      string          `json:"key"`
	Queue    Name            `json:"queue"`
	Interval time.Duration   `json:"interval"`
	Data     json.RawMessage `json:"data"`
	NextRun  time.Time       `json:"nextRun"`
}
