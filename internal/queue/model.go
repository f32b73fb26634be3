package queue

import (
	"encoding/json"
	"time"
)

type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Job is one durable unit of deferred work. (shop, kind, natural_key) is the
// dedup key: re-enqueueing an in-flight or completed job never creates a
// second row.
type Job struct {
	ID         int64
	Shop       string
	Kind       string
	NaturalKey string
	Status     Status
	Attempts   int
	RunAfter   time.Time
	LockedAt   *time.Time
	LockedBy   *string
	LastError  *string
	Payload    json.RawMessage
	Stats      json.RawMessage
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type EnqueueParams struct {
	Shop       string
	Kind       string
	NaturalKey string
	Payload    json.RawMessage
	Delay      time.Duration
}

type EnqueueResult struct {
	ID        int64
	Inserted  bool
	Updated   bool
	Duplicate bool // row exists and is completed; payload untouched
}

type FailResult struct {
	Terminal bool
	Attempts int
	Delay    time.Duration
}
