// Package record defines the persistent job record, its lifecycle state
// machine, and the line codec used by the registry log.
//
// Each encoded record is one self-contained line of JSON. Lines decode
// independently of their neighbors, which is what lets the registry be
// append-only and recover from a crash mid-write by discarding the last
// malformed line.
package record

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a job.
//
// NOTE: These values are persisted in the registry log and are part of the
// stable on-disk contract.
type Status string

const (
	StatusCreated   Status = "created"
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Known reports whether s is one of the defined status values.
func (s Status) Known() bool {
	switch s {
	case StatusCreated, StatusQueued, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// JobError is a structured failure description attached to a FAILED record.
type JobError struct {
	// Kind classifies the failure: "error", "panic", "timeout",
	// "result_rejected".
	Kind string `json:"kind"`

	// Message is the human-readable failure message.
	Message string `json:"message"`
}

// JobRecord is one row of durable job state.
//
// The schema is designed for backward-compatible extension (additive
// fields). Result and Error are mutually exclusive and each write-once:
// Result is set only on the transition into completed, Error only on the
// transition into failed.
type JobRecord struct {
	JobID  string `json:"job_id"`
	Type   string `json:"type,omitempty"`
	Status Status `json:"status"`

	// Params is the caller-supplied parameter mapping, immutable after
	// creation.
	Params map[string]any `json:"params,omitempty"`

	// Result is the serialized result payload set by the worker that ran
	// the job.
	Result json.RawMessage `json:"result,omitempty"`

	Error *JobError `json:"error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// SizeBytes is the serialized size of Result, used for registry-size
	// accounting and cleanup policy.
	SizeBytes int64 `json:"size_bytes,omitempty"`

	// Deleted marks a tombstone line. A tombstone survives compaction so
	// the job id is never reused, while the record itself is dropped.
	Deleted bool `json:"deleted,omitempty"`
}

// Clone returns a deep copy of the record. Params and Result are copied so
// callers cannot mutate registry state through a returned record.
func (r *JobRecord) Clone() *JobRecord {
	out := *r
	if r.Params != nil {
		out.Params = make(map[string]any, len(r.Params))
		for k, v := range r.Params {
			out.Params[k] = v
		}
	}
	if r.Result != nil {
		out.Result = append(json.RawMessage(nil), r.Result...)
	}
	if r.Error != nil {
		e := *r.Error
		out.Error = &e
	}
	return &out
}

// Terminal reports whether the record is in a terminal state.
func (r *JobRecord) Terminal() bool {
	return r.Status.Terminal()
}
