package record

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// DecodeErrorKind classifies a decode failure.
type DecodeErrorKind int

const (
	// KindMalformed means the line is not valid JSON, typically a write
	// interrupted mid-line. Recoverable by truncation when it is the
	// trailing line of the log.
	KindMalformed DecodeErrorKind = iota

	// KindInvalid means the line is well-formed JSON but violates record
	// semantics. Fatal for that record only; the surrounding log is fine.
	KindInvalid
)

func (k DecodeErrorKind) String() string {
	if k == KindMalformed {
		return "malformed"
	}
	return "invalid"
}

// DecodeError reports a line that could not be decoded into a JobRecord.
type DecodeError struct {
	Kind   DecodeErrorKind
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode record (%s): %s: %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("decode record (%s): %s", e.Kind, e.Reason)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Encode serializes the record as a single self-delimited line of JSON,
// without the trailing newline. Encoding never emits embedded newlines;
// encoding/json escapes them inside string values.
func Encode(r *JobRecord) ([]byte, error) {
	if r == nil {
		return nil, fmt.Errorf("record is nil")
	}
	if err := validate(r); err != nil {
		return nil, err
	}
	b, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("marshal record: %w", err)
	}
	return b, nil
}

// Decode parses one log line into a JobRecord. Failures are reported as a
// *DecodeError so callers can distinguish a torn write (KindMalformed) from
// a semantically broken record (KindInvalid).
func Decode(line []byte) (*JobRecord, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil, &DecodeError{Kind: KindMalformed, Reason: "empty line"}
	}

	var r JobRecord
	if err := json.Unmarshal(line, &r); err != nil {
		return nil, &DecodeError{Kind: KindMalformed, Reason: "not valid JSON", Err: err}
	}
	if err := validate(&r); err != nil {
		return nil, err
	}
	return &r, nil
}

// validate enforces the record invariants shared by Encode and Decode.
func validate(r *JobRecord) error {
	if r.JobID == "" {
		return &DecodeError{Kind: KindInvalid, Reason: "job_id is required"}
	}
	if !r.Status.Known() {
		return &DecodeError{Kind: KindInvalid, Reason: fmt.Sprintf("unknown status %q", r.Status)}
	}
	if r.UpdatedAt.Before(r.CreatedAt) {
		return &DecodeError{Kind: KindInvalid, Reason: "updated_at precedes created_at"}
	}
	if r.Result != nil && r.Error != nil {
		return &DecodeError{Kind: KindInvalid, Reason: "result and error are mutually exclusive"}
	}
	if r.Result != nil && r.Status != StatusCompleted {
		return &DecodeError{Kind: KindInvalid, Reason: "result is only valid on a completed record"}
	}
	if r.Error != nil && r.Status != StatusFailed {
		return &DecodeError{Kind: KindInvalid, Reason: "error is only valid on a failed record"}
	}
	return nil
}
