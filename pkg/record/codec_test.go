package record

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)
	rec := &JobRecord{
		JobID:     "job-1",
		Type:      "shell",
		Status:    StatusCompleted,
		Params:    map[string]any{"n": float64(5)},
		Result:    json.RawMessage(`{"sum":15}`),
		CreatedAt: now,
		UpdatedAt: now.Add(2 * time.Second),
		SizeBytes: 10,
	}

	line, err := Encode(rec)
	if err != nil {
		t.Fatalf("Encode() error: %v", err)
	}
	for _, b := range line {
		if b == '\n' {
			t.Fatalf("encoded line contains embedded newline")
		}
	}

	got, err := Decode(line)
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	if got.JobID != rec.JobID || got.Status != rec.Status {
		t.Fatalf("round trip mismatch: got=%+v", got)
	}
	if string(got.Result) != `{"sum":15}` {
		t.Fatalf("result did not round trip: %s", got.Result)
	}
	if got.SizeBytes != 10 {
		t.Fatalf("size_bytes mismatch: %d", got.SizeBytes)
	}
}

func TestDecodeMalformed(t *testing.T) {
	cases := []string{
		"",
		`{"job_id":"a","status":"crea`, // torn mid-write
		"not json at all",
	}
	for _, c := range cases {
		_, err := Decode([]byte(c))
		var de *DecodeError
		if !errors.As(err, &de) {
			t.Fatalf("Decode(%q): expected DecodeError, got %v", c, err)
		}
		if de.Kind != KindMalformed {
			t.Fatalf("Decode(%q): expected malformed, got %s", c, de.Kind)
		}
	}
}

func TestDecodeInvalid(t *testing.T) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	earlier := time.Now().UTC().Add(-time.Hour).Format(time.RFC3339Nano)

	cases := map[string]string{
		"missing job_id":   `{"status":"created","created_at":"` + now + `","updated_at":"` + now + `"}`,
		"unknown status":   `{"job_id":"a","status":"sleeping","created_at":"` + now + `","updated_at":"` + now + `"}`,
		"time regression":  `{"job_id":"a","status":"created","created_at":"` + now + `","updated_at":"` + earlier + `"}`,
		"result on queued": `{"job_id":"a","status":"queued","result":{},"created_at":"` + now + `","updated_at":"` + now + `"}`,
		"error on done":    `{"job_id":"a","status":"completed","error":{"kind":"error","message":"x"},"created_at":"` + now + `","updated_at":"` + now + `"}`,
	}
	for name, c := range cases {
		_, err := Decode([]byte(c))
		var de *DecodeError
		if !errors.As(err, &de) {
			t.Fatalf("%s: expected DecodeError, got %v", name, err)
		}
		if de.Kind != KindInvalid {
			t.Fatalf("%s: expected invalid, got %s", name, de.Kind)
		}
	}
}

func TestCanTransition(t *testing.T) {
	valid := [][2]Status{
		{StatusCreated, StatusQueued},
		{StatusQueued, StatusRunning},
		{StatusRunning, StatusCompleted},
		{StatusRunning, StatusFailed},
		{StatusRunning, StatusCancelled},
		{StatusQueued, StatusCancelled},
		{StatusCreated, StatusCancelled},
	}
	for _, v := range valid {
		if !CanTransition(v[0], v[1]) {
			t.Fatalf("expected %s -> %s to be valid", v[0], v[1])
		}
	}

	invalid := [][2]Status{
		{StatusCompleted, StatusRunning},
		{StatusFailed, StatusQueued},
		{StatusCancelled, StatusCancelled},
		{StatusRunning, StatusQueued},
		{StatusQueued, StatusCompleted},
		{StatusCreated, StatusRunning},
	}
	for _, v := range invalid {
		if CanTransition(v[0], v[1]) {
			t.Fatalf("expected %s -> %s to be invalid", v[0], v[1])
		}
	}

	for _, s := range []Status{StatusCompleted, StatusFailed, StatusCancelled} {
		if !s.Terminal() {
			t.Fatalf("expected %s to be terminal", s)
		}
	}
	for _, s := range []Status{StatusCreated, StatusQueued, StatusRunning} {
		if s.Terminal() {
			t.Fatalf("expected %s to be non-terminal", s)
		}
	}
}
