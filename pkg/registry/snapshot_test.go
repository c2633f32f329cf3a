package registry

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/3leaps/goqueue/pkg/record"
)

func TestSnapshot_SeesDurableState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.jsonl")
	s := openStore(t, path)
	now := time.Now().UTC()

	if err := s.Append(newRecord("a", record.StatusCreated, now)); err != nil {
		t.Fatalf("Append() error: %v", err)
	}
	if _, err := s.Update("a", func(r *record.JobRecord) error {
		r.Status = record.StatusQueued
		return nil
	}); err != nil {
		t.Fatalf("Update() error: %v", err)
	}

	snap, err := ReadSnapshot(path)
	if err != nil {
		t.Fatalf("ReadSnapshot() error: %v", err)
	}
	got, err := snap.Get("a")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got.Status != record.StatusQueued {
		t.Fatalf("snapshot saw %s, want queued", got.Status)
	}
	if _, err := snap.Get("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSnapshot_IgnoresTornTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.jsonl")
	s := openStore(t, path)
	now := time.Now().UTC()
	if err := s.Append(newRecord("a", record.StatusCreated, now)); err != nil {
		t.Fatalf("Append() error: %v", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	if _, err := f.WriteString(`{"job_id":"b","st`); err != nil {
		t.Fatalf("write torn line: %v", err)
	}
	_ = f.Close()

	snap, err := ReadSnapshot(path)
	if err != nil {
		t.Fatalf("ReadSnapshot() error: %v", err)
	}
	if snap.Len() != 1 {
		t.Fatalf("expected 1 record, got %d", snap.Len())
	}

	// The snapshot must not have modified the file.
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat log: %v", err)
	}
	if info.Size() == 0 {
		t.Fatalf("log unexpectedly truncated by reader")
	}
}

func TestSnapshot_ConcurrentWithCompaction(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.jsonl")
	s := openStore(t, path)
	base := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

	ids := []string{"a", "b", "c", "d", "e"}
	for i, id := range ids {
		if err := s.Append(newRecord(id, record.StatusCreated, base.Add(time.Duration(i)*time.Second))); err != nil {
			t.Fatalf("Append(%s) error: %v", id, err)
		}
	}

	var wg sync.WaitGroup
	stop := make(chan struct{})

	// Readers race with repeated compactions. Every snapshot must decode
	// cleanly and contain whole records only.
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				snap, err := ReadSnapshot(path)
				if err != nil {
					t.Errorf("ReadSnapshot() error: %v", err)
					return
				}
				for _, rec := range snap.List() {
					if rec.JobID == "" || !rec.Status.Known() {
						t.Errorf("torn record observed: %+v", rec)
						return
					}
				}
			}
		}()
	}

	for range 20 {
		if err := s.Compact(); err != nil {
			t.Fatalf("Compact() error: %v", err)
		}
	}
	close(stop)
	wg.Wait()

	snap, err := ReadSnapshot(path)
	if err != nil {
		t.Fatalf("ReadSnapshot() error: %v", err)
	}
	if snap.Len() != len(ids) {
		t.Fatalf("expected %d records post-compaction, got %d", len(ids), snap.Len())
	}
}
