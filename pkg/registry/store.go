// Package registry implements the durable job registry: an append-structured
// JSONL log of job records plus an in-memory index.
//
// Durability model: every logical update appends a new line carrying the
// full current record state, and the most recent line for a job id wins.
// A reader that stops at any line boundary sees an internally consistent,
// if stale, view. Compaction rewrites the log via temp file + atomic rename
// so a crash mid-compaction leaves the original file intact.
//
// The store is single-writer: all mutation flows through one Store owned by
// the execution supervisor. Independent readers use Snapshot, which never
// touches the writer's state.
package registry

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/goqueue/pkg/record"
)

// logFile is the slice of *os.File the append path uses, split out so
// tests can inject write failures.
type logFile interface {
	Write(p []byte) (int, error)
	Sync() error
	Truncate(size int64) error
	Close() error
}

// Store persists and serves JobRecords backed by one append-only log file.
//
// All methods are safe for concurrent use; writes are serialized so one
// mutation completes before the next begins.
type Store struct {
	mu         sync.Mutex
	path       string
	f          logFile
	index      map[string]*record.JobRecord
	tombstones map[string]*record.JobRecord
	generation int
	logBytes   int64
	changed    chan struct{}
	logger     *zap.Logger
	closed     bool
	failed     bool
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the store's logger. Defaults to zap.NewNop().
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// Open loads the registry at path, creating it if absent.
//
// Recovery: the log is scanned from the start. A malformed trailing line is
// the signature of a crash during append; it is truncated away and all prior
// records are kept. Malformed interior lines fail the open.
func Open(path string, opts ...Option) (*Store, error) {
	s := &Store{
		path:       path,
		changed:    make(chan struct{}),
		logger:     zap.NewNop(),
		index:      make(map[string]*record.JobRecord),
		tombstones: make(map[string]*record.JobRecord),
	}
	for _, opt := range opts {
		opt(s)
	}

	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, &StorageError{Op: "create registry dir", Err: err}
		}
	}

	res, err := scanLog(path, s.logger)
	if err != nil {
		return nil, err
	}
	s.index = res.index
	s.tombstones = res.tombstones
	s.logBytes = res.validBytes

	if res.torn {
		s.logger.Warn("registry log ends with a torn line, truncating",
			zap.String("path", path),
			zap.Int64("valid_bytes", res.validBytes))
		if err := os.Truncate(path, res.validBytes); err != nil {
			return nil, &StorageError{Op: "truncate torn tail", Err: err}
		}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, &StorageError{Op: "open log for append", Err: err}
	}
	s.f = f

	s.logger.Debug("registry opened",
		zap.String("path", path),
		zap.Int("records", len(s.index)),
		zap.Int("tombstones", len(s.tombstones)))
	return s, nil
}

// Path returns the on-disk location of the registry log.
func (s *Store) Path() string { return s.path }

// Generation returns the compaction generation, incremented on every
// successful Compact.
func (s *Store) Generation() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation
}

// Close releases the append handle. Further mutations fail with ErrClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.f.Close()
}

// Append writes the initial record for a new job.
//
// Job id uniqueness holds across the full registry history: an id held by a
// live record or by a tombstone fails with ErrDuplicateJob.
func (s *Store) Append(rec *record.JobRecord) error {
	if rec == nil {
		return fmt.Errorf("record is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, ok := s.index[rec.JobID]; ok {
		return fmt.Errorf("job %q: %w", rec.JobID, ErrDuplicateJob)
	}
	if _, ok := s.tombstones[rec.JobID]; ok {
		return fmt.Errorf("job %q: %w", rec.JobID, ErrDuplicateJob)
	}

	stored := rec.Clone()
	if err := s.writeLine(stored); err != nil {
		return err
	}
	s.index[stored.JobID] = stored
	s.notify()
	return nil
}

// Update applies mutate to a copy of the current record and persists the
// result. Status changes are checked against the state machine; an invalid
// transition returns *InvalidTransitionError and leaves the record
// untouched. UpdatedAt is advanced monotonically.
func (s *Store) Update(jobID string, mutate func(*record.JobRecord) error) (*record.JobRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	cur, ok := s.index[jobID]
	if !ok {
		return nil, fmt.Errorf("job %q: %w", jobID, ErrNotFound)
	}

	next := cur.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}

	// Identity and creation time are immutable.
	next.JobID = cur.JobID
	next.CreatedAt = cur.CreatedAt
	next.Deleted = false

	if next.Status != cur.Status && !record.CanTransition(cur.Status, next.Status) {
		return nil, &InvalidTransitionError{JobID: jobID, From: cur.Status, To: next.Status}
	}

	now := time.Now().UTC()
	if now.Before(cur.UpdatedAt) {
		now = cur.UpdatedAt
	}
	next.UpdatedAt = now

	if err := s.writeLine(next); err != nil {
		return nil, err
	}
	s.index[jobID] = next
	s.notify()
	return next.Clone(), nil
}

// Get returns a copy of the current record for jobID.
func (s *Store) Get(jobID string) (*record.JobRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.index[jobID]
	if !ok {
		return nil, fmt.Errorf("job %q: %w", jobID, ErrNotFound)
	}
	return rec.Clone(), nil
}

// List returns copies of all live records ordered by creation time, ties
// broken by job id for determinism.
func (s *Store) List() []record.JobRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortRecords(s.index)
}

// Delete removes the record for jobID and leaves a tombstone so the id is
// never reused. The log is compacted immediately so the record's payload is
// gone from disk, not just superseded.
//
// Terminal-state policy is enforced by the supervisor, not here: retention
// cleanup and operator tooling share this method.
func (s *Store) Delete(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	cur, ok := s.index[jobID]
	if !ok {
		return fmt.Errorf("job %q: %w", jobID, ErrNotFound)
	}

	tomb := &record.JobRecord{
		JobID:     cur.JobID,
		Type:      cur.Type,
		Status:    cur.Status,
		CreatedAt: cur.CreatedAt,
		UpdatedAt: time.Now().UTC(),
		Deleted:   true,
	}
	if tomb.UpdatedAt.Before(cur.UpdatedAt) {
		tomb.UpdatedAt = cur.UpdatedAt
	}

	if err := s.writeLine(tomb); err != nil {
		return err
	}
	delete(s.index, jobID)
	s.tombstones[jobID] = tomb

	if err := s.compactLocked(); err != nil {
		// The tombstone is durable; compaction will be retried by the
		// next explicit Compact.
		s.logger.Warn("compaction after delete failed", zap.Error(err))
	}
	s.notify()
	return nil
}

// Compact rewrites the log keeping only the latest line per surviving job
// id plus tombstones. The rewrite goes to a temp file in the same directory
// followed by an atomic rename, so a crash mid-compaction cannot leave the
// registry partially rewritten.
func (s *Store) Compact() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.failed {
		return ErrWriterFailed
	}
	return s.compactLocked()
}

func (s *Store) compactLocked() error {
	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp.*")
	if err != nil {
		return &StorageError{Op: "create compaction temp file", Err: err}
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	var written int64
	writeRec := func(rec *record.JobRecord) error {
		line, err := record.Encode(rec)
		if err != nil {
			return err
		}
		line = append(line, '\n')
		n, err := tmp.Write(line)
		written += int64(n)
		return err
	}

	for _, rec := range sortRecordPtrs(s.tombstones) {
		if err := writeRec(rec); err != nil {
			_ = tmp.Close()
			return &StorageError{Op: "write compacted tombstone", Err: err}
		}
	}
	for _, rec := range sortRecordPtrs(s.index) {
		if err := writeRec(rec); err != nil {
			_ = tmp.Close()
			return &StorageError{Op: "write compacted record", Err: err}
		}
	}

	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return &StorageError{Op: "sync compacted log", Err: err}
	}
	if err := tmp.Close(); err != nil {
		return &StorageError{Op: "close compacted log", Err: err}
	}

	if err := os.Rename(tmpName, s.path); err != nil {
		return &StorageError{Op: "rename compacted log", Err: err}
	}

	// The old append handle points at the replaced inode; reopen.
	_ = s.f.Close()
	f, err := os.OpenFile(s.path, os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return &StorageError{Op: "reopen log after compaction", Err: err}
	}
	s.f = f
	s.logBytes = written
	s.generation++

	s.logger.Debug("registry compacted",
		zap.Int("generation", s.generation),
		zap.Int("records", len(s.index)),
		zap.Int64("bytes", written))
	return nil
}

// Stats summarizes registry contents for inspection endpoints and tooling.
type Stats struct {
	Records     int                   `json:"records"`
	Tombstones  int                   `json:"tombstones"`
	ByStatus    map[record.Status]int `json:"by_status"`
	ResultBytes int64                 `json:"result_bytes"`
	LogBytes    int64                 `json:"log_bytes"`
	Generation  int                   `json:"generation"`
}

// Stats returns a point-in-time summary of the registry.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{
		Records:    len(s.index),
		Tombstones: len(s.tombstones),
		ByStatus:   make(map[record.Status]int),
		LogBytes:   s.logBytes,
		Generation: s.generation,
	}
	for _, rec := range s.index {
		st.ByStatus[rec.Status]++
		st.ResultBytes += rec.SizeBytes
	}
	return st
}

// WaitTerminal blocks until the record for jobID reaches a terminal state,
// then returns a copy of it. This replaces polling sleeps for callers that
// need completion signaling.
func (s *Store) WaitTerminal(ctx context.Context, jobID string) (*record.JobRecord, error) {
	for {
		s.mu.Lock()
		rec, ok := s.index[jobID]
		if !ok {
			s.mu.Unlock()
			return nil, fmt.Errorf("job %q: %w", jobID, ErrNotFound)
		}
		if rec.Terminal() {
			out := rec.Clone()
			s.mu.Unlock()
			return out, nil
		}
		ch := s.changed
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ch:
		}
	}
}

// notify wakes all WaitTerminal callers. Callers re-check state and park
// again on the fresh channel.
func (s *Store) notify() {
	close(s.changed)
	s.changed = make(chan struct{})
}

// writeLine encodes rec and appends it as one line, flushing to stable
// storage before the index is updated.
//
// A failed write may leave part of the line at the file tail. That residue
// is not a recoverable torn tail: the next append would merge into it and
// turn the junk into interior corruption on reopen. The boundary is
// restored by truncating back to logBytes; if even that fails the writer
// latches failed and refuses further mutations until reopened.
func (s *Store) writeLine(rec *record.JobRecord) error {
	if s.failed {
		return ErrWriterFailed
	}
	line, err := record.Encode(rec)
	if err != nil {
		return err
	}
	line = append(line, '\n')

	n, err := s.f.Write(line)
	if err != nil {
		// Success is ambiguous; do not retry the write. The in-memory
		// index keeps the last known-good state.
		if rerr := s.rollbackTail(n); rerr != nil {
			return rerr
		}
		return &StorageError{Op: "append record", Err: err}
	}
	if err := s.f.Sync(); err != nil {
		// The line is in the file but not acknowledged durable. Drop
		// it so disk state matches the index.
		if rerr := s.rollbackTail(n); rerr != nil {
			return rerr
		}
		return &StorageError{Op: "sync log", Err: err}
	}
	s.logBytes += int64(n)
	return nil
}

// rollbackTail truncates the log back to the last known-good line boundary
// after a failed append of n bytes.
func (s *Store) rollbackTail(n int) error {
	if n <= 0 {
		return nil
	}
	if err := s.f.Truncate(s.logBytes); err != nil {
		s.failed = true
		s.logger.Error("failed to restore log boundary, refusing further writes",
			zap.String("path", s.path),
			zap.Int64("valid_bytes", s.logBytes),
			zap.Error(err))
		return &StorageError{Op: "truncate after failed append", Err: err}
	}
	return nil
}

func sortRecords(m map[string]*record.JobRecord) []record.JobRecord {
	out := make([]record.JobRecord, 0, len(m))
	for _, rec := range m {
		out = append(out, *rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].JobID < out[j].JobID
	})
	return out
}

func sortRecordPtrs(m map[string]*record.JobRecord) []*record.JobRecord {
	out := make([]*record.JobRecord, 0, len(m))
	for _, rec := range m {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].JobID < out[j].JobID
	})
	return out
}
