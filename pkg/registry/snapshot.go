package registry

import (
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/3leaps/goqueue/pkg/record"
)

// Snapshot is a read-only, point-in-time view of the registry decoded from
// its current durable state. Snapshots are taken without coordinating with
// the writer: each line is atomically one full record, so a reader may be
// at most one update behind but never sees a torn record.
type Snapshot struct {
	records map[string]*record.JobRecord
}

// ReadSnapshot decodes the registry log at path into a Snapshot.
//
// A torn trailing line is ignored (the write it belongs to has not
// completed). The file is never modified; healing is the writer's job.
func ReadSnapshot(path string, opts ...SnapshotOption) (*Snapshot, error) {
	cfg := snapshotConfig{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&cfg)
	}

	res, err := scanLog(path, cfg.logger)
	if err != nil {
		return nil, err
	}
	return &Snapshot{records: res.index}, nil
}

type snapshotConfig struct {
	logger *zap.Logger
}

// SnapshotOption configures ReadSnapshot.
type SnapshotOption func(*snapshotConfig)

// WithSnapshotLogger sets the logger used for scan warnings.
func WithSnapshotLogger(l *zap.Logger) SnapshotOption {
	return func(c *snapshotConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

// Get returns the record for jobID, or ErrNotFound.
func (s *Snapshot) Get(jobID string) (*record.JobRecord, error) {
	rec, ok := s.records[jobID]
	if !ok {
		return nil, fmt.Errorf("job %q: %w", jobID, ErrNotFound)
	}
	return rec.Clone(), nil
}

// List returns all records ordered by creation time, ties broken by job id.
func (s *Snapshot) List() []record.JobRecord {
	out := make([]record.JobRecord, 0, len(s.records))
	for _, rec := range s.records {
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

// Len returns the number of live records in the snapshot.
func (s *Snapshot) Len() int { return len(s.records) }
