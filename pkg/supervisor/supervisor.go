package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/3leaps/goqueue/pkg/guard"
	"github.com/3leaps/goqueue/pkg/record"
	"github.com/3leaps/goqueue/pkg/registry"
)

// Sentinel errors for submission.
var (
	// ErrUnknownJobType is returned when no factory is registered for the
	// requested job type.
	ErrUnknownJobType = errors.New("unknown job type")

	// ErrQueueFull is returned when the registry holds the configured
	// maximum number of jobs and no terminal record can be evicted.
	ErrQueueFull = errors.New("job queue is full")
)

// Config configures supervisor behavior.
type Config struct {
	// MaxConcurrent is the number of worker slots. Default: 4.
	MaxConcurrent int

	// JobTimeout caps a single execution. Zero means no timeout.
	JobTimeout time.Duration

	// CancelGrace is how long a job gets to yield after a timeout
	// cancellation before it is abandoned. Default: 5s.
	CancelGrace time.Duration

	// StartRateLimit is the maximum job starts per second. Zero means
	// unlimited.
	StartRateLimit float64

	// MaxQueueSize bounds the number of records in the registry. When the
	// bound is reached, submit evicts the oldest terminal record; if none
	// is terminal the submit fails. Zero means unbounded.
	MaxQueueSize int

	// CleanupMaxAge is the retention age for terminal records. Zero
	// disables the background sweep.
	CleanupMaxAge time.Duration

	// CleanupInterval is how often the retention sweep runs.
	// Default: 1m.
	CleanupInterval time.Duration
}

// DefaultConfig returns the default supervisor configuration.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:   4,
		CancelGrace:     5 * time.Second,
		CleanupInterval: time.Minute,
	}
}

// pendingJob is one entry in the FIFO dispatch queue.
type pendingJob struct {
	jobID      string
	jobType    string
	enqueuedAt time.Time
}

// runningJob tracks the cancellation handle for an executing job.
type runningJob struct {
	cancel context.CancelFunc

	mu     sync.Mutex
	reason string // "", "user", "timeout", "shutdown"
}

func (r *runningJob) requestCancel(reason string) {
	r.mu.Lock()
	if r.reason == "" {
		r.reason = reason
	}
	r.mu.Unlock()
	r.cancel()
}

func (r *runningJob) cancelReason() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reason
}

// Supervisor owns the worker pool and is the single writer of the registry.
type Supervisor struct {
	store      *registry.Store
	guard      *guard.Guard
	cfg        Config
	logger     *zap.Logger
	instanceID string

	mu        sync.Mutex
	factories map[string]Factory
	pending   []pendingJob
	running   map[string]*runningJob
	started   bool

	ctx     context.Context
	cancel  context.CancelFunc
	stopCh  chan struct{}
	wake    chan struct{}
	slots   chan struct{}
	limiter *rate.Limiter
	wg      sync.WaitGroup
}

// New creates a Supervisor over the given store and guard. Zero config
// fields fall back to DefaultConfig values.
func New(store *registry.Store, g *guard.Guard, cfg Config, logger *zap.Logger) *Supervisor {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultConfig().MaxConcurrent
	}
	if cfg.CancelGrace <= 0 {
		cfg.CancelGrace = DefaultConfig().CancelGrace
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = DefaultConfig().CleanupInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Supervisor{
		store:      store,
		guard:      g,
		cfg:        cfg,
		logger:     logger,
		instanceID: uuid.NewString(),
		factories:  make(map[string]Factory),
		running:    make(map[string]*runningJob),
		stopCh:     make(chan struct{}),
		wake:       make(chan struct{}, 1),
		slots:      make(chan struct{}, cfg.MaxConcurrent),
	}
	if cfg.StartRateLimit > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.StartRateLimit), 1)
	}
	return s
}

// Register binds a job type name to its factory. Submissions referencing an
// unregistered type fail with ErrUnknownJobType.
func (s *Supervisor) Register(jobType string, factory Factory) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.factories[jobType] = factory
}

// Store exposes the underlying registry store for read paths.
func (s *Supervisor) Store() *registry.Store { return s.store }

// InstanceID is the unique id of this supervisor process, used for log
// correlation.
func (s *Supervisor) InstanceID() string { return s.instanceID }

// Start launches the dispatcher and the retention sweep, and recovers jobs
// left non-terminal by a previous run: queued and created records are
// re-enqueued, records stuck in running are failed (their execution context
// died with the previous process).
func (s *Supervisor) Start() error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	// Fresh lifecycle state so a supervisor stopped earlier can start
	// again: the previous stopCh is closed for good, and the pending
	// queue is rebuilt from the store by recover below.
	s.stopCh = make(chan struct{})
	if n := len(s.pending); n > 0 {
		metricQueued.Sub(float64(n))
		s.pending = nil
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.mu.Unlock()

	if err := s.recover(); err != nil {
		return err
	}

	s.logger.Info("supervisor starting",
		zap.String("instance_id", s.instanceID),
		zap.Int("max_concurrent", s.cfg.MaxConcurrent),
		zap.String("registry", s.store.Path()))

	s.wg.Add(1)
	go s.dispatchLoop(s.stopCh)

	if s.cfg.CleanupMaxAge > 0 {
		s.wg.Add(1)
		go s.cleanupLoop(s.stopCh)
	}
	return nil
}

// recover re-enqueues interrupted work after a restart.
func (s *Supervisor) recover() error {
	for _, rec := range s.store.List() {
		switch rec.Status {
		case record.StatusCreated, record.StatusQueued:
			if rec.Status == record.StatusCreated {
				if _, err := s.store.Update(rec.JobID, func(r *record.JobRecord) error {
					r.Status = record.StatusQueued
					return nil
				}); err != nil {
					return fmt.Errorf("requeue job %q: %w", rec.JobID, err)
				}
			}
			s.enqueue(pendingJob{jobID: rec.JobID, jobType: rec.Type, enqueuedAt: rec.UpdatedAt})
			s.logger.Info("requeued interrupted job", zap.String("job_id", rec.JobID))
		case record.StatusRunning:
			fault := &Fault{Kind: FaultKindError, Message: "execution interrupted by supervisor restart"}
			if _, err := s.store.Update(rec.JobID, func(r *record.JobRecord) error {
				r.Status = record.StatusFailed
				r.Error = &record.JobError{Kind: fault.Kind, Message: fault.Message}
				return nil
			}); err != nil {
				return fmt.Errorf("fail interrupted job %q: %w", rec.JobID, err)
			}
			s.logger.Warn("failed job interrupted by previous run", zap.String("job_id", rec.JobID))
		}
	}
	return nil
}

// Stop shuts the supervisor down: running jobs receive a cooperative
// cancellation and the call waits for workers to drain or ctx to expire.
// Jobs still queued keep their queued state and are re-enqueued on the next
// Start.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	close(s.stopCh)
	for _, rj := range s.running {
		rj.requestCancel("shutdown")
	}
	s.mu.Unlock()
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("supervisor shutdown: %w", ctx.Err())
	}
}

// Submit creates a record for a new job and enqueues it. The returned
// record reflects the state at submission time: created or queued, never
// running or terminal.
func (s *Supervisor) Submit(jobType, jobID string, params map[string]any) (*record.JobRecord, error) {
	if jobID == "" {
		return nil, fmt.Errorf("job_id is required")
	}

	s.mu.Lock()
	_, ok := s.factories[jobType]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("job type %q: %w", jobType, ErrUnknownJobType)
	}

	if s.cfg.MaxQueueSize > 0 {
		if err := s.evictForSpace(); err != nil {
			return nil, err
		}
	}

	now := time.Now().UTC()
	rec := &record.JobRecord{
		JobID:     jobID,
		Type:      jobType,
		Status:    record.StatusCreated,
		Params:    params,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.Append(rec); err != nil {
		return nil, err
	}
	metricSubmitted.Inc()

	queued, err := s.store.Update(jobID, func(r *record.JobRecord) error {
		r.Status = record.StatusQueued
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.enqueue(pendingJob{jobID: jobID, jobType: jobType, enqueuedAt: queued.UpdatedAt})
	s.logger.Debug("job submitted",
		zap.String("job_id", jobID),
		zap.String("type", jobType))
	return queued, nil
}

// evictForSpace enforces MaxQueueSize by removing the oldest terminal
// record. A registry full of non-terminal jobs rejects the submit instead
// of interrupting work in flight.
func (s *Supervisor) evictForSpace() error {
	st := s.store.Stats()
	if st.Records < s.cfg.MaxQueueSize {
		return nil
	}
	for _, rec := range s.store.List() {
		if !rec.Terminal() {
			continue
		}
		s.logger.Info("evicting oldest terminal job",
			zap.String("job_id", rec.JobID),
			zap.Int("max_queue_size", s.cfg.MaxQueueSize))
		return s.store.Delete(rec.JobID)
	}
	return fmt.Errorf("%d records, none terminal: %w", st.Records, ErrQueueFull)
}

// Cancel requests cancellation of a job.
//
// Queued jobs are cancelled immediately without running. Running jobs get a
// cooperative signal through their context; the status changes only when
// the job yields. Cancelling an already-cancelled job is a no-op. Other
// terminal states reject the request as an invalid transition.
func (s *Supervisor) Cancel(jobID string) error {
	rec, err := s.store.Get(jobID)
	if err != nil {
		return err
	}

	switch rec.Status {
	case record.StatusCancelled:
		return nil
	case record.StatusCompleted, record.StatusFailed:
		return &registry.InvalidTransitionError{JobID: jobID, From: rec.Status, To: record.StatusCancelled}
	case record.StatusRunning:
		s.signalRunning(jobID, "user")
		return nil
	default: // created, queued
		return s.cancelPending(jobID)
	}
}

// errCancelRace marks a cancel that observed a stale pre-dispatch status.
var errCancelRace = errors.New("job state changed during cancel")

// cancelPending cancels a job last observed as created or queued. The
// status is re-checked inside the store's update critical section: a
// worker may have dispatched the job in the meantime, and committing
// running -> cancelled there would silently drop the execution without
// ever signalling it.
func (s *Supervisor) cancelPending(jobID string) error {
	if s.removePending(jobID) {
		metricQueued.Dec()
	}
	var raced record.Status
	_, err := s.store.Update(jobID, func(r *record.JobRecord) error {
		if r.Status != record.StatusCreated && r.Status != record.StatusQueued {
			raced = r.Status
			return errCancelRace
		}
		r.Status = record.StatusCancelled
		return nil
	})
	if errors.Is(err, errCancelRace) {
		switch raced {
		case record.StatusRunning:
			s.signalRunning(jobID, "user")
			return nil
		case record.StatusCancelled:
			return nil
		default:
			return &registry.InvalidTransitionError{JobID: jobID, From: raced, To: record.StatusCancelled}
		}
	}
	if err == nil {
		metricExecutions.WithLabelValues(string(record.StatusCancelled)).Inc()
	}
	return err
}

func (s *Supervisor) signalRunning(jobID, reason string) {
	s.mu.Lock()
	rj := s.running[jobID]
	s.mu.Unlock()
	if rj != nil {
		rj.requestCancel(reason)
	}
}

// Delete removes a terminal job's record from the registry. Deleting a
// non-terminal job fails with registry.ErrJobNotTerminal.
func (s *Supervisor) Delete(jobID string) error {
	rec, err := s.store.Get(jobID)
	if err != nil {
		return err
	}
	if !rec.Terminal() {
		return fmt.Errorf("job %q in state %s: %w", jobID, rec.Status, registry.ErrJobNotTerminal)
	}
	return s.store.Delete(jobID)
}

// Status returns the current record for jobID.
func (s *Supervisor) Status(jobID string) (*record.JobRecord, error) {
	return s.store.Get(jobID)
}

// Await blocks until the job reaches a terminal state.
func (s *Supervisor) Await(ctx context.Context, jobID string) (*record.JobRecord, error) {
	return s.store.WaitTerminal(ctx, jobID)
}

// CleanupExpired deletes terminal records whose last update is older than
// the retention age. It returns the number of records removed.
func (s *Supervisor) CleanupExpired() int {
	if s.cfg.CleanupMaxAge <= 0 {
		return 0
	}
	cutoff := time.Now().UTC().Add(-s.cfg.CleanupMaxAge)
	removed := 0
	for _, rec := range s.store.List() {
		if !rec.Terminal() || rec.UpdatedAt.After(cutoff) {
			continue
		}
		if err := s.store.Delete(rec.JobID); err != nil {
			s.logger.Warn("retention cleanup failed",
				zap.String("job_id", rec.JobID),
				zap.Error(err))
			continue
		}
		removed++
	}
	if removed > 0 {
		s.logger.Info("retention cleanup removed jobs", zap.Int("removed", removed))
	}
	return removed
}

func (s *Supervisor) cleanupLoop(stopCh <-chan struct{}) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			s.CleanupExpired()
		}
	}
}

// enqueue inserts p keeping the queue ordered by enqueue time, ties broken
// by job id for determinism.
func (s *Supervisor) enqueue(p pendingJob) {
	s.mu.Lock()
	s.pending = append(s.pending, p)
	sort.Slice(s.pending, func(i, j int) bool {
		if !s.pending[i].enqueuedAt.Equal(s.pending[j].enqueuedAt) {
			return s.pending[i].enqueuedAt.Before(s.pending[j].enqueuedAt)
		}
		return s.pending[i].jobID < s.pending[j].jobID
	})
	s.mu.Unlock()
	metricQueued.Inc()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Supervisor) popPending() (pendingJob, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return pendingJob{}, false
	}
	p := s.pending[0]
	s.pending = s.pending[1:]
	return p, true
}

func (s *Supervisor) removePending(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, p := range s.pending {
		if p.jobID == jobID {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			return true
		}
	}
	return false
}

// dispatchLoop moves queued jobs into running as worker slots free up.
func (s *Supervisor) dispatchLoop(stopCh <-chan struct{}) {
	defer s.wg.Done()
	for {
		p, ok := s.popPending()
		if !ok {
			select {
			case <-stopCh:
				return
			case <-s.wake:
				continue
			}
		}
		metricQueued.Dec()

		select {
		case s.slots <- struct{}{}:
		case <-stopCh:
			return
		}

		if s.limiter != nil {
			if err := s.limiter.Wait(s.ctx); err != nil {
				<-s.slots
				return
			}
		}

		s.wg.Add(1)
		go s.runJob(p)
	}
}
