package supervisor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/3leaps/goqueue/pkg/guard"
	"github.com/3leaps/goqueue/pkg/record"
)

// execOutcome is what the execution goroutine reports back, exactly once.
type execOutcome struct {
	value any
	err   error
	fault *Fault
}

// runJob drives one job through its lifecycle. It owns the worker slot for
// the duration of the execution.
func (s *Supervisor) runJob(p pendingJob) {
	defer s.wg.Done()
	defer func() { <-s.slots }()

	runID := uuid.NewString()
	log := s.logger.With(
		zap.String("job_id", p.jobID),
		zap.String("type", p.jobType),
		zap.String("run_id", runID))

	rec, err := s.store.Update(p.jobID, func(r *record.JobRecord) error {
		r.Status = record.StatusRunning
		return nil
	})
	if err != nil {
		// Cancelled or deleted between dispatch and start.
		log.Debug("skipping dispatched job", zap.Error(err))
		return
	}
	metricRunning.Inc()
	defer metricRunning.Dec()
	log.Info("job started")

	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	rj := &runningJob{cancel: cancel}
	s.mu.Lock()
	s.running[p.jobID] = rj
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.running, p.jobID)
		s.mu.Unlock()
	}()

	s.mu.Lock()
	factory := s.factories[p.jobType]
	s.mu.Unlock()
	if factory == nil {
		s.commitFault(log, p.jobID, &Fault{Kind: FaultKindError, Message: fmt.Sprintf("no factory for job type %q", p.jobType)})
		return
	}
	job, err := factory(p.jobID, rec.Params)
	if err != nil {
		s.commitFault(log, p.jobID, &Fault{Kind: FaultKindError, Message: fmt.Sprintf("construct job: %v", err)})
		return
	}

	outcome := make(chan execOutcome, 1)
	go s.execute(ctx, p.jobID, job, outcome)

	var timeoutCh <-chan time.Time
	if s.cfg.JobTimeout > 0 {
		timer := time.NewTimer(s.cfg.JobTimeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case o := <-outcome:
		s.finalize(ctx, log, p.jobID, job, o, rj)
	case <-timeoutCh:
		log.Warn("job exceeded timeout, cancelling", zap.Duration("timeout", s.cfg.JobTimeout))
		rj.requestCancel("timeout")
		grace := time.NewTimer(s.cfg.CancelGrace)
		defer grace.Stop()
		select {
		case o := <-outcome:
			s.finalize(ctx, log, p.jobID, job, o, rj)
		case <-grace.C:
			// The goroutine did not yield; fail the record and
			// abandon the execution. Any late write it attempts is
			// rejected by the state machine.
			log.Error("job unresponsive after cancel grace, abandoning")
			s.commitFault(log, p.jobID, &Fault{
				Kind:    FaultKindTimeout,
				Message: fmt.Sprintf("job exceeded timeout of %s and did not yield to cancellation", s.cfg.JobTimeout),
			})
		}
	}
}

// execute runs the start hook and the job body in a child goroutine. A
// panic anywhere in the chain is converted into a fault instead of taking
// down the process.
func (s *Supervisor) execute(ctx context.Context, jobID string, job Job, outcome chan<- execOutcome) {
	defer func() {
		if r := recover(); r != nil {
			outcome <- execOutcome{fault: &Fault{Kind: FaultKindPanic, Message: fmt.Sprintf("panic: %v", r)}}
		}
	}()

	if err := job.OnStart(ctx); err != nil {
		// The start hook is advisory. Execution proceeds and the job's
		// own outcome decides the terminal state.
		s.logger.Warn("on_start hook failed",
			zap.String("job_id", jobID),
			zap.Error(err))
	}
	value, err := job.Execute(ctx)
	outcome <- execOutcome{value: value, err: err}
}

// finalize commits the terminal state for a yielded execution and runs the
// lifecycle hooks.
func (s *Supervisor) finalize(ctx context.Context, log *zap.Logger, jobID string, job Job, o execOutcome, rj *runningJob) {
	switch {
	case o.fault != nil:
		s.commitFault(log, jobID, o.fault)
		s.runEndHooks(ctx, log, job, o.fault)

	case o.err != nil:
		reason := rj.cancelReason()
		if yieldedToCancel(ctx, o.err) && (reason == "user" || reason == "shutdown") {
			_, err := s.store.Update(jobID, func(r *record.JobRecord) error {
				r.Status = record.StatusCancelled
				return nil
			})
			if err != nil {
				log.Error("failed to record cancellation", zap.Error(err))
			}
			metricExecutions.WithLabelValues(string(record.StatusCancelled)).Inc()
			log.Info("job cancelled", zap.String("reason", reason))
			s.runEndHooks(ctx, log, job, nil)
			return
		}
		fault := &Fault{Kind: FaultKindError, Message: o.err.Error()}
		if reason == "timeout" {
			fault = &Fault{Kind: FaultKindTimeout, Message: fmt.Sprintf("job exceeded timeout of %s", s.cfg.JobTimeout)}
		}
		s.commitFault(log, jobID, fault)
		s.runEndHooks(ctx, log, job, fault)

	default:
		raw, size, err := s.guard.Validate(jobID, o.value)
		if err != nil {
			var rej *guard.RejectionError
			fault := &Fault{Kind: FaultKindResultRejected, Message: err.Error()}
			if errors.As(err, &rej) {
				fault.Message = rej.Error()
			}
			s.commitFault(log, jobID, fault)
			s.runEndHooks(ctx, log, job, fault)
			return
		}
		_, err = s.store.Update(jobID, func(r *record.JobRecord) error {
			r.Status = record.StatusCompleted
			r.Result = raw
			r.SizeBytes = size
			return nil
		})
		if err != nil {
			// The record keeps its last durable state; the result is
			// lost but the execution is reported.
			log.Error("failed to persist result", zap.Error(err))
			return
		}
		metricExecutions.WithLabelValues(string(record.StatusCompleted)).Inc()
		log.Info("job completed", zap.Int64("result_bytes", size))
		s.runEndHooks(ctx, log, job, nil)
	}
}

// commitFault marks the job failed with the given fault.
func (s *Supervisor) commitFault(log *zap.Logger, jobID string, fault *Fault) {
	_, err := s.store.Update(jobID, func(r *record.JobRecord) error {
		r.Status = record.StatusFailed
		r.Error = &record.JobError{Kind: fault.Kind, Message: fault.Message}
		return nil
	})
	if err != nil {
		log.Error("failed to record fault", zap.Error(err))
		return
	}
	metricExecutions.WithLabelValues(string(record.StatusFailed)).Inc()
	log.Warn("job failed",
		zap.String("fault_kind", fault.Kind),
		zap.String("fault_message", fault.Message))
}

// runEndHooks invokes OnEnd and, when a fault occurred, OnError. Hook
// panics and errors are logged and never change the committed outcome.
func (s *Supervisor) runEndHooks(ctx context.Context, log *zap.Logger, job Job, fault *Fault) {
	s.safeHook(log, "on_end", func() error { return job.OnEnd(ctx) })
	if fault != nil {
		s.safeHook(log, "on_error", func() error { return job.OnError(ctx, fault) })
	}
}

func (s *Supervisor) safeHook(log *zap.Logger, name string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			log.Warn("job hook panicked",
				zap.String("hook", name),
				zap.Any("panic", r))
		}
	}()
	if err := fn(); err != nil {
		log.Warn("job hook returned error",
			zap.String("hook", name),
			zap.Error(err))
	}
}

// yieldedToCancel reports whether the execution error is attributable to
// context cancellation.
func yieldedToCancel(ctx context.Context, err error) bool {
	if ctx.Err() == nil {
		return false
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
