package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/3leaps/goqueue/pkg/supervisor"
)

// TypeSleep is the registered name for sleep jobs, useful for smoke tests
// and load experiments.
const TypeSleep = "sleep"

type sleepParams struct {
	Duration string `json:"duration"`
}

// SleepJob waits for the configured duration or until cancelled.
type SleepJob struct {
	jobID string
	d     time.Duration
}

// NewSleepFactory returns a factory producing SleepJob instances.
func NewSleepFactory() supervisor.Factory {
	return func(jobID string, params map[string]any) (supervisor.Job, error) {
		var p sleepParams
		if err := supervisor.DecodeParams(params, &p); err != nil {
			return nil, err
		}
		if p.Duration == "" {
			return nil, fmt.Errorf("duration is required")
		}
		d, err := time.ParseDuration(p.Duration)
		if err != nil {
			return nil, fmt.Errorf("parse duration: %w", err)
		}
		if d < 0 {
			return nil, fmt.Errorf("duration must not be negative")
		}
		return &SleepJob{jobID: jobID, d: d}, nil
	}
}

func (j *SleepJob) OnStart(ctx context.Context) error { return nil }

func (j *SleepJob) Execute(ctx context.Context) (any, error) {
	timer := time.NewTimer(j.d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return map[string]any{"slept": j.d.String()}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (j *SleepJob) OnEnd(ctx context.Context) error { return nil }

func (j *SleepJob) OnError(ctx context.Context, fault *supervisor.Fault) error { return nil }
