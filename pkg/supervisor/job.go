// Package supervisor owns the bounded worker pool that moves jobs through
// their lifecycle: it creates records, dequeues in FIFO order, runs job
// logic in an isolated goroutine, applies lifecycle hooks, gates results
// through the guard, and writes terminal state back to the registry.
package supervisor

import (
	"context"
	"fmt"

	"github.com/go-viper/mapstructure/v2"
)

// Job is the capability contract user-supplied job logic implements.
//
// Execute runs inside an isolated execution context: a panic there is
// captured as a fault and never reaches the supervisor. Cancellation is
// cooperative: Execute must observe ctx to stop early, and a job that
// ignores it runs to its natural completion or failure.
type Job interface {
	// OnStart is invoked when the job transitions to running. An error
	// here is logged as a warning; execution proceeds regardless.
	OnStart(ctx context.Context) error

	// Execute performs the work and returns the result value. The value
	// must be serializable and within the configured size policy or the
	// job is failed with a rejection.
	Execute(ctx context.Context) (any, error)

	// OnEnd is invoked after the outcome is committed, on every path. A
	// failure is logged and never changes the committed state.
	OnEnd(ctx context.Context) error

	// OnError is invoked on the fault path with the captured fault, after
	// the failed state is committed.
	OnError(ctx context.Context, fault *Fault) error
}

// Factory constructs a Job from its identity and parameter mapping.
type Factory func(jobID string, params map[string]any) (Job, error)

// Fault kinds recorded on failed jobs.
const (
	FaultKindError          = "error"
	FaultKindPanic          = "panic"
	FaultKindTimeout        = "timeout"
	FaultKindResultRejected = "result_rejected"
)

// Fault is a structured failure captured at the execution boundary. Job
// faults are converted into failed records; they are never propagated to
// crash the supervisor.
type Fault struct {
	Kind    string
	Message string
}

func (f *Fault) Error() string {
	return fmt.Sprintf("job fault (%s): %s", f.Kind, f.Message)
}

// DecodeParams maps a job's parameter mapping into a typed struct. Field
// names follow json tags, and scalar types are coerced where JSON decoding
// loses precision (all numbers arrive as float64).
func DecodeParams(params map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		TagName:          "json",
		WeaklyTypedInput: true,
	})
	if err != nil {
		return fmt.Errorf("build params decoder: %w", err)
	}
	if err := dec.Decode(params); err != nil {
		return fmt.Errorf("decode params: %w", err)
	}
	return nil
}
