// Package guard validates job results before they are committed to the
// registry. A result passes as a whole or not at all: oversized or
// non-serializable values are rejected rather than truncated, forcing
// producers to sample, compress, or paginate upstream.
package guard

import (
	"encoding/json"
	"fmt"

	"go.uber.org/zap"
)

// Rejection reasons.
const (
	ReasonNonSerializable = "non_serializable"
	ReasonOversized       = "oversized"
)

const (
	// DefaultSoftLimitBytes is the size above which a result is committed
	// with a warning.
	DefaultSoftLimitBytes = 10 << 20

	// DefaultHardLimitBytes is the size above which a result is rejected.
	DefaultHardLimitBytes = 50 << 20
)

// Policy configures the size thresholds.
type Policy struct {
	// SoftLimitBytes triggers a warning log. Zero disables the warning.
	SoftLimitBytes int64

	// HardLimitBytes triggers rejection. Zero disables the ceiling.
	HardLimitBytes int64
}

// DefaultPolicy returns the stated default policy: warn at ~10MB, reject at
// ~50MB.
func DefaultPolicy() Policy {
	return Policy{
		SoftLimitBytes: DefaultSoftLimitBytes,
		HardLimitBytes: DefaultHardLimitBytes,
	}
}

// RejectionError reports why a result was refused.
type RejectionError struct {
	Reason string
	Size   int64
	Err    error
}

func (e *RejectionError) Error() string {
	switch e.Reason {
	case ReasonOversized:
		return fmt.Sprintf("result rejected (%s): %d bytes", e.Reason, e.Size)
	default:
		return fmt.Sprintf("result rejected (%s): %v", e.Reason, e.Err)
	}
}

func (e *RejectionError) Unwrap() error { return e.Err }

// Guard validates produced results against the registry's serialization
// format and size policy.
type Guard struct {
	policy Policy
	logger *zap.Logger
}

// New creates a Guard. A nil logger is replaced with a no-op logger.
func New(policy Policy, logger *zap.Logger) *Guard {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Guard{policy: policy, logger: logger}
}

// Validate serializes value and checks it against the size policy.
//
// On success it returns the serialized payload and its size so the caller
// commits exactly the bytes that were measured. On failure it returns a
// *RejectionError with the reason.
func (g *Guard) Validate(jobID string, value any) (json.RawMessage, int64, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, 0, &RejectionError{Reason: ReasonNonSerializable, Err: err}
	}
	size := int64(len(raw))

	if g.policy.HardLimitBytes > 0 && size > g.policy.HardLimitBytes {
		return nil, 0, &RejectionError{Reason: ReasonOversized, Size: size}
	}
	if g.policy.SoftLimitBytes > 0 && size > g.policy.SoftLimitBytes {
		g.logger.Warn("job result exceeds soft size limit",
			zap.String("job_id", jobID),
			zap.Int64("size_bytes", size),
			zap.Int64("soft_limit_bytes", g.policy.SoftLimitBytes))
	}

	return raw, size, nil
}
