// Package jobs provides the built-in job types that ship with the queue
// manager. Each type exposes a supervisor.Factory so callers can register
// it under a stable type name.
package jobs

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/3leaps/goqueue/pkg/supervisor"
)

// TypeShell is the registered name for shell command jobs.
const TypeShell = "shell"

const (
	defaultMaxOutputBytes = 1 << 20
	defaultKillDelay      = 5 * time.Second
)

// ShellConfig tunes shell job execution.
type ShellConfig struct {
	// MaxOutputBytes caps how much stdout/stderr is captured into the
	// result. Default: 1MB per stream.
	MaxOutputBytes int64

	// KillDelay is how long a cancelled process gets to exit before it is
	// killed outright. Default: 5s.
	KillDelay time.Duration
}

type shellParams struct {
	Command []string          `json:"command"`
	Dir     string            `json:"dir"`
	Env     map[string]string `json:"env"`
}

// ShellJob runs a command as a child process. Unlike in-process job logic,
// a runaway command can be terminated for real: cancelling the context
// signals the process and KillDelay bounds how long it may linger.
type ShellJob struct {
	jobID  string
	params shellParams
	cfg    ShellConfig
}

// NewShellFactory returns a factory producing ShellJob instances.
func NewShellFactory(cfg ShellConfig) supervisor.Factory {
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = defaultMaxOutputBytes
	}
	if cfg.KillDelay <= 0 {
		cfg.KillDelay = defaultKillDelay
	}
	return func(jobID string, params map[string]any) (supervisor.Job, error) {
		var p shellParams
		if err := supervisor.DecodeParams(params, &p); err != nil {
			return nil, err
		}
		if len(p.Command) == 0 {
			return nil, fmt.Errorf("command is required")
		}
		return &ShellJob{jobID: jobID, params: p, cfg: cfg}, nil
	}
}

// OnStart checks that the command binary resolves, surfacing a typo in
// the logs before the process is spawned.
func (j *ShellJob) OnStart(ctx context.Context) error {
	if _, err := exec.LookPath(j.params.Command[0]); err != nil {
		return fmt.Errorf("resolve command: %w", err)
	}
	return nil
}

func (j *ShellJob) Execute(ctx context.Context) (any, error) {
	cmd := exec.CommandContext(ctx, j.params.Command[0], j.params.Command[1:]...)
	cmd.Dir = j.params.Dir
	cmd.Env = os.Environ()
	for k, v := range j.params.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.WaitDelay = j.cfg.KillDelay

	stdout := newLimitedBuffer(j.cfg.MaxOutputBytes)
	stderr := newLimitedBuffer(j.cfg.MaxOutputBytes)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	err := cmd.Run()
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if err != nil {
		code := -1
		if cmd.ProcessState != nil {
			code = cmd.ProcessState.ExitCode()
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return nil, fmt.Errorf("command exited with code %d: %s", code, msg)
	}

	return map[string]any{
		"exit_code":        0,
		"stdout":           stdout.String(),
		"stderr":           stderr.String(),
		"stdout_truncated": stdout.Truncated(),
		"stderr_truncated": stderr.Truncated(),
		"duration_ms":      time.Since(start).Milliseconds(),
	}, nil
}

func (j *ShellJob) OnEnd(ctx context.Context) error { return nil }

func (j *ShellJob) OnError(ctx context.Context, fault *supervisor.Fault) error { return nil }

// limitedBuffer keeps the first n bytes written and discards the rest,
// remembering that truncation happened.
type limitedBuffer struct {
	buf       []byte
	limit     int64
	truncated bool
}

func newLimitedBuffer(limit int64) *limitedBuffer {
	return &limitedBuffer{limit: limit}
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	remaining := b.limit - int64(len(b.buf))
	if remaining <= 0 {
		b.truncated = true
		return len(p), nil
	}
	if int64(len(p)) > remaining {
		b.buf = append(b.buf, p[:remaining]...)
		b.truncated = true
		return len(p), nil
	}
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *limitedBuffer) String() string  { return string(b.buf) }
func (b *limitedBuffer) Truncated() bool { return b.truncated }
