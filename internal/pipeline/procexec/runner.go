// Copyright (c) 2025 Quadrant VMS
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package procexec is the supervised external-process runner shared by the
// Stream and Recording side-effect contracts and the AiTask ffmpeg frame
// source (spec §4.5): it launches a
// command, restarts it a bounded number of times with exponential backoff
// on abnormal exit, and resets the restart counter after a sustained
// healthy run.
package procexec

import (
	"context"
	"math/rand"
	"os/exec"
	"sync"
	"time"

	"github.com/quadrant-vms/core/internal/log"
	"github.com/quadrant-vms/core/internal/metrics"
	"github.com/quadrant-vms/core/internal/procgroup"
)

// Spec describes one supervised pipeline. Build constructs a fresh
// *exec.Cmd for each attempt (argv may depend on attempt count or a
// resume offset); Classify inspects the last lines of stderr (via the
// Runner's LineRing) and decides whether the exit is worth restarting.
type Spec struct {
	Kind    string // "stream" | "recording" | "aitask", used only for metrics labels
	Build   func(ctx context.Context, attempt int) (*exec.Cmd, error)
	Classify func(exitCode int, stderrTail []string) bool

	MaxRestarts           int
	BackoffMin            time.Duration
	BackoffMax            time.Duration
	SustainedRunningReset time.Duration
	KillGrace             time.Duration
	KillTimeout           time.Duration
}

func (s Spec) withDefaults() Spec {
	if s.MaxRestarts <= 0 {
		s.MaxRestarts = 5
	}
	if s.BackoffMin <= 0 {
		s.BackoffMin = 2 * time.Second
	}
	if s.BackoffMax <= 0 {
		s.BackoffMax = 60 * time.Second
	}
	if s.SustainedRunningReset <= 0 {
		s.SustainedRunningReset = 2 * time.Minute
	}
	if s.KillGrace <= 0 {
		s.KillGrace = 5 * time.Second
	}
	if s.KillTimeout <= 0 {
		s.KillTimeout = 10 * time.Second
	}
	if s.Classify == nil {
		s.Classify = func(exitCode int, _ []string) bool { return exitCode != 0 }
	}
	return s
}

// Runner supervises one Spec for its lifetime. Stop tears down whatever
// process is currently running; Done reports the terminal outcome.
type Runner struct {
	spec Spec
	ring *LineRing

	mu      sync.Mutex
	cmd     *exec.Cmd
	stopped bool

	done chan error
}

func New(spec Spec) *Runner {
	return &Runner{
		spec: spec.withDefaults(),
		ring: NewLineRing(256),
		done: make(chan error, 1),
	}
}

// Start launches the supervised loop in a background goroutine and
// returns immediately.
func (r *Runner) Start(ctx context.Context) {
	go r.supervise(ctx)
}

// Done returns a channel that receives the final error (nil on a clean
// stop or context cancellation) once the runner gives up retrying.
func (r *Runner) Done() <-chan error { return r.done }

// Stop kills the currently running process group, if any, using
// procgroup's grace-then-force sequence.
func (r *Runner) Stop() error {
	r.mu.Lock()
	r.stopped = true
	cmd := r.cmd
	r.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return nil
	}
	return procgroup.KillGroup(cmd.Process.Pid, r.spec.KillGrace, r.spec.KillTimeout)
}

func (r *Runner) supervise(ctx context.Context) {
	attempt := 0
	for {
		if ctx.Err() != nil {
			r.done <- nil
			return
		}
		r.mu.Lock()
		if r.stopped {
			r.mu.Unlock()
			r.done <- nil
			return
		}
		r.mu.Unlock()

		attempt++
		start := time.Now()
		exitCode, err := r.runOnce(ctx, attempt)
		uptime := time.Since(start)

		r.mu.Lock()
		stopped := r.stopped
		r.mu.Unlock()
		if ctx.Err() != nil || stopped {
			r.done <- nil
			return
		}
		if exitCode == 0 {
			metrics.PipelineRestartTotal.WithLabelValues(r.spec.Kind, "clean_exit").Inc()
			r.done <- nil
			return
		}

		if uptime >= r.spec.SustainedRunningReset {
			attempt = 1 // a long healthy run earns a fresh restart budget
		}

		tail := r.ring.LastN(20)
		if !r.spec.Classify(exitCode, tail) {
			log.L().Warn().Str("kind", r.spec.Kind).Int("exit_code", exitCode).Msg("procexec: exit not classified as restartable")
			r.done <- err
			return
		}
		if attempt >= r.spec.MaxRestarts {
			log.L().Warn().Str("kind", r.spec.Kind).Int("attempt", attempt).Msg("procexec: max restart attempts reached")
			metrics.PipelineRestartTotal.WithLabelValues(r.spec.Kind, "exhausted").Inc()
			r.done <- err
			return
		}

		metrics.PipelineRestartTotal.WithLabelValues(r.spec.Kind, "restarted").Inc()
		backoff := r.backoffFor(attempt)
		log.L().Warn().Str("kind", r.spec.Kind).Int("attempt", attempt).Dur("backoff", backoff).Msg("procexec: restarting after abnormal exit")

		select {
		case <-ctx.Done():
			r.done <- nil
			return
		case <-time.After(backoff):
		}
	}
}

// backoffFor implements the spec's 2s -> 60s exponential schedule with
// +/-20% jitter so a fleet of failing pipelines doesn't retry in lockstep.
func (r *Runner) backoffFor(attempt int) time.Duration {
	d := r.spec.BackoffMin << uint(attempt-1)
	if d > r.spec.BackoffMax || d <= 0 {
		d = r.spec.BackoffMax
	}
	jitter := time.Duration(float64(d) * (0.8 + 0.4*rand.Float64()))
	return jitter
}

func (r *Runner) runOnce(ctx context.Context, attempt int) (int, error) {
	cmd, err := r.spec.Build(ctx, attempt)
	if err != nil {
		return 1, err
	}
	r.ring = NewLineRing(256)
	cmd.Stderr = r.ring
	procgroup.Set(cmd)

	if err := cmd.Start(); err != nil {
		return 1, err
	}

	r.mu.Lock()
	r.cmd = cmd
	r.mu.Unlock()

	err = cmd.Wait()
	if err == nil {
		return 0, nil
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode(), err
	}
	return 1, err
}
