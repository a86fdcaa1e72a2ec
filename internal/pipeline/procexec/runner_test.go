// Copyright (c) 2025 Quadrant VMS
// Licensed under the PolyForm Noncommercial License 1.0.0

package procexec

import (
	"context"
	"os/exec"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireSh(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("uses sh, unsupported on windows")
	}
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not found")
	}
}

func TestRunnerCleanExitStopsImmediately(t *testing.T) {
	requireSh(t)

	r := New(Spec{
		Kind: "stream",
		Build: func(ctx context.Context, attempt int) (*exec.Cmd, error) {
			return exec.CommandContext(ctx, "sh", "-c", "exit 0"), nil
		},
		BackoffMin: 10 * time.Millisecond,
		BackoffMax: 20 * time.Millisecond,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	r.Start(ctx)
	select {
	case err := <-r.Done():
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not finish after a clean exit")
	}
}

func TestRunnerExhaustsRestartsOnRepeatedFailure(t *testing.T) {
	requireSh(t)

	r := New(Spec{
		Kind: "recording",
		Build: func(ctx context.Context, attempt int) (*exec.Cmd, error) {
			return exec.CommandContext(ctx, "sh", "-c", "exit 1"), nil
		},
		MaxRestarts: 3,
		BackoffMin:  10 * time.Millisecond,
		BackoffMax:  20 * time.Millisecond,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	r.Start(ctx)
	select {
	case err := <-r.Done():
		require.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("runner never gave up on a permanently failing command")
	}
}

func TestRunnerClassifyRejectsNonRestartableExit(t *testing.T) {
	requireSh(t)

	r := New(Spec{
		Kind: "stream",
		Build: func(ctx context.Context, attempt int) (*exec.Cmd, error) {
			return exec.CommandContext(ctx, "sh", "-c", "exit 2"), nil
		},
		Classify:   func(exitCode int, _ []string) bool { return exitCode != 2 },
		BackoffMin: 10 * time.Millisecond,
		BackoffMax: 20 * time.Millisecond,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	r.Start(ctx)
	select {
	case err := <-r.Done():
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("runner should have stopped after the first non-restartable exit")
	}
}

func TestRunnerStopKillsRunningProcess(t *testing.T) {
	requireSh(t)

	r := New(Spec{
		Kind: "recording",
		Build: func(ctx context.Context, attempt int) (*exec.Cmd, error) {
			return exec.CommandContext(ctx, "sh", "-c", "sleep 10"), nil
		},
		KillGrace:   50 * time.Millisecond,
		KillTimeout: 200 * time.Millisecond,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	r.Start(ctx)
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, r.Stop())

	select {
	case <-r.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not terminate after Stop")
	}
}

func TestBackoffForStaysWithinBounds(t *testing.T) {
	r := New(Spec{
		Kind:       "stream",
		BackoffMin: 2 * time.Second,
		BackoffMax: 60 * time.Second,
	})

	for attempt := 1; attempt <= 10; attempt++ {
		d := r.backoffFor(attempt)
		assert.GreaterOrEqual(t, d, time.Duration(float64(r.spec.BackoffMin)*0.8))
		assert.LessOrEqual(t, d, time.Duration(float64(r.spec.BackoffMax)*1.2))
	}
}
