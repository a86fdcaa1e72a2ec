// Copyright (c) 2025 Quadrant VMS
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package procgroup kills an entire external-process tree (ffmpeg and any
// children it spawns) rather than just the direct child, which is what
// the Stream and Recording side-effect contracts need for a clean
// teardown: a pipeline that has shelled out to a helper process must not
// leave it running after Stop.
package procgroup

import (
	"errors"
	"os/exec"
	"time"
)

var ErrKillFailed = errors.New("procgroup: kill operation failed")

// Set configures cmd to start as the leader of a new process group. Call
// this before cmd.Start(); KillGroup only works on processes started this
// way.
func Set(cmd *exec.Cmd) {
	set(cmd)
}

// KillGroup sends SIGTERM to the process group rooted at pid, waits up to
// grace for it to exit, then escalates to SIGKILL and waits up to
// timeout. Returns ErrKillFailed if the group is still alive after both
// windows.
func KillGroup(pid int, grace, timeout time.Duration) error {
	return killGroup(pid, grace, timeout)
}
