// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package pool

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// Process is a running worker.
type Process interface {
	Pid() int

	// Wait blocks until the process exits. A non-nil error carries the
	// exit status; decode it with process.ExitCode.
	Wait() error

	Signal(signal os.Signal) error
}

// Spawner starts worker processes.
type Spawner interface {
	Spawn() (Process, error)
}

// ExecSpawner starts Binary with Args as a child process.
type ExecSpawner struct {
	Binary string
	Args   []string

	// Env is the child environment. Nil inherits the parent's.
	Env []string

	// Stdout and Stderr default to the parent's.
	Stdout io.Writer
	Stderr io.Writer
}

// Spawn starts a worker. The child is killed if this process dies,
// and runs in a new process group so a terminal interrupt reaches only
// the parent, which then terminates the pool in order.
func (s *ExecSpawner) Spawn() (Process, error) {
	cmd := exec.Command(s.Binary, s.Args...)
	cmd.Env = s.Env
	cmd.Stdout = s.Stdout
	if cmd.Stdout == nil {
		cmd.Stdout = os.Stdout
	}
	cmd.Stderr = s.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Pdeathsig: unix.SIGKILL,
		Setpgid:   true,
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", s.Binary, err)
	}
	return &execProcess{cmd: cmd}, nil
}

type execProcess struct {
	cmd *exec.Cmd
}

func (p *execProcess) Pid() int { return p.cmd.Process.Pid }

func (p *execProcess) Wait() error { return p.cmd.Wait() }

func (p *execProcess) Signal(signal os.Signal) error { return p.cmd.Process.Signal(signal) }
