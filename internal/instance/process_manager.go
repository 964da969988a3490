// Copyright (c) 2014 The AUTHORS
//
// Use of this source code is governed by the MIT license
// that can be found in the LICENSE file.

package instance

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"

	gopsutil "github.com/shirou/gopsutil/v3/process"

	"github.com/celery/cyme/internal/store"
)

// OSProcessManager is the default ProcessManager: it spawns the worker
// as a detached os/exec.Cmd, tracks its pid in the instance's pidfile,
// and probes liveness with kill(pid, 0) via gopsutil, matching the
// teacher's pattern of depending on an injected, swappable process
// driver (slave/runners.Runner) rather than hardcoding exec calls
// through the reconciliation logic.
type OSProcessManager struct {
	root string
	// Command returns the executable name for an instance; it defaults
	// to "cyme-worker" for every instance, and is overridable for tests.
	Command func(inst *store.Instance) string
}

// NewOSProcessManager builds an OSProcessManager rooted at root (the
// configured instance root directory, spec §6).
func NewOSProcessManager(root string) *OSProcessManager {
	return &OSProcessManager{
		root:    root,
		Command: func(inst *store.Instance) string { return "cyme-worker" },
	}
}

func (m *OSProcessManager) ensureWorkingDir(inst *store.Instance) (string, error) {
	dir := inst.WorkingDir(m.root)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("instance %s: working dir: %w", inst.Name, err)
	}
	return dir, nil
}

func (m *OSProcessManager) Start(ctx context.Context, inst *store.Instance, argv []string) error {
	dir, err := m.ensureWorkingDir(inst)
	if err != nil {
		return err
	}

	logFile, err := os.OpenFile(inst.LogFile(m.root), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return fmt.Errorf("instance %s: open logfile: %w", inst.Name, err)
	}
	defer logFile.Close()

	cmd := exec.CommandContext(ctx, m.Command(inst), argv...)
	cmd.Dir = dir
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = detachedProcAttr()

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("instance %s: start: %w", inst.Name, err)
	}

	if err := os.WriteFile(inst.PidFile(m.root), []byte(strconv.Itoa(cmd.Process.Pid)), 0o640); err != nil {
		return fmt.Errorf("instance %s: write pidfile: %w", inst.Name, err)
	}
	// Detach: the worker outlives this call; reap it in the background
	// so it does not become a zombie under this process.
	go cmd.Wait()
	return nil
}

func (m *OSProcessManager) Stop(ctx context.Context, inst *store.Instance) error {
	pid, err := m.readPid(inst)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return nil
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("instance %s: stop: %w", inst.Name, err)
	}
	return os.Remove(inst.PidFile(m.root))
}

func (m *OSProcessManager) Restart(ctx context.Context, inst *store.Instance, argv []string) error {
	if err := m.Stop(ctx, inst); err != nil {
		return err
	}
	return m.Start(ctx, inst, argv)
}

func (m *OSProcessManager) readPid(inst *store.Instance) (int, error) {
	raw, err := os.ReadFile(inst.PidFile(m.root))
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return 0, fmt.Errorf("instance %s: malformed pidfile: %w", inst.Name, err)
	}
	return pid, nil
}

// RespondsToSignal implements spec §4.4: pid-file readable AND
// kill(pid, 0) succeeds. ESRCH means the process is gone (false, nil
// error); any other errno is surfaced to the caller.
func (m *OSProcessManager) RespondsToSignal(inst *store.Instance) (bool, error) {
	pid, err := m.readPid(inst)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}

	running, err := gopsutil.PidExists(int32(pid))
	if err != nil {
		return false, fmt.Errorf("instance %s: signal probe: %w", inst.Name, err)
	}
	return running, nil
}
