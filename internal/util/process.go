package util

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gofrs/flock"
)

// ProcessConfig configures process management behavior.
type ProcessConfig struct {
	GracefulTimeout time.Duration // Time to wait for graceful shutdown (default: 10s)
	PollInterval    time.Duration // Polling interval for process state (default: 100ms)
}

// ErrAlreadyRunning is returned by AcquirePIDFile when another live
// process holds the lock.
var ErrAlreadyRunning = errors.New("already running")

// StartBackgroundProcess starts a detached background process.
// The process will continue running after the parent exits.
func StartBackgroundProcess(executable string, args []string, env []string) (*os.Process, error) {
	cmd := exec.Command(executable, args...)
	cmd.Stdout = nil
	cmd.Stderr = nil
	if env != nil {
		cmd.Env = env
	} else {
		cmd.Env = os.Environ()
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid: true, // Create new session (detach from terminal)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start process: %w", err)
	}

	return cmd.Process, nil
}

// StartDetached re-executes the current binary with args in the background
// and waits until ready reports true.
func StartDetached(ctx context.Context, args []string, cfg PollConfig, ready func() bool) (*os.Process, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, err
	}
	proc, err := StartBackgroundProcess(exe, args, nil)
	if err != nil {
		return nil, err
	}
	if err := PollUntil(ctx, cfg, ready); err != nil {
		return proc, fmt.Errorf("process %d did not become ready: %w", proc.Pid, err)
	}
	return proc, nil
}

// StopProcess sends SIGTERM, then force kills if the process is still
// running after cfg.GracefulTimeout.
func StopProcess(ctx context.Context, pid int, cfg ProcessConfig, isRunning func() bool) error {
	if cfg.GracefulTimeout == 0 {
		cfg.GracefulTimeout = 10 * time.Second
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("failed to signal process %d: %w", pid, err)
	}

	poll := PollConfig{Timeout: cfg.GracefulTimeout, Interval: cfg.PollInterval}
	if PollUntil(ctx, poll, func() bool { return !isRunning() }) == nil {
		return nil
	}

	// Process didn't stop gracefully, force kill
	_ = proc.Signal(syscall.SIGKILL)
	poll.Timeout = 500 * time.Millisecond
	if PollUntil(ctx, poll, func() bool { return !isRunning() }) != nil {
		return fmt.Errorf("failed to stop process (PID %d)", pid)
	}
	return nil
}

// IsProcessRunning checks if a process with the given PID is running.
func IsProcessRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// On Unix, sending signal 0 checks if process exists
	err = proc.Signal(syscall.Signal(0))
	return err == nil
}

// PIDFile is a pid file guarded by an exclusive flock, held for the
// lifetime of the owning process.
type PIDFile struct {
	path string
	lock *flock.Flock
}

// AcquirePIDFile locks path+".lock" and writes the current pid to path.
func AcquirePIDFile(path string) (*PIDFile, error) {
	lock := flock.New(path + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !locked {
		return nil, ErrAlreadyRunning
	}
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0600); err != nil {
		lock.Unlock()
		return nil, err
	}
	return &PIDFile{path: path, lock: lock}, nil
}

// Release removes the pid file and drops the lock.
func (p *PIDFile) Release() error {
	err := os.Remove(p.path)
	if errors.Is(err, os.ErrNotExist) {
		err = nil
	}
	return errors.Join(err, p.lock.Unlock())
}

// ReadPIDFile returns the pid stored at path when that process is alive.
func ReadPIDFile(path string) (int, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, false
	}
	return pid, IsProcessRunning(pid)
}
