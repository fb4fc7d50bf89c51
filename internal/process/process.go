// Package process supervises the external daemons the gateway is
// configured to launch alongside itself (capture helpers, plugin
// binaries). Daemons get SIGTERM on shutdown and a grace period before
// SIGKILL.
package process

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/zmgate/streaming-server/internal/config"
	"github.com/zmgate/streaming-server/internal/logger"
)

// Daemon is one running managed subprocess.
type Daemon struct {
	name string
	cmd  *exec.Cmd
	done chan error
}

// start launches the daemon and begins streaming its output.
func start(spec config.DaemonConfig) (*Daemon, error) {
	cmd := exec.Command(spec.Path, spec.Args...)
	// Own process group so the stop signal reaches children too.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("daemon %s stdout: %w", spec.Name, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("daemon %s stderr: %w", spec.Name, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("daemon %s start: %w", spec.Name, err)
	}

	d := &Daemon{name: spec.Name, cmd: cmd, done: make(chan error, 1)}
	logger.Info("Process", "Daemon %s started (pid %d)", d.name, cmd.Process.Pid)

	var streams sync.WaitGroup
	streams.Add(2)
	go func() { defer streams.Done(); d.streamOutput(stdout) }()
	go func() { defer streams.Done(); d.streamOutput(stderr) }()
	go func() {
		streams.Wait()
		d.done <- cmd.Wait()
	}()
	return d, nil
}

func (d *Daemon) streamOutput(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		logger.Debug("Process", "[%s] %s", d.name, scanner.Text())
	}
}

// stop signals the daemon's process group and waits up to grace before
// killing it.
func (d *Daemon) stop(grace time.Duration) {
	pgid := -d.cmd.Process.Pid
	if err := syscall.Kill(pgid, syscall.SIGTERM); err != nil {
		logger.Warn("Process", "Daemon %s SIGTERM: %v", d.name, err)
	}
	select {
	case err := <-d.done:
		logger.Info("Process", "Daemon %s exited (%s)", d.name, exitStatus(err))
		return
	case <-time.After(grace):
	}
	logger.Warn("Process", "Daemon %s did not stop within %s, killing", d.name, grace)
	syscall.Kill(pgid, syscall.SIGKILL)
	err := <-d.done
	logger.Info("Process", "Daemon %s killed (%s)", d.name, exitStatus(err))
}

func exitStatus(err error) string {
	if err == nil {
		return "exit 0"
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.String()
	}
	return err.Error()
}

// Manager owns the set of configured daemons.
type Manager struct {
	grace   time.Duration
	mu      sync.Mutex
	daemons []*Daemon
}

// NewManager builds a manager with the configured stop grace period.
func NewManager(grace time.Duration) *Manager {
	return &Manager{grace: grace}
}

// StartAll launches every configured daemon. A failing daemon stops the
// launch and tears down the ones already running.
func (m *Manager) StartAll(specs []config.DaemonConfig) error {
	for _, spec := range specs {
		d, err := start(spec)
		if err != nil {
			m.StopAll()
			return err
		}
		m.mu.Lock()
		m.daemons = append(m.daemons, d)
		m.mu.Unlock()
	}
	return nil
}

// StopAll stops daemons in reverse start order.
func (m *Manager) StopAll() {
	m.mu.Lock()
	daemons := m.daemons
	m.daemons = nil
	m.mu.Unlock()
	for i := len(daemons) - 1; i >= 0; i-- {
		daemons[i].stop(m.grace)
	}
}
