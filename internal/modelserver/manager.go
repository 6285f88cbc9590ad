// Package modelserver starts and stops a local inference server process.
package modelserver

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/smolitux/smolit/internal/config"
)

const (
	defaultStartTimeout = 30 * time.Second
	defaultPollInterval = 2 * time.Second
	stopGrace           = 5 * time.Second
)

// Manager owns at most one server process. Start and Stop report success as
// a bool and log the cause of any failure.
type Manager struct {
	cfg    config.ModelServerConfig
	client *http.Client
	logger *slog.Logger

	mu   sync.Mutex
	cmd  *exec.Cmd
	done chan struct{}
}

// NewManager creates a manager for cfg.
func NewManager(cfg config.ModelServerConfig, logger *slog.Logger) *Manager {
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = defaultStartTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.PollInterval},
		logger: logger,
	}
}

// Healthy reports whether the health URL answers with a 2xx status.
func (m *Manager) Healthy(ctx context.Context) bool {
	if m.cfg.HealthURL == "" {
		return false
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.cfg.HealthURL, nil)
	if err != nil {
		return false
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// Running reports whether a process started by this manager is still alive.
func (m *Manager) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runningLocked()
}

func (m *Manager) runningLocked() bool {
	if m.done == nil {
		return false
	}
	select {
	case <-m.done:
		return false
	default:
		return true
	}
}

// Start launches the server and waits until it is healthy. A server that is
// already healthy counts as started without spawning anything.
func (m *Manager) Start(ctx context.Context) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.runningLocked() {
		return true
	}
	if m.Healthy(ctx) {
		m.logger.Info("Model server already running", "health_url", m.cfg.HealthURL)
		return true
	}
	if m.cfg.Command == "" {
		m.logger.Error("Model server command not configured")
		return false
	}

	cmd := exec.Command(m.cfg.Command, m.cfg.Args...)
	cmd.Dir = m.cfg.WorkDir
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	configureProcess(cmd)
	if err := cmd.Start(); err != nil {
		m.logger.Error("Model server failed to start", "command", m.cfg.Command, "error", err)
		return false
	}
	done := make(chan struct{})
	go func() {
		err := cmd.Wait()
		m.logger.Info("Model server exited", "pid", cmd.Process.Pid, "error", err)
		close(done)
	}()
	m.cmd, m.done = cmd, done
	m.logger.Info("Model server starting", "command", m.cfg.Command, "pid", cmd.Process.Pid)

	if err := m.waitHealthy(ctx, done); err != nil {
		m.logger.Error("Model server not healthy", "error", err, "timeout", m.cfg.StartTimeout)
		m.stopLocked()
		return false
	}
	m.logger.Info("Model server ready", "health_url", m.cfg.HealthURL)
	return true
}

var errExited = errors.New("process exited before becoming healthy")

func (m *Manager) waitHealthy(ctx context.Context, done <-chan struct{}) error {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.StartTimeout)
	defer cancel()

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()
	for {
		if m.Healthy(ctx) {
			return nil
		}
		select {
		case <-done:
			return errExited
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Stop terminates the process started by Start. It reports false when no
// process was running.
func (m *Manager) Stop() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.runningLocked() {
		return false
	}
	m.stopLocked()
	return true
}

func (m *Manager) stopLocked() {
	if m.cmd == nil || m.cmd.Process == nil {
		return
	}
	if err := terminate(m.cmd); err != nil {
		m.logger.Warn("Model server terminate failed, killing", "error", err)
		_ = kill(m.cmd)
	}
	select {
	case <-m.done:
	case <-time.After(stopGrace):
		m.logger.Warn("Model server ignored terminate, killing", "pid", m.cmd.Process.Pid)
		_ = kill(m.cmd)
		<-m.done
	}
	m.logger.Info("Model server stopped")
}
