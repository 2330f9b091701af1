package worker

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"decklab/internal/config"
	"decklab/internal/logging"
)

// Supervisor manages the colocated worker subprocess: spawn, readiness
// probe, crash-restart with a windowed rate limit, and log capture. When
// the worker runs on another host the supervisor is simply never started.
type Supervisor struct {
	cfg     config.SupervisorConfig
	client  *Client
	logPath string

	mu        sync.Mutex
	cmd       *exec.Cmd
	logFile   *os.File
	restarts  int
	lastStart time.Time
	stopping  bool
	running   bool

	monitorStop chan struct{}
}

// NewSupervisor wires a supervisor for the given worker client (used for
// readiness and health probes). Worker output is appended to logPath.
func NewSupervisor(cfg config.SupervisorConfig, client *Client, logPath string) *Supervisor {
	return &Supervisor{
		cfg:     cfg,
		client:  client,
		logPath: logPath,
	}
}

// Status describes the supervised process.
type Status struct {
	Running  bool
	PID      int
	Restarts int
}

// Start spawns the worker and blocks until its health endpoint answers or
// the startup timeout elapses.
func (s *Supervisor) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("worker already running")
	}
	s.stopping = false
	err := s.spawnLocked()
	s.mu.Unlock()
	if err != nil {
		return err
	}

	if err := s.awaitReady(); err != nil {
		s.Stop()
		return err
	}

	s.mu.Lock()
	if s.monitorStop == nil {
		s.monitorStop = make(chan struct{})
		go s.monitor(s.monitorStop)
	}
	s.mu.Unlock()

	logging.Get(logging.CategorySupervisor).Info("worker ready (pid %d)", s.pid())
	return nil
}

func (s *Supervisor) spawnLocked() error {
	f, err := os.OpenFile(s.logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open worker log: %w", err)
	}
	fmt.Fprintf(f, "===== worker started %s =====\n",
		time.Now().UTC().Format(time.RFC3339))

	cmd := exec.Command(s.cfg.Executable)
	cmd.Dir = s.cfg.WorkingDir
	cmd.Env = os.Environ()
	cmd.Stdin = nil
	cmd.Stdout = f
	cmd.Stderr = f

	if err := cmd.Start(); err != nil {
		f.Close()
		return fmt.Errorf("failed to spawn worker: %w", err)
	}

	s.cmd = cmd
	s.logFile = f
	s.running = true
	s.lastStart = time.Now()
	logging.Get(logging.CategorySupervisor).Info("spawned worker pid %d", cmd.Process.Pid)

	go s.wait(cmd, f)
	return nil
}

// wait reaps the process and drives the crash-restart path.
func (s *Supervisor) wait(cmd *exec.Cmd, f *os.File) {
	err := cmd.Wait()
	fmt.Fprintf(f, "===== worker exited %s (%v) =====\n",
		time.Now().UTC().Format(time.RFC3339), err)
	f.Close()

	s.mu.Lock()
	if s.cmd != cmd {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.cmd = nil
	s.logFile = nil
	stopping := s.stopping
	s.mu.Unlock()

	if stopping {
		return
	}
	s.handleCrash(err)
}

func (s *Supervisor) handleCrash(exitErr error) {
	log := logging.Get(logging.CategorySupervisor)
	if !s.cfg.Autorestart {
		log.Warn("worker exited and autorestart is off: %v", exitErr)
		return
	}
	// A clean exit or a terminating signal we sent is not a crash.
	if exitErr == nil {
		log.Info("worker exited cleanly, not restarting")
		return
	}

	s.mu.Lock()
	// Reset the counter after a quiet window so a crash next week does not
	// inherit this week's strikes.
	if time.Since(s.lastStart) > s.cfg.QuietWindow() {
		s.restarts = 0
	}
	s.restarts++
	n := s.restarts
	s.mu.Unlock()

	if n > s.cfg.MaxRestarts {
		log.Error("worker crashed %d times, giving up: %v", n-1, exitErr)
		return
	}

	delay := time.Duration(n) * time.Second
	log.Warn("worker crashed (%v), restart %d/%d in %s",
		exitErr, n, s.cfg.MaxRestarts, delay)
	time.Sleep(delay)

	s.mu.Lock()
	if s.stopping || s.running {
		s.mu.Unlock()
		return
	}
	err := s.spawnLocked()
	s.mu.Unlock()
	if err != nil {
		log.Error("restart failed: %v", err)
		return
	}
	if err := s.awaitReady(); err != nil {
		log.Error("restarted worker never became ready: %v", err)
	}
}

func (s *Supervisor) awaitReady() error {
	deadline := time.Now().Add(s.cfg.StartupTimeout())
	for time.Now().Before(deadline) {
		if s.client.Healthy(context.Background()) {
			return nil
		}
		time.Sleep(250 * time.Millisecond)
	}
	return fmt.Errorf("worker not ready within %s", s.cfg.StartupTimeout())
}

// Consecutive failed health probes before the monitor declares the worker
// hung and kills it.
const monitorFailureLimit = 3

// monitor watches for a hung worker: the process is alive (so wait has
// nothing to reap) but the health endpoint stopped answering. After
// repeated failures the process is killed, which hands recovery to the
// same crash-restart path that process exits take.
func (s *Supervisor) monitor(stop chan struct{}) {
	interval := s.cfg.HealthInterval()
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.mu.Lock()
			expected := s.running && !s.stopping
			cmd := s.cmd
			s.mu.Unlock()
			if !expected || s.client.Healthy(context.Background()) {
				failures = 0
				continue
			}
			failures++
			logging.Get(logging.CategorySupervisor).Warn(
				"worker process alive but health probe failing (%d/%d)",
				failures, monitorFailureLimit)
			if failures < monitorFailureLimit {
				continue
			}
			failures = 0
			logging.Get(logging.CategorySupervisor).Error("worker hung, killing for restart")
			if cmd != nil && cmd.Process != nil {
				_ = cmd.Process.Kill()
			}
		}
	}
}

// Stop terminates the worker: SIGTERM, then SIGKILL after five seconds.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	s.stopping = true
	cmd := s.cmd
	if s.monitorStop != nil {
		close(s.monitorStop)
		s.monitorStop = nil
	}
	s.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return
	}

	logging.Get(logging.CategorySupervisor).Info("stopping worker pid %d", cmd.Process.Pid)
	_ = cmd.Process.Signal(syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		for {
			s.mu.Lock()
			gone := !s.running
			s.mu.Unlock()
			if gone {
				close(done)
				return
			}
			time.Sleep(100 * time.Millisecond)
		}
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		logging.Get(logging.CategorySupervisor).Warn("worker ignored SIGTERM, killing")
		_ = cmd.Process.Kill()
	}
}

// Restart stops and starts the worker, resetting the crash counter.
func (s *Supervisor) Restart() error {
	s.Stop()
	s.mu.Lock()
	s.restarts = 0
	s.mu.Unlock()
	return s.Start()
}

// Status reports the current process state.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{Running: s.running, Restarts: s.restarts}
	if s.cmd != nil && s.cmd.Process != nil {
		st.PID = s.cmd.Process.Pid
	}
	return st
}

func (s *Supervisor) pid() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd != nil && s.cmd.Process != nil {
		return s.cmd.Process.Pid
	}
	return 0
}
