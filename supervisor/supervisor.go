package supervisor

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// DefaultMaxRestartAttempts bounds crash-triggered respawns before
	// supervision halts permanently.
	DefaultMaxRestartAttempts = 5
	// DefaultRestartCooldown is the minimum gap between two consecutive
	// crash-triggered respawns.
	DefaultRestartCooldown = 5 * time.Second
	// DefaultHealthCheckInterval is how often the health logger reports
	// liveness.
	DefaultHealthCheckInterval = 10 * time.Second

	defaultMonitorInterval = 1 * time.Second
	shutdownTimeout        = 30 * time.Second
	shutdownPollInterval   = 100 * time.Millisecond
)

// StdioHook receives the piped stdio of every (re)spawned child, so the
// bridge can re-wire itself across restarts.
type StdioHook func(stdin io.WriteCloser, stdout, stderr io.ReadCloser)

type exitStatus struct {
	code int
	err  error
}

// child is one spawned instance. The exit slot is filled by the waiter
// goroutine when the process exits.
type child struct {
	cmd        *exec.Cmd
	pid        int
	generation string

	mu   sync.Mutex
	exit *exitStatus
}

func (c *child) markExited(code int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.exit = &exitStatus{code: code, err: err}
}

func (c *child) exited() (exitStatus, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.exit == nil {
		return exitStatus{}, false
	}
	return *c.exit, true
}

// Manager supervises a single child worker process: it spawns it, restarts
// it on crash with a cooldown and a bounded attempt count, logs liveness,
// and shuts it down gracefully.
type Manager struct {
	log     *zap.SugaredLogger
	command string
	script  string
	workDir string
	onSpawn StdioHook

	maxRestartAttempts  int
	restartCooldown     time.Duration
	monitorInterval     time.Duration
	healthCheckInterval time.Duration

	childMu sync.Mutex
	child   *child

	restartMu       sync.Mutex
	restartAttempts int
	lastRestart     time.Time

	closeOnce sync.Once
	closed    chan struct{}
}

type Option func(m *Manager)

func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) {
		m.log = l.Named("supervisor").Sugar()
	}
}

// WithCommand overrides the interpreter used to run the script. Defaults
// to "node".
func WithCommand(command string) Option {
	return func(m *Manager) {
		m.command = command
	}
}

// WithStdioHook sets the hook invoked with the child's stdio on every
// (re)spawn.
func WithStdioHook(f StdioHook) Option {
	return func(m *Manager) {
		m.onSpawn = f
	}
}

func WithMaxRestartAttempts(n int) Option {
	return func(m *Manager) {
		m.maxRestartAttempts = n
	}
}

func WithRestartCooldown(d time.Duration) Option {
	return func(m *Manager) {
		m.restartCooldown = d
	}
}

func WithMonitorInterval(d time.Duration) Option {
	return func(m *Manager) {
		m.monitorInterval = d
	}
}

func WithHealthCheckInterval(d time.Duration) Option {
	return func(m *Manager) {
		m.healthCheckInterval = d
	}
}

// New constructs a Manager for the given backend script and working
// directory. Nothing is spawned until Start.
func New(script, workDir string, opts ...Option) *Manager {
	logger, _ := zap.NewProduction()
	m := &Manager{
		log:                 logger.Named("supervisor").Sugar(),
		command:             "node",
		script:              script,
		workDir:             workDir,
		maxRestartAttempts:  DefaultMaxRestartAttempts,
		restartCooldown:     DefaultRestartCooldown,
		monitorInterval:     defaultMonitorInterval,
		healthCheckInterval: DefaultHealthCheckInterval,
		closed:              make(chan struct{}),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Start spawns the child process. On spawn failure the error is returned
// and no child is held.
func (m *Manager) Start() error {
	m.childMu.Lock()
	defer m.childMu.Unlock()

	if m.child != nil {
		if _, done := m.child.exited(); !done {
			return fmt.Errorf("child already running with PID %d", m.child.pid)
		}
	}

	c, err := m.spawn()
	if err != nil {
		return err
	}
	m.child = c
	return nil
}

// spawn starts one child instance with piped stdio and the forwarded
// runtime environment. Callers hold childMu.
func (m *Manager) spawn() (*child, error) {
	cmd := exec.Command(m.command, m.script)
	cmd.Dir = m.workDir
	cmd.Env = append(os.Environ(),
		"NODE_ENV="+envOr("NODE_ENV", "production"),
		"BACKEND_PORT="+envOr("BACKEND_PORT", "3000"),
	)

	// io.Pipe instead of cmd.StdxxxPipe: Wait would close the exec pipes
	// under the reader, while these writer halves are closed by the waiter
	// only after the process has exited, so the listener sees a clean EOF.
	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	cmd.Stdin = stdinR
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s %s: %w", m.command, m.script, err)
	}

	c := &child{
		cmd:        cmd,
		pid:        cmd.Process.Pid,
		generation: uuid.NewString(),
	}
	m.log.Infow("child started", "PID", c.pid, "Generation", c.generation, "Script", m.script, "WorkDir", m.workDir)

	go func() {
		err := cmd.Wait()
		code := 0
		if err != nil {
			if exitErr, ok := err.(*exec.ExitError); ok {
				code = exitErr.ExitCode()
			} else {
				code = -1
			}
		}
		stdoutW.Close()
		stderrW.Close()
		stdinR.Close()
		c.markExited(code, err)
	}()

	if m.onSpawn != nil {
		m.onSpawn(stdinW, stdoutR, stderrR)
	} else {
		// nobody is reading, keep the child from stalling on a full pipe
		go io.Copy(io.Discard, stdoutR)
		go io.Copy(io.Discard, stderrR)
	}

	return c, nil
}

// StartCrashMonitor starts the background loop that polls for child exit
// once per second and applies the restart policy: clean exits reset the
// attempt counter and end monitoring; crashes respawn after the cooldown
// until the attempt bound is reached, at which point supervision halts
// until an external Start.
func (m *Manager) StartCrashMonitor() {
	log := m.log.Named("monitor")
	go func() {
		ticker := time.NewTicker(m.monitorInterval)
		defer ticker.Stop()
		for {
			select {
			case <-m.closed:
				return
			case <-ticker.C:
			}

			m.childMu.Lock()
			c := m.child
			m.childMu.Unlock()
			if c == nil {
				continue
			}

			status, done := c.exited()
			if !done {
				continue
			}

			if status.code == 0 {
				log.Infow("child exited cleanly", "PID", c.pid, "Generation", c.generation)
				m.restartMu.Lock()
				m.restartAttempts = 0
				m.restartMu.Unlock()
				m.clearChild(c)
				return
			}

			m.restartMu.Lock()
			attempts := m.restartAttempts
			last := m.lastRestart
			m.restartMu.Unlock()

			log.Warnf("child (PID %d) crashed with exit code %d, restart attempt %d/%d",
				c.pid, status.code, attempts+1, m.maxRestartAttempts)

			if attempts >= m.maxRestartAttempts {
				log.Errorf("max restart attempts (%d) reached, halting supervision", m.maxRestartAttempts)
				m.clearChild(c)
				return
			}

			if !last.IsZero() {
				if wait := m.restartCooldown - time.Since(last); wait > 0 {
					log.Infof("waiting %s before restart (cooldown)", wait.Round(time.Millisecond))
					select {
					case <-m.closed:
						return
					case <-time.After(wait):
					}
				}
			}

			m.childMu.Lock()
			newChild, err := m.spawn()
			if err != nil {
				m.child = nil
			} else {
				m.child = newChild
			}
			m.childMu.Unlock()

			m.restartMu.Lock()
			m.restartAttempts++
			m.lastRestart = time.Now()
			m.restartMu.Unlock()

			if err != nil {
				log.Errorf("respawn failed: %s", err)
				continue
			}
			log.Infow("child restarted", "PID", newChild.pid, "Generation", newChild.generation)
		}
	}()
}

// StartHealthChecks starts the background liveness logger. It only
// observes; corrective action is the crash monitor's job.
func (m *Manager) StartHealthChecks() {
	log := m.log.Named("health")
	go func() {
		ticker := time.NewTicker(m.healthCheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-m.closed:
				return
			case <-ticker.C:
			}

			m.childMu.Lock()
			c := m.child
			m.childMu.Unlock()
			if c != nil {
				log.Debugw("child is alive", "PID", c.pid, "Generation", c.generation)
			} else {
				log.Warn("no child process running")
			}
		}
	}()
}

// HealthCheck reports whether a child handle is currently held.
func (m *Manager) HealthCheck() bool {
	return m.IsRunning()
}

// IsRunning reports whether a child handle is currently held.
func (m *Manager) IsRunning() bool {
	m.childMu.Lock()
	defer m.childMu.Unlock()
	return m.child != nil
}

// PID returns the held child's process ID, if any.
func (m *Manager) PID() (int, bool) {
	m.childMu.Lock()
	defer m.childMu.Unlock()
	if m.child == nil {
		return 0, false
	}
	return m.child.pid, true
}

// Generation returns the held child instance's generation ID, if any.
func (m *Manager) Generation() string {
	m.childMu.Lock()
	defer m.childMu.Unlock()
	if m.child == nil {
		return ""
	}
	return m.child.generation
}

// RestartAttempts returns the crash-restart counter.
func (m *Manager) RestartAttempts() int {
	m.restartMu.Lock()
	defer m.restartMu.Unlock()
	return m.restartAttempts
}

// ShutdownGracefully asks the child to terminate and waits for it to exit,
// polling every 100ms for up to 30s, then force-kills. It returns the
// observed exit code, or -1 when the child had to be force-killed. With no
// held child it is a no-op success.
func (m *Manager) ShutdownGracefully() (int, error) {
	m.childMu.Lock()
	c := m.child
	m.child = nil
	m.childMu.Unlock()

	if c == nil {
		m.log.Debug("no child process to shut down")
		return 0, nil
	}

	m.log.Infow("shutting down child", "PID", c.pid, "Generation", c.generation)
	if err := terminate(c.cmd.Process); err != nil {
		m.log.Debugf("terminate signal failed (process may already be gone): %s", err)
	}

	deadline := time.Now().Add(shutdownTimeout)
	for time.Now().Before(deadline) {
		if status, done := c.exited(); done {
			m.log.Infow("child shut down gracefully", "ExitCode", status.code)
			return status.code, nil
		}
		time.Sleep(shutdownPollInterval)
	}

	m.log.Warnf("child did not exit within %s, force killing", shutdownTimeout)
	if err := c.cmd.Process.Kill(); err != nil {
		return -1, fmt.Errorf("force kill failed: %w", err)
	}
	m.log.Info("child forcefully terminated")
	return -1, nil
}

// Close stops the background loops. It does not touch the child; call
// ShutdownGracefully first.
func (m *Manager) Close() {
	m.closeOnce.Do(func() { close(m.closed) })
}

func (m *Manager) clearChild(c *child) {
	m.childMu.Lock()
	defer m.childMu.Unlock()
	if m.child == c {
		m.child = nil
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
